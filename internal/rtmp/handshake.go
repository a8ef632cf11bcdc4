package rtmp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	Version       = 3
	HandshakeSize = 1536
)

// ErrInvalidVersion is returned when C0 carries an unsupported protocol version.
var ErrInvalidVersion = errors.New("invalid rtmp version")

// ServerHandshake performs the server side of the simple handshake:
// C0+C1 in, S0+S1 and S2 out, C2 in. S2 echoes C1 and the content of C2 is
// only length-checked. Deadlines are the caller's responsibility.
func ServerHandshake(rw io.ReadWriter) error {
	var c0 [1]byte
	if _, err := io.ReadFull(rw, c0[:]); err != nil {
		return fmt.Errorf("read c0: %w", err)
	}
	if c0[0] != Version {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, c0[0])
	}

	c1 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c1); err != nil {
		return fmt.Errorf("read c1: %w", err)
	}

	s0s1 := make([]byte, 1+HandshakeSize)
	s0s1[0] = Version
	binary.BigEndian.PutUint32(s0s1[1:5], uint32(time.Now().Unix()))
	if _, err := rand.Read(s0s1[9:]); err != nil {
		return fmt.Errorf("generate s1: %w", err)
	}
	if _, err := rw.Write(s0s1); err != nil {
		return fmt.Errorf("write s0s1: %w", err)
	}
	if _, err := rw.Write(c1); err != nil {
		return fmt.Errorf("write s2: %w", err)
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(rw, c2); err != nil {
		return fmt.Errorf("read c2: %w", err)
	}
	return nil
}

// ClientHandshake performs the client side of the simple handshake. The
// gateway never dials out; tests use it to drive a server.
func ClientHandshake(rw io.ReadWriter) error {
	c0c1 := make([]byte, 1+HandshakeSize)
	c0c1[0] = Version
	binary.BigEndian.PutUint32(c0c1[1:5], uint32(time.Now().Unix()))
	if _, err := rand.Read(c0c1[9:]); err != nil {
		return fmt.Errorf("generate c1: %w", err)
	}
	if _, err := rw.Write(c0c1); err != nil {
		return fmt.Errorf("write c0c1: %w", err)
	}

	s0s1s2 := make([]byte, 1+2*HandshakeSize)
	if _, err := io.ReadFull(rw, s0s1s2); err != nil {
		return fmt.Errorf("read s0s1s2: %w", err)
	}
	if s0s1s2[0] != Version {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, s0s1s2[0])
	}
	// C2 echoes S1.
	if _, err := rw.Write(s0s1s2[1 : 1+HandshakeSize]); err != nil {
		return fmt.Errorf("write c2: %w", err)
	}
	return nil
}
