package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned by a KeyValidator for unknown or inactive keys.
	ErrUnauthorized = errors.New("stream key not authorized")
	// ErrStreamAlreadyLive is returned when another publisher holds the key.
	ErrStreamAlreadyLive = errors.New("stream already live")

	errSessionDone = errors.New("session finished by peer")
)

// Status codes sent in onStatus replies.
const (
	CodeConnectSuccess = "NetConnection.Connect.Success"
	CodePublishStart   = "NetStream.Publish.Start"
	CodePublishBadName = "NetStream.Publish.BadName"
	CodePublishFailed  = "NetStream.Publish.Failed"
)

// ProtocolError is a connection-fatal violation of the wire protocol: bad
// handshake, malformed chunk, undecodable command or an illegal transition.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rtmp %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// AuthorizationError is a rejected publish. The peer receives Code in an
// error onStatus before the connection closes.
type AuthorizationError struct {
	Code string
	Err  error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("publish rejected (%s): %v", e.Code, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// ProcessError reports an encoder that could not be started or fed.
type ProcessError struct {
	Key string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("encoder for stream: %v", e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
