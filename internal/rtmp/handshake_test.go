package rtmp

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedConn struct {
	io.Reader
	out bytes.Buffer
}

func (c *scriptedConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestHandshakeOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, server.SetDeadline(deadline))
	require.NoError(t, client.SetDeadline(deadline))

	errc := make(chan error, 1)
	go func() { errc <- ServerHandshake(server) }()

	require.NoError(t, ClientHandshake(client))
	require.NoError(t, <-errc)
}

func TestServerHandshakeEchoesC1(t *testing.T) {
	c1 := bytes.Repeat([]byte{0xAB}, HandshakeSize)
	input := append([]byte{Version}, c1...)
	input = append(input, make([]byte, HandshakeSize)...)
	conn := &scriptedConn{Reader: bytes.NewReader(input)}

	require.NoError(t, ServerHandshake(conn))
	out := conn.out.Bytes()
	require.Len(t, out, 1+2*HandshakeSize)
	require.Equal(t, byte(Version), out[0])
	require.Equal(t, []byte{0, 0, 0, 0}, out[5:9])
	require.Equal(t, c1, out[1+HandshakeSize:])
}

func TestServerHandshakeRejectsVersion(t *testing.T) {
	input := append([]byte{6}, make([]byte, HandshakeSize)...)
	conn := &scriptedConn{Reader: bytes.NewReader(input)}
	err := ServerHandshake(conn)
	require.ErrorIs(t, err, ErrInvalidVersion)
	require.Zero(t, conn.out.Len(), "nothing is written after a bad version")
}

func TestServerHandshakeTruncated(t *testing.T) {
	cases := map[string][]byte{
		"empty":      nil,
		"short c1":   append([]byte{Version}, make([]byte, 100)...),
		"missing c2": append([]byte{Version}, make([]byte, HandshakeSize)...),
		"short c2":   append([]byte{Version}, make([]byte, HandshakeSize+10)...),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			err := ServerHandshake(&scriptedConn{Reader: bytes.NewReader(input)})
			require.Error(t, err)
		})
	}
}
