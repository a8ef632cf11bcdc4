package ingest

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
	"bitriver-ingest/internal/registry"
	"bitriver-ingest/internal/rtmp"
	"bitriver-ingest/internal/storage"
	"bitriver-ingest/internal/transcode"
)

const catEncoder = `exec cat > "$last"`

type harness struct {
	store      *storage.MemoryStore
	registry   *registry.Registry
	supervisor *transcode.Supervisor
	server     *Server
	metrics    *metrics.Recorder
	addr       string
}

// newHarness serves RTMP on a loopback port with a shell script standing in
// for ffmpeg. The script gets the real argument list, so "$last" is the
// playlist path.
func newHarness(t *testing.T, encoderBody string, mutate func(*ServerConfig)) *harness {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nfor last; do :; done\n"+encoderBody+"\n"), 0o755); err != nil {
		t.Fatalf("write encoder script: %v", err)
	}

	logger := logging.Discard()
	recorder := metrics.New()
	store := storage.NewMemoryStore()
	reg := registry.New(registry.WithLogger(logger))
	sup := transcode.NewSupervisor(transcode.Config{
		Profile:   transcode.Profile{Binary: script, OutputRoot: t.TempDir()},
		StopGrace: time.Second,
		Logger:    logger,
		Metrics:   recorder,
	})

	cfg := ServerConfig{
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
		MaxConnections:   16,
		StopGrace:        time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg, Dependencies{
		Validator:  NewStoreValidator(store, time.Second),
		Registry:   reg,
		Supervisor: sup,
		Store:      store,
		Metrics:    recorder,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		sup.StopAll(shutdownCtx)
		if err := <-served; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	return &harness{
		store:      store,
		registry:   reg,
		supervisor: sup,
		server:     server,
		metrics:    recorder,
		addr:       ln.Addr().String(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// testClient is a minimal publishing encoder.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *rtmp.ChunkReader
	w    *rtmp.ChunkWriter
	txn  float64
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := rtmp.ClientHandshake(conn); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	return &testClient{t: t, conn: conn, r: rtmp.NewChunkReader(conn), w: rtmp.NewChunkWriter(conn)}
}

func (c *testClient) send(streamID uint32, name string, object rtmp.Value, args ...rtmp.Value) float64 {
	c.t.Helper()
	c.txn++
	values := append([]rtmp.Value{rtmp.String(name), rtmp.Number(c.txn), object}, args...)
	msg, err := rtmp.CommandMessage(streamID, values...)
	if err != nil {
		c.t.Fatalf("encode %s: %v", name, err)
	}
	if err := c.w.WriteMessage(rtmp.ChunkStreamCommand, msg); err != nil {
		c.t.Fatalf("send %s: %v", name, err)
	}
	return c.txn
}

// expect reads until a command called name arrives.
func (c *testClient) expect(name string) rtmp.Command {
	c.t.Helper()
	for {
		msg, err := c.r.ReadMessage()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", name, err)
		}
		if msg.TypeID != rtmp.TypeAMF0Command {
			continue
		}
		cmd, err := rtmp.ParseCommand(msg)
		if err != nil {
			c.t.Fatalf("decode reply: %v", err)
		}
		if cmd.Name == name {
			return cmd
		}
	}
}

// expectClosed drains the connection until the server closes it.
func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		if _, err := c.r.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.t.Fatalf("server did not close the connection")
			}
			return
		}
	}
}

func (c *testClient) connect() {
	c.t.Helper()
	txn := c.send(0, "connect", rtmp.Object(
		rtmp.Prop("app", rtmp.String("live")),
		rtmp.Prop("tcUrl", rtmp.String("rtmp://127.0.0.1/live")),
		rtmp.Prop("flashVer", rtmp.String("FMLE/3.0")),
	))
	reply := c.expect("_result")
	if reply.TransactionID != txn {
		c.t.Fatalf("expected connect result for txn %v, got %v", txn, reply.TransactionID)
	}
	if code := reply.Arg(0).GetString("code"); code != CodeConnectSuccess {
		c.t.Fatalf("expected %s, got %q", CodeConnectSuccess, code)
	}
	if c.r.ChunkSize() != serverChunkSize {
		c.t.Fatalf("expected server chunk size %d, got %d", serverChunkSize, c.r.ChunkSize())
	}
}

func (c *testClient) createStream() uint32 {
	c.t.Helper()
	c.send(0, "releaseStream", rtmp.Null(), rtmp.String("ignored"))
	c.expect("_result")
	c.send(0, "createStream", rtmp.Null())
	reply := c.expect("_result")
	id, ok := reply.Arg(0).AsNumber()
	if !ok {
		c.t.Fatalf("createStream returned %v", reply.Arg(0).Kind())
	}
	return uint32(id)
}

// publish sends publish and returns the onStatus info object.
func (c *testClient) publish(streamID uint32, name string) rtmp.Value {
	c.t.Helper()
	c.sendPublish(streamID, name)
	return c.expect("onStatus").Arg(0)
}

func (c *testClient) sendPublish(streamID uint32, name string) {
	c.t.Helper()
	c.txn++
	msg, err := rtmp.CommandMessage(streamID,
		rtmp.String("publish"), rtmp.Number(c.txn), rtmp.Null(), rtmp.String(name), rtmp.String("live"))
	if err != nil {
		c.t.Fatalf("encode publish: %v", err)
	}
	if err := c.w.WriteMessage(8, msg); err != nil {
		c.t.Fatalf("send publish: %v", err)
	}
}

func (c *testClient) sendMedia(typeID uint8, streamID, timestamp uint32, payload []byte) {
	c.t.Helper()
	msg := &rtmp.Message{TypeID: typeID, StreamID: streamID, Timestamp: timestamp, Payload: payload}
	if err := c.w.WriteMessage(6, msg); err != nil {
		c.t.Fatalf("send media: %v", err)
	}
}
