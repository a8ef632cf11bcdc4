package ingest

import (
	"bytes"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"bitriver-ingest/internal/rtmp"
)

func TestPublishEndToEnd(t *testing.T) {
	h := newHarness(t, catEncoder, nil)
	h.store.AddStream("abc123", "acct-1", "Morning show")

	client := dial(t, h.addr)
	client.connect()
	streamID := client.createStream()

	info := client.publish(streamID, "abc123")
	if code := info.GetString("code"); code != CodePublishStart {
		t.Fatalf("expected %s, got %q (%s)", CodePublishStart, code, info.GetString("description"))
	}

	entry, ok := h.registry.Get("abc123")
	if !ok {
		t.Fatal("expected registry entry after publish")
	}
	if entry.AccountID != "acct-1" || entry.PID == 0 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	proc, ok := h.supervisor.Lookup("abc123")
	if !ok || proc.PID() != entry.PID {
		t.Fatalf("expected encoder pid %d to be running", entry.PID)
	}
	if !h.store.IsLive("abc123") {
		t.Fatal("expected store to mark the stream live")
	}

	video := bytes.Repeat([]byte{0x17}, 500)
	client.sendMedia(rtmp.TypeVideo, streamID, 0, video)

	want := int64(13 + 11 + 500 + 4)
	waitFor(t, 5*time.Second, func() bool {
		stat, err := os.Stat(proc.Plan().Playlist)
		return err == nil && stat.Size() == want
	})
	waitFor(t, time.Second, func() bool {
		entry, ok := h.registry.Get("abc123")
		return ok && entry.Bytes == 500
	})

	_ = client.conn.Close()

	waitFor(t, 5*time.Second, func() bool {
		return !h.registry.IsLive("abc123") && !h.supervisor.IsActive("abc123")
	})
	select {
	case <-proc.Done():
	default:
		t.Fatal("expected encoder to have exited")
	}
	waitFor(t, time.Second, func() bool { return !h.store.IsLive("abc123") })

	history := h.store.History()
	if len(history) != 2 || !history[0].Live || history[1].Live {
		t.Fatalf("expected live then offline, got %+v", history)
	}
	if history[1].At.IsZero() || history[1].At.Before(history[0].At) {
		t.Fatalf("expected an end timestamp after the start, got %+v", history)
	}
}

func TestPublishUnknownKeyRejected(t *testing.T) {
	h := newHarness(t, catEncoder, nil)

	client := dial(t, h.addr)
	client.connect()
	streamID := client.createStream()

	info := client.publish(streamID, "unknown-key")
	if info.GetString("level") != "error" || info.GetString("code") != CodePublishBadName {
		t.Fatalf("expected bad name error, got level=%q code=%q", info.GetString("level"), info.GetString("code"))
	}
	client.expectClosed()

	if h.registry.Len() != 0 {
		t.Fatalf("expected no registry entries, got %d", h.registry.Len())
	}
	if snapshot := h.supervisor.Snapshot(); len(snapshot) != 0 {
		t.Fatalf("expected no encoders, got %+v", snapshot)
	}
	if history := h.store.History(); len(history) != 0 {
		t.Fatalf("expected no liveness changes, got %+v", history)
	}
}

func TestPublishAcceptsQueryString(t *testing.T) {
	h := newHarness(t, catEncoder, nil)
	h.store.AddStream("abc123", "acct-1", "")

	client := dial(t, h.addr)
	client.connect()
	streamID := client.createStream()

	if code := client.publish(streamID, "abc123?token=secret").GetString("code"); code != CodePublishStart {
		t.Fatalf("expected publish to start, got %q", code)
	}
	if !h.registry.IsLive("abc123") {
		t.Fatal("expected canonical key to be live")
	}
}

func TestConcurrentPublishSameKey(t *testing.T) {
	h := newHarness(t, catEncoder, nil)
	h.store.AddStream("abc123", "acct-1", "")

	clients := []*testClient{dial(t, h.addr), dial(t, h.addr)}
	ids := make([]uint32, len(clients))
	for i, client := range clients {
		client.connect()
		ids[i] = client.createStream()
	}

	codes := make([]string, len(clients))
	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func(i int, client *testClient) {
			defer wg.Done()
			client.sendPublish(ids[i], "abc123")
		}(i, client)
	}
	wg.Wait()
	for i, client := range clients {
		codes[i] = client.expect("onStatus").Arg(0).GetString("code")
	}

	var started, rejected int
	for _, code := range codes {
		switch code {
		case CodePublishStart:
			started++
		case CodePublishBadName:
			rejected++
		}
	}
	if started != 1 || rejected != 1 {
		t.Fatalf("expected one winner and one rejection, got %v", codes)
	}
	if h.registry.Len() != 1 || len(h.supervisor.Snapshot()) != 1 {
		t.Fatalf("expected exactly one live stream and encoder")
	}
}

func TestSecondPublishClosesSession(t *testing.T) {
	h := newHarness(t, catEncoder, nil)
	h.store.AddStream("abc123", "acct-1", "")
	h.store.AddStream("def456", "acct-1", "")

	client := dial(t, h.addr)
	client.connect()
	streamID := client.createStream()
	if code := client.publish(streamID, "abc123").GetString("code"); code != CodePublishStart {
		t.Fatalf("expected publish to start, got %q", code)
	}

	client.sendPublish(streamID, "def456")
	client.expectClosed()

	waitFor(t, 5*time.Second, func() bool { return h.registry.Len() == 0 && len(h.supervisor.Snapshot()) == 0 })
	if h.store.IsLive("abc123") || h.store.IsLive("def456") {
		t.Fatal("expected both streams offline")
	}
}

func TestUnpublishEndsStream(t *testing.T) {
	h := newHarness(t, catEncoder, nil)
	h.store.AddStream("abc123", "acct-1", "")

	client := dial(t, h.addr)
	client.connect()
	streamID := client.createStream()
	if code := client.publish(streamID, "abc123").GetString("code"); code != CodePublishStart {
		t.Fatalf("expected publish to start, got %q", code)
	}
	client.send(0, "FCUnpublish", rtmp.Null(), rtmp.String("abc123"))
	client.expectClosed()

	waitFor(t, 5*time.Second, func() bool { return !h.registry.IsLive("abc123") && !h.store.IsLive("abc123") })
}

func TestEncoderExitTakesStreamOffline(t *testing.T) {
	h := newHarness(t, "sleep 1\nexit 1", nil)
	h.store.AddStream("abc123", "acct-1", "")

	client := dial(t, h.addr)
	client.connect()
	streamID := client.createStream()
	if code := client.publish(streamID, "abc123").GetString("code"); code != CodePublishStart {
		t.Fatalf("expected publish to start, got %q", code)
	}

	client.expectClosed()
	waitFor(t, 5*time.Second, func() bool { return !h.registry.IsLive("abc123") && !h.store.IsLive("abc123") })
	if history := h.store.History(); len(history) != 2 {
		t.Fatalf("expected one live and one offline event, got %+v", history)
	}
}

func TestMetadataForwardedAsScriptTag(t *testing.T) {
	h := newHarness(t, catEncoder, nil)
	h.store.AddStream("abc123", "acct-1", "")

	client := dial(t, h.addr)
	client.connect()
	streamID := client.createStream()
	if code := client.publish(streamID, "abc123").GetString("code"); code != CodePublishStart {
		t.Fatalf("expected publish to start, got %q", code)
	}
	proc, ok := h.supervisor.Lookup("abc123")
	if !ok {
		t.Fatal("expected encoder")
	}

	payload, err := rtmp.EncodeValues(
		rtmp.String("@setDataFrame"),
		rtmp.String("onMetaData"),
		rtmp.ECMAArray(rtmp.Prop("width", rtmp.Number(1280))),
	)
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	client.sendMedia(rtmp.TypeAMF0Data, streamID, 0, payload)

	expected, err := rtmp.EncodeValues(
		rtmp.String("onMetaData"),
		rtmp.ECMAArray(rtmp.Prop("width", rtmp.Number(1280))),
	)
	if err != nil {
		t.Fatalf("encode expected metadata: %v", err)
	}
	want := int64(13 + 11 + len(expected) + 4)
	waitFor(t, 5*time.Second, func() bool {
		stat, err := os.Stat(proc.Plan().Playlist)
		return err == nil && stat.Size() == want
	})
	data, err := os.ReadFile(proc.Plan().Playlist)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if data[13] != 18 || !bytes.Equal(data[24:24+len(expected)], expected) {
		t.Fatalf("unexpected script tag % x", data[13:])
	}
}

func TestServerRejectsBeyondCapacity(t *testing.T) {
	h := newHarness(t, catEncoder, func(cfg *ServerConfig) { cfg.MaxConnections = 1 })

	first := dial(t, h.addr)
	first.connect()

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the second connection to be closed")
	} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatal("expected the second connection to be closed, read timed out")
	}
	if sessions := h.server.Sessions(); len(sessions) != 1 || sessions[0].Phase != PhaseNegotiated.String() {
		t.Fatalf("expected one negotiated session, got %+v", sessions)
	}
}

func TestHandshakeVersionMismatchClosesConnection(t *testing.T) {
	h := newHarness(t, catEncoder, nil)

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(append([]byte{6}, make([]byte, 1536)...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	waitFor(t, time.Second, func() bool { return len(h.server.Sessions()) == 0 })
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		PhaseHandshaking: "handshaking",
		PhaseNegotiated:  "negotiated",
		PhasePublishing:  "publishing",
		PhaseClosed:      "closed",
		Phase(9):         "phase(9)",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
