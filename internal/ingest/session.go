package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
	"bitriver-ingest/internal/registry"
	"bitriver-ingest/internal/rtmp"
	"bitriver-ingest/internal/storage"
	"bitriver-ingest/internal/transcode"
)

// Phase is the protocol state of a session.
type Phase int32

const (
	PhaseHandshaking Phase = iota
	PhaseNegotiated
	PhasePublishing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "handshaking"
	case PhaseNegotiated:
		return "negotiated"
	case PhasePublishing:
		return "publishing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

const (
	serverWindowAckSize = 2_500_000
	serverChunkSize     = 4096
	publishStreamID     = 1
)

// Session drives one connection from handshake to close. Its protocol state
// is touched only by the goroutine running run; Phase and Info are safe to
// call from elsewhere.
type Session struct {
	id     string
	conn   net.Conn
	srv    *Server
	logger *slog.Logger

	reader *rtmp.ChunkReader
	writer *rtmp.ChunkWriter

	phase       atomic.Int32
	connected   bool
	app         string
	tcURL       string
	flashVer    string
	peerWindow  uint32
	lastAckSent uint64
	openedAt    time.Time

	identity  storage.StreamIdentity
	key       string
	proc      *transcode.Process
	startedAt time.Time // registry claim time, as passed to MarkLive

	cleanupOnce sync.Once
}

// SessionInfo is a snapshot of a connected session.
type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remoteAddr"`
	Phase      string    `json:"phase"`
	OpenedAt   time.Time `json:"openedAt"`
}

func newSession(id string, conn net.Conn, srv *Server) *Session {
	s := &Session{
		id:       id,
		conn:     conn,
		srv:      srv,
		reader:   rtmp.NewChunkReader(conn),
		writer:   rtmp.NewChunkWriter(conn),
		openedAt: time.Now().UTC(),
		logger:   srv.logger.With("session_id", id, "remote_addr", conn.RemoteAddr().String()),
	}
	s.reader.SetMaxMessageSize(srv.cfg.MaxMessageSize)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) setPhase(p Phase) { s.phase.Store(int32(p)) }

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.id,
		RemoteAddr: s.conn.RemoteAddr().String(),
		Phase:      s.Phase().String(),
		OpenedAt:   s.openedAt,
	}
}

// run serves the connection until the peer leaves, an error occurs or the
// connection is closed from outside. Cleanup always runs before it returns.
func (s *Session) run(ctx context.Context) error {
	defer s.cleanup(ctx)

	s.setPhase(PhaseHandshaking)
	_ = s.conn.SetDeadline(time.Now().Add(s.srv.cfg.HandshakeTimeout))
	if err := rtmp.ServerHandshake(s.conn); err != nil {
		s.srv.metrics.HandshakeFailed()
		return protocolError("handshake", err)
	}
	_ = s.conn.SetDeadline(time.Time{})
	s.setPhase(PhaseNegotiated)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.ReadTimeout))
		msg, err := s.reader.ReadMessage()
		if err != nil {
			if isClosedConn(err) {
				return nil
			}
			return protocolError("read", err)
		}
		if err := s.handle(ctx, msg); err != nil {
			if errors.Is(err, errSessionDone) {
				return nil
			}
			return err
		}
		if err := s.maybeAcknowledge(); err != nil {
			return err
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (s *Session) handle(ctx context.Context, msg *rtmp.Message) error {
	switch msg.TypeID {
	case rtmp.TypeAudio, rtmp.TypeVideo:
		return s.handleMedia(msg)
	case rtmp.TypeAMF0Command, rtmp.TypeAMF3Command:
		cmd, err := rtmp.ParseCommand(msg)
		if err != nil {
			return protocolError("decode command", err)
		}
		return s.handleCommand(ctx, msg, cmd)
	case rtmp.TypeAMF0Data, rtmp.TypeAMF3Data:
		return s.handleData(msg)
	case rtmp.TypeWindowAckSize:
		if len(msg.Payload) >= 4 {
			s.peerWindow = binary.BigEndian.Uint32(msg.Payload)
		}
	case rtmp.TypeUserControl:
		return s.handleUserControl(msg)
	case rtmp.TypeSetChunkSize, rtmp.TypeAbort, rtmp.TypeAcknowledgement, rtmp.TypeSetPeerBandwidth:
		// Applied by the chunk reader or informational.
	default:
		s.logger.Debug("ignoring message", "type", msg.TypeID, "length", len(msg.Payload))
	}
	return nil
}

func (s *Session) handleCommand(ctx context.Context, msg *rtmp.Message, cmd rtmp.Command) error {
	switch cmd.Name {
	case "connect":
		return s.handleConnect(cmd)
	case "releaseStream", "FCPublish":
		if cmd.TransactionID == 0 {
			return nil
		}
		return s.sendCommand(0, rtmp.String("_result"), rtmp.Number(cmd.TransactionID), rtmp.Null(), rtmp.Undefined())
	case "createStream":
		return s.sendCommand(0, rtmp.String("_result"), rtmp.Number(cmd.TransactionID), rtmp.Null(), rtmp.Number(publishStreamID))
	case "publish":
		return s.handlePublish(ctx, msg, cmd)
	case "FCUnpublish", "deleteStream", "closeStream":
		s.logger.Debug("peer ended stream", "command", cmd.Name)
		return errSessionDone
	default:
		s.logger.Debug("ignoring command", "command", cmd.Name)
		return nil
	}
}

func (s *Session) handleConnect(cmd rtmp.Command) error {
	if s.connected {
		return protocolError("connect", errors.New("duplicate connect"))
	}
	s.connected = true
	s.app = cmd.Object.GetString("app")
	s.tcURL = cmd.Object.GetString("tcUrl")
	s.flashVer = cmd.Object.GetString("flashVer")
	s.logger.Debug("rtmp connect", "app", s.app, "tc_url", s.tcURL, "flash_ver", s.flashVer)

	control := []*rtmp.Message{
		rtmp.WindowAckSizeMessage(serverWindowAckSize),
		rtmp.SetPeerBandwidthMessage(serverWindowAckSize, rtmp.LimitDynamic),
		rtmp.SetChunkSizeMessage(serverChunkSize),
	}
	for _, msg := range control {
		if err := s.write(rtmp.ChunkStreamControl, msg); err != nil {
			return err
		}
	}
	if err := s.writer.SetChunkSize(serverChunkSize); err != nil {
		return err
	}

	properties := rtmp.Object(
		rtmp.Prop("fmsVer", rtmp.String("FMS/3,0,1,123")),
		rtmp.Prop("capabilities", rtmp.Number(31)),
	)
	information := rtmp.Object(
		rtmp.Prop("level", rtmp.String("status")),
		rtmp.Prop("code", rtmp.String(CodeConnectSuccess)),
		rtmp.Prop("description", rtmp.String("Connection succeeded.")),
		rtmp.Prop("objectEncoding", rtmp.Number(0)),
	)
	return s.sendCommand(0, rtmp.String("_result"), rtmp.Number(cmd.TransactionID), properties, information)
}

// handlePublish authorizes the key and brings the stream up. The registry
// claim comes first so two sessions racing for one key cannot both start
// an encoder.
func (s *Session) handlePublish(ctx context.Context, msg *rtmp.Message, cmd rtmp.Command) error {
	switch {
	case s.Phase() == PhasePublishing:
		return protocolError("publish", errors.New("publish on a publishing session"))
	case !s.connected:
		return protocolError("publish", errors.New("publish before connect"))
	}
	streamID := msg.StreamID
	if streamID == 0 {
		streamID = publishStreamID
	}

	name, _ := cmd.Arg(0).AsString()
	identity, err := s.srv.validator.Resolve(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			s.srv.metrics.ObservePublish(metrics.PublishFailed)
			return s.reject(streamID, CodePublishFailed, err)
		}
		s.srv.metrics.ObservePublish(metrics.PublishUnauthorized)
		return s.reject(streamID, CodePublishBadName, err)
	}
	key := identity.Key
	ctx = logging.ContextWithStreamKey(ctx, key)
	logger := logging.WithContext(ctx, s.srv.logger).With(
		"remote_addr", s.conn.RemoteAddr().String(),
		"account_id", identity.AccountID,
	)

	entry, err := s.srv.registry.Acquire(ctx, key, registry.Claim{
		Owner:      s.id,
		AccountID:  identity.AccountID,
		RemoteAddr: s.conn.RemoteAddr().String(),
		Conn:       s.conn,
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyLive) {
			s.srv.metrics.ObservePublish(metrics.PublishAlreadyLive)
			return s.reject(streamID, CodePublishBadName, fmt.Errorf("%w: %v", ErrStreamAlreadyLive, err))
		}
		s.srv.metrics.ObservePublish(metrics.PublishFailed)
		return s.reject(streamID, CodePublishFailed, err)
	}

	// The claim makes any encoder still registered for key a leftover, so
	// a fresh one is always started.
	proc, err := s.srv.supervisor.Restart(ctx, key)
	if err != nil {
		s.srv.registry.Release(ctx, key, s.id)
		s.srv.metrics.ObservePublish(metrics.PublishFailed)
		return s.reject(streamID, CodePublishFailed, &ProcessError{Key: key, Err: err})
	}

	startedAt := entry.StartedAt.UTC()
	err = s.srv.registry.Attach(ctx, key, s.id, proc.PID())
	if err == nil {
		err = s.srv.store.MarkLive(ctx, key, startedAt)
	}
	if err != nil {
		s.abandon(ctx, key, proc)
		s.srv.metrics.ObservePublish(metrics.PublishFailed)
		return s.reject(streamID, CodePublishFailed, err)
	}

	s.identity = identity
	s.key = key
	s.startedAt = startedAt
	s.proc = proc
	s.logger = logger
	s.setPhase(PhasePublishing)
	s.srv.metrics.ObservePublish(metrics.PublishAccepted)
	logger.Info("stream published", "pid", proc.PID(), "app", s.app)

	if err := s.write(rtmp.ChunkStreamControl, rtmp.UserControlMessage(rtmp.EventStreamBegin, streamID)); err != nil {
		return err
	}
	return s.sendStatus(streamID, "status", CodePublishStart, "Stream is now published.")
}

// abandon undoes a half-finished publish.
func (s *Session) abandon(ctx context.Context, key string, proc *transcode.Process) {
	if err := s.srv.supervisor.StopProcess(ctx, key, proc.PID()); err != nil && !errors.Is(err, transcode.ErrNotRunning) {
		s.logger.Warn("stop encoder after failed publish", logging.StreamKeyAttr(key), "error", err)
	}
	s.srv.registry.Release(ctx, key, s.id)
}

// reject tells the peer why its publish failed. The returned error closes
// the session.
func (s *Session) reject(streamID uint32, code string, cause error) error {
	authErr := &AuthorizationError{Code: code, Err: cause}
	description := "Publish failed."
	if code == CodePublishBadName {
		description = "Stream key rejected."
	}
	if err := s.sendStatus(streamID, "error", code, description); err != nil {
		s.logger.Debug("send publish rejection failed", "error", err)
	}
	return authErr
}

func (s *Session) handleMedia(msg *rtmp.Message) error {
	if s.Phase() != PhasePublishing {
		s.logger.Debug("media before publish ignored", "type", msg.TypeID, "length", len(msg.Payload))
		return nil
	}
	kind := "video"
	if msg.TypeID == rtmp.TypeAudio {
		kind = "audio"
	}
	return s.feed(kind, transcode.Tag{Type: msg.TypeID, Timestamp: msg.Timestamp, Data: msg.Payload})
}

// handleData forwards stream metadata to the encoder as an FLV script tag,
// dropping the @setDataFrame wrapper.
func (s *Session) handleData(msg *rtmp.Message) error {
	if s.Phase() != PhasePublishing {
		return nil
	}
	cmd, err := rtmp.ParseCommand(msg)
	if err != nil {
		return protocolError("decode data", err)
	}
	var values []rtmp.Value
	switch cmd.Name {
	case "@setDataFrame":
		values = cmd.Args
	case "onMetaData":
		values = append([]rtmp.Value{rtmp.String(cmd.Name)}, cmd.Args...)
	default:
		s.logger.Debug("ignoring data message", "name", cmd.Name)
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	payload, err := rtmp.EncodeValues(values...)
	if err != nil {
		return protocolError("encode metadata", err)
	}
	return s.feed("data", transcode.Tag{Type: transcode.TagScript, Timestamp: msg.Timestamp, Data: payload})
}

func (s *Session) feed(kind string, tag transcode.Tag) error {
	if err := s.proc.Feed(tag); err != nil {
		return &ProcessError{Key: s.key, Err: err}
	}
	s.srv.metrics.AddMediaBytes(kind, len(tag.Data))
	if !s.srv.registry.Heartbeat(s.key, len(tag.Data)) {
		return fmt.Errorf("stream no longer registered")
	}
	return nil
}

func (s *Session) handleUserControl(msg *rtmp.Message) error {
	if len(msg.Payload) < 6 {
		return nil
	}
	if binary.BigEndian.Uint16(msg.Payload) != rtmp.EventPingRequest {
		return nil
	}
	timestamp := binary.BigEndian.Uint32(msg.Payload[2:6])
	return s.write(rtmp.ChunkStreamControl, rtmp.UserControlMessage(rtmp.EventPingReply, timestamp))
}

// maybeAcknowledge sends an Acknowledgement once the peer's window of bytes
// has been received.
func (s *Session) maybeAcknowledge() error {
	if s.peerWindow == 0 {
		return nil
	}
	read := s.reader.BytesRead()
	if read-s.lastAckSent < uint64(s.peerWindow) {
		return nil
	}
	s.lastAckSent = read
	return s.write(rtmp.ChunkStreamControl, rtmp.AcknowledgementMessage(uint32(read)))
}

func (s *Session) sendStatus(streamID uint32, level, code, description string) error {
	info := rtmp.Object(
		rtmp.Prop("level", rtmp.String(level)),
		rtmp.Prop("code", rtmp.String(code)),
		rtmp.Prop("description", rtmp.String(description)),
	)
	return s.sendCommand(streamID, rtmp.String("onStatus"), rtmp.Number(0), rtmp.Null(), info)
}

func (s *Session) sendCommand(streamID uint32, values ...rtmp.Value) error {
	msg, err := rtmp.CommandMessage(streamID, values...)
	if err != nil {
		return protocolError("encode command", err)
	}
	return s.write(rtmp.ChunkStreamCommand, msg)
}

func (s *Session) write(csid uint32, msg *rtmp.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
	if err := s.writer.WriteMessage(csid, msg); err != nil {
		return protocolError("write", err)
	}
	return nil
}

// cleanup tears the stream down exactly once: the encoder is stopped and the
// registry entry released only while this session still owns them, and the
// store is told the stream is offline only by whoever released the entry.
func (s *Session) cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		s.setPhase(PhaseClosed)
		_ = s.conn.Close()
		if s.key == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.srv.cfg.StopGrace+5*time.Second)
		defer cancel()

		if entry, ok := s.srv.registry.Get(s.key); ok && entry.Owner == s.id {
			if err := s.srv.supervisor.StopProcess(ctx, s.key, s.proc.PID()); err != nil && !errors.Is(err, transcode.ErrNotRunning) {
				s.logger.Warn("stop encoder failed", "error", err)
			}
		}
		if !s.srv.registry.Release(ctx, s.key, s.id) {
			return
		}
		if err := s.srv.store.MarkOffline(ctx, s.key, s.startedAt, time.Now().UTC()); err != nil {
			s.logger.Warn("mark stream offline failed", "error", err)
		}
		s.logger.Info("stream ended")
	})
}
