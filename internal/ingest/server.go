package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
	"bitriver-ingest/internal/registry"
	"bitriver-ingest/internal/rtmp"
	"bitriver-ingest/internal/storage"
	"bitriver-ingest/internal/transcode"
)

// ServerConfig holds the listener's network settings.
type ServerConfig struct {
	Addr             string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxConnections   int
	MaxMessageSize   uint32
	// StopGrace bounds how long session cleanup waits on an encoder.
	StopGrace time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":1935"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 512
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = rtmp.DefaultMaxMessageSize
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	return c
}

// Dependencies are the collaborators every session shares.
type Dependencies struct {
	Validator  KeyValidator
	Registry   *registry.Registry
	Supervisor *transcode.Supervisor
	Store      storage.LivenessStore
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// Server accepts RTMP connections and runs one Session per connection.
type Server struct {
	cfg        ServerConfig
	validator  KeyValidator
	registry   *registry.Registry
	supervisor *transcode.Supervisor
	store      storage.LivenessStore
	metrics    *metrics.Recorder
	logger     *slog.Logger

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session
	closed   bool
}

// NewServer wires the server and registers it as the supervisor's exit
// handler so streams whose encoder dies are taken offline.
func NewServer(cfg ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Validator == nil {
		return nil, errors.New("ingest server requires a key validator")
	}
	if deps.Registry == nil || deps.Supervisor == nil || deps.Store == nil {
		return nil, errors.New("ingest server requires a registry, a supervisor and a store")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		validator:  deps.Validator,
		registry:   deps.Registry,
		supervisor: deps.Supervisor,
		store:      deps.Store,
		metrics:    deps.Metrics,
		logger:     logging.WithComponent(logger, "rtmp"),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		sessions:   make(map[string]*Session),
	}
	deps.Supervisor.SetExitHandler(s.handleEncoderExit)
	return s, nil
}

// ListenAndServe binds the configured address and serves until ctx ends.
// A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Shutdown is
// called. Connections beyond MaxConnections are closed immediately.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("rtmp listener started", "addr", ln.Addr().String(), "max_connections", s.cfg.MaxConnections)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		if !s.slots.TryAcquire(1) {
			s.metrics.ConnectionRejected()
			s.logger.Warn("connection limit reached, rejecting", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		s.metrics.ConnectionAccepted()

		session := newSession(uuid.NewString(), conn, s)
		if !s.track(session) {
			s.slots.Release(1)
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.serveSession(ctx, session)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	current *= 2
	if current > time.Second {
		current = time.Second
	}
	return current
}

func (s *Server) serveSession(ctx context.Context, session *Session) {
	defer s.wg.Done()
	defer s.slots.Release(1)
	defer s.untrack(session)

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	sessionCtx := logging.ContextWithSessionID(ctx, session.ID())
	err := session.run(sessionCtx)

	var (
		protoErr *ProtocolError
		authErr  *AuthorizationError
		procErr  *ProcessError
	)
	switch {
	case err == nil:
		session.logger.Debug("session closed")
	case errors.As(err, &authErr):
		session.logger.Warn("publish rejected", "code", authErr.Code, "error", authErr.Err)
	case errors.As(err, &procErr):
		session.logger.Warn("session closed by encoder failure", "error", procErr.Err)
	case errors.As(err, &protoErr):
		session.logger.Info("session closed on protocol error", "error", err)
	default:
		session.logger.Warn("session closed", "error", err)
	}
}

func (s *Server) track(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[session.ID()] = session
	return true
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID())
	s.mu.Unlock()
}

// Sessions lists connected sessions ordered by open time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		infos = append(infos, session.Info())
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].OpenedAt.Before(infos[j].OpenedAt) })
	return infos
}

// Addr returns the bound address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every connection and waits for their
// cleanup, which stops the encoders they own.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, session := range s.sessions {
		_ = session.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEncoderExit runs when an encoder exits without being asked to. If
// it still serves the registered stream, the stream is taken offline and
// its publisher disconnected.
func (s *Server) handleEncoderExit(info transcode.ExitInfo) {
	if info.Stopped {
		return
	}
	entry, ok := s.registry.Get(info.Key)
	if !ok || entry.PID != info.PID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !s.registry.Release(ctx, info.Key, entry.Owner) {
		return
	}
	if err := s.store.MarkOffline(ctx, info.Key, entry.StartedAt, time.Now().UTC()); err != nil {
		s.logger.Warn("mark stream offline failed", logging.StreamKeyAttr(info.Key), "error", err)
	}
	if conn := entry.Conn(); conn != nil {
		_ = conn.Close()
	}
	s.logger.Warn("encoder exited while live, stream closed",
		logging.StreamKeyAttr(info.Key), "pid", info.PID, "exit_status", info.ExitStatus, "result", info.Result())
}
