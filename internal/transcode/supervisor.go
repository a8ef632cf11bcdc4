package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
)

var (
	// ErrNotRunning is returned when no encoder is registered for a key, or
	// the registered one is not the process the caller expected.
	ErrNotRunning = errors.New("encoder not running")
	// ErrEncoderStart wraps spawn failures.
	ErrEncoderStart = errors.New("encoder failed to start")
)

// Exit results reported to metrics and ExitInfo.Result.
const (
	ExitClean   = "clean"
	ExitError   = "error"
	ExitStopped = "stopped"
)

const defaultStopGrace = 10 * time.Second

// ExitInfo describes how an encoder process ended.
type ExitInfo struct {
	Key        string
	PID        int
	ExitStatus int
	Err        error
	// Stopped is true when the exit followed a Stop request.
	Stopped  bool
	Duration time.Duration
	// Tail holds the last lines the encoder wrote to stderr.
	Tail []string
}

// Result classifies the exit as clean, error or stopped.
func (e ExitInfo) Result() string {
	switch {
	case e.Stopped:
		return ExitStopped
	case e.Err == nil && e.ExitStatus == 0:
		return ExitClean
	default:
		return ExitError
	}
}

// ProcessInfo is a snapshot of a running encoder.
type ProcessInfo struct {
	Key       string    `json:"key"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	HLSDir    string    `json:"hlsDir"`
	DASHDir   string    `json:"dashDir"`
	Command   []string  `json:"command"`
	BytesFed  uint64    `json:"bytesFed"`
}

// Process is one running encoder fed over stdin.
type Process struct {
	key       string
	plan      *Plan
	cmd       *exec.Cmd
	startedAt time.Time

	feedMu      sync.Mutex
	stdin       io.WriteCloser
	flv         *FLVWriter
	inputOnce   sync.Once
	inputClosed atomic.Bool

	stopping atomic.Bool
	bytesFed atomic.Uint64
	stderr   *logWriter

	done chan struct{}
	exit ExitInfo
}

func (p *Process) Key() string { return p.key }

func (p *Process) PID() int { return p.cmd.Process.Pid }

func (p *Process) Plan() *Plan { return p.plan }

// Done is closed once the process has exited and its record is removed.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the exit report. It is only meaningful once Done is closed.
func (p *Process) Exit() ExitInfo {
	<-p.done
	return p.exit
}

// Feed writes tag to the encoder's stdin. Writes are serialized per process
// so tags never interleave.
func (p *Process) Feed(tag Tag) error {
	p.feedMu.Lock()
	defer p.feedMu.Unlock()
	if p.inputClosed.Load() {
		return ErrNotRunning
	}
	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	if err := p.flv.WriteTag(tag); err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	p.bytesFed.Add(uint64(len(tag.Data)))
	return nil
}

// closeInput does not take feedMu so it can unblock a Feed stuck on a full
// pipe.
func (p *Process) closeInput() {
	p.inputOnce.Do(func() {
		p.inputClosed.Store(true)
		_ = p.stdin.Close()
	})
}

func (p *Process) info() ProcessInfo {
	return ProcessInfo{
		Key:       p.key,
		PID:       p.PID(),
		StartedAt: p.startedAt,
		HLSDir:    p.plan.HLSDir,
		DASHDir:   p.plan.DASHDir,
		Command:   append([]string{p.plan.Binary}, p.plan.Args...),
		BytesFed:  p.bytesFed.Load(),
	}
}

// Config configures a Supervisor.
type Config struct {
	Profile Profile
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// OnExit is invoked from the monitor goroutine after every exit,
	// including requested stops, once the record has been removed.
	OnExit func(ExitInfo)
}

// Supervisor runs at most one encoder per stream key. Encoders run in their
// own process group so a stop reaches any helpers they spawn.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*Process
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "transcode"),
		procs:  make(map[string]*Process),
	}
}

// SetExitHandler replaces the exit callback. It must be called before the
// first Start.
func (s *Supervisor) SetExitHandler(fn func(ExitInfo)) {
	s.mu.Lock()
	s.cfg.OnExit = fn
	s.mu.Unlock()
}

// Start launches the encoder for key, or returns the one already running.
func (s *Supervisor) Start(ctx context.Context, key string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if proc, ok := s.procs[key]; ok {
		return proc, nil
	}

	plan, err := BuildPlan(s.cfg.Profile, key)
	if err != nil {
		s.cfg.Metrics.EncoderStarted(false)
		return nil, fmt.Errorf("%w: %v", ErrEncoderStart, err)
	}

	cmd := exec.Command(plan.Binary, plan.Args...)
	cmd.Dir = plan.HLSDir
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second
	logger := s.logger.With(logging.StreamKeyAttr(key))
	stderr := newLogWriter(logger, "stderr")
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.cfg.Metrics.EncoderStarted(false)
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrEncoderStart, err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		s.cfg.Metrics.EncoderStarted(false)
		logger.Error("encoder spawn failed", "binary", plan.Binary, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncoderStart, err)
	}

	proc := &Process{
		key:       key,
		plan:      plan,
		cmd:       cmd,
		startedAt: time.Now().UTC(),
		stdin:     stdin,
		flv:       NewFLVWriter(stdin),
		stderr:    stderr,
		done:      make(chan struct{}),
	}
	s.procs[key] = proc
	s.cfg.Metrics.EncoderStarted(true)
	logger.Info("encoder started", "pid", proc.PID(), "hls_dir", plan.HLSDir)

	go s.monitor(proc, logger)
	return proc, nil
}

func (s *Supervisor) monitor(proc *Process, logger *slog.Logger) {
	err := proc.cmd.Wait()
	proc.closeInput()

	info := ExitInfo{
		Key:      proc.key,
		PID:      proc.PID(),
		Err:      err,
		Stopped:  proc.stopping.Load(),
		Duration: time.Since(proc.startedAt),
		Tail:     proc.stderr.tail(),
	}
	if state := proc.cmd.ProcessState; state != nil {
		info.ExitStatus = state.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && info.Stopped {
		info.Err = nil
	}

	s.mu.Lock()
	if current, ok := s.procs[proc.key]; ok && current == proc {
		delete(s.procs, proc.key)
	}
	onExit := s.cfg.OnExit
	s.mu.Unlock()

	proc.exit = info
	close(proc.done)

	result := info.Result()
	s.cfg.Metrics.EncoderExited(result)
	attrs := []any{"pid", info.PID, "exit_status", info.ExitStatus, "result", result, "duration", info.Duration.Round(time.Millisecond)}
	if result == ExitError {
		attrs = append(attrs, "error", err, "stderr_tail", info.Tail)
		logger.Warn("encoder exited", attrs...)
	} else {
		logger.Info("encoder exited", attrs...)
	}

	if onExit != nil {
		onExit(info)
	}
}

// Stop terminates the encoder for key: stdin is closed, the process group
// receives SIGTERM, and SIGKILL follows after the grace period or when ctx
// ends. The record is gone when Stop returns.
func (s *Supervisor) Stop(ctx context.Context, key string) error {
	proc, ok := s.Lookup(key)
	if !ok {
		return ErrNotRunning
	}
	return s.stop(ctx, proc)
}

// StopProcess stops the encoder for key only when its PID is pid, so a
// caller never tears down a process started for a later publisher.
func (s *Supervisor) StopProcess(ctx context.Context, key string, pid int) error {
	proc, ok := s.Lookup(key)
	if !ok || proc.PID() != pid {
		return ErrNotRunning
	}
	return s.stop(ctx, proc)
}

func (s *Supervisor) stop(ctx context.Context, proc *Process) error {
	proc.stopping.Store(true)
	proc.closeInput()
	if err := signalGroup(proc.cmd, sigTerm); err != nil {
		s.logger.Debug("encoder terminate signal failed", logging.StreamKeyAttr(proc.key), "pid", proc.PID(), "error", err)
	}

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-proc.done:
		return nil
	case <-timer.C:
		s.logger.Warn("encoder ignored terminate, killing", logging.StreamKeyAttr(proc.key), "pid", proc.PID())
	case <-ctx.Done():
	}
	_ = signalGroup(proc.cmd, sigKill)
	<-proc.done
	return nil
}

// Restart stops any running encoder for key and starts a fresh one.
func (s *Supervisor) Restart(ctx context.Context, key string) (*Process, error) {
	if err := s.Stop(ctx, key); err != nil && !errors.Is(err, ErrNotRunning) {
		return nil, err
	}
	return s.Start(ctx, key)
}

func (s *Supervisor) IsActive(key string) bool {
	_, ok := s.Lookup(key)
	return ok
}

// Lookup returns the running process for key.
func (s *Supervisor) Lookup(key string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[key]
	return proc, ok
}

// Snapshot lists running encoders ordered by key.
func (s *Supervisor) Snapshot() []ProcessInfo {
	s.mu.Lock()
	infos := make([]ProcessInfo, 0, len(s.procs))
	for _, proc := range s.procs {
		infos = append(infos, proc.info())
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// StopAll stops every encoder concurrently and waits for them to exit.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, proc := range s.procs {
		procs = append(procs, proc)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(proc *Process) {
			defer wg.Done()
			_ = s.stop(ctx, proc)
		}(proc)
	}
	wg.Wait()
}

const tailLines = 10

// logWriter forwards encoder output line by line to the logger and keeps
// the most recent lines for exit reports.
type logWriter struct {
	logger *slog.Logger

	mu      sync.Mutex
	partial []byte
	lines   []string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger.With("stream", stream)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	if len(data) > 4096 {
		w.emit(data)
		data = nil
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	text := string(line)
	w.logger.Debug(text)
	w.lines = append(w.lines, text)
	if len(w.lines) > tailLines {
		w.lines = w.lines[len(w.lines)-tailLines:]
	}
}

func (w *logWriter) tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}
