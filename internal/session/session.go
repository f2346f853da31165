// Package session bridges terminal clients to shell processes. A Session
// owns one process at a time and streams its output to the client's room;
// the Registry maps clients to sessions and the Controller swaps a session's
// shell when the client enters or leaves the REPL.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/shaw-s-yu/terminal-server/internal/buffer"
	"github.com/shaw-s-yu/terminal-server/internal/logger"
	"github.com/shaw-s-yu/terminal-server/internal/model"
	"github.com/shaw-s-yu/terminal-server/internal/process"
)

// DefaultHistorySize is the scrollback kept per session.
const DefaultHistorySize = 64 * 1024

const persistTimeout = 5 * time.Second

// Emitter delivers events to every client in a room.
// Emit must not block and must not call back into the session.
type Emitter interface {
	Emit(room string, ev model.Event)
}

// Store persists session records.
type Store interface {
	Upsert(ctx context.Context, session *model.Session) error
}

// Options configures a Session.
type Options struct {
	ClientID string

	// Shell is the initial command. Empty selects Host.DefaultShell().
	Shell string

	Host    process.Host
	Emitter Emitter

	// Store is optional.
	Store Store

	Logger *slog.Logger

	GracePeriod    time.Duration
	ReadBufferSize int
	HistorySize    int

	// LogDir holds asciicast transcripts. Empty disables recording.
	LogDir string
}

// generation is one process and its two pumps.
type generation struct {
	proc   process.Process
	queue  *inputQueue
	ctx    context.Context
	cancel context.CancelFunc

	inputDone  chan struct{}
	outputDone chan struct{}

	// Guarded by Session.mu.
	closing  bool
	notified bool
}

// Session is a client-visible terminal that outlives the shell processes
// it runs.
type Session struct {
	id       string
	clientID string
	platform string

	host    process.Host
	emitter Emitter
	store   Store
	log     *slog.Logger

	grace       time.Duration
	readBufSize int
	logDir      string

	history *buffer.RingBuffer

	// lifecycle serializes Start, Swap and Terminate.
	lifecycle sync.Mutex
	// closed is set by Close and guarded by lifecycle. A closed session
	// never spawns again.
	closed bool

	mu        sync.Mutex
	state     model.SessionState
	shell     string
	gen       *generation
	recorder  *logger.Recorder
	rows      uint16
	cols      uint16
	pid       *int
	exitCode  *int
	swaps     int
	createdAt time.Time
	updatedAt time.Time

	persistMu sync.Mutex
}

// New creates a session in the Starting state. Call Start to spawn its shell.
func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	shell := opts.Shell
	if shell == "" {
		shell = opts.Host.DefaultShell()
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = process.DefaultGracePeriod
	}

	readBufSize := opts.ReadBufferSize
	if readBufSize <= 0 {
		readBufSize = process.DefaultReadBufferSize
	}

	historySize := opts.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	id := IDFor(opts.ClientID)
	now := time.Now()

	return &Session{
		id:          id,
		clientID:    opts.ClientID,
		platform:    opts.Host.Platform(),
		host:        opts.Host,
		emitter:     opts.Emitter,
		store:       opts.Store,
		log:         log.With("session_id", id),
		grace:       grace,
		readBufSize: readBufSize,
		logDir:      opts.LogDir,
		history:     buffer.NewRingBuffer(historySize),
		state:       model.SessionStateStarting,
		shell:       shell,
		rows:        24,
		cols:        80,
		createdAt:   now,
		updatedAt:   now,
	}
}

// IDFor derives the session identifier of a client. It doubles as the name
// of the client's room.
func IDFor(clientID string) string {
	return "session_" + clientID
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// ClientID returns the owning client.
func (s *Session) ClientID() string {
	return s.clientID
}

// Platform returns the host platform name.
func (s *Session) Platform() string {
	return s.platform
}

// Shell returns the command of the current (or last) process.
func (s *Session) Shell() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// State returns the lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns the retained scrollback.
func (s *Session) History() string {
	// The oldest rune may have been cut when the buffer wrapped.
	return strings.ToValidUTF8(string(s.history.Bytes()), "")
}

// Snapshot returns the session record.
func (s *Session) Snapshot() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return model.Session{
		ID:        s.id,
		ClientID:  s.clientID,
		Shell:     s.shell,
		Platform:  s.platform,
		State:     s.state,
		PID:       copyInt(s.pid),
		ExitCode:  copyInt(s.exitCode),
		Swaps:     s.swaps,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// Start spawns the current shell and starts the pumps. It is a no-op while
// a process is running. On failure the session is Stopped, the room gets
// error and exited events, and the returned error wraps model.ErrSpawn.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, model.ErrSessionStopped)
	}

	s.mu.Lock()
	gen, shell := s.gen, s.shell
	live := gen != nil && !gen.closing
	s.mu.Unlock()

	if live {
		return nil
	}
	if gen != nil {
		// Let the previous generation finish reporting its exit.
		s.retire(false)
	}

	return s.start(ctx, shell)
}

// Swap replaces the running process with shell. The current process and
// its pumps are fully retired first, queued input is discarded and no
// exited event is emitted for it. The session identifier does not change.
// A closed session is left untouched.
func (s *Session) Swap(ctx context.Context, shell string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, model.ErrSessionStopped)
	}

	s.log.Info("swapping shell", "from", s.Shell(), "to", shell)
	s.retire(false)

	s.mu.Lock()
	s.swaps++
	s.mu.Unlock()

	return s.start(ctx, shell)
}

// Terminate stops the process, waiting at most about twice the grace
// period, and emits one exited event for it. It is idempotent.
func (s *Session) Terminate() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.retire(true)
}

// Close terminates the session and releases its transcript. Start and Swap
// fail with model.ErrSessionStopped afterwards.
func (s *Session) Close() error {
	s.lifecycle.Lock()
	s.closed = true
	s.retire(true)
	s.lifecycle.Unlock()

	s.mu.Lock()
	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()

	if rec != nil {
		return rec.Close()
	}
	return nil
}

// EnqueueInput queues data for the process. Input for a session that is not
// running is dropped.
func (s *Session) EnqueueInput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.SessionStateRunning || s.gen == nil {
		s.log.Debug("dropping input for session that is not running", "state", s.state, "bytes", len(data))
		return
	}
	s.gen.queue.Push(data)
}

// RequestResize records the window size and forwards it to the process.
func (s *Session) RequestResize(rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows, s.cols = rows, cols
	if s.gen != nil {
		s.gen.proc.Resize(rows, cols)
	}
	if s.recorder != nil {
		s.recorder.Resize(int(cols), int(rows))
	}
}

// Size returns the last requested window size.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// start spawns shell as a new generation. The caller holds lifecycle.
func (s *Session) start(ctx context.Context, shell string) error {
	s.mu.Lock()
	s.shell = shell
	s.setState(model.SessionStateStarting)
	rows, cols := s.rows, s.cols
	s.mu.Unlock()

	proc, err := s.host.Spawn(ctx, process.SpawnOptions{
		Command: shell,
		Rows:    rows,
		Cols:    cols,
	})
	if err != nil {
		s.log.Error("failed to start shell", "shell", shell, "error", err)

		code := model.ExitCodeUnknown
		s.mu.Lock()
		s.gen = nil
		s.pid = nil
		s.exitCode = &code
		s.setState(model.SessionStateStopped)
		s.emitter.Emit(s.id, model.ErrorEvent(fmt.Sprintf("failed to start %q: %v", shell, err)))
		s.emitter.Emit(s.id, model.ExitedEvent(code))
		s.mu.Unlock()

		s.persist()
		return fmt.Errorf("session %s: %w", s.id, err)
	}

	genCtx, cancel := context.WithCancel(context.Background())
	gen := &generation{
		proc:       proc,
		queue:      newInputQueue(),
		ctx:        genCtx,
		cancel:     cancel,
		inputDone:  make(chan struct{}),
		outputDone: make(chan struct{}),
	}

	pid := proc.PID()
	s.mu.Lock()
	s.gen = gen
	s.pid = &pid
	s.exitCode = nil
	s.setState(model.SessionStateRunning)
	s.openRecorder(shell)
	s.emitter.Emit(s.id, model.InitializedEvent(s.id, s.platform))
	s.mu.Unlock()

	go s.outputPump(gen)
	go s.inputPump(gen)

	s.log.Info("session running", "shell", shell, "pid", pid)
	s.persist()
	return nil
}

// openRecorder starts the transcript on first use, or marks a shell change
// on an existing one. The caller holds mu.
func (s *Session) openRecorder(shell string) {
	if s.logDir == "" {
		return
	}
	if s.recorder != nil {
		s.recorder.Marker(shell)
		return
	}

	rec, err := logger.OpenRecorder(s.logDir, s.id, int(s.cols), int(s.rows), shell)
	if err != nil {
		s.log.Warn("transcript disabled", "error", err)
		s.logDir = ""
		return
	}
	s.recorder = rec
}

// retire stops the current generation and waits for its pumps. The first
// caller to close a generation owns its exit notification; notify selects
// whether that notification is emitted. The caller holds lifecycle.
func (s *Session) retire(notify bool) {
	s.mu.Lock()
	gen := s.gen
	if gen == nil {
		if s.state != model.SessionStateStopped {
			s.setState(model.SessionStateStopped)
		}
		s.mu.Unlock()
		return
	}
	owner := !gen.closing
	gen.closing = true
	if owner {
		s.setState(model.SessionStateStopping)
	}
	gen.cancel()
	s.mu.Unlock()

	code := gen.proc.Terminate(s.grace)

	if !waitFor(gen.inputDone, s.grace) {
		s.log.Warn("input pump did not stop", "pid", gen.proc.PID())
	}
	if !waitFor(gen.outputDone, s.grace) {
		s.log.Warn("output pump did not stop", "pid", gen.proc.PID())
	}

	if !owner {
		return
	}

	s.mu.Lock()
	s.exitCode = &code
	s.setState(model.SessionStateStopped)
	if notify && !gen.notified {
		gen.notified = true
		s.emitter.Emit(s.id, model.ExitedEvent(code))
	}
	s.mu.Unlock()

	s.log.Info("session stopped", "exit_code", code)
	s.persist()
}

// finish handles a process whose output ended on its own.
func (s *Session) finish(gen *generation) {
	s.mu.Lock()
	if gen.closing {
		s.mu.Unlock()
		return
	}
	gen.closing = true
	s.setState(model.SessionStateStopping)
	gen.cancel()
	s.mu.Unlock()

	waitFor(gen.inputDone, s.grace)
	code := gen.proc.Terminate(s.grace)

	s.mu.Lock()
	if s.gen == gen {
		s.exitCode = &code
		s.setState(model.SessionStateStopped)
	}
	if !gen.notified {
		gen.notified = true
		s.emitter.Emit(s.id, model.ExitedEvent(code))
	}
	s.mu.Unlock()

	s.log.Info("process exited", "exit_code", code)
	s.persist()
}

// outputPump streams decoded output to the room until the process output
// ends. Invalid UTF-8 becomes U+FFFD; sequences split across reads are
// reassembled by the decoder.
func (s *Session) outputPump(gen *generation) {
	defer close(gen.outputDone)

	reader := transform.NewReader(gen.proc, unicode.UTF8.NewDecoder())
	buf := make([]byte, s.readBufSize)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			s.emitOutput(gen, string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("output read failed", "error", err)
			}
			break
		}
	}

	s.finish(gen)
}

func (s *Session) emitOutput(gen *generation, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen.closing {
		return
	}

	s.history.Write([]byte(text))
	if s.recorder != nil {
		s.recorder.Output(text)
	}
	s.emitter.Emit(s.id, model.OutputEvent(text))
}

// inputPump writes queued input to the process in order. A failed write
// stops the process, which ends the output pump.
func (s *Session) inputPump(gen *generation) {
	defer close(gen.inputDone)

	for {
		data, err := gen.queue.Pop(gen.ctx)
		if err != nil {
			return
		}

		if _, err := gen.proc.Write([]byte(data)); err != nil {
			s.log.Warn("input write failed, stopping process", "error", err)
			gen.proc.Terminate(s.grace)
			return
		}

		s.mu.Lock()
		if s.recorder != nil {
			s.recorder.Input(data)
		}
		s.mu.Unlock()
	}
}

// setState records a transition. The caller holds mu.
func (s *Session) setState(state model.SessionState) {
	s.state = state
	s.updatedAt = time.Now()
}

// persist writes the current record to the store, if any.
func (s *Session) persist() {
	if s.store == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snapshot := s.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.Upsert(ctx, &snapshot); err != nil {
		s.log.Warn("failed to persist session", "error", err)
	}
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
