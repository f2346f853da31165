package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaw-s-yu/terminal-server/internal/logger"
	"github.com/shaw-s-yu/terminal-server/internal/model"
	"github.com/shaw-s-yu/terminal-server/internal/process"
)

// fakeProcess is an in-memory process. Tests write its output with Emit
// and end it with Exit.
type fakeProcess struct {
	pid     int
	command string

	outR *io.PipeReader
	outW *io.PipeWriter

	input chan string

	mu         sync.Mutex
	exited     bool
	exitCode   int
	terminates int
	writeErr   error
	writeGate  chan struct{}
	rows, cols uint16

	done chan struct{}
}

func newFakeProcess(pid int, command string) *fakeProcess {
	outR, outW := io.Pipe()
	return &fakeProcess{
		pid:      pid,
		command:  command,
		outR:     outR,
		outW:     outW,
		input:    make(chan string, 256),
		exitCode: model.ExitCodeUnknown,
		done:     make(chan struct{}),
	}
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	return p.outR.Read(b)
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	err, exited, gate := p.writeErr, p.exited, p.writeGate
	p.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if exited {
		return 0, errors.New("broken pipe")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-p.done:
			return 0, errors.New("broken pipe")
		}
	}
	p.input <- string(b)
	return len(b), nil
}

// Emit writes output as the process. It blocks until the session reads it.
func (p *fakeProcess) Emit(data string) {
	p.outW.Write([]byte(data))
}

// Exit ends the process with code and closes its output.
func (p *fakeProcess) Exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	close(p.done)
	p.outW.Close()
}

func (p *fakeProcess) failWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// holdWrites blocks writes until the process exits.
func (p *fakeProcess) holdWrites() {
	p.mu.Lock()
	p.writeGate = make(chan struct{})
	p.mu.Unlock()
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Poll() process.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return process.Status{Running: !p.exited, ExitCode: p.exitCode}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProcess) Resize(rows, cols uint16) {
	p.mu.Lock()
	p.rows, p.cols = rows, cols
	p.mu.Unlock()
}

func (p *fakeProcess) Size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

func (p *fakeProcess) Terminate(time.Duration) int {
	p.mu.Lock()
	p.terminates++
	p.mu.Unlock()

	p.Exit(-15)
	return p.ExitCode()
}

func (p *fakeProcess) terminateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminates
}

// nextInput returns the next chunk written to the process.
func (p *fakeProcess) nextInput(t *testing.T) string {
	t.Helper()
	select {
	case data := <-p.input:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for process input")
		return ""
	}
}

// fakeHost spawns fakeProcesses.
type fakeHost struct {
	mu      sync.Mutex
	spawned []*fakeProcess
	fail    map[string]bool
	nextPID int
}

func newFakeHost() *fakeHost {
	return &fakeHost{fail: make(map[string]bool), nextPID: 100}
}

func (h *fakeHost) Spawn(ctx context.Context, opts process.SpawnOptions) (process.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if strings.TrimSpace(opts.Command) == "" {
		return nil, &process.SpawnError{Command: opts.Command, Err: model.ErrEmptyCommand}
	}
	if h.fail[opts.Command] {
		return nil, &process.SpawnError{Command: opts.Command, Err: errors.New("executable file not found")}
	}

	h.nextPID++
	p := newFakeProcess(h.nextPID, opts.Command)
	p.rows, p.cols = opts.Rows, opts.Cols
	h.spawned = append(h.spawned, p)
	return p, nil
}

func (h *fakeHost) Platform() string     { return "TestOS" }
func (h *fakeHost) DefaultShell() string { return "/bin/fake" }

func (h *fakeHost) failOn(command string) {
	h.mu.Lock()
	h.fail[command] = true
	h.mu.Unlock()
}

func (h *fakeHost) spawnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.spawned)
}

func (h *fakeHost) last() *fakeProcess {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.spawned) == 0 {
		return nil
	}
	return h.spawned[len(h.spawned)-1]
}

// recordingEmitter keeps every emitted event per room.
type recordingEmitter struct {
	mu     sync.Mutex
	events map[string][]model.Event
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{events: make(map[string][]model.Event)}
}

func (e *recordingEmitter) Emit(room string, ev model.Event) {
	e.mu.Lock()
	e.events[room] = append(e.events[room], ev)
	e.mu.Unlock()
}

func (e *recordingEmitter) room(room string) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Event(nil), e.events[room]...)
}

func (e *recordingEmitter) named(room, name string) []model.Event {
	var out []model.Event
	for _, ev := range e.room(room) {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// output concatenates every output event of room.
func (e *recordingEmitter) output(room string) string {
	var sb strings.Builder
	for _, ev := range e.named(room, model.EventOutput) {
		sb.WriteString(ev.Payload.(model.DataPayload).Data)
	}
	return sb.String()
}

// memoryStore keeps the last record per session.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]model.Session
	writes  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]model.Session)}
}

func (m *memoryStore) Upsert(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	m.records[s.ID] = *s
	m.writes++
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) get(id string) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	return s, ok
}

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func newTestSession(t *testing.T, host *fakeHost, emitter *recordingEmitter) *Session {
	t.Helper()

	sess := New(Options{
		ClientID:    "c1",
		Host:        host,
		Emitter:     emitter,
		Logger:      logger.Discard(),
		GracePeriod: 200 * time.Millisecond,
	})
	t.Cleanup(func() { sess.Close() })
	return sess
}
