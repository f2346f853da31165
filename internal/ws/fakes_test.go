package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shaw-s-yu/terminal-server/internal/logger"
	"github.com/shaw-s-yu/terminal-server/internal/model"
	"github.com/shaw-s-yu/terminal-server/internal/process"
	"github.com/shaw-s-yu/terminal-server/internal/session"
)

// echoProcess writes every input chunk back as output.
type echoProcess struct {
	pid int
	r   *io.PipeReader
	w   *io.PipeWriter

	mu         sync.Mutex
	rows, cols uint16
	exitCode   int
	once       sync.Once
	done       chan struct{}
}

func newEchoProcess(pid int, rows, cols uint16) *echoProcess {
	r, w := io.Pipe()
	return &echoProcess{
		pid:      pid,
		r:        r,
		w:        w,
		rows:     rows,
		cols:     cols,
		exitCode: model.ExitCodeUnknown,
		done:     make(chan struct{}),
	}
}

func (p *echoProcess) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *echoProcess) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *echoProcess) PID() int                    { return p.pid }
func (p *echoProcess) Done() <-chan struct{}       { return p.done }

func (p *echoProcess) Poll() process.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return process.Status{Running: p.exitCode == model.ExitCodeUnknown, ExitCode: p.exitCode}
}

func (p *echoProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *echoProcess) Resize(rows, cols uint16) {
	p.mu.Lock()
	p.rows, p.cols = rows, cols
	p.mu.Unlock()
}

func (p *echoProcess) Size() (uint16, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

func (p *echoProcess) Terminate(time.Duration) int {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitCode = -15
		p.mu.Unlock()
		p.w.Close()
		close(p.done)
	})
	return p.ExitCode()
}

// echoHost spawns echoProcesses; "/bin/missing" fails to spawn.
type echoHost struct {
	mu      sync.Mutex
	nextPID int
}

func (h *echoHost) Spawn(_ context.Context, opts process.SpawnOptions) (process.Process, error) {
	if opts.Command == "/bin/missing" {
		return nil, &process.SpawnError{Command: opts.Command, Err: errors.New("executable file not found")}
	}
	h.mu.Lock()
	h.nextPID++
	pid := h.nextPID
	h.mu.Unlock()
	return newEchoProcess(pid, opts.Rows, opts.Cols), nil
}

func (h *echoHost) Platform() string     { return "TestOS" }
func (h *echoHost) DefaultShell() string { return "/bin/echo-shell" }

func newTestService(t *testing.T) (*Service, *session.Registry) {
	t.Helper()

	log := logger.Discard()
	hub := NewHub(log)
	registry := session.NewRegistry(session.RegistryConfig{
		Host:        &echoHost{},
		Emitter:     hub,
		Logger:      log,
		GracePeriod: 200 * time.Millisecond,
	})
	controller := session.NewController(session.DefaultSwitchRules(registry.DefaultShell()), log)
	t.Cleanup(func() {
		registry.Close()
		hub.Close()
	})
	return NewService(hub, registry, controller, "TestOS", log), registry
}

// nextFrame returns the next frame queued for client.
func nextFrame(t *testing.T, client *Client) *Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		if frame, ok := client.Next(); ok {
			env, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", frame, err)
			}
			return env
		}
		if client.IsClosed() {
			t.Fatal("client closed")
		}
		select {
		case <-client.Ready():
		case <-timeout:
			t.Fatal("timeout waiting for frame")
			return nil
		}
	}
}

// waitFrame skips frames until one named event arrives.
func waitFrame(t *testing.T, client *Client, event string) *Envelope {
	t.Helper()
	for {
		env := nextFrame(t, client)
		if env.Event == event {
			return env
		}
	}
}

// noFrame asserts nothing is queued for client within d.
func noFrame(t *testing.T, client *Client, d time.Duration) {
	t.Helper()
	time.Sleep(d)
	if frame, ok := client.Next(); ok {
		t.Fatalf("unexpected frame %s", frame)
	}
}

func payload[T any](t *testing.T, env *Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("payload of %s: %v", env.Event, err)
	}
	return v
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatal(err)
	}
	return out
}
