package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shaw-s-yu/terminal-server/internal/model"
)

// Handle is a Process backed by operating system pipes.
type Handle struct {
	cmd     *exec.Cmd
	command string
	pid     int
	log     *slog.Logger

	stdin  *os.File // write end of the input pipe
	output *os.File // read end of the merged output pipe

	done     chan struct{}
	doneOnce sync.Once

	inputOnce  sync.Once
	outputOnce sync.Once

	mu       sync.RWMutex
	exited   bool
	exitCode int
	rows     uint16
	cols     uint16
}

// start launches cmd with stdin and a single pipe shared by stdout and
// stderr, so the reader sees bytes in the order the process wrote them.
func start(cmd *exec.Cmd, command string, rows, cols uint16, log *slog.Logger) (*Handle, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("failed to create output pipe: %w", err)}
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("failed to create input pipe: %w", err)}
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		inR.Close()
		inW.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}

	// The child owns its ends now.
	outW.Close()
	inR.Close()

	h := &Handle{
		cmd:      cmd,
		command:  command,
		pid:      cmd.Process.Pid,
		log:      log,
		stdin:    inW,
		output:   outR,
		done:     make(chan struct{}),
		exitCode: model.ExitCodeUnknown,
		rows:     rows,
		cols:     cols,
	}

	go h.waitLoop()

	return h, nil
}

// waitLoop reaps the process and records its exit code.
func (h *Handle) waitLoop() {
	err := h.cmd.Wait()

	code := model.ExitCodeUnknown
	if h.cmd.ProcessState != nil {
		code = exitCodeOf(h.cmd.ProcessState)
	} else if err != nil {
		h.log.Warn("process wait failed", "pid", h.pid, "error", err)
	}

	h.markExited(code)

	// Give readers a chance to drain what the process wrote last.
	time.AfterFunc(OutputDrainPeriod, h.closeOutput)
}

// markExited records the exit code the first time it is called.
func (h *Handle) markExited(code int) {
	h.mu.Lock()
	if !h.exited {
		h.exited = true
		h.exitCode = code
	}
	h.mu.Unlock()

	h.doneOnce.Do(func() { close(h.done) })
}

// Read reads merged output. It returns io.EOF once the process closed its
// output or the handle stopped reading.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.output.Read(p)
	if err != nil && errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

// Write writes raw bytes to the process input.
func (h *Handle) Write(p []byte) (int, error) {
	n, err := h.stdin.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write to process %d: %w", h.pid, err)
	}
	return n, nil
}

// PID returns the process ID.
func (h *Handle) PID() int {
	return h.pid
}

// Command returns the command line the process was started with.
func (h *Handle) Command() string {
	return h.command
}

// Poll reports the current process status.
func (h *Handle) Poll() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Status{Running: !h.exited, ExitCode: h.exitCode}
}

// Done returns a channel closed once the process exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the recorded exit code.
func (h *Handle) ExitCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exitCode
}

// Resize records the requested window size.
func (h *Handle) Resize(rows, cols uint16) {
	h.mu.Lock()
	h.rows, h.cols = rows, cols
	h.mu.Unlock()
}

// Size returns the last recorded window size.
func (h *Handle) Size() (uint16, uint16) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rows, h.cols
}

// Terminate closes the process input, asks the process to stop and kills
// it if it is still alive after grace. The forced kill is awaited for at
// most another grace period; after that the handle is marked exited with an
// unknown code so its resources are released regardless.
func (h *Handle) Terminate(grace time.Duration) int {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	h.closeInput()
	defer h.closeOutput()

	select {
	case <-h.done:
		return h.ExitCode()
	default:
	}

	if err := interruptProcess(h.cmd); err != nil {
		h.log.Debug("graceful stop failed", "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.ExitCode()
	case <-timer.C:
	}

	h.log.Warn("process ignored graceful stop, killing", "pid", h.pid, "grace", grace)
	if err := killProcess(h.cmd); err != nil {
		h.log.Warn("kill failed", "pid", h.pid, "error", err)
	}

	timer.Reset(grace)
	select {
	case <-h.done:
	case <-timer.C:
		h.log.Error("process did not exit after kill, releasing handle", "pid", h.pid)
		h.markExited(model.ExitCodeUnknown)
	}

	return h.ExitCode()
}

func (h *Handle) closeInput() {
	h.inputOnce.Do(func() {
		h.stdin.Close()
	})
}

func (h *Handle) closeOutput() {
	h.outputOnce.Do(func() {
		h.output.Close()
	})
}
