// Package process spawns shell processes with redirected standard streams
// and manages their lifetime.
package process

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shaw-s-yu/terminal-server/internal/model"
)

const (
	// DefaultGracePeriod is how long Terminate waits after each signal.
	DefaultGracePeriod = 2 * time.Second

	// DefaultReadBufferSize is the chunk size used when reading output.
	DefaultReadBufferSize = 4096

	// OutputDrainPeriod bounds how long output is still read after the
	// process exited. Descendants that inherited the pipe cannot keep the
	// reader alive past it.
	OutputDrainPeriod = time.Second
)

// Process is a spawned shell process.
//
// Read returns output and error streams merged in production order and
// io.EOF once the output is closed. Write delivers bytes to the process
// input without buffering.
type Process interface {
	io.Reader
	io.Writer

	// PID returns the operating system process identifier.
	PID() int

	// Poll reports whether the process is still running, without blocking.
	Poll() Status

	// Done is closed once the process has exited or has been given up on.
	Done() <-chan struct{}

	// ExitCode returns the exit code, or model.ExitCodeUnknown while running.
	ExitCode() int

	// Resize records a window size request. Processes attached to pipes
	// have no terminal, so the request has no effect on the process.
	Resize(rows, cols uint16)

	// Size returns the last recorded window size.
	Size() (rows, cols uint16)

	// Terminate stops the process, escalating to a forced kill after
	// grace, and returns its exit code. It is idempotent.
	Terminate(grace time.Duration) int
}

// Host spawns processes for one platform.
type Host interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)

	// Platform returns the host operating system name, e.g. "Linux".
	Platform() string

	// DefaultShell returns the command used when no shell is requested.
	DefaultShell() string
}

// Status is the result of a non-blocking process poll.
type Status struct {
	Running  bool
	ExitCode int
}

// SpawnOptions contains options for spawning a process.
type SpawnOptions struct {
	// Command is the full command line, tokenized with shell-like quoting.
	Command string

	// Env is appended to the current process environment.
	Env map[string]string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Rows and Cols seed the recorded window size.
	Rows uint16
	Cols uint16
}

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

// Unwrap exposes both the cause and model.ErrSpawn to errors.Is.
func (e *SpawnError) Unwrap() []error {
	return []error{model.ErrSpawn, e.Err}
}
