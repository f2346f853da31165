package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shaw-s-yu/terminal-server/internal/model"
)

// LocalHost spawns processes on the machine running the server.
type LocalHost struct {
	platform     string
	defaultShell string
	log          *slog.Logger
}

// NewLocalHost creates a host for the current operating system.
// An empty defaultShell selects the platform default.
func NewLocalHost(defaultShell string, log *slog.Logger) *LocalHost {
	if log == nil {
		log = slog.Default()
	}
	if defaultShell == "" {
		defaultShell = platformDefaultShell()
	}
	return &LocalHost{
		platform:     PlatformName(runtime.GOOS),
		defaultShell: defaultShell,
		log:          log.With("component", "process"),
	}
}

// PlatformName turns a GOOS value into a display name such as "Linux".
func PlatformName(goos string) string {
	switch goos {
	case "darwin":
		return "Darwin"
	case "freebsd", "netbsd", "openbsd":
		return cases.Title(language.English).String(goos[:len(goos)-3]) + "BSD"
	default:
		return cases.Title(language.English).String(goos)
	}
}

// Platform returns the host platform name.
func (h *LocalHost) Platform() string {
	return h.platform
}

// DefaultShell returns the shell used when none is requested.
func (h *LocalHost) DefaultShell() string {
	return h.defaultShell
}

// Spawn starts opts.Command with redirected standard streams.
func (h *LocalHost) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	argv := SplitCommand(opts.Command)
	if len(argv) == 0 {
		return nil, &SpawnError{Command: opts.Command, Err: model.ErrEmptyCommand}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	configureCommand(cmd)

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	handle, err := start(cmd, opts.Command, rows, cols, h.log)
	if err != nil {
		return nil, err
	}

	h.log.Info("process started", "command", opts.Command, "pid", handle.PID())
	return handle, nil
}
