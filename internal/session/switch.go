package session

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

// Decision is what the Controller does with one input line.
type Decision int

const (
	// Forward queues the input for the current process.
	Forward Decision = iota
	// SwitchToREPL replaces the shell with the REPL.
	SwitchToREPL
	// SwitchToDefault replaces the REPL with the default shell.
	SwitchToDefault
)

func (d Decision) String() string {
	switch d {
	case Forward:
		return "forward"
	case SwitchToREPL:
		return "switch_to_repl"
	case SwitchToDefault:
		return "switch_to_default"
	default:
		return "unknown"
	}
}

// SwitchRules configures shell switching.
type SwitchRules struct {
	// DefaultShell is restored when the REPL is left.
	DefaultShell string
	// REPLShell is the command that runs the REPL.
	REPLShell string
	// LaunchToken, typed alone on a line outside the REPL, enters it.
	LaunchToken string
	// ExitTokens, typed alone on a line inside the REPL, leave it.
	ExitTokens []string
}

// DefaultSwitchRules returns the python REPL rules.
func DefaultSwitchRules(defaultShell string) SwitchRules {
	return SwitchRules{
		DefaultShell: defaultShell,
		REPLShell:    "python3 -i -u",
		LaunchToken:  "python3",
		ExitTokens:   []string{"quit()", "exit()"},
	}
}

// Classify decides how input is handled by a session running currentShell.
// Entering the REPL is checked before leaving it.
func Classify(currentShell, input string, rules SwitchRules) Decision {
	line := strings.TrimSpace(input)
	inREPL := currentShell == rules.REPLShell

	if !inREPL && line == rules.LaunchToken {
		return SwitchToREPL
	}
	if inREPL && slices.Contains(rules.ExitTokens, line) {
		return SwitchToDefault
	}
	return Forward
}

// Controller routes client input, swapping shells on trigger lines.
type Controller struct {
	rules SwitchRules
	log   *slog.Logger
}

// NewController creates a Controller.
func NewController(rules SwitchRules, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{rules: rules, log: log.With("component", "switch")}
}

// Rules returns the switching rules.
func (c *Controller) Rules() SwitchRules {
	return c.rules
}

// Route applies the decision for input. Trigger lines are consumed; the
// session announces the new shell to its room, or reports the failure if
// it could not start.
func (c *Controller) Route(ctx context.Context, sess *Session, input string) (Decision, error) {
	decision := Classify(sess.Shell(), input, c.rules)

	switch decision {
	case SwitchToREPL:
		c.log.Info("entering REPL", "session_id", sess.ID(), "shell", c.rules.REPLShell)
		return decision, sess.Swap(ctx, c.rules.REPLShell)
	case SwitchToDefault:
		c.log.Info("leaving REPL", "session_id", sess.ID(), "shell", c.rules.DefaultShell)
		return decision, sess.Swap(ctx, c.rules.DefaultShell)
	default:
		sess.EnqueueInput(input)
		return decision, nil
	}
}
