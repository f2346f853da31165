package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/shaw-s-yu/terminal-server/internal/logger"
	"github.com/shaw-s-yu/terminal-server/internal/model"
)

func TestClassify(t *testing.T) {
	rules := DefaultSwitchRules("/bin/bash")
	repl := rules.REPLShell

	tests := []struct {
		name  string
		shell string
		input string
		want  Decision
	}{
		{"launch token", "/bin/bash", "python3", SwitchToREPL},
		{"launch token with newline", "/bin/bash", "python3\n", SwitchToREPL},
		{"launch token with spaces", "/bin/bash", "  python3 \r\n", SwitchToREPL},
		{"launch token with args", "/bin/bash", "python3 script.py\n", Forward},
		{"launch token inside REPL", repl, "python3\n", Forward},
		{"quit inside REPL", repl, "quit()\n", SwitchToDefault},
		{"exit inside REPL", repl, " exit() ", SwitchToDefault},
		{"exit in shell", "/bin/bash", "exit()\n", Forward},
		{"plain exit in REPL", repl, "exit\n", Forward},
		{"ordinary input", "/bin/bash", "echo hi\n", Forward},
		{"empty input", "/bin/bash", "", Forward},
		{"different REPL command", "python3 -i", "quit()", Forward},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.shell, tt.input, rules); got != tt.want {
				t.Errorf("Classify(%q, %q) = %s, want %s", tt.shell, tt.input, got, tt.want)
			}
		})
	}
}

func TestDecisionString(t *testing.T) {
	for d, want := range map[Decision]string{
		Forward:         "forward",
		SwitchToREPL:    "switch_to_repl",
		SwitchToDefault: "switch_to_default",
		Decision(42):    "unknown",
	} {
		if d.String() != want {
			t.Errorf("expected %q, got %q", want, d.String())
		}
	}
}

// Lines that are not exactly a trigger are always forwarded, and a shell
// can only ever switch in one direction.
func TestClassifyProperty(t *testing.T) {
	rules := DefaultSwitchRules("/bin/bash")

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500

	properties := gopter.NewProperties(parameters)

	isTrigger := func(s string) bool {
		line := strings.TrimSpace(s)
		return line == rules.LaunchToken || line == "quit()" || line == "exit()"
	}

	properties.Property("non-trigger input is forwarded", prop.ForAll(
		func(input string, inREPL bool) bool {
			shell := "/bin/bash"
			if inREPL {
				shell = rules.REPLShell
			}
			return Classify(shell, input, rules) == Forward
		},
		gen.AnyString().SuchThat(func(s string) bool { return !isTrigger(s) }),
		gen.Bool(),
	))

	properties.Property("shell never switches to itself", prop.ForAll(
		func(input string) bool {
			return Classify("/bin/bash", input, rules) != SwitchToDefault &&
				Classify(rules.REPLShell, input, rules) != SwitchToREPL
		},
		gen.OneGenOf(
			gen.AnyString(),
			gen.OneConstOf("python3", "quit()", "exit()", " python3\n", "exit()\r\n"),
		),
	))

	properties.TestingRun(t)
}

func TestController_Route(t *testing.T) {
	host, emitter := newFakeHost(), newRecordingEmitter()
	sess := New(Options{
		ClientID:    "c1",
		Host:        host,
		Emitter:     emitter,
		Logger:      logger.Discard(),
		GracePeriod: 200 * time.Millisecond,
	})
	t.Cleanup(func() { sess.Close() })
	sess.Start(context.Background())

	ctrl := NewController(DefaultSwitchRules("/bin/fake"), logger.Discard())
	ctx := context.Background()

	decision, err := ctrl.Route(ctx, sess, "ls\n")
	if err != nil || decision != Forward {
		t.Fatalf("expected forward, got %s, %v", decision, err)
	}
	if got := host.last().nextInput(t); got != "ls\n" {
		t.Errorf("expected ls to reach the shell, got %q", got)
	}

	decision, err = ctrl.Route(ctx, sess, "python3\n")
	if err != nil || decision != SwitchToREPL {
		t.Fatalf("expected switch to REPL, got %s, %v", decision, err)
	}
	repl := host.last()
	if repl.command != "python3 -i -u" {
		t.Errorf("expected REPL process, got %q", repl.command)
	}

	ctrl.Route(ctx, sess, "1+1\n")
	if got := repl.nextInput(t); got != "1+1\n" {
		t.Errorf("expected REPL input, got %q", got)
	}

	decision, err = ctrl.Route(ctx, sess, "exit()\n")
	if err != nil || decision != SwitchToDefault {
		t.Fatalf("expected switch to default, got %s, %v", decision, err)
	}
	if sess.Shell() != "/bin/fake" {
		t.Errorf("expected default shell, got %q", sess.Shell())
	}

	// Trigger lines are consumed.
	select {
	case in := <-repl.input:
		t.Errorf("trigger line reached the REPL: %q", in)
	default:
	}

	if n := len(emitter.named(sess.ID(), model.EventInitialized)); n != 3 {
		t.Errorf("expected 3 initialized events, got %d", n)
	}
	if sess.ID() != "session_c1" {
		t.Errorf("session id changed to %s", sess.ID())
	}
}

func TestController_RouteSwapFailure(t *testing.T) {
	host, emitter := newFakeHost(), newRecordingEmitter()
	host.failOn("python3 -i -u")

	sess := New(Options{ClientID: "c1", Host: host, Emitter: emitter, Logger: logger.Discard()})
	t.Cleanup(func() { sess.Close() })
	sess.Start(context.Background())

	ctrl := NewController(DefaultSwitchRules("/bin/fake"), logger.Discard())

	_, err := ctrl.Route(context.Background(), sess, "python3")
	if err == nil {
		t.Fatal("expected swap error")
	}

	if sess.State() != model.SessionStateStopped {
		t.Errorf("expected stopped after failed swap, got %s", sess.State())
	}
	if n := len(emitter.named(sess.ID(), model.EventError)); n != 1 {
		t.Errorf("expected 1 error event, got %d", n)
	}
	exits := emitter.named(sess.ID(), model.EventExited)
	if len(exits) != 1 || exits[0].Payload.(model.ExitedPayload).Code != model.ExitCodeUnknown {
		t.Errorf("expected exited{-1}, got %+v", exits)
	}
}
