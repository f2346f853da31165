package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaw-s-yu/terminal-server/internal/model"
	"github.com/shaw-s-yu/terminal-server/internal/session"
)

func connect(t *testing.T, svc *Service, id string) *Client {
	t.Helper()
	client := NewClient(id, session.IDFor(id), nil)
	svc.Connect(client)

	greeting := nextFrame(t, client)
	require.Equal(t, model.EventResponse, greeting.Event)
	assert.Equal(t, "Connected to terminal server (TestOS)", payload[model.DataPayload](t, greeting).Data)
	return client
}

func initTerminal(t *testing.T, svc *Service, client *Client) {
	t.Helper()
	svc.HandleFrame(context.Background(), client, frame(t, model.EventInitTerminal, map[string]any{}))

	env := waitFrame(t, client, model.EventInitialized)
	p := payload[model.InitializedPayload](t, env)
	assert.Equal(t, client.Room(), p.SessionID)
	assert.Equal(t, "TestOS", p.Platform)
}

func TestService_InitAndEcho(t *testing.T) {
	svc, registry := newTestService(t)
	client := connect(t, svc, "c1")
	initTerminal(t, svc, client)

	require.NotNil(t, registry.Lookup("c1"))
	assert.Equal(t, "/bin/echo-shell", registry.Lookup("c1").Shell())

	svc.HandleFrame(context.Background(), client, frame(t, model.EventTerminalInput, TerminalInputRequest{Data: "hello\n"}))

	out := waitFrame(t, client, model.EventOutput)
	assert.Equal(t, "hello\n", payload[model.DataPayload](t, out).Data)
}

func TestService_InitWithShell(t *testing.T) {
	svc, registry := newTestService(t)
	client := connect(t, svc, "c1")

	svc.HandleFrame(context.Background(), client, frame(t, model.EventInitTerminal, InitTerminalRequest{Shell: "/bin/custom"}))
	waitFrame(t, client, model.EventInitialized)

	assert.Equal(t, "/bin/custom", registry.Lookup("c1").Shell())
}

func TestService_RepeatedInitReplaysHistory(t *testing.T) {
	svc, registry := newTestService(t)
	client := connect(t, svc, "c1")
	initTerminal(t, svc, client)
	sess := registry.Lookup("c1")

	svc.HandleFrame(context.Background(), client, frame(t, model.EventTerminalInput, TerminalInputRequest{Data: "one\n"}))
	waitFrame(t, client, model.EventOutput)

	svc.HandleFrame(context.Background(), client, frame(t, model.EventInitTerminal, nil))

	env := nextFrame(t, client)
	require.Equal(t, model.EventInitialized, env.Event)
	assert.Equal(t, sess.ID(), payload[model.InitializedPayload](t, env).SessionID)

	env = nextFrame(t, client)
	require.Equal(t, model.EventHistory, env.Event)
	assert.Equal(t, "one\n", payload[model.DataPayload](t, env).Data)

	assert.Same(t, sess, registry.Lookup("c1"))
	assert.Equal(t, 1, registry.Len())
}

func TestService_RepeatedInitWithoutOutputSkipsHistory(t *testing.T) {
	svc, _ := newTestService(t)
	client := connect(t, svc, "c1")
	initTerminal(t, svc, client)

	svc.HandleFrame(context.Background(), client, frame(t, model.EventInitTerminal, nil))
	assert.Equal(t, model.EventInitialized, nextFrame(t, client).Event)
	noFrame(t, client, 50*time.Millisecond)
}

func TestService_SpawnFailure(t *testing.T) {
	svc, registry := newTestService(t)
	client := connect(t, svc, "c1")

	svc.HandleFrame(context.Background(), client, frame(t, model.EventInitTerminal, InitTerminalRequest{Shell: "/bin/missing"}))

	errEnv := nextFrame(t, client)
	require.Equal(t, model.EventError, errEnv.Event)
	assert.Contains(t, payload[model.ErrorPayload](t, errEnv).Message, "/bin/missing")

	exited := nextFrame(t, client)
	require.Equal(t, model.EventExited, exited.Event)
	assert.Equal(t, model.ExitCodeUnknown, payload[model.ExitedPayload](t, exited).Code)

	noFrame(t, client, 50*time.Millisecond)
	assert.Nil(t, registry.Lookup("c1"))
}

func TestService_InputWithoutSessionIsIgnored(t *testing.T) {
	svc, registry := newTestService(t)
	client := connect(t, svc, "c1")

	svc.HandleFrame(context.Background(), client, frame(t, model.EventTerminalInput, TerminalInputRequest{Data: "ls\n"}))
	svc.HandleFrame(context.Background(), client, frame(t, model.EventTerminalResize, map[string]int{"rows": 10, "cols": 10}))

	noFrame(t, client, 50*time.Millisecond)
	assert.Equal(t, 0, registry.Len())
}

func TestService_Resize(t *testing.T) {
	tests := []struct {
		name     string
		data     any
		wantRows uint16
		wantCols uint16
	}{
		{"explicit", map[string]int{"rows": 40, "cols": 120}, 40, 120},
		{"missing dimensions", map[string]int{}, DefaultRows, DefaultCols},
		{"missing cols", map[string]int{"rows": 50}, 50, DefaultCols},
		{"non-positive", map[string]int{"rows": 0, "cols": -3}, DefaultRows, DefaultCols},
		{"no payload", nil, DefaultRows, DefaultCols},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, registry := newTestService(t)
			client := connect(t, svc, "c1")
			initTerminal(t, svc, client)

			svc.HandleFrame(context.Background(), client, frame(t, model.EventTerminalResize, tt.data))

			rows, cols := registry.Lookup("c1").Size()
			assert.Equal(t, tt.wantRows, rows)
			assert.Equal(t, tt.wantCols, cols)
		})
	}
}

func TestService_MalformedFrames(t *testing.T) {
	svc, _ := newTestService(t)
	client := connect(t, svc, "c1")

	for _, bad := range [][]byte{
		[]byte(`garbage`),
		[]byte(`{"event":"terminal_input","data":"not an object"}`),
		[]byte(`{"event":"launch_missiles"}`),
	} {
		svc.HandleFrame(context.Background(), client, bad)
		env := nextFrame(t, client)
		assert.Equal(t, model.EventError, env.Event, "frame %s", bad)
		assert.NotEmpty(t, payload[model.ErrorPayload](t, env).Message)
	}
}

func TestService_SwitchToREPLAndBack(t *testing.T) {
	svc, registry := newTestService(t)
	client := connect(t, svc, "c1")
	initTerminal(t, svc, client)
	sess := registry.Lookup("c1")

	svc.HandleFrame(context.Background(), client, frame(t, model.EventTerminalInput, TerminalInputRequest{Data: "python3\n"}))
	env := waitFrame(t, client, model.EventInitialized)
	assert.Equal(t, sess.ID(), payload[model.InitializedPayload](t, env).SessionID)
	assert.Equal(t, "python3 -i -u", sess.Shell())

	svc.HandleFrame(context.Background(), client, frame(t, model.EventTerminalInput, TerminalInputRequest{Data: "quit()\n"}))
	waitFrame(t, client, model.EventInitialized)
	assert.Equal(t, "/bin/echo-shell", sess.Shell())
	assert.Same(t, sess, registry.Lookup("c1"))
}

func TestService_DisconnectRemovesSession(t *testing.T) {
	svc, registry := newTestService(t)
	client := connect(t, svc, "c1")
	initTerminal(t, svc, client)
	sess := registry.Lookup("c1")

	svc.Disconnect(client)

	assert.True(t, client.IsClosed())
	assert.Nil(t, registry.Lookup("c1"))
	assert.Equal(t, model.SessionStateStopped, sess.State())
	assert.Equal(t, 0, svc.Hub().ClientCount(client.Room()))
}

func TestService_ClientsAreIsolated(t *testing.T) {
	svc, registry := newTestService(t)
	a := connect(t, svc, "a")
	b := connect(t, svc, "b")
	initTerminal(t, svc, a)
	initTerminal(t, svc, b)

	svc.HandleFrame(context.Background(), a, frame(t, model.EventTerminalInput, TerminalInputRequest{Data: "for a\n"}))
	assert.Equal(t, "for a\n", payload[model.DataPayload](t, waitFrame(t, a, model.EventOutput)).Data)
	noFrame(t, b, 50*time.Millisecond)

	assert.Equal(t, 2, registry.Len())
}

func TestDimension(t *testing.T) {
	v := func(n int) *int { return &n }

	assert.Equal(t, uint16(7), dimension(v(7), 24))
	assert.Equal(t, uint16(24), dimension(nil, 24))
	assert.Equal(t, uint16(24), dimension(v(0), 24))
	assert.Equal(t, uint16(65535), dimension(v(1<<20), 24))
}
