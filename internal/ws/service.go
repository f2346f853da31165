package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/shaw-s-yu/terminal-server/internal/model"
	"github.com/shaw-s-yu/terminal-server/internal/session"
)

// Default window size used when a resize request omits a dimension.
const (
	DefaultRows = 24
	DefaultCols = 80
)

// InitTerminalRequest is the payload of init_terminal.
type InitTerminalRequest struct {
	Shell string `json:"shell,omitempty"`
}

// TerminalInputRequest is the payload of terminal_input.
type TerminalInputRequest struct {
	Data string `json:"data"`
}

// TerminalResizeRequest is the payload of terminal_resize.
type TerminalResizeRequest struct {
	Rows *int `json:"rows,omitempty"`
	Cols *int `json:"cols,omitempty"`
}

// Service connects WebSocket clients to terminal sessions.
type Service struct {
	hub        *Hub
	registry   *session.Registry
	controller *session.Controller
	platform   string
	log        *slog.Logger
}

// NewService creates a Service. platform is announced in the greeting.
func NewService(hub *Hub, registry *session.Registry, controller *session.Controller, platform string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		hub:        hub,
		registry:   registry,
		controller: controller,
		platform:   platform,
		log:        log.With("component", "ws"),
	}
}

// Hub returns the hub clients are registered with.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Connect registers client in its room and greets it.
func (s *Service) Connect(client *Client) {
	s.hub.Register(client)
	s.hub.SendTo(client, model.ResponseEvent(fmt.Sprintf("Connected to terminal server (%s)", s.platform)))
	s.log.Info("client connected", "client_id", client.ID())
}

// Disconnect unregisters client and terminates its session.
func (s *Service) Disconnect(client *Client) {
	s.hub.Unregister(client)
	removed := s.registry.Remove(client.ID())
	s.log.Info("client disconnected", "client_id", client.ID(), "session_removed", removed)
}

// HandleFrame decodes one frame from client and dispatches it.
func (s *Service) HandleFrame(ctx context.Context, client *Client, frame []byte) {
	env, err := Decode(frame)
	if err != nil {
		s.log.Debug("dropping malformed frame", "client_id", client.ID(), "error", err)
		s.hub.SendTo(client, model.ErrorEvent(err.Error()))
		return
	}

	switch env.Event {
	case model.EventInitTerminal:
		var req InitTerminalRequest
		if err := decodePayload(env.Data, &req); err != nil {
			s.hub.SendTo(client, model.ErrorEvent(err.Error()))
			return
		}
		s.InitTerminal(ctx, client, req)

	case model.EventTerminalInput:
		var req TerminalInputRequest
		if err := decodePayload(env.Data, &req); err != nil {
			s.hub.SendTo(client, model.ErrorEvent(err.Error()))
			return
		}
		s.TerminalInput(ctx, client, req)

	case model.EventTerminalResize:
		var req TerminalResizeRequest
		if err := decodePayload(env.Data, &req); err != nil {
			s.hub.SendTo(client, model.ErrorEvent(err.Error()))
			return
		}
		s.TerminalResize(client, req)

	default:
		s.hub.SendTo(client, model.ErrorEvent(fmt.Sprintf("unknown event %q", env.Event)))
	}
}

// InitTerminal creates the client's session. A client that already has a
// live session gets initialized and its scrollback instead.
func (s *Service) InitTerminal(ctx context.Context, client *Client, req InitTerminalRequest) {
	sess, created, err := s.registry.GetOrCreate(ctx, client.ID(), req.Shell)
	if err != nil {
		// Start failures were already reported to the room by the session.
		if !errors.Is(err, model.ErrSpawn) {
			s.hub.SendTo(client, model.ErrorEvent(err.Error()))
		}
		s.log.Warn("failed to initialize terminal", "client_id", client.ID(), "error", err)
		return
	}
	if created {
		return
	}

	s.hub.SendTo(client, model.InitializedEvent(sess.ID(), sess.Platform()))
	if history := sess.History(); history != "" {
		s.hub.SendTo(client, model.HistoryEvent(history))
	}
}

// TerminalInput routes input to the client's session. Input without a
// session is ignored.
func (s *Service) TerminalInput(ctx context.Context, client *Client, req TerminalInputRequest) {
	sess := s.registry.Lookup(client.ID())
	if sess == nil {
		return
	}

	decision, err := s.controller.Route(ctx, sess, req.Data)
	if err != nil {
		s.log.Warn("shell switch failed", "session_id", sess.ID(), "decision", decision.String(), "error", err)
	}
}

// TerminalResize records a window size for the client's session.
func (s *Service) TerminalResize(client *Client, req TerminalResizeRequest) {
	sess := s.registry.Lookup(client.ID())
	if sess == nil {
		return
	}
	sess.RequestResize(dimension(req.Rows, DefaultRows), dimension(req.Cols, DefaultCols))
}

func dimension(v *int, def uint16) uint16 {
	switch {
	case v == nil || *v <= 0:
		return def
	case *v > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(*v)
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
