package model

// Event names exchanged with terminal clients.
const (
	// Server -> client
	EventInitialized = "initialized"
	EventOutput      = "output"
	EventExited      = "exited"
	EventResponse    = "response"
	EventHistory     = "history"
	EventError       = "error"

	// Client -> server
	EventInitTerminal   = "init_terminal"
	EventTerminalInput  = "terminal_input"
	EventTerminalResize = "terminal_resize"
)

// ExitCodeUnknown is reported when a process exit status is unavailable.
const ExitCodeUnknown = -1

// Event is a named message crossing the transport boundary.
type Event struct {
	Name    string
	Payload any
}

// InitializedPayload announces a usable (or re-created) session.
type InitializedPayload struct {
	SessionID string `json:"session_id"`
	Platform  string `json:"platform"`
}

// DataPayload carries text for output, response and history events.
type DataPayload struct {
	Data string `json:"data"`
}

// ExitedPayload carries the exit code of the session's process.
type ExitedPayload struct {
	Code int `json:"code"`
}

// ErrorPayload describes a failure reported to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}

// OutputEvent builds an output event.
func OutputEvent(data string) Event {
	return Event{Name: EventOutput, Payload: DataPayload{Data: data}}
}

// ExitedEvent builds an exited event.
func ExitedEvent(code int) Event {
	return Event{Name: EventExited, Payload: ExitedPayload{Code: code}}
}

// InitializedEvent builds an initialized event.
func InitializedEvent(sessionID, platform string) Event {
	return Event{Name: EventInitialized, Payload: InitializedPayload{SessionID: sessionID, Platform: platform}}
}

// ResponseEvent builds a connection-level response event.
func ResponseEvent(data string) Event {
	return Event{Name: EventResponse, Payload: DataPayload{Data: data}}
}

// HistoryEvent builds a scrollback replay event.
func HistoryEvent(data string) Event {
	return Event{Name: EventHistory, Payload: DataPayload{Data: data}}
}

// ErrorEvent builds an error event.
func ErrorEvent(message string) Event {
	return Event{Name: EventError, Payload: ErrorPayload{Message: message}}
}
