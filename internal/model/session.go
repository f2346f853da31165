package model

import (
	"time"
)

// SessionState represents the lifecycle state of a terminal session.
type SessionState string

const (
	SessionStateStarting SessionState = "starting"
	SessionStateRunning  SessionState = "running"
	SessionStateStopping SessionState = "stopping"
	SessionStateStopped  SessionState = "stopped"
)

// Session is the externally visible record of a terminal session.
// It is what the HTTP API returns and what the audit store persists.
type Session struct {
	ID        string       `json:"id"`
	ClientID  string       `json:"clientId"`
	Shell     string       `json:"shell"`
	Platform  string       `json:"platform"`
	State     SessionState `json:"state"`
	PID       *int         `json:"pid,omitempty"`
	ExitCode  *int         `json:"exitCode,omitempty"`
	Swaps     int          `json:"swaps"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Duration returns how long the session has existed.
func (s *Session) Duration() time.Duration {
	if s.State == SessionStateStopped {
		return s.UpdatedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}

// IsLive reports whether the session still owns a process.
func (s *Session) IsLive() bool {
	return s.State == SessionStateStarting || s.State == SessionStateRunning
}
