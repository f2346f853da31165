package model

import "errors"

var (
	// ErrEmptyCommand is returned when a shell command has no executable.
	ErrEmptyCommand = errors.New("command is required")

	// ErrSpawn is wrapped by every failure to start a shell process.
	ErrSpawn = errors.New("failed to spawn process")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionStopped is returned when an operation needs a running session.
	ErrSessionStopped = errors.New("session is not running")
)
