// Package ws carries terminal sessions over WebSocket connections.
//
// The package implements:
//   - Hub: tracks connected clients and the room each one belongs to, and
//     delivers session events to rooms (it is the session.Emitter)
//   - Service: translates connect, disconnect and client events into
//     registry, controller and session operations
//   - Handler: upgrades HTTP requests and runs the read and write pumps
//
// Frames are JSON envelopes {"event": name, "data": payload}. Every
// connection gets a random identity; its room is named after the session
// identity derived from it, so a client only ever sees its own session.
package ws
