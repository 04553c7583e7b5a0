package transport

import (
	"context"
	"time"
)

// Status is the connection health reported to an attached SessionOwner.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is a parsed inbound payload.
type Message struct {
	Body      any
	MessageID int64
	SessionID int64
}

// SessionOwner takes over inbound payloads and resend decisions once
// attached. All methods except Parse are called from the transport's event
// loop and may call back into the Transport.
type SessionOwner interface {
	// NotifyConnectionStatus reports a status change. retryAt is the time of
	// the next scheduled attempt for StatusClosed, zero otherwise or when no
	// attempt is scheduled.
	NotifyConnectionStatus(status Status, retryAt time.Time)
	// CleanupSentState drops state tied to sends on the previous connection.
	CleanupSentState()
	// ResendPending re-submits whatever the owner still needs delivered.
	ResendPending()
	// Parse decodes a payload. It runs on its own goroutine; completion order
	// across payloads is not guaranteed.
	Parse(ctx context.Context, payload []byte) (Message, error)
	// ProcessMessage handles a parsed message. Errors are logged.
	ProcessMessage(msg Message) error
}

// mode is the one-way operating mode: bootstrap until a SessionOwner
// attaches, attached afterwards.
type mode interface {
	modeName() string
}

type bootstrapMode struct{}

type attachedMode struct {
	owner SessionOwner
}

func (bootstrapMode) modeName() string { return "bootstrap" }
func (attachedMode) modeName() string  { return "attached" }
