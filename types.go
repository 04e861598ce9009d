package authstream

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState is the lifecycle state of a StreamManager.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ============================================================================
// Frames and Events
// ============================================================================

// Event labels understood by the parser.
const (
	EventNameMessage     = "message"
	EventNameHeartbeat   = "heartbeat"
	EventNameForceLogout = "FORCE_LOGOUT"
)

// DefaultForceLogoutMessage is used when a force-logout frame carries no
// readable message.
const DefaultForceLogoutMessage = "Your session has been terminated."

// RawFrame is one unit of data received from a transport, before parsing.
type RawFrame struct {
	EventType string // empty means "message"
	Data      string
	ID        string // SSE "id:" field, if any
}

// EventType classifies a parsed event.
type EventType int

const (
	EventMessage EventType = iota
	EventHeartbeat
	EventForceLogout
	EventUnknown
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventHeartbeat:
		return "heartbeat"
	case EventForceLogout:
		return "force_logout"
	case EventUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// ParsedEvent is an immutable, typed view of a frame.
//
// Data holds the decoded JSON value for well-formed payloads. For malformed
// payloads it is map[string]any{"raw": payload}. Heartbeats carry nil.
type ParsedEvent struct {
	Type         EventType
	Name         string // event label as sent by the server
	Data         any
	ID           string
	ReceivedAt   time.Time
	ConnectionID string // set by the StreamManager
}

// ============================================================================
// Retry State
// ============================================================================

// RetryState is a snapshot of the manager's backoff position.
type RetryState struct {
	Attempt   int
	NextDelay time.Duration
}

// ============================================================================
// Errors
// ============================================================================

// ErrorKind classifies failures reported by the StreamManager.
type ErrorKind int

const (
	MissingCredential ErrorKind = iota + 1
	TransportError
	ReconnectExhausted
	ParseFailure
)

func (k ErrorKind) String() string {
	switch k {
	case MissingCredential:
		return "missing_credential"
	case TransportError:
		return "transport_error"
	case ReconnectExhausted:
		return "reconnect_exhausted"
	case ParseFailure:
		return "parse_failure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinel errors, usable with errors.Is against a *StreamError.
var (
	ErrMissingCredential  = errors.New("credential is required")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrStaleStream        = errors.New("stream stale (no frames received)")
	ErrStreamEnded        = errors.New("stream ended")
)

// StreamError is an error classified by kind.
type StreamError struct {
	Kind ErrorKind
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *StreamError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StreamError
	return errors.As(err, &se) && se.Kind == kind
}
