package authstream

import (
	"context"
	"time"
)

// ============================================================================
// Transport Boundary
// ============================================================================

// TransportEventKind identifies what a transport is reporting.
type TransportEventKind int

const (
	TransportReady TransportEventKind = iota
	TransportFrame
	TransportErr
	TransportClosed
)

func (k TransportEventKind) String() string {
	switch k {
	case TransportReady:
		return "ready"
	case TransportFrame:
		return "frame"
	case TransportErr:
		return "error"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportEvent is a single signal from an open connection.
type TransportEvent struct {
	Kind       TransportEventKind
	Frame      RawFrame  // set for TransportFrame
	Err        error     // set for TransportErr
	ReceivedAt time.Time // local receive time
}

// Transport opens streaming connections. The credential is injected by the
// transport however the server expects it (header, query parameter, ...).
type Transport interface {
	// Open starts a connection attempt. It should return quickly; readiness
	// is reported later through Conn.Events. An error from Open is treated
	// like a transport error on the new connection.
	Open(ctx context.Context, credential string) (Conn, error)
}

// Conn is one live transport connection.
//
// Events emits TransportReady once, then any number of TransportFrame, and
// finishes with at most one TransportErr or TransportClosed. The channel is
// closed when the connection is finished, including after Close.
type Conn interface {
	Events() <-chan TransportEvent
	Close() error
}

// TokenProvider supplies a (possibly refreshed) credential for reconnects.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

// Token calls f(ctx).
func (f TokenProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// emitter is shared by the concrete transports to publish events without
// blocking after the connection has been closed.
type emitter struct {
	events chan TransportEvent
	done   <-chan struct{}
}

func (e emitter) send(ev TransportEvent) bool {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}
