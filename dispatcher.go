package authstream

import (
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// ErrorHandler receives classified failures.
type ErrorHandler func(kind ErrorKind, err error)

// StateHandler observes every state transition.
type StateHandler func(from, to ConnectionState)

// eventDispatcher holds host callbacks. Handlers run synchronously on the
// calling goroutine; a panicking handler is recovered and logged so it
// cannot take down the manager.
type eventDispatcher struct {
	logger *slog.Logger

	mu             sync.RWMutex
	onOpen         []func()
	onClose        []func()
	onError        []ErrorHandler
	onMessage      []func(ParsedEvent)
	onForceLogout  []func(string)
	onStateChange  []StateHandler
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{logger: logger}
}

// liveFunc is checked before every handler call; once it reports false the
// remaining handlers of that emission are skipped. A nil liveFunc is always
// live.
type liveFunc func() bool

func (d *eventDispatcher) call(live liveFunc, name string, fn func()) bool {
	if live != nil && !live() {
		return false
	}
	d.safeCall(name, fn)
	return true
}

func (d *eventDispatcher) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "handler", name, "panic", r)
		}
	}()
	fn()
}

func (d *eventDispatcher) emitOpen(live liveFunc) {
	d.mu.RLock()
	handlers := append([]func(){}, d.onOpen...)
	d.mu.RUnlock()
	for _, h := range handlers {
		if !d.call(live, "open", h) {
			return
		}
	}
}

func (d *eventDispatcher) emitClose(live liveFunc) {
	d.mu.RLock()
	handlers := append([]func(){}, d.onClose...)
	d.mu.RUnlock()
	for _, h := range handlers {
		if !d.call(live, "close", h) {
			return
		}
	}
}

func (d *eventDispatcher) emitError(live liveFunc, kind ErrorKind, err error) {
	d.mu.RLock()
	handlers := append([]ErrorHandler{}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		if !d.call(live, "error", func() { h(kind, err) }) {
			return
		}
	}
}

func (d *eventDispatcher) emitMessage(live liveFunc, ev ParsedEvent) {
	d.mu.RLock()
	handlers := append([]func(ParsedEvent){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		if !d.call(live, "message", func() { h(ev) }) {
			return
		}
	}
}

func (d *eventDispatcher) emitForceLogout(live liveFunc, message string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onForceLogout...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		if !d.call(live, "force_logout", func() { h(message) }) {
			return
		}
	}
}

func (d *eventDispatcher) emitStateChange(live liveFunc, from, to ConnectionState) {
	d.mu.RLock()
	handlers := append([]StateHandler{}, d.onStateChange...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		if !d.call(live, "state_change", func() { h(from, to) }) {
			return
		}
	}
}

func (d *eventDispatcher) emitReconnecting(live liveFunc, attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		if !d.call(live, "reconnecting", func() { h(attempt, delay) }) {
			return
		}
	}
}
