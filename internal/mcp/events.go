package mcp

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a typed notification emitted by the fleet subsystem. Concrete
// event types are [ServerStateChanged], [ToolsChanged], [HealthEvent] and
// [ErrorRateAlert].
type Event interface {
	// Kind returns a short stable identifier for the event type, suitable
	// for log attributes and metric labels.
	Kind() string
}

// ServerStateChanged is emitted after every lifecycle state transition.
type ServerStateChanged struct {
	ServerID string
	From     ServerState
	To       ServerState
	Time     time.Time
}

func (ServerStateChanged) Kind() string { return "server_state_changed" }

// ToolsChanged is emitted when a client's background poll detects that the
// server's tool list differs from the cached one.
type ToolsChanged struct {
	ServerID string
	Tools    []string // current tool names, sorted
}

func (ToolsChanged) Kind() string { return "tools_changed" }

// HealthEvent is emitted by a client's health loop. Fatal is set when the
// reconnect attempt cap has been exhausted and the client has disabled
// further reconnection.
type HealthEvent struct {
	ServerID string
	Err      error
	Fatal    bool
	Time     time.Time
}

func (HealthEvent) Kind() string { return "health" }

// ErrorRateAlert is emitted by the manager's supervision sweep when a server
// accumulates more errors than the configured threshold within one window.
type ErrorRateAlert struct {
	ServerID string
	Count    int
	Window   time.Duration
}

func (ErrorRateAlert) Kind() string { return "error_rate_alert" }

// Handler consumes events published on a [Bus].
type Handler func(Event)

// Bus is a fan-out of typed events to subscribed handlers.
//
// A handler subscribed before an event is published is guaranteed to observe
// it. Delivery is asynchronous: the publisher never blocks on a subscriber,
// so handlers are free to call back into the emitting subsystem. A panicking
// handler is logged and skipped; it never aborts the emitting operation or
// the delivery to the remaining handlers.
//
// The zero value is ready to use. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// Subscribe registers h and returns a function that removes the
// subscription.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish delivers ev to every subscriber registered at the time of the
// call. Delivery happens on a separate goroutine; Publish returns
// immediately.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	go func() {
		for _, h := range handlers {
			deliver(h, ev)
		}
	}()
}

// deliver invokes one handler with panic isolation.
func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", ev.Kind(), "panic", r)
		}
	}()
	h(ev)
}
