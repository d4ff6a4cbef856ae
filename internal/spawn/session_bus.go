package spawn

import (
	"sort"
	"sync"
	"time"
)

// Per-session event names.
const (
	// EventMessage carries a *provider.AgentMessage observed on the
	// headless stream, in provider order.
	EventMessage = "event"
	// EventPTYData carries a string chunk of interactive terminal output.
	EventPTYData = "pty-data"
	// EventProviderSession carries the provider session id once known.
	EventProviderSession = "provider-session-id"
	// EventRateLimited carries a RateLimitNotice.
	EventRateLimited = "rate_limited"
	// EventResumeFailed carries a ResumeFailure.
	EventResumeFailed = "resume_failed"
	// EventInterrupt fires after an interrupt was delivered. Payload nil.
	EventInterrupt = "interrupt"
	// EventError carries an error surfaced by the provider stream.
	EventError = "error"
	// EventExit carries an ExitNotice. Emitted at most once.
	EventExit = "exit"
)

// RateLimitNotice is emitted when assistant output reports a usage limit.
type RateLimitNotice struct {
	ExecutablePath string    `json:"executablePath"`
	ResetsAt       time.Time `json:"resetsAt"`
	Message        string    `json:"message"`
}

// ResumeFailure is emitted when the provider rejects a resumed session.
type ResumeFailure struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ExitNotice describes how a session's child process ended.
type ExitNotice struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Handler receives one per-session event payload.
type Handler func(payload any)

// sessionBus fans per-session events out to subscribers, keyed by event
// name. Emission happens from the session's single pump goroutine, so
// subscribers observe events in provider order.
type sessionBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
}

func newSessionBus() *sessionBus {
	return &sessionBus{handlers: make(map[string]map[int]Handler)}
}

// subscribe registers a handler and returns its cancel closure.
func (b *sessionBus) subscribe(event string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]Handler)
	}
	b.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[event], id)
		})
	}
}

// emit invokes the current subscribers for an event. Handlers run
// outside the bus lock, in subscription order.
func (b *sessionBus) emit(event string, payload any) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers[event]))
	for id := range b.handlers[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ordered := make([]Handler, len(ids))
	for i, id := range ids {
		ordered[i] = b.handlers[event][id]
	}
	b.mu.Unlock()

	for _, h := range ordered {
		h(payload)
	}
}

// ListenerSet tracks a group of subscriptions so they can be released
// together, preventing leaks when a session exits without the event a
// subscriber was waiting for.
type ListenerSet struct {
	mu       sync.Mutex
	cancels  []func()
	released bool
}

// Add registers a cancel closure. If the set was already released the
// closure runs immediately.
func (s *ListenerSet) Add(cancel func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

// Release cancels every tracked subscription. Idempotent.
func (s *ListenerSet) Release() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.released = true
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
