// Package signalbus is meepo's process-local fan-out: a mapping from
// signal name to an ordered list of handlers, with an optional per-handler
// sender filter. It is the Go home for what the original project builds on
// blinker signals (see original_source/meepo/signals.py).
package signalbus

import "sync"

// Sender identifies the origin of a Send call, typically an ORM session.
// Connect with a nil Sender to receive every send regardless of origin.
type Sender interface{}

// Named is implemented by senders that want to be matched by a stable name
// instead of identity equality, the Go analogue of the source's
// session.info["name"] hash-identity trick.
type Named interface {
	SignalName() string
}

// Handler receives the payload of a signal send.
type Handler func(sender Sender, payload interface{})

type subscription struct {
	handler Handler
	sender  Sender
}

// Bus is a process-local signal registry. The zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
}

// New returns an empty signal bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Connect registers handler for name, firing only when Send's sender
// matches (or always, if sender is nil). Subscriptions are always strong
// references: the bus itself keeps the handler alive until Disconnect or
// the bus is dropped, since meepo's hook callbacks are often closures over
// short-lived locals that would vanish under a weak-ref scheme.
func (b *Bus) Connect(name string, sender Sender, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], &subscription{handler: handler, sender: sender})
}

// Disconnect removes every subscription registered for name with the given
// sender, matched by identity or, for Named senders, by name (nil removes
// only sender-less subscriptions, and a non-nil sender never removes them).
func (b *Bus) Disconnect(name string, sender Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	kept := subs[:0]
	for _, s := range subs {
		same := s.sender == nil && sender == nil
		if s.sender != nil && sender != nil {
			same = senderEqual(s.sender, sender)
		}
		if !same {
			kept = append(kept, s)
		}
	}
	b.subs[name] = kept
}

// Send invokes every handler registered for name, in registration order, on
// the calling goroutine. Handlers with no sender filter always fire;
// handlers with a filter fire only when sender matches. There is no
// ordering guarantee across different signal names.
func (b *Bus) Send(name string, sender Sender, payload interface{}) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[name]))
	copy(subs, b.subs[name])
	b.mu.RUnlock()

	for _, s := range subs {
		if s.sender == nil || senderEqual(s.sender, sender) {
			s.handler(sender, payload)
		}
	}
}

func senderEqual(filter, sender Sender) bool {
	if filter == nil {
		return true
	}
	if filter == sender {
		return true
	}
	named, ok := filter.(Named)
	if !ok {
		return false
	}
	sentNamed, ok := sender.(Named)
	if !ok {
		return false
	}
	return named.SignalName() == sentNamed.SignalName()
}
