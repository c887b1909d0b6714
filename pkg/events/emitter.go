package events

import "sync"

// Handler receives emitted events. Handlers run synchronously on the
// emitting goroutine; a panicking handler is recovered and never breaks the
// emitter or its sibling handlers.
type Handler func(Event)

type subscription struct {
	id      int
	typ     Type
	all     bool
	handler Handler
}

// Emitter broadcasts named events to any number of listeners.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a handler for a single event type and returns an
// unsubscribe function.
func (e *Emitter) Subscribe(t Type, h Handler) func() {
	return e.add(subscription{typ: t, handler: h})
}

// SubscribeAll registers a handler for every event type.
func (e *Emitter) SubscribeAll(h Handler) func() {
	return e.add(subscription{all: true, handler: h})
}

func (e *Emitter) add(sub subscription) func() {
	e.mu.Lock()
	e.nextID++
	sub.id = e.nextID
	e.subs = append(e.subs, sub)
	id := sub.id
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i := range e.subs {
			if e.subs[i].id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to all matching handlers. Each handler invocation
// is isolated so one failing listener cannot affect the others.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	matched := make([]Handler, 0, len(e.subs))
	for _, sub := range e.subs {
		if sub.all || sub.typ == ev.Type {
			matched = append(matched, sub.handler)
		}
	}
	e.mu.RUnlock()

	for _, h := range matched {
		safeInvoke(h, ev)
	}
}

func safeInvoke(h Handler, ev Event) {
	defer func() {
		_ = recover()
	}()
	h(ev)
}
