package bus

import "sync"

// Publisher is the concrete EventPublisher: a process-wide fan-out of
// Events to registered handlers, matching the node package's RWMutex-
// guarded registration idiom used for its own connection map.
type Publisher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewPublisher constructs an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{handlers: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any existing handler
// with the same id (last write wins, matching the tools.Registry idiom).
func (p *Publisher) Subscribe(id string, handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id, if any.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

// Broadcast delivers event to every currently-subscribed handler. Handlers
// run synchronously on the caller's goroutine; an SSE subscriber's handler
// is expected to be a non-blocking channel send.
func (p *Publisher) Broadcast(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, h := range p.handlers {
		h(event)
	}
}
