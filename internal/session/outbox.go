package session

import (
	"sync"

	"github.com/danmuck/pipelink/internal/protocol"
)

// Outbox is the ordered outbound queue. Any goroutine may Push; one writer
// drains it with Next. After Close, Next still returns everything pushed
// before the close, then reports false.
type Outbox struct {
	mu     sync.Mutex
	items  []protocol.Envelope
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func NewOutbox() *Outbox {
	return &Outbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends env. It returns false once the outbox is closed.
func (o *Outbox) Push(env protocol.Envelope) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, env)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Next blocks until an envelope is available or the outbox is closed and
// drained.
func (o *Outbox) Next() (protocol.Envelope, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			env := o.items[0]
			o.items[0] = protocol.Envelope{}
			o.items = o.items[1:]
			o.mu.Unlock()
			return env, true
		}
		if o.closed {
			o.mu.Unlock()
			return protocol.Envelope{}, false
		}
		o.mu.Unlock()
		select {
		case <-o.notify:
		case <-o.done:
		}
	}
}
