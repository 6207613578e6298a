package transport

import (
	"context"
	"io"
	"sync"
)

type memoryOpener struct {
	mu     sync.Mutex
	pipes  *Pipes
	opened bool
}

func (m *memoryOpener) Open(ctx context.Context) (*Pipes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil, ErrAlreadyOpened
	}
	m.opened = true
	return m.pipes, nil
}

// NewMemoryPair returns connected host and peer openers backed by io.Pipe.
// Each opener can be opened once.
func NewMemoryPair() (host Opener, peer Opener) {
	upR, upW := io.Pipe()
	downR, downW := io.Pipe()
	host = &memoryOpener{pipes: NewPipes(upR, downW)}
	peer = &memoryOpener{pipes: NewPipes(downR, upW)}
	return host, peer
}
