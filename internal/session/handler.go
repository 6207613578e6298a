package session

import "context"

// Handler is the pluggable application logic for one session.
type Handler interface {
	// Initialize runs once, on the first heartbeat, with the stash the peer
	// resumed from (nil when none).
	Initialize(stash []byte) error
	// Handle serves one application payload. The returned bytes are sent back
	// when the peer expects a reply. ctx ends when the session is poisoned.
	Handle(ctx context.Context, payload []byte) ([]byte, error)
	Teardown()
}

// Peer is the callback surface a handler uses to talk back to its peer.
type Peer interface {
	ID() string
	Name() string
	Stash() []byte
	UpdateStash(stash []byte) error
	Send(payload []byte) error
	Request(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFactory builds the handler for a new session.
type HandlerFactory func(peer Peer) Handler

// HandlerFuncs adapts plain funcs to Handler. Nil funcs are no-ops and a nil
// HandleFunc echoes the payload.
type HandlerFuncs struct {
	InitializeFunc func(stash []byte) error
	HandleFunc     func(ctx context.Context, payload []byte) ([]byte, error)
	TeardownFunc   func()
}

func (h HandlerFuncs) Initialize(stash []byte) error {
	if h.InitializeFunc == nil {
		return nil
	}
	return h.InitializeFunc(stash)
}

func (h HandlerFuncs) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	if h.HandleFunc == nil {
		return payload, nil
	}
	return h.HandleFunc(ctx, payload)
}

func (h HandlerFuncs) Teardown() {
	if h.TeardownFunc != nil {
		h.TeardownFunc()
	}
}
