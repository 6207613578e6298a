package host

import (
	"bytes"
	"context"

	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/session"
)

var stashCommand = []byte("stash ")

// EchoHandler echoes application payloads back to the peer. A payload of the
// form "stash <blob>" stores <blob> as the session stash and pushes it to the
// peer.
type EchoHandler struct {
	peer session.Peer
}

func NewEchoHandler(peer session.Peer) session.Handler {
	return &EchoHandler{peer: peer}
}

func (h *EchoHandler) Initialize(stash []byte) error {
	logs.Infof("host.EchoHandler.Initialize session=%s name=%s stash_bytes=%d", h.peer.ID(), h.peer.Name(), len(stash))
	return nil
}

func (h *EchoHandler) Handle(_ context.Context, payload []byte) ([]byte, error) {
	if blob, ok := bytes.CutPrefix(payload, stashCommand); ok {
		if err := h.peer.UpdateStash(blob); err != nil {
			return nil, err
		}
		return []byte("stashed"), nil
	}
	return payload, nil
}

func (h *EchoHandler) Teardown() {
	logs.Infof("host.EchoHandler.Teardown session=%s name=%s", h.peer.ID(), h.peer.Name())
}
