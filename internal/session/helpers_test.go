package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/pipelink/internal/protocol"
	"github.com/danmuck/pipelink/internal/transport"
)

type manualTicker struct {
	mu         sync.Mutex
	fns        map[int]func()
	next       int
	registered chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{fns: make(map[int]func()), registered: make(chan struct{}, 16)}
}

func (m *manualTicker) Every(_ time.Duration, fn func()) func() {
	m.mu.Lock()
	m.next++
	id := m.next
	m.fns[id] = fn
	m.mu.Unlock()
	m.registered <- struct{}{}
	return func() {
		m.mu.Lock()
		delete(m.fns, id)
		m.mu.Unlock()
	}
}

func (m *manualTicker) tick() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.fns))
	for _, fn := range m.fns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func testConfig() Config {
	return Config{
		MessageTimeout:     2 * time.Second,
		HeartbeatTimeout:   time.Hour,
		TerminationTimeout: 2 * time.Second,
		SessionThreads:     2,
		GlobalThreads:      4,
	}
}

// testPeer speaks raw envelopes on the peer end of a memory pipe pair.
type testPeer struct {
	t      *testing.T
	codec  protocol.FrameCodec
	pipes  *transport.Pipes
	in     chan protocol.Envelope
	sendMu sync.Mutex
}

type harness struct {
	ctx    *Context
	client *Client
	peer   *testPeer
	ticker *manualTicker
	runErr chan error
}

func startHarness(t *testing.T, cfg Config, factory HandlerFactory) *harness {
	t.Helper()
	return startHarnessWith(t, cfg, factory, nil)
}

func startHarnessWith(t *testing.T, cfg Config, factory HandlerFactory, wrap func(transport.Opener) transport.Opener) *harness {
	t.Helper()
	ticker := newManualTicker()
	sc, err := NewContext(cfg, protocol.NewFrameCodec(), factory, WithTicker(ticker))
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	hostOpener, peerOpener := transport.NewMemoryPair()
	if wrap != nil {
		hostOpener = wrap(hostOpener)
	}
	client := sc.NewClient("test", hostOpener)
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	pipes, err := peerOpener.Open(context.Background())
	if err != nil {
		t.Fatalf("open peer pipes: %v", err)
	}
	p := &testPeer{t: t, codec: protocol.NewFrameCodec(), pipes: pipes, in: make(chan protocol.Envelope, 64)}
	go func() {
		defer close(p.in)
		for {
			env, err := p.codec.ReadEnvelope(pipes.In)
			if err != nil {
				return
			}
			p.in <- env
		}
	}()
	select {
	case <-ticker.registered:
	case <-time.After(2 * time.Second):
		t.Fatalf("watchdog never registered")
	}
	h := &harness{ctx: sc, client: client, peer: p, ticker: ticker, runErr: runErr}
	t.Cleanup(func() {
		client.Close()
		_ = pipes.Close()
		sc.Close()
	})
	return h
}

func (p *testPeer) send(env protocol.Envelope) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.codec.WriteEnvelope(p.pipes.Out, env)
}

func (p *testPeer) mustSend(env protocol.Envelope) {
	p.t.Helper()
	if err := p.send(env); err != nil {
		p.t.Fatalf("peer send: %v", err)
	}
}

func (p *testPeer) next() (protocol.Envelope, bool) {
	p.t.Helper()
	select {
	case env, ok := <-p.in:
		return env, ok
	case <-time.After(3 * time.Second):
		p.t.Fatalf("peer timed out waiting for an envelope")
		return protocol.Envelope{}, false
	}
}

func (p *testPeer) expectControl(op protocol.Operation) protocol.ControlMessage {
	p.t.Helper()
	env, ok := p.next()
	if !ok {
		p.t.Fatalf("stream closed waiting for control %s", op)
	}
	msg, err := protocol.DecodeControl(env)
	if err != nil {
		p.t.Fatalf("decode control: %v (tag=%s)", err, env.Tag)
	}
	if msg.Op != op {
		p.t.Fatalf("expected control %s, got %s", op, msg.Op)
	}
	return msg
}

func (p *testPeer) expectApplication() protocol.ApplicationMessage {
	p.t.Helper()
	env, ok := p.next()
	if !ok {
		p.t.Fatalf("stream closed waiting for application message")
	}
	msg, err := protocol.DecodeApplication(env)
	if err != nil {
		p.t.Fatalf("decode application: %v (tag=%s)", err, env.Tag)
	}
	return msg
}

// initialize sends the first heartbeat and consumes the heartbeat reply.
func (p *testPeer) initialize(stash []byte) {
	p.t.Helper()
	hb := protocol.Heartbeat()
	if stash != nil {
		hb.Stash = stash
		hb.HasStash = true
	}
	p.mustSend(hb.Envelope())
	p.expectControl(protocol.OpHeartbeat)
}

func (h *harness) waitRun(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not terminate")
		return nil
	}
}

type countingCloser struct {
	io.ReadCloser
	closes atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closes.Add(1)
	return c.ReadCloser.Close()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
