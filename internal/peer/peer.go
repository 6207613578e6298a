// Package peer implements the peer end of a pipelink session.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/protocol"
	"github.com/danmuck/pipelink/internal/scheduler"
	"github.com/danmuck/pipelink/internal/session"
	"github.com/danmuck/pipelink/internal/transport"
)

var (
	ErrClosed         = errors.New("peer: closed")
	ErrDisconnected   = errors.New("peer: host disconnected")
	ErrRequestTimeout = errors.New("peer: request timeout")
	ErrRemoteFailure  = errors.New("peer: host handler failed")
)

// Handler serves host-originated application messages.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

type Config struct {
	HeartbeatInterval time.Duration
	MessageTimeout    time.Duration
	ServeThreads      int
	// Stash is offered to the host on the first heartbeat.
	Stash []byte
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 2 * time.Second,
		MessageTimeout:    30 * time.Second,
		ServeThreads:      4,
	}
}

type Option func(*Peer)

// WithStashListener is called with every stash the host pushes.
func WithStashListener(fn func(stash []byte)) Option {
	return func(p *Peer) { p.onStash = fn }
}

// WithNotificationListener is called with every fire-and-forget host message.
func WithNotificationListener(fn func(payload []byte)) Option {
	return func(p *Peer) { p.onNotify = fn }
}

// WithCodec overrides the frame codec.
func WithCodec(codec protocol.Codec) Option {
	return func(p *Peer) { p.codec = codec }
}

type Peer struct {
	id       string
	cfg      Config
	codec    protocol.Codec
	opener   transport.Opener
	handler  Handler
	outbox   *session.Outbox
	onStash  func([]byte)
	onNotify func([]byte)

	mu        sync.Mutex
	stash     []byte
	pending   map[uint64]chan protocol.ApplicationMessage
	next      uint64
	pipes     *transport.Pipes
	poisoning bool

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, opener transport.Opener, handler Handler, opts ...Option) *Peer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultConfig().MessageTimeout
	}
	if cfg.ServeThreads <= 0 {
		cfg.ServeThreads = DefaultConfig().ServeThreads
	}
	p := &Peer{
		id:      uuid.NewString(),
		cfg:     cfg,
		codec:   protocol.NewFrameCodec(),
		opener:  opener,
		handler: handler,
		outbox:  session.NewOutbox(),
		stash:   append([]byte(nil), cfg.Stash...),
		pending: make(map[uint64]chan protocol.ApplicationMessage),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) Stash() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.stash...)
}

// Run connects and serves until the host disconnects, Poison completes, or ctx
// ends. A shutdown requested by either side returns nil.
func (p *Peer) Run(ctx context.Context) error {
	pipes, err := p.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("peer: open: %w", err)
	}
	p.mu.Lock()
	p.pipes = pipes
	p.mu.Unlock()
	logs.Infof("peer.Run connected peer=%s", p.id)

	sched, err := scheduler.New(p.cfg.ServeThreads, p.cfg.ServeThreads)
	if err != nil {
		return err
	}
	exec := sched.NewExecutor(p.id)
	defer func() {
		exec.Close()
		exec.Discard()
	}()

	first := protocol.Heartbeat()
	if stash := p.Stash(); len(stash) > 0 {
		first = protocol.ControlMessage{Op: protocol.OpHeartbeat, Stash: stash, HasStash: true}
	}
	p.outbox.Push(first.Envelope())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			p.stop()
		case <-p.stopped:
		}
		return nil
	})
	g.Go(func() error { return p.writeLoop(pipes.Out) })
	g.Go(func() error {
		defer p.stop()
		return p.readLoop(gctx, pipes.In, exec)
	})
	g.Go(func() error { return p.heartbeatLoop(gctx) })

	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		logs.Infof("peer.Run cancelled peer=%s", p.id)
	}
	return err
}

// Poison asks the host to shut the session down. The poison envelope is the
// last one written.
func (p *Peer) Poison() {
	p.mu.Lock()
	p.poisoning = true
	p.mu.Unlock()
	p.outbox.Push(protocol.Poison().Envelope())
	p.outbox.Close()
}

// stop closes the outbox and pipes and fails pending calls.
func (p *Peer) stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		pipes := p.pipes
		pending := p.pending
		p.pending = nil
		p.mu.Unlock()
		p.outbox.Close()
		if pipes != nil {
			_ = pipes.Close()
		}
		for _, ch := range pending {
			close(ch)
		}
		close(p.stopped)
	})
}

func (p *Peer) writeLoop(out io.Writer) error {
	var seq uint64
	for {
		env, ok := p.outbox.Next()
		if !ok {
			return nil
		}
		seq++
		env.Seq = seq
		if err := p.codec.WriteEnvelope(out, env); err != nil {
			if errors.Is(err, protocol.ErrRejected) {
				logs.Errf("peer.writeLoop skipped peer=%s seq=%d err=%v", p.id, seq, err)
				continue
			}
			select {
			case <-p.stopped:
				return nil
			default:
			}
			return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
		}
	}
}

func (p *Peer) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopped:
			return nil
		case <-ticker.C:
			p.outbox.Push(protocol.Heartbeat().Envelope())
		}
	}
}

func (p *Peer) readLoop(ctx context.Context, in io.Reader, exec *scheduler.Executor) error {
	for {
		env, err := p.codec.ReadEnvelope(in)
		if err != nil {
			p.mu.Lock()
			poisoning := p.poisoning
			p.mu.Unlock()
			select {
			case <-p.stopped:
				return nil
			default:
			}
			if poisoning || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		switch env.Tag {
		case protocol.TagControl:
			msg, err := protocol.DecodeControl(env)
			if err != nil {
				logs.Warnf("peer.readLoop dropped control peer=%s err=%v", p.id, err)
				continue
			}
			switch msg.Op {
			case protocol.OpHeartbeat:
				logs.Tracef("peer.readLoop heartbeat peer=%s", p.id)
			case protocol.OpStash:
				p.mu.Lock()
				p.stash = append([]byte(nil), msg.Stash...)
				p.mu.Unlock()
				if p.onStash != nil {
					p.onStash(msg.Stash)
				}
			case protocol.OpPoison:
				logs.Infof("peer.readLoop host poison peer=%s", p.id)
				return nil
			}
		case protocol.TagApplication:
			msg, err := protocol.DecodeApplication(env)
			if err != nil {
				logs.Warnf("peer.readLoop dropped application peer=%s err=%v", p.id, err)
				continue
			}
			p.handleApplication(ctx, msg, exec)
		default:
			logs.Warnf("peer.readLoop dropped peer=%s err=%v", p.id, protocol.CheckTag(env.Tag))
		}
	}
}

func (p *Peer) handleApplication(ctx context.Context, msg protocol.ApplicationMessage, exec *scheduler.Executor) {
	if msg.Reply {
		p.mu.Lock()
		ch, ok := p.pending[msg.Correlation]
		delete(p.pending, msg.Correlation)
		p.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}
	if !msg.HasCorrelation {
		if p.onNotify != nil {
			p.onNotify(msg.Body)
		}
		return
	}
	exec.Submit(func() {
		reply := protocol.FailedReplyTo(msg.Correlation)
		if p.handler != nil {
			if body, err := p.serve(ctx, msg.Body); err == nil {
				reply = protocol.ReplyTo(msg.Correlation, body)
			} else {
				logs.Warnf("peer.serve peer=%s correlation=%d err=%v", p.id, msg.Correlation, err)
			}
		}
		p.outbox.Push(reply.Envelope())
	})
}

func (p *Peer) serve(ctx context.Context, payload []byte) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("peer: handler panic: %v", r)
		}
	}()
	return p.handler(ctx, payload)
}

// Call sends payload and waits for the host's reply.
func (p *Peer) Call(ctx context.Context, payload []byte) ([]byte, error) {
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.next++
	id := p.next
	ch := make(chan protocol.ApplicationMessage, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	if !p.outbox.Push(protocol.Request(id, payload).Envelope()) {
		p.forget(id)
		return nil, ErrClosed
	}
	timer := time.NewTimer(p.cfg.MessageTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if msg.Failed {
			return nil, ErrRemoteFailure
		}
		return msg.Body, nil
	case <-timer.C:
		p.forget(id)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget message.
func (p *Peer) Notify(payload []byte) error {
	if !p.outbox.Push(protocol.Notification(payload).Envelope()) {
		return ErrClosed
	}
	return nil
}

func (p *Peer) forget(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		delete(p.pending, id)
	}
}
