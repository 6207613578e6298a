package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/observability"
	"github.com/danmuck/pipelink/internal/protocol"
	"github.com/danmuck/pipelink/internal/scheduler"
	"github.com/danmuck/pipelink/internal/transport"
	"github.com/danmuck/pipelink/internal/watchdog"
)

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateInitialized
	StatePoisoned
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StatePoisoned:
		return "poisoned"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client is the host side of one peer session.
type Client struct {
	id      string
	name    string
	cfg     Config
	codec   protocol.Codec
	ticker  watchdog.Ticker
	opener  transport.Opener
	exec    *scheduler.Executor
	handler Handler
	outbox  *Outbox

	state       atomic.Int32
	started     atomic.Bool
	initStarted atomic.Bool

	mu              sync.Mutex
	pipes           *transport.Pipes
	cancelWatchdog  func()
	stash           []byte
	pending         map[uint64]chan protocol.ApplicationMessage
	nextCorrelation uint64
	reason          error
	createdAt       time.Time

	poisonOnce    sync.Once
	poisoned      chan struct{}
	ready         chan struct{}
	writerDone    chan struct{}
	done          chan struct{}
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
}

// Info is a diagnostic snapshot of one session.
type Info struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	State      string                  `json:"state"`
	StashBytes int                     `json:"stash_bytes"`
	Pending    int                     `json:"pending_requests"`
	Outbound   int                     `json:"outbound_queued"`
	Dispatch   scheduler.ExecutorStats `json:"dispatch"`
	CreatedAt  time.Time               `json:"created_at"`
	Reason     string                  `json:"reason,omitempty"`
}

func newClient(sc *Context, id, name string, opener transport.Opener) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:            id,
		name:          name,
		cfg:           sc.cfg,
		codec:         sc.codec,
		ticker:        sc.ticker,
		opener:        opener,
		exec:          sc.scheduler.NewExecutor(name + "/" + id),
		outbox:        NewOutbox(),
		pending:       make(map[uint64]chan protocol.ApplicationMessage),
		createdAt:     time.Now(),
		poisoned:      make(chan struct{}),
		ready:         make(chan struct{}),
		writerDone:    make(chan struct{}),
		done:          make(chan struct{}),
		handlerCtx:    ctx,
		handlerCancel: cancel,
	}
}

func (c *Client) ID() string   { return c.id }
func (c *Client) Name() string { return c.name }

func (c *Client) State() State { return State(c.state.Load()) }

// Done is closed once the session is terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the termination reason once the session is poisoned.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Client) Info() Info {
	c.mu.Lock()
	info := Info{
		ID:         c.id,
		Name:       c.name,
		StashBytes: len(c.stash),
		Pending:    len(c.pending),
		CreatedAt:  c.createdAt,
	}
	if c.reason != nil {
		info.Reason = c.reason.Error()
	}
	c.mu.Unlock()
	info.State = c.State().String()
	info.Outbound = c.outbox.Len()
	info.Dispatch = c.exec.Stats()
	return info
}

// advance moves the state forward; it never moves backwards.
func (c *Client) advance(to State) bool {
	for {
		cur := c.state.Load()
		if State(cur) >= to {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (c *Client) isPoisoned() bool {
	select {
	case <-c.poisoned:
		return true
	default:
		return false
	}
}

// Run opens the pipes and serves the session until it terminates. Orderly
// shutdowns (peer poison, Close, ctx cancellation) return nil; failures return
// the termination reason. Run may be called once.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already started", ErrSessionClosed)
	}
	observability.RecordSessionStarted()
	logs.Infof("session.Client.Run session=%s name=%s", c.id, c.name)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			c.Poison(ctx.Err())
		case <-c.poisoned:
		case <-stopWatch:
		}
	}()

	pipes, err := c.opener.Open(ctx)
	if err != nil {
		c.Poison(fmt.Errorf("%w: %w", ErrOpen, err))
		close(c.writerDone)
		return c.finish()
	}
	c.mu.Lock()
	if c.isPoisoned() {
		c.mu.Unlock()
		_ = pipes.Close()
		close(c.writerDone)
		return c.finish()
	}
	c.pipes = pipes
	c.mu.Unlock()
	c.advance(StateConnected)

	go c.writeLoop(pipes.Out)

	wd := watchdog.New(func() {
		logs.Warnf("session.Client.watchdog fired session=%s", c.id)
		c.Poison(ErrHeartbeatTimeout)
	})
	cancelWatchdog := wd.Start(c.ticker, c.cfg.HeartbeatTimeout)
	c.mu.Lock()
	if c.isPoisoned() {
		cancelWatchdog()
	} else {
		c.cancelWatchdog = cancelWatchdog
	}
	c.mu.Unlock()

	c.readLoop(pipes.In, wd)
	return c.finish()
}

// Close poisons the session locally and waits for termination. A session that
// was never run is terminated here, so the handler still sees Teardown and a
// later Run fails.
func (c *Client) Close() {
	c.Poison(ErrClosedLocally)
	if c.started.CompareAndSwap(false, true) {
		observability.RecordSessionStarted()
		close(c.writerDone)
		_ = c.finish()
		return
	}
	<-c.done
}

// Poison starts teardown. It is idempotent and never blocks on I/O: the
// outbound queue is closed, both pipes are force-closed so the reader unblocks,
// the watchdog is cancelled and pending requests fail.
func (c *Client) Poison(reason error) {
	c.poisonOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		pipes := c.pipes
		cancelWatchdog := c.cancelWatchdog
		c.cancelWatchdog = nil
		pending := c.pending
		c.pending = nil
		close(c.poisoned)
		c.mu.Unlock()

		c.advance(StatePoisoned)
		c.outbox.Close()
		if pipes != nil {
			if err := pipes.Close(); err != nil {
				logs.Debugf("session.Client.Poison close pipes session=%s err=%v", c.id, err)
			}
		}
		if cancelWatchdog != nil {
			cancelWatchdog()
		}
		c.handlerCancel()
		for _, ch := range pending {
			close(ch)
		}
		logs.Infof("session.Client.Poison session=%s reason=%v", c.id, reason)
	})
}

// finish waits for the writer, the dispatch work submitted before poison and
// a running Initialize, then notifies the handler and marks the session
// terminated. All waits share one termination deadline; work still queued
// when it passes is discarded.
func (c *Client) finish() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TerminationTimeout)
	defer cancel()

	writerExited := true
	select {
	case <-c.writerDone:
	case <-ctx.Done():
		writerExited = false
	}

	c.exec.Close()
	quiesced := c.exec.AwaitQuiescence(ctx, c.cfg.TerminationTimeout)
	dropped := 0
	if !quiesced {
		dropped = c.exec.Discard()
	}

	initialized := true
	if c.initStarted.Load() {
		select {
		case <-c.ready:
		case <-ctx.Done():
			initialized = false
		}
	}

	if !writerExited || !quiesced || !initialized {
		logs.Warnf(
			"session.Client.finish termination timeout session=%s writer_exited=%t initialize_done=%t dispatch=%+v dropped=%d outbound=%d",
			c.id,
			writerExited,
			initialized,
			c.exec.Stats(),
			dropped,
			c.outbox.Len(),
		)
	}

	c.teardownHandler()
	c.advance(StateTerminated)
	reason := c.Err()
	observability.RecordSessionTerminated(reasonLabel(reason))
	logs.Infof("session.Client.finish session=%s state=%s reason=%v", c.id, c.State(), reason)
	close(c.done)
	if orderly(reason) {
		return nil
	}
	return reason
}

func (c *Client) teardownHandler() {
	defer func() {
		if r := recover(); r != nil {
			logs.Errf("session.Client.teardownHandler panic session=%s recovered=%v", c.id, r)
		}
	}()
	c.handler.Teardown()
}

// readLoop is the only caller of ReadEnvelope for this session. It never
// blocks on anything else.
func (c *Client) readLoop(in io.Reader, wd *watchdog.Watchdog) {
	initialized := false
	for {
		env, err := c.codec.ReadEnvelope(in)
		if err != nil {
			if !c.isPoisoned() {
				logs.Warnf("session.Client.readLoop session=%s err=%v", c.id, err)
				c.Poison(fmt.Errorf("%w: read: %w", ErrTransport, err))
			}
			return
		}
		wd.StillAlive()
		observability.RecordEnvelope("in", tagLabel(env.Tag))

		switch env.Tag {
		case protocol.TagControl:
			if stop := c.handleControl(env, &initialized); stop {
				return
			}
		case protocol.TagApplication:
			c.handleApplication(env)
		default:
			err := protocol.CheckTag(env.Tag)
			logs.Warnf("session.Client.readLoop dropped session=%s err=%v", c.id, err)
			observability.RecordDispatchFailure("unknown_tag")
		}
	}
}

func (c *Client) handleControl(env protocol.Envelope, initialized *bool) bool {
	msg, err := protocol.DecodeControl(env)
	if err != nil {
		logs.Warnf("session.Client.handleControl dropped session=%s err=%v", c.id, err)
		return false
	}
	switch msg.Op {
	case protocol.OpHeartbeat:
		if !*initialized {
			*initialized = true
			var stash []byte
			if msg.HasStash {
				stash = msg.Stash
				c.setStash(stash)
			}
			c.advance(StateInitialized)
			c.initStarted.Store(true)
			go c.initialize(stash)
		}
		if c.outbox.Len() == 0 {
			c.outbox.Push(protocol.Heartbeat().Envelope())
		}
	case protocol.OpPoison:
		c.Poison(ErrPeerPoison)
		return true
	case protocol.OpStash:
		c.setStash(msg.Stash)
	}
	return false
}

func (c *Client) initialize(stash []byte) {
	defer close(c.ready)
	defer func() {
		if r := recover(); r != nil {
			logs.Errf("session.Client.initialize panic session=%s recovered=%v", c.id, r)
		}
	}()
	if err := c.handler.Initialize(stash); err != nil {
		logs.Errf("session.Client.initialize session=%s err=%v", c.id, err)
		return
	}
	logs.Debugf("session.Client.initialize ok session=%s stash_bytes=%d", c.id, len(stash))
}

func (c *Client) handleApplication(env protocol.Envelope) {
	msg, err := protocol.DecodeApplication(env)
	if err != nil {
		logs.Warnf("session.Client.handleApplication dropped session=%s err=%v", c.id, err)
		return
	}
	if msg.Reply {
		c.resolve(msg)
		return
	}
	if !c.exec.Submit(func() { c.dispatch(msg) }) {
		logs.Debugf("session.Client.handleApplication dropped session=%s reason=closed", c.id)
	}
}

// dispatch runs on a scheduler worker. A correlated message always yields
// exactly one reply while the session is open.
func (c *Client) dispatch(msg protocol.ApplicationMessage) {
	body, err := c.invoke(msg.Body)
	if err != nil {
		logs.Warnf(
			"session.Client.dispatch handler failed session=%s correlated=%t err=%v",
			c.id,
			msg.HasCorrelation,
			err,
		)
	}
	if !msg.HasCorrelation {
		return
	}
	reply := protocol.ReplyTo(msg.Correlation, body)
	if err != nil {
		reply = protocol.FailedReplyTo(msg.Correlation)
	}
	if !c.outbox.Push(reply.Envelope()) {
		logs.Debugf("session.Client.dispatch reply dropped session=%s correlation=%d", c.id, msg.Correlation)
	}
}

var errNotInitialized = errors.New("session: handler not initialized")

func (c *Client) invoke(payload []byte) (body []byte, err error) {
	if !c.awaitReady() {
		observability.RecordDispatchFailure("not_initialized")
		return nil, errNotInitialized
	}
	defer func() {
		if r := recover(); r != nil {
			observability.RecordDispatchFailure("panic")
			err = fmt.Errorf("session: handler panic: %v", r)
		}
	}()
	body, err = c.handler.Handle(c.handlerCtx, payload)
	if err != nil {
		observability.RecordDispatchFailure("error")
	}
	return body, err
}

// awaitReady waits for initialization, bounded by the message timeout. After
// poison it only keeps waiting if Initialize is already running.
func (c *Client) awaitReady() bool {
	select {
	case <-c.ready:
		return true
	default:
	}
	timer := time.NewTimer(c.cfg.MessageTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return true
	case <-c.poisoned:
		if !c.initStarted.Load() {
			return false
		}
	case <-timer.C:
		return false
	}
	select {
	case <-c.ready:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Client) writeLoop(out io.Writer) {
	defer close(c.writerDone)
	var seq uint64
	for {
		env, ok := c.outbox.Next()
		if !ok {
			return
		}
		seq++
		env.Seq = seq
		err := c.codec.WriteEnvelope(out, env)
		switch {
		case err == nil:
			observability.RecordEnvelope("out", tagLabel(env.Tag))
		case errors.Is(err, protocol.ErrRejected):
			logs.Errf("session.Client.writeLoop skipped session=%s seq=%d err=%v", c.id, seq, err)
		case c.isPoisoned():
			logs.Debugf("session.Client.writeLoop after poison session=%s seq=%d err=%v", c.id, seq, err)
		default:
			logs.Errf("session.Client.writeLoop session=%s seq=%d err=%v", c.id, seq, err)
			c.Poison(fmt.Errorf("%w: write: %w", ErrTransport, err))
		}
	}
}

func (c *Client) setStash(stash []byte) {
	c.mu.Lock()
	c.stash = append([]byte(nil), stash...)
	c.mu.Unlock()
}

func (c *Client) Stash() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stash == nil {
		return nil
	}
	return append([]byte(nil), c.stash...)
}

// UpdateStash stores stash and pushes it to the peer.
func (c *Client) UpdateStash(stash []byte) error {
	c.setStash(stash)
	if !c.outbox.Push(protocol.StashUpdate(stash).Envelope()) {
		return ErrSessionClosed
	}
	return nil
}

// Send pushes a fire-and-forget message to the peer.
func (c *Client) Send(payload []byte) error {
	if !c.outbox.Push(protocol.Notification(payload).Envelope()) {
		return ErrSessionClosed
	}
	return nil
}

// Request sends payload and blocks for the correlated reply. A reply that does
// not arrive within the message timeout poisons the session.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	start := time.Now()
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	c.nextCorrelation++
	id := c.nextCorrelation
	ch := make(chan protocol.ApplicationMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if !c.outbox.Push(protocol.Request(id, payload).Envelope()) {
		c.forget(id)
		return nil, ErrSessionClosed
	}

	timer := time.NewTimer(c.cfg.MessageTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			observability.RecordRequest("closed", time.Since(start))
			return nil, ErrSessionClosed
		}
		if msg.Failed {
			observability.RecordRequest("failed", time.Since(start))
			return nil, ErrRemoteFailure
		}
		observability.RecordRequest("ok", time.Since(start))
		return msg.Body, nil
	case <-timer.C:
		c.forget(id)
		observability.RecordRequest("timeout", time.Since(start))
		c.Poison(fmt.Errorf("%w: correlation=%d", ErrRequestTimeout, id))
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.forget(id)
		observability.RecordRequest("cancelled", time.Since(start))
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		delete(c.pending, id)
	}
}

func (c *Client) resolve(msg protocol.ApplicationMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.Correlation]
	if ok {
		delete(c.pending, msg.Correlation)
	}
	c.mu.Unlock()
	if !ok {
		logs.Warnf("session.Client.resolve unknown correlation session=%s correlation=%d", c.id, msg.Correlation)
		return
	}
	ch <- msg
}

func tagLabel(t protocol.Tag) string {
	if t.Known() {
		return t.String()
	}
	return "unknown"
}
