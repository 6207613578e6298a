package session

import (
	"fmt"

	"github.com/google/uuid"

	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/protocol"
	"github.com/danmuck/pipelink/internal/scheduler"
	"github.com/danmuck/pipelink/internal/transport"
	"github.com/danmuck/pipelink/internal/watchdog"
)

// Context is the immutable state shared by every session of one process.
type Context struct {
	cfg       Config
	codec     protocol.Codec
	handlers  HandlerFactory
	ticker    watchdog.Ticker
	timer     *watchdog.Timer
	scheduler *scheduler.Scheduler
}

type Option func(*Context)

// WithTicker drives watchdog checks from t instead of an owned timer.
func WithTicker(t watchdog.Ticker) Option {
	return func(c *Context) { c.ticker = t }
}

func NewContext(cfg Config, codec protocol.Codec, handlers HandlerFactory, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidConfig)
	}
	if handlers == nil {
		return nil, fmt.Errorf("%w: handler factory is required", ErrInvalidConfig)
	}
	sched, err := scheduler.New(cfg.GlobalThreads, cfg.SessionThreads)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c := &Context{
		cfg:       cfg,
		codec:     codec,
		handlers:  handlers,
		scheduler: sched,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ticker == nil {
		c.timer = watchdog.NewTimer()
		c.ticker = c.timer
	}
	logs.Debugf(
		"session.NewContext global_threads=%d session_threads=%d heartbeat_timeout=%s",
		cfg.GlobalThreads,
		cfg.SessionThreads,
		cfg.HeartbeatTimeout,
	)
	return c, nil
}

func (c *Context) Config() Config { return c.cfg }

func (c *Context) Scheduler() *scheduler.Scheduler { return c.scheduler }

// NewClient builds a session for one connection. The session starts with Run.
func (c *Context) NewClient(name string, opener transport.Opener) *Client {
	id := uuid.NewString()
	cl := newClient(c, id, name, opener)
	cl.handler = c.handlers(cl)
	return cl
}

// Close stops the owned watchdog timer. Running sessions keep their executors.
func (c *Context) Close() {
	if c.timer != nil {
		c.timer.Stop()
	}
}
