package host

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/observability"
	"github.com/danmuck/pipelink/internal/protocol"
	"github.com/danmuck/pipelink/internal/session"
	"github.com/danmuck/pipelink/internal/transport"
)

var (
	ErrNoPeers           = errors.New("host: no peers configured")
	ErrInvalidStatusTick = errors.New("host: invalid status interval")
)

// ServiceConfig configures the host daemon.
type ServiceConfig struct {
	PipeDir          string
	CreatePipes      bool
	Peers            []string
	Session          session.Config
	StatusInterval   time.Duration
	AdminAddr        string
	AdminCORSOrigins []string
	AdminToken       string
	Backoff          BackoffConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PipeDir:        "/tmp/pipelink",
		CreatePipes:    true,
		Session:        session.DefaultConfig(),
		StatusInterval: 30 * time.Second,
		Backoff:        DefaultBackoffConfig(),
	}
}

// OpenerFactory returns the opener for the next session of a peer name.
type OpenerFactory func(name string) transport.Opener

type Option func(*Service)

// WithOpenerFactory replaces the FIFO openers.
func WithOpenerFactory(f OpenerFactory) Option {
	return func(s *Service) { s.openers = f }
}

// WithHandlerFactory replaces the echo handler.
func WithHandlerFactory(f session.HandlerFactory) Option {
	return func(s *Service) { s.handlers = f }
}

// Service accepts peer sessions and supervises them until shutdown.
type Service struct {
	cfg      ServiceConfig
	openers  OpenerFactory
	handlers session.HandlerFactory
	started  time.Time

	mu       sync.RWMutex
	sessions map[string]*session.Client
	accepted uint64
	failed   uint64
}

func NewService(cfg ServiceConfig, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		handlers: NewEchoHandler,
		sessions: make(map[string]*session.Client),
	}
	s.openers = func(name string) transport.Opener {
		return transport.FIFO{Dir: s.cfg.PipeDir, Name: name, Create: s.cfg.CreatePipes}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs every accept loop, the status log and the optional admin server
// until ctx ends or one of them fails.
func (s *Service) Serve(ctx context.Context) error {
	if len(s.cfg.Peers) == 0 {
		return ErrNoPeers
	}
	if s.cfg.StatusInterval <= 0 {
		return ErrInvalidStatusTick
	}
	sc, err := session.NewContext(s.cfg.Session, protocol.NewFrameCodec(), s.handlers)
	if err != nil {
		return err
	}
	defer sc.Close()
	observability.ObserveScheduler(func() observability.SchedulerSample {
		st := sc.Scheduler().Stats()
		return observability.SchedulerSample{Active: st.Active, GlobalQueued: st.GlobalQueued, Executors: st.Executors}
	})
	s.started = time.Now()

	logs.Infof(
		"host.Service.Serve ready peers=%d pipe_dir=%q global_threads=%d session_threads=%d",
		len(s.cfg.Peers),
		s.cfg.PipeDir,
		s.cfg.Session.GlobalThreads,
		s.cfg.Session.SessionThreads,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.cfg.Peers {
		name := strings.TrimSpace(name)
		g.Go(func() error { return s.acceptLoop(gctx, sc, name) })
	}
	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		g.Go(func() error { return s.serveAdmin(gctx, s.cfg.AdminAddr) })
	}
	g.Go(func() error {
		s.statusLoop(gctx)
		return nil
	})
	err = g.Wait()
	logs.Infof("host.Service.Serve shutdown err=%v", err)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// acceptLoop runs one session at a time for name, re-accepting after each
// session ends. Open failures back off.
func (s *Service) acceptLoop(ctx context.Context, sc *session.Context, name string) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		client := sc.NewClient(name, s.openers(name))
		s.track(client)
		err := client.Run(ctx)
		s.untrack(client)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, session.ErrOpen) {
			attempt++
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
			logs.Warnf("host.Service.acceptLoop open failed peer=%s attempt=%d err=%v", name, attempt, err)
			if err := waitBackoff(ctx, s.cfg.Backoff, attempt, rng); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		if err != nil {
			logs.Warnf("host.Service.acceptLoop session lost peer=%s session=%s err=%v", name, client.ID(), err)
		} else {
			logs.Infof("host.Service.acceptLoop session ended peer=%s session=%s reason=%v", name, client.ID(), client.Err())
		}
	}
}

func (s *Service) track(c *session.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[c.ID()] = c
	s.accepted++
}

func (s *Service) untrack(c *session.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, c.ID())
}

// Sessions returns a snapshot of tracked sessions ordered by peer name.
func (s *Service) Sessions() []session.Info {
	s.mu.RLock()
	clients := make([]*session.Client, 0, len(s.sessions))
	for _, c := range s.sessions {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	out := make([]session.Info, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Session looks up a tracked session by id.
func (s *Service) Session(id string) (*session.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sessions[id]
	return c, ok
}

// Status is the periodic service summary.
type Status struct {
	Uptime        string `json:"uptime"`
	Peers         int    `json:"peers"`
	Sessions      int    `json:"sessions"`
	Initialized   int    `json:"initialized"`
	Accepted      uint64 `json:"accepted"`
	OpenFailures  uint64 `json:"open_failures"`
	DispatchSlots string `json:"dispatch_slots"`
}

func (s *Service) Status() Status {
	infos := s.Sessions()
	s.mu.RLock()
	st := Status{
		Peers:        len(s.cfg.Peers),
		Sessions:     len(infos),
		Accepted:     s.accepted,
		OpenFailures: s.failed,
	}
	s.mu.RUnlock()
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	active := 0
	for _, info := range infos {
		if info.State == session.StateInitialized.String() {
			st.Initialized++
		}
		active += info.Dispatch.Active
	}
	st.DispatchSlots = fmt.Sprintf("%d/%d", active, s.cfg.Session.GlobalThreads)
	return st
}

func (s *Service) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Status()
			logs.Infof(
				"host.Service.status sessions=%d initialized=%d accepted=%d open_failures=%d dispatch=%s",
				st.Sessions,
				st.Initialized,
				st.Accepted,
				st.OpenFailures,
				st.DispatchSlots,
			)
		}
	}
}
