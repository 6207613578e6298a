package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/pipelink/internal/peer"
	"github.com/danmuck/pipelink/internal/session"
	"github.com/danmuck/pipelink/internal/testutil/testlog"
	"github.com/danmuck/pipelink/internal/transport"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoffConfig()
	got := NextBackoffDelay(cfg, 2, nil)
	if got != 250*time.Millisecond {
		t.Fatalf("nil rng jitter should halve: got=%v", got)
	}
}

// memoryPeers hands out a fresh memory pair per accept and publishes the peer
// side per name.
type memoryPeers struct {
	mu    sync.Mutex
	peers map[string]chan transport.Opener
}

func newMemoryPeers(names ...string) *memoryPeers {
	m := &memoryPeers{peers: make(map[string]chan transport.Opener)}
	for _, name := range names {
		m.peers[name] = make(chan transport.Opener, 8)
	}
	return m
}

func (m *memoryPeers) opener(name string) transport.Opener {
	host, p := transport.NewMemoryPair()
	m.mu.Lock()
	ch := m.peers[name]
	m.mu.Unlock()
	ch <- p
	return host
}

func (m *memoryPeers) next(t *testing.T, name string) transport.Opener {
	t.Helper()
	select {
	case o := <-m.peers[name]:
		return o
	case <-time.After(3 * time.Second):
		t.Fatalf("no accept for %s", name)
		return nil
	}
}

func testServiceConfig(peers ...string) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Peers = peers
	cfg.StatusInterval = 20 * time.Millisecond
	cfg.Session.MessageTimeout = 2 * time.Second
	cfg.Session.TerminationTimeout = 2 * time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	return cfg
}

func TestServiceServesPeersAndReaccepts(t *testing.T) {
	testlog.Start(t)
	mem := newMemoryPeers("alpha", "beta")
	svc := NewService(testServiceConfig("alpha", "beta"), WithOpenerFactory(mem.opener))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx) }()

	stashes := make(chan []byte, 1)
	alpha := peer.New(peer.Config{HeartbeatInterval: 20 * time.Millisecond}, mem.next(t, "alpha"), nil,
		peer.WithStashListener(func(s []byte) { stashes <- s }))
	beta := peer.New(peer.Config{HeartbeatInterval: 20 * time.Millisecond}, mem.next(t, "beta"), nil)
	alphaDone := make(chan error, 1)
	go func() { alphaDone <- alpha.Run(ctx) }()
	go func() { _ = beta.Run(ctx) }()

	callCtx, callCancel := context.WithTimeout(ctx, 3*time.Second)
	defer callCancel()
	body, err := alpha.Call(callCtx, []byte("hello"))
	if err != nil || string(body) != "hello" {
		t.Fatalf("alpha call: %q %v", body, err)
	}
	body, err = alpha.Call(callCtx, []byte("stash s1"))
	if err != nil || string(body) != "stashed" {
		t.Fatalf("alpha stash call: %q %v", body, err)
	}
	select {
	case s := <-stashes:
		if string(s) != "s1" {
			t.Fatalf("unexpected stash %q", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("stash push never reached the peer")
	}
	if _, err := beta.Call(callCtx, []byte("ping")); err != nil {
		t.Fatalf("beta call: %v", err)
	}

	infos := svc.Sessions()
	if len(infos) != 2 || infos[0].Name != "alpha" || infos[1].Name != "beta" {
		t.Fatalf("unexpected sessions: %+v", infos)
	}
	if infos[0].State != session.StateInitialized.String() || infos[0].StashBytes != 2 {
		t.Fatalf("unexpected alpha session: %+v", infos[0])
	}

	alpha.Poison()
	if err := <-alphaDone; err != nil {
		t.Fatalf("alpha run: %v", err)
	}
	// The accept loop opens a fresh session for the same name.
	mem.next(t, "alpha")
	deadline := time.Now().Add(3 * time.Second)
	for svc.Status().Accepted < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a re-accept, status=%+v", svc.Status())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestAcceptLoopBacksOffOnOpenFailure(t *testing.T) {
	testlog.Start(t)
	var opens atomic.Int32
	failing := func(string) transport.Opener {
		return transport.OpenerFunc(func(context.Context) (*transport.Pipes, error) {
			opens.Add(1)
			return nil, errors.New("pipe missing")
		})
	}
	svc := NewService(testServiceConfig("ghosted"), WithOpenerFactory(failing))
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for opens.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("accept loop stopped retrying: opens=%d", opens.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if st := svc.Status(); st.OpenFailures < 3 {
		t.Fatalf("expected open failures to be counted: %+v", st)
	}
}

func TestServeRejectsEmptyPeers(t *testing.T) {
	testlog.Start(t)
	svc := NewService(testServiceConfig())
	if err := svc.Serve(context.Background()); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
	cfg := testServiceConfig("alpha")
	cfg.Session.GlobalThreads = 0
	if err := NewService(cfg).Serve(context.Background()); !errors.Is(err, session.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc := NewService(testServiceConfig("alpha"))
	router := svc.AdminRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil || health["status"] != "ok" {
		t.Fatalf("health body: %s %v", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"sessions":[]`) {
		t.Fatalf("sessions: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "pipelink_http_requests_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestAdminTokenGuardsRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testServiceConfig("alpha")
	cfg.AdminToken = "s3cret"
	router := NewService(cfg).AdminRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health should stay open: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("sessions without token: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions with token: %d", rec.Code)
	}
}

type fakePeer struct {
	stash []byte
}

func (f *fakePeer) ID() string    { return "fake-id" }
func (f *fakePeer) Name() string  { return "fake" }
func (f *fakePeer) Stash() []byte { return f.stash }
func (f *fakePeer) UpdateStash(s []byte) error {
	f.stash = s
	return nil
}
func (f *fakePeer) Send([]byte) error { return nil }
func (f *fakePeer) Request(context.Context, []byte) ([]byte, error) {
	return nil, session.ErrSessionClosed
}

func TestEchoHandler(t *testing.T) {
	testlog.Start(t)
	fp := &fakePeer{}
	h := NewEchoHandler(fp)
	if err := h.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	out, err := h.Handle(context.Background(), []byte("plain"))
	if err != nil || string(out) != "plain" {
		t.Fatalf("echo: %q %v", out, err)
	}
	out, err = h.Handle(context.Background(), []byte("stash blob"))
	if err != nil || string(out) != "stashed" || string(fp.stash) != "blob" {
		t.Fatalf("stash command: %q %v stash=%q", out, err, fp.stash)
	}
	h.Teardown()
}
