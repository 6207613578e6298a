// Package scheduler runs session work under a per-session and a global
// concurrency cap, handing freed slots to the longest-waiting session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logs "github.com/danmuck/pipelink/internal/logging"
)

var ErrInvalidCap = errors.New("scheduler: caps must be positive")

// Task is one unit of dispatched work.
type Task func()

// Scheduler owns the global slot budget shared by every Executor. All state,
// including per-executor counters, is guarded by mu.
type Scheduler struct {
	mu         sync.Mutex
	globalCap  int
	sessionCap int
	active     int
	queue      []pending
	executors  int
}

type pending struct {
	exec *Executor
	task Task
}

// Stats is a point-in-time snapshot of the global budget.
type Stats struct {
	GlobalCap    int `json:"global_cap"`
	SessionCap   int `json:"session_cap"`
	Active       int `json:"active"`
	GlobalQueued int `json:"global_queued"`
	Executors    int `json:"executors"`
}

func New(globalCap, sessionCap int) (*Scheduler, error) {
	if globalCap <= 0 || sessionCap <= 0 {
		return nil, fmt.Errorf("%w: global=%d session=%d", ErrInvalidCap, globalCap, sessionCap)
	}
	return &Scheduler{globalCap: globalCap, sessionCap: sessionCap}, nil
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		GlobalCap:    s.globalCap,
		SessionCap:   s.sessionCap,
		Active:       s.active,
		GlobalQueued: len(s.queue),
		Executors:    s.executors,
	}
}

// NewExecutor returns a per-session view sharing this scheduler's global cap.
func (s *Scheduler) NewExecutor(name string) *Executor {
	s.mu.Lock()
	s.executors++
	s.mu.Unlock()
	return &Executor{s: s, name: name}
}

// Executor is one session's view of the scheduler.
type Executor struct {
	s    *Scheduler
	name string

	// guarded by s.mu
	active       int
	local        []Task
	globalQueued int
	closed       bool
	waiters      []chan struct{}
}

// ExecutorStats is a point-in-time snapshot of one session's work.
type ExecutorStats struct {
	Active       int  `json:"active"`
	LocalQueued  int  `json:"local_queued"`
	GlobalQueued int  `json:"global_queued"`
	Closed       bool `json:"closed"`
}

func (e *Executor) Name() string { return e.name }

// Submit schedules task. It returns false when the executor is closed and the
// task was dropped.
func (e *Executor) Submit(task Task) bool {
	s := e.s
	s.mu.Lock()
	if e.closed {
		s.mu.Unlock()
		logs.Debugf("scheduler.Executor.Submit dropped executor=%s reason=closed", e.name)
		return false
	}
	if e.active < s.sessionCap {
		if s.active < s.globalCap {
			e.active++
			s.active++
			s.mu.Unlock()
			go s.work(e, task)
			return true
		}
		// Global budget saturated: wait in the shared FIFO without holding a
		// session slot.
		s.queue = append(s.queue, pending{exec: e, task: task})
		e.globalQueued++
		s.mu.Unlock()
		return true
	}
	e.local = append(e.local, task)
	s.mu.Unlock()
	return true
}

// work runs task and keeps the slot busy until no eligible work remains.
func (s *Scheduler) work(e *Executor, task Task) {
	for {
		e.run(task)

		s.mu.Lock()
		if len(e.local) > 0 {
			task = e.local[0]
			e.local[0] = nil
			e.local = e.local[1:]
			s.mu.Unlock()
			continue
		}

		e.active--
		e.notifyLocked()
		next, ok := s.transferLocked()
		if !ok {
			s.active--
			s.mu.Unlock()
			return
		}
		e, task = next.exec, next.task
		s.mu.Unlock()
	}
}

// transferLocked pops the global FIFO until it finds a session with room under
// its own cap. Entries whose session reached its cap in the meantime move to
// that session's local queue and lose their global position.
func (s *Scheduler) transferLocked() (pending, bool) {
	for len(s.queue) > 0 {
		p := s.queue[0]
		s.queue[0] = pending{}
		s.queue = s.queue[1:]
		p.exec.globalQueued--
		if p.exec.active < s.sessionCap {
			p.exec.active++
			return p, true
		}
		p.exec.local = append(p.exec.local, p.task)
	}
	return pending{}, false
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errf("scheduler.Executor.run panic executor=%s recovered=%v", e.name, r)
		}
	}()
	task()
}

func (e *Executor) quiescentLocked() bool {
	return e.active == 0 && len(e.local) == 0 && e.globalQueued == 0
}

func (e *Executor) notifyLocked() {
	if !e.quiescentLocked() {
		return
	}
	for _, w := range e.waiters {
		close(w)
	}
	e.waiters = nil
}

// AwaitQuiescence blocks until the executor has no running or queued work, the
// timeout elapses, or ctx ends. It reports whether the executor is quiescent.
func (e *Executor) AwaitQuiescence(ctx context.Context, timeout time.Duration) bool {
	s := e.s
	s.mu.Lock()
	if e.quiescentLocked() {
		s.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.quiescentLocked()
}

// Close rejects further submissions. Work already queued or running still
// runs; callers wait for it with AwaitQuiescence. Other executors are
// unaffected.
func (e *Executor) Close() {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	s.executors--
	logs.Debugf(
		"scheduler.Executor.Close executor=%s active=%d local=%d global=%d",
		e.name,
		e.active,
		len(e.local),
		e.globalQueued,
	)
}

// Discard drops every queued task that has not started and returns how many
// were dropped. Running tasks are left to finish.
func (e *Executor) Discard() int {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(e.local)
	for i := range e.local {
		e.local[i] = nil
	}
	e.local = nil
	if e.globalQueued > 0 {
		kept := s.queue[:0]
		for _, p := range s.queue {
			if p.exec == e {
				dropped++
				continue
			}
			kept = append(kept, p)
		}
		for i := len(kept); i < len(s.queue); i++ {
			s.queue[i] = pending{}
		}
		s.queue = kept
		e.globalQueued = 0
	}
	if dropped > 0 {
		logs.Warnf("scheduler.Executor.Discard executor=%s dropped=%d", e.name, dropped)
	}
	e.notifyLocked()
	return dropped
}

func (e *Executor) Stats() ExecutorStats {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return ExecutorStats{
		Active:       e.active,
		LocalQueued:  len(e.local),
		GlobalQueued: e.globalQueued,
		Closed:       e.closed,
	}
}
