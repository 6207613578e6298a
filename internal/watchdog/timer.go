package watchdog

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer drives every registered periodic callback from one goroutine.
type Timer struct {
	mu      sync.Mutex
	entries entryHeap
	nextID  uint64
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

type entry struct {
	id       uint64
	interval time.Duration
	due      time.Time
	fn       func()
	index    int
	canceled atomic.Bool
}

func NewTimer() *Timer {
	t := &Timer{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run()
	return t
}

// Every runs fn every interval, first at now+interval. The returned cancel is
// safe to call more than once and from inside fn.
func (t *Timer) Every(interval time.Duration, fn func()) (cancel func()) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return func() {}
	}
	t.nextID++
	e := &entry{id: t.nextID, interval: interval, due: time.Now().Add(interval), fn: fn}
	heap.Push(&t.entries, e)
	t.mu.Unlock()
	t.poke()

	return func() {
		e.canceled.Store(true)
		t.mu.Lock()
		defer t.mu.Unlock()
		if e.index >= 0 {
			heap.Remove(&t.entries, e.index)
		}
	}
}

// Len reports the number of registered callbacks.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// Stop ends the timer goroutine. Registered callbacks never fire again.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.stopped = true
	t.mu.Unlock()
	close(t.stop)
	<-t.done
}

func (t *Timer) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) run() {
	defer close(t.done)
	sleep := time.NewTimer(time.Hour)
	defer sleep.Stop()
	for {
		fire, wait := t.collect(time.Now())
		for _, e := range fire {
			if !e.canceled.Load() {
				e.fn()
			}
		}
		if len(fire) > 0 {
			continue
		}
		sleep.Reset(wait)
		select {
		case <-t.stop:
			return
		case <-t.wake:
			if !sleep.Stop() {
				select {
				case <-sleep.C:
				default:
				}
			}
		case <-sleep.C:
		}
	}
}

// collect pops due entries, reschedules them, and returns the wait until the
// next deadline.
func (t *Timer) collect(now time.Time) ([]*entry, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fire []*entry
	for t.entries.Len() > 0 {
		next := t.entries[0]
		if next.due.After(now) {
			return fire, next.due.Sub(now)
		}
		fire = append(fire, next)
		next.due = now.Add(next.interval)
		heap.Fix(&t.entries, 0)
	}
	return fire, time.Hour
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
