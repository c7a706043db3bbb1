// Package schedule fires monitoring cycles on per-test cron schedules from a
// single timer goroutine.
package schedule

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type entry struct {
	test     string
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
}

// entryHeap orders entries by next activation, earliest first.
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].nextRun.Before(h[j].nextRun) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Entry describes one scheduled test.
type Entry struct {
	Test    string    `json:"test"`
	Expr    string    `json:"schedule"`
	NextRun time.Time `json:"next_run"`
}

// Timer calls fire with a test name whenever that test's schedule is due.
// fire runs on the timer goroutine; callers that do slow work should hand
// it off.
type Timer struct {
	mu    sync.Mutex
	heap  entryHeap
	timer *time.Timer
	done  chan struct{}
	wg    sync.WaitGroup
	fire  func(test string)
	reset chan struct{}
	now   func() time.Time
}

// NewTimer creates a stopped Timer.
func NewTimer(fire func(test string)) *Timer {
	return &Timer{
		fire:  fire,
		done:  make(chan struct{}),
		reset: make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Add schedules test, replacing any previous schedule for it.
func (t *Timer) Add(test, expr string) error {
	s, err := Parse(expr)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid expression %q: %w", test, expr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(test)
	heap.Push(&t.heap, entry{
		test:     test,
		expr:     expr,
		schedule: s,
		nextRun:  s.Next(t.now()),
	})
	t.resetTimerLocked()
	return nil
}

// Remove unschedules test.
func (t *Timer) Remove(test string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(test)
	t.resetTimerLocked()
}

func (t *Timer) removeLocked(test string) {
	for i, e := range t.heap {
		if e.test == test {
			heap.Remove(&t.heap, i)
			return
		}
	}
}

// NextRunTime returns the next activation of test.
func (t *Timer) NextRunTime(test string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.heap {
		if e.test == test {
			return e.nextRun, true
		}
	}
	return time.Time{}, false
}

// Entries lists scheduled tests ordered by name.
func (t *Timer) Entries() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.heap))
	for _, e := range t.heap {
		out = append(out, Entry{Test: e.test, Expr: e.expr, NextRun: e.nextRun})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Test < out[j].Test })
	return out
}

// Start launches the timer goroutine.
func (t *Timer) Start() {
	t.mu.Lock()
	t.timer = time.NewTimer(0)
	if !t.timer.Stop() {
		<-t.timer.C
	}
	t.resetTimerLocked()
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
}

// Stop ends the timer goroutine and waits for an in-flight fire to return.
func (t *Timer) Stop() {
	close(t.done)
	t.wg.Wait()
}

func (t *Timer) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			t.mu.Lock()
			t.timer.Stop()
			t.mu.Unlock()
			return
		case <-t.reset:
			continue
		case <-t.timer.C:
			t.mu.Lock()
			if t.heap.Len() == 0 {
				t.mu.Unlock()
				continue
			}
			now := t.now()
			e := t.heap[0]
			if e.nextRun.After(now) {
				t.resetTimerLocked()
				t.mu.Unlock()
				continue
			}

			heap.Pop(&t.heap)
			e.nextRun = e.schedule.Next(now)
			heap.Push(&t.heap, e)
			t.resetTimerLocked()
			t.mu.Unlock()

			t.fire(e.test)
		}
	}
}

// resetTimerLocked points the timer at the earliest entry. Callers hold
// t.mu. Before Start there is no timer to reset.
func (t *Timer) resetTimerLocked() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	if t.heap.Len() == 0 {
		return
	}
	d := t.heap[0].nextRun.Sub(t.now())
	if d < 0 {
		d = 0
	}
	t.timer.Reset(d)

	select {
	case t.reset <- struct{}{}:
	default:
	}
}
