package net

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/oscroute/metrics"
)

type delayedItem struct {
	at  time.Time
	seq uint64
	fn  func()
}

// delayHeap orders by time, then by push order.
type delayHeap []*delayedItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*delayedItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// DelayQueue runs functions at or after their due time. One goroutine
// sleeps until the earliest item and hands due items to the executor in
// time order; items due at the same time run in push order.
type DelayQueue struct {
	clock clock.Clock

	mu      sync.Mutex
	items   delayHeap
	seq     uint64
	exec    func(func())
	stopped bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// NewDelayQueue starts a queue on clk; a nil clk uses the wall clock.
func NewDelayQueue(clk clock.Clock) *DelayQueue {
	if clk == nil {
		clk = clock.New()
	}
	q := &DelayQueue{
		clock:  clk,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

// SetExecutor makes due items run through exec instead of on the queue's
// goroutine. A nil exec restores the default.
func (q *DelayQueue) SetExecutor(exec func(func())) {
	q.mu.Lock()
	q.exec = exec
	q.mu.Unlock()
}

// Push schedules fn for at. It reports false once the queue is closed.
func (q *DelayQueue) Push(at time.Time, fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, &delayedItem{at: at, seq: q.seq, fn: fn})
	n := len(q.items)
	q.mu.Unlock()

	metrics.UpdateGaugeWithGroup(metricsGroup, "delayed_pending", metrics.Value(n))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of items not yet handed to the executor.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue and drops everything still pending.
func (q *DelayQueue) Close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.items = nil
	q.mu.Unlock()

	close(q.done)
	<-q.exited
	metrics.UpdateGaugeWithGroup(metricsGroup, "delayed_pending", 0)
}

func (q *DelayQueue) run() {
	defer close(q.exited)

	for {
		fn, exec, wait := q.next()
		if fn != nil {
			if exec != nil {
				exec(fn)
			} else {
				fn()
			}
			continue
		}

		var timer *clock.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = q.clock.Timer(wait)
			fire = timer.C
			// The clock may have moved between reading it and arming the timer.
			if q.due() {
				timer.Stop()
				continue
			}
		}

		select {
		case <-q.done:
		case <-q.notify:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		select {
		case <-q.done:
			return
		default:
		}
	}
}

// next pops the earliest item if it is due, or returns how long to wait for
// it. A zero wait means the queue is empty.
func (q *DelayQueue) next() (func(), func(func()), time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, nil, 0
	}
	wait := q.items[0].at.Sub(q.clock.Now())
	if wait > 0 {
		return nil, nil, wait
	}
	it := heap.Pop(&q.items).(*delayedItem)
	metrics.UpdateGaugeWithGroup(metricsGroup, "delayed_pending", metrics.Value(len(q.items)))
	return it.fn, q.exec, 0
}

func (q *DelayQueue) due() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0 && !q.items[0].at.After(q.clock.Now())
}
