package net

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fireLog struct {
	mu    sync.Mutex
	fired []string
}

func (l *fireLog) fn(name string) func() {
	return func() {
		l.mu.Lock()
		l.fired = append(l.fired, name)
		l.mu.Unlock()
	}
}

func (l *fireLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.fired...)
}

// advance moves the mock clock in small steps until cond holds.
func advance(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Millisecond)
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func TestDelayQueueOrder(t *testing.T) {
	mock := clock.NewMock()
	q := NewDelayQueue(mock)
	defer q.Close()

	var l fireLog
	now := mock.Now()
	q.Push(now.Add(30*time.Millisecond), l.fn("c"))
	q.Push(now.Add(10*time.Millisecond), l.fn("a"))
	q.Push(now.Add(20*time.Millisecond), l.fn("b1"))
	q.Push(now.Add(20*time.Millisecond), l.fn("b2"))
	assert.Equal(t, 4, q.Len())

	advance(t, mock, func() bool { return len(l.get()) == 4 })
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, l.get())
	assert.Equal(t, 0, q.Len())
}

func TestDelayQueueNotBeforeDue(t *testing.T) {
	mock := clock.NewMock()
	q := NewDelayQueue(mock)
	defer q.Close()

	var l fireLog
	q.Push(mock.Now().Add(50*time.Millisecond), l.fn("late"))

	mock.Add(40 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.get())
	assert.Equal(t, 1, q.Len())

	advance(t, mock, func() bool { return len(l.get()) == 1 })
}

func TestDelayQueueDueImmediately(t *testing.T) {
	q := NewDelayQueue(nil)
	defer q.Close()

	var l fireLog
	q.Push(time.Time{}, l.fn("now"))
	assert.Eventually(t, func() bool { return len(l.get()) == 1 }, time.Second, time.Millisecond)
}

func TestDelayQueueExecutor(t *testing.T) {
	mock := clock.NewMock()
	q := NewDelayQueue(mock)
	defer q.Close()

	executed := make(chan func(), 1)
	q.SetExecutor(func(fn func()) { executed <- fn })

	var l fireLog
	q.Push(mock.Now().Add(time.Millisecond), l.fn("x"))
	advance(t, mock, func() bool { return len(executed) == 1 })

	fn := <-executed
	assert.Empty(t, l.get(), "executor decides when to run")
	fn()
	assert.Equal(t, []string{"x"}, l.get())
}

func TestDelayQueueCloseDropsPending(t *testing.T) {
	mock := clock.NewMock()
	q := NewDelayQueue(mock)

	var l fireLog
	q.Push(mock.Now().Add(time.Hour), l.fn("never"))
	q.Close()
	q.Close()

	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Push(mock.Now(), l.fn("after close")))
	mock.Add(2 * time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, l.get())
}
