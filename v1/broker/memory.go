package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

type popWaiter struct {
	ch chan struct{}
}

// InMemory implements Broker in process memory. Blocked poppers are served
// strictly in the order they started waiting.
type InMemory struct {
	mu        sync.Mutex
	counters  map[string]int64
	queues    map[string]int
	waiters   map[string][]*popWaiter
	dialDelay func(ctx context.Context) time.Duration
	done      chan struct{}
	closed    bool
}

// InMemoryOption configures an InMemory broker.
type InMemoryOption func(*InMemory)

// WithDialDelay makes Dedicated wait for the duration returned by f before
// handing out a connection. It simulates connection setup latency; f receives
// the context passed to Dedicated so latency can vary per caller.
func WithDialDelay(f func(ctx context.Context) time.Duration) InMemoryOption {
	return func(b *InMemory) {
		b.dialDelay = f
	}
}

// NewInMemory returns a new in-memory broker.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	b := &InMemory{
		counters: make(map[string]int64),
		queues:   make(map[string]int),
		waiters:  make(map[string][]*popWaiter),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enter implements Broker.Enter.
func (b *InMemory) Enter(_ context.Context, queueKey, counterKey string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fairerrors.ErrConnectionClosed
	}
	b.counters[counterKey]++
	n := b.counters[counterKey]
	if n == 1 {
		b.pushLocked(queueKey)
	}
	return n, nil
}

// Release implements Broker.Release.
func (b *InMemory) Release(_ context.Context, queueKey, counterKey string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fairerrors.ErrConnectionClosed
	}
	b.counters[counterKey]--
	n := b.counters[counterKey]
	if n > 0 {
		b.pushLocked(queueKey)
	}
	return n, nil
}

// pushLocked hands a token straight to the oldest blocked popper, or queues
// it when nobody waits. Must be called with b.mu held.
func (b *InMemory) pushLocked(key string) {
	if ws := b.waiters[key]; len(ws) > 0 {
		w := ws[0]
		copy(ws, ws[1:])
		ws[len(ws)-1] = nil
		ws = ws[:len(ws)-1]
		if len(ws) == 0 {
			delete(b.waiters, key)
		} else {
			b.waiters[key] = ws
		}
		w.ch <- struct{}{}
		return
	}
	b.queues[key]++
}

// Withdraw implements Broker.Withdraw.
func (b *InMemory) Withdraw(_ context.Context, queueKey, counterKey string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fairerrors.ErrConnectionClosed
	}
	b.counters[counterKey]--
	n := b.counters[counterKey]
	if n <= 0 {
		delete(b.queues, queueKey)
	}
	return n, nil
}

// Dedicated implements Broker.Dedicated.
func (b *InMemory) Dedicated(ctx context.Context) (Conn, error) {
	if b.dialDelay != nil {
		if d := b.dialDelay(ctx); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-b.done:
				return nil, fairerrors.ErrConnectionClosed
			}
		}
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, fairerrors.ErrConnectionClosed
	}
	return &memoryConn{b: b}, nil
}

// Close implements Broker.Close. Blocked poppers return ErrConnectionClosed.
func (b *InMemory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// Counter returns the current value of the counter at key.
func (b *InMemory) Counter(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters[key]
}

// QueueLen returns the number of tokens queued at key.
func (b *InMemory) QueueLen(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[key]
}

// Waiting returns the number of poppers blocked on key.
func (b *InMemory) Waiting(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[key])
}

// removeWaiter drops w from key's waiters. It reports false when w was
// already handed a token.
func (b *InMemory) removeWaiter(key string, w *popWaiter) bool {
	ws := b.waiters[key]
	for i, cur := range ws {
		if cur == w {
			copy(ws[i:], ws[i+1:])
			ws[len(ws)-1] = nil
			ws = ws[:len(ws)-1]
			if len(ws) == 0 {
				delete(b.waiters, key)
			} else {
				b.waiters[key] = ws
			}
			return true
		}
	}
	return false
}

type memoryConn struct {
	b      *InMemory
	closed atomic.Bool
}

// BlockingPop implements Conn.BlockingPop.
func (c *memoryConn) BlockingPop(ctx context.Context, key string, timeout time.Duration, issued func()) (bool, error) {
	if issued == nil {
		issued = func() {}
	}
	if c.closed.Load() {
		issued()
		return false, fairerrors.ErrConnectionClosed
	}
	b := c.b
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		issued()
		return false, fairerrors.ErrConnectionClosed
	}
	if b.queues[key] > 0 {
		b.queues[key]--
		if b.queues[key] == 0 {
			delete(b.queues, key)
		}
		b.mu.Unlock()
		issued()
		return true, nil
	}
	w := &popWaiter{ch: make(chan struct{}, 1)}
	b.waiters[key] = append(b.waiters[key], w)
	b.mu.Unlock()
	issued()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var abortErr error
	select {
	case <-w.ch:
		return true, nil
	case <-expired:
	case <-ctx.Done():
		abortErr = ctx.Err()
	case <-b.done:
		abortErr = fairerrors.ErrConnectionClosed
	}

	b.mu.Lock()
	removed := b.removeWaiter(key, w)
	b.mu.Unlock()
	if !removed {
		// A token was handed over while we were giving up; keep it.
		<-w.ch
		return true, nil
	}
	return false, abortErr
}

func (c *memoryConn) Close() error {
	c.closed.Store(true)
	return nil
}
