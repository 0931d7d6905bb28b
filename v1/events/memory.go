package events

import (
	"context"
	"sync/atomic"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

// InMemoryBus is a local Bus, useful within one process and in tests.
type InMemoryBus struct {
	subs   *fanout
	closed atomic.Bool
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(_ context.Context, ev Event) error {
	if b.closed.Load() {
		return fairerrors.ErrConnectionClosed
	}
	b.subs.deliver(ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, fairerrors.ErrConnectionClosed
	}
	ch, _ := b.subs.add(key)
	go func() {
		<-ctx.Done()
		b.subs.remove(key, ch)
	}()
	return ch, nil
}

// Close implements Bus.Close.
func (b *InMemoryBus) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.subs.closeAll()
	}
	return nil
}
