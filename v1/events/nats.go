package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

const natsSubjectPrefix = "fairlock.events."

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn *nats.Conn
	subs *fanout

	mu     sync.Mutex
	nsubs  map[string]*nats.Subscription
	closed atomic.Bool
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:  conn,
		subs:  newFanout(),
		nsubs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(_ context.Context, ev Event) error {
	if b.closed.Load() {
		return fairerrors.ErrConnectionClosed
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubjectPrefix+ev.Key, data); err != nil {
		return fairerrors.Broker("publish", err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, fairerrors.ErrConnectionClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.subs.add(key)
	if first {
		sub, err := b.conn.Subscribe(natsSubjectPrefix+key, func(msg *nats.Msg) {
			ev, err := decode(msg.Data)
			if err != nil {
				slog.Warn("fairlock: dropping malformed event", "subject", msg.Subject, "error", err)
				return
			}
			b.subs.deliver(ev)
		})
		if err == nil {
			// Make sure the server registered the interest before returning.
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.subs.remove(key, ch)
			return nil, fairerrors.Broker("subscribe", err)
		}
		b.nsubs[key] = sub
	}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs.remove(key, ch) {
			if sub := b.nsubs[key]; sub != nil {
				_ = sub.Unsubscribe()
				delete(b.nsubs, key)
			}
		}
	}()
	return ch, nil
}

// Close implements Bus.Close. The NATS connection is left open.
func (b *NATSBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	for key, sub := range b.nsubs {
		_ = sub.Unsubscribe()
		delete(b.nsubs, key)
	}
	b.mu.Unlock()
	b.subs.closeAll()
	return nil
}
