package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

const redisChannelPrefix = "fairlock:events:"

// RedisBus implements Bus using Redis Pub/Sub. One Redis subscription is
// opened per key and shared by all local subscribers of that key.
type RedisBus struct {
	client *redis.Client
	subs   *fanout

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
	closed  atomic.Bool
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    newFanout(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return fairerrors.ErrConnectionClosed
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+ev.Key, data).Err(); err != nil {
		return fairerrors.Broker("publish", err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, fairerrors.ErrConnectionClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.subs.add(key)
	if first {
		ps := b.client.Subscribe(ctx, redisChannelPrefix+key)
		// Wait for the confirmation so that events published after
		// Subscribe returns are not missed.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.subs.remove(key, ch)
			return nil, fairerrors.Broker("subscribe", err)
		}
		b.pubsubs[key] = ps
		go b.dispatch(ps)
	}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs.remove(key, ch) {
			if ps := b.pubsubs[key]; ps != nil {
				_ = ps.Close()
				delete(b.pubsubs, key)
			}
		}
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := decode([]byte(msg.Payload))
		if err != nil {
			slog.Warn("fairlock: dropping malformed event", "channel", msg.Channel, "error", err)
			continue
		}
		b.subs.deliver(ev)
	}
}

// Close implements Bus.Close. The Redis client is left open.
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	for key, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, key)
	}
	b.mu.Unlock()
	b.subs.closeAll()
	return nil
}
