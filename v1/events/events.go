// Package events broadcasts lock lifecycle changes so that other processes
// can observe when a key is acquired or released. Delivery is best-effort: a
// slow subscriber drops events rather than slowing the lock down.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind identifies a lifecycle change.
type Kind string

const (
	Acquired Kind = "acquired"
	Released Kind = "released"
	TimedOut Kind = "timeout"
)

// Event describes one lifecycle change for a lock key.
type Event struct {
	Kind   Kind      `json:"kind"`
	Key    string    `json:"key"`
	Waiter string    `json:"waiter"`
	At     time.Time `json:"at"`
}

// Bus delivers events to subscribers of a key.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel receiving events for key until ctx is done,
	// at which point the channel is closed.
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Close() error
}

const subscriberBuffer = 16

func encode(ev Event) ([]byte, error) { return json.Marshal(ev) }

func decode(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

// fanout tracks local subscriber channels per key. It is shared by the bus
// implementations.
type fanout struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan Event)}
}

func (f *fanout) add(key string) (chan Event, bool) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch chan Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return true
	}
	f.subs[key] = subs
	return false
}

func (f *fanout) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}

func (f *fanout) empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs) == 0
}

func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Key] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, key)
	}
}
