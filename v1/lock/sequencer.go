package lock

import (
	"context"
	"sync"
)

type signal struct {
	ch   chan struct{}
	once sync.Once
}

func (s *signal) resolve() { s.once.Do(func() { close(s.ch) }) }

func (s *signal) resolved() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Sequencer orders the dequeue attempts issued by one process for each key.
// Callers register in the order they asked for the lock; each caller then
// waits until every caller registered before it has resolved its ticket.
type Sequencer struct {
	mu      sync.Mutex
	pending map[string][]*signal
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{pending: make(map[string][]*signal)}
}

// Ticket is one caller's place in a key's pending list.
type Ticket struct {
	seq     *Sequencer
	key     string
	own     *signal
	earlier []*signal
}

// Register appends a new ticket for key. The ticket remembers every ticket
// registered before it that has not been pruned yet. Only resolved tickets
// are ever pruned, so no unresolved predecessor can be missed.
func (s *Sequencer) Register(key string) *Ticket {
	own := &signal{ch: make(chan struct{})}
	s.mu.Lock()
	list := s.pending[key]
	earlier := make([]*signal, len(list))
	copy(earlier, list)
	s.pending[key] = append(list, own)
	s.mu.Unlock()
	return &Ticket{seq: s, key: key, own: own, earlier: earlier}
}

// Pending returns the number of tickets still tracked for key.
func (s *Sequencer) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[key])
}

// prune drops the resolved tickets at the head of key's list and forgets the
// key once the list is empty.
func (s *Sequencer) prune(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[key]
	i := 0
	for i < len(list) && list[i].resolved() {
		list[i] = nil
		i++
	}
	if i == len(list) {
		delete(s.pending, key)
		return
	}
	s.pending[key] = list[i:]
}

// Ready resolves the ticket. It is safe to call more than once.
func (t *Ticket) Ready() {
	t.own.resolve()
	t.seq.prune(t.key)
}

// Wait blocks until every earlier ticket is resolved or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	for _, sig := range t.earlier {
		select {
		case <-sig.ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
