package broker

import (
	"context"
	"time"
)

// DefaultPrefix namespaces every key written by the lock.
const DefaultPrefix = "fairlock:"

// Token is the value pushed to a wait queue. Tokens carry no identity; the
// presence of one is the only thing that matters.
const Token = "1"

// Broker is the set of primitives the lock protocol relies on. Every method
// is a single round trip and is atomic on the broker side.
type Broker interface {
	// Enter increments counterKey and, when the new value is 1, pushes one
	// token to queueKey. It returns the new counter value.
	Enter(ctx context.Context, queueKey, counterKey string) (int64, error)
	// Release decrements counterKey and, when callers remain, pushes one
	// token to queueKey so the next waiter can proceed. It returns the new
	// counter value.
	Release(ctx context.Context, queueKey, counterKey string) (int64, error)
	// Withdraw decrements counterKey and, when it drops to zero or below,
	// deletes queueKey so that no orphaned token survives an idle lock. It is
	// used by callers leaving without ever holding the token.
	Withdraw(ctx context.Context, queueKey, counterKey string) (int64, error)
	// Dedicated returns a connection reserved for one blocking dequeue. It
	// returns once the connection is ready to issue commands.
	Dedicated(ctx context.Context) (Conn, error)
	// Close releases the resources held by the broker.
	Close() error
}

// Conn is a connection dedicated to a single waiter.
type Conn interface {
	// BlockingPop waits for a token on key. It returns false when timeout
	// elapses first. A zero or negative timeout blocks until a token arrives.
	// issued, when not nil, is called exactly once, as late as the client
	// allows before the dequeue reaches the broker, or when the call gives up
	// before getting that far.
	BlockingPop(ctx context.Context, key string, timeout time.Duration, issued func()) (bool, error)
	Close() error
}

// QueueKey returns the wait queue name for key.
func QueueKey(prefix, key string) string {
	return prefix + "{" + key + "}:queue"
}

// CounterKey returns the reference counter name for key.
func CounterKey(prefix, key string) string {
	return prefix + "{" + key + "}:counter"
}
