// Package lock provides a FIFO-fair distributed lock. Callers asking for the
// same key run their work one at a time, in the order they called Lock, across
// every process sharing the broker. The lock is released whatever the work
// does, so a failing holder never strands its successors.
//
// The protocol keeps two broker-side objects per key: a reference counter of
// callers between Lock and release, and a queue holding at most one token. The
// first caller seeds the token, every caller blocks on a dequeue over its own
// dedicated connection, and each release hands the token to the next waiter.
// Within one process a Sequencer makes sure dequeues reach the broker in call
// order even when dedicated connections take different times to set up.
package lock
