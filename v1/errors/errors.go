package errors

import (
	"errors"
	"fmt"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrAcquireTimeout    = errors.New("lock acquisition timeout")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrWorkPanicked      = errors.New("work panicked")
)

// PanicError carries a value recovered from a panicking unit of work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrWorkPanicked, e.Value)
}

// Unwrap allows errors.Is(err, ErrWorkPanicked).
func (e *PanicError) Unwrap() error { return ErrWorkPanicked }

// Broker wraps a transport failure so that it matches ErrBrokerUnavailable
// while keeping the original cause in the chain.
func Broker(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBrokerUnavailable, err)
}
