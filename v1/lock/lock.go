package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fairlock/v1/broker"
	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/events"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fairlock/v1/lock")

// State is the step a single Lock call has reached.
type State int

const (
	StateEnqueued State = iota
	StateWaitingForTurn
	StateWaitingForToken
	StateRunning
	StateReleasing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEnqueued:
		return "enqueued"
	case StateWaitingForTurn:
		return "waiting_for_turn"
	case StateWaitingForToken:
		return "waiting_for_token"
	case StateRunning:
		return "running"
	case StateReleasing:
		return "releasing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Locker runs units of work under FIFO-fair locks coordinated by a Broker.
type Locker struct {
	broker         broker.Broker
	seq            *Sequencer
	prefix         string
	logger         *slog.Logger
	bus            events.Bus
	traceEnabled   bool
	metricsEnabled bool
}

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix sets the namespace used for broker keys. The default is
// broker.DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		l.logger = logger
	}
}

// WithTracing enables OpenTelemetry spans for Lock and Unlock.
func WithTracing() Option {
	return func(l *Locker) {
		l.traceEnabled = true
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Locker) {
		if err := metrics.Register(reg); err != nil {
			panic(err)
		}
		l.metricsEnabled = true
	}
}

// WithEvents publishes acquired, released and timeout events on bus.
func WithEvents(bus events.Bus) Option {
	return func(l *Locker) {
		l.bus = bus
	}
}

// New returns a Locker using b. The broker is not closed by the Locker.
func New(b broker.Broker, opts ...Option) *Locker {
	l := &Locker{
		broker: b,
		seq:    NewSequencer(),
		prefix: broker.DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LockOption configures a single Lock call.
type LockOption func(*lockConfig)

type lockConfig struct {
	timeout time.Duration
}

// WithTimeout bounds the time spent waiting for the token. Zero, the default,
// waits forever, and so do negative values. Brokers counting in whole
// seconds round it up.
func WithTimeout(d time.Duration) LockOption {
	return func(c *lockConfig) {
		c.timeout = max(d, 0)
	}
}

// Lock acquires the lock for key, runs work and releases the lock. The error
// returned by work is passed through unchanged.
func (l *Locker) Lock(ctx context.Context, key string, work func(context.Context) error, opts ...LockOption) error {
	_, err := Do(ctx, l, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}, opts...)
	return err
}

// Do acquires the lock for key, runs work and releases the lock, returning
// the value and error produced by work. The lock is released whatever work
// does, including panicking, in which case the error is a *errors.PanicError.
//
// Context cancellation is honoured until the dequeue is issued. From then on
// only the timeout set with WithTimeout bounds the wait, so a token can never
// be lost to a client-side abort.
func Do[T any](ctx context.Context, l *Locker, key string, work func(context.Context) (T, error), opts ...LockOption) (T, error) {
	var cfg lockConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, a := l.begin(ctx, key, cfg)
	defer a.end()

	if err := a.acquire(ctx); err != nil {
		var zero T
		return zero, err
	}

	v, werr := runWork(ctx, work)
	if werr != nil {
		a.workFailed(werr)
	}
	if rerr := a.release(ctx); rerr != nil {
		a.fail(rerr)
		if werr != nil {
			l.logger.Error("fairlock: release after failed work", "key", key, "waiter", a.waiter, "error", rerr)
			return v, werr
		}
		return v, rerr
	}
	if werr != nil {
		a.setState(StateFailed)
		return v, werr
	}
	a.setState(StateDone)
	return v, nil
}

// Unlock releases one hold on key: the counter is decremented and, when
// other callers remain, a token is pushed for the next one. Lock already
// does this; Unlock is meant for callers driving the protocol by hand.
// Calling it without a matching acquisition corrupts the counter.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Locker.Unlock", trace.WithAttributes(attribute.String("fairlock.key", key)))
		defer span.End()
	}
	err := l.unlock(ctx, key)
	if err != nil {
		if l.metricsEnabled {
			metrics.BrokerErrorCounter.Inc()
		}
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

func (l *Locker) unlock(ctx context.Context, key string) error {
	n, err := l.broker.Release(ctx, broker.QueueKey(l.prefix, key), broker.CounterKey(l.prefix, key))
	if err != nil {
		return err
	}
	if n < 0 {
		l.logger.Warn("fairlock: unlock without matching lock", "key", key, "counter", n)
	}
	return nil
}

// acquisition carries the state of one Do call through the protocol.
type acquisition struct {
	l          *Locker
	key        string
	queue      string
	counter    string
	waiter     string
	timeout    time.Duration
	ticket     *Ticket
	conn       broker.Conn
	span       trace.Span
	state      State
	start      time.Time
	acquiredAt time.Time
	acquired   bool
}

func (l *Locker) begin(ctx context.Context, key string, cfg lockConfig) (context.Context, *acquisition) {
	a := &acquisition{
		l:       l,
		key:     key,
		queue:   broker.QueueKey(l.prefix, key),
		counter: broker.CounterKey(l.prefix, key),
		waiter:  uuid.NewString(),
		timeout: cfg.timeout,
		ticket:  l.seq.Register(key),
		start:   time.Now(),
	}
	if l.traceEnabled {
		ctx, a.span = tracer.Start(ctx, "Locker.Lock", trace.WithAttributes(
			attribute.String("fairlock.key", key),
			attribute.String("fairlock.waiter", a.waiter),
		))
	}
	if l.metricsEnabled {
		metrics.WaiterGauge.Inc()
	}
	return ctx, a
}

func (a *acquisition) setState(s State) {
	a.state = s
	if a.span != nil {
		a.span.AddEvent(s.String())
	}
	a.l.logger.Debug("fairlock: state", "key", a.key, "waiter", a.waiter, "state", s.String())
}

// acquire drives the call from Enqueued to Running.
func (a *acquisition) acquire(ctx context.Context) error {
	l := a.l
	// Counter and queue mutations must not be cut short by the caller's
	// context: an interrupted round trip leaves their outcome unknown.
	bctx := context.WithoutCancel(ctx)
	a.setState(StateEnqueued)

	var entered bool
	var g errgroup.Group
	g.Go(func() error {
		n, err := l.broker.Enter(bctx, a.queue, a.counter)
		if err != nil {
			return err
		}
		entered = true
		if n == 1 {
			l.logger.Debug("fairlock: seeded wait queue", "key", a.key, "waiter", a.waiter)
		}
		return nil
	})
	g.Go(func() error {
		conn, err := l.broker.Dedicated(ctx)
		if err != nil {
			return err
		}
		a.conn = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		return a.abandon(bctx, entered, err)
	}

	a.setState(StateWaitingForTurn)
	if err := a.ticket.Wait(ctx); err != nil {
		return a.abandon(bctx, true, err)
	}

	a.setState(StateWaitingForToken)
	ok, err := a.conn.BlockingPop(bctx, a.queue, a.timeout, a.ticket.Ready)
	if err != nil {
		return a.abandon(bctx, true, err)
	}
	if !ok {
		if l.metricsEnabled {
			metrics.TimeoutCounter.Inc()
		}
		a.publish(bctx, events.TimedOut)
		return a.abandon(bctx, true, fmt.Errorf("%w: key %q after %s", fairerrors.ErrAcquireTimeout, a.key, a.timeout))
	}

	a.acquired = true
	a.acquiredAt = time.Now()
	if l.metricsEnabled {
		metrics.AcquireCounter.Inc()
		metrics.WaitHistogram.Observe(a.acquiredAt.Sub(a.start).Seconds())
		metrics.WaiterGauge.Dec()
		metrics.HolderGauge.Inc()
	}
	a.publish(bctx, events.Acquired)
	a.setState(StateRunning)
	return nil
}

// abandon cleans up after a call that never held the token. A caller that
// entered the lock withdraws from it so the counter does not leak and no
// orphaned token outlives the last caller.
func (a *acquisition) abandon(ctx context.Context, entered bool, cause error) error {
	a.fail(cause)
	if entered {
		if _, err := a.l.broker.Withdraw(ctx, a.queue, a.counter); err != nil {
			if a.l.metricsEnabled {
				metrics.BrokerErrorCounter.Inc()
			}
			a.l.logger.Error("fairlock: withdraw failed", "key", a.key, "waiter", a.waiter, "error", err)
		}
	}
	return cause
}

func (a *acquisition) release(ctx context.Context) error {
	a.setState(StateReleasing)
	if a.l.metricsEnabled {
		metrics.HoldHistogram.Observe(time.Since(a.acquiredAt).Seconds())
		metrics.HolderGauge.Dec()
	}
	bctx := context.WithoutCancel(ctx)
	if err := a.l.unlock(bctx, a.key); err != nil {
		return err
	}
	a.publish(bctx, events.Released)
	return nil
}

func (a *acquisition) workFailed(err error) {
	if a.l.metricsEnabled {
		metrics.WorkFailureCounter.Inc()
	}
	if a.span != nil {
		a.span.RecordError(err)
	}
}

func (a *acquisition) fail(err error) {
	a.setState(StateFailed)
	if a.l.metricsEnabled && errors.Is(err, fairerrors.ErrBrokerUnavailable) {
		metrics.BrokerErrorCounter.Inc()
	}
	if a.span != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	}
	a.l.logger.Debug("fairlock: lock failed", "key", a.key, "waiter", a.waiter, "error", err)
}

func (a *acquisition) publish(ctx context.Context, kind events.Kind) {
	if a.l.bus == nil {
		return
	}
	ev := events.Event{Kind: kind, Key: a.key, Waiter: a.waiter, At: time.Now().UTC()}
	if err := a.l.bus.Publish(ctx, ev); err != nil {
		a.l.logger.Warn("fairlock: event publish failed", "key", a.key, "kind", string(kind), "error", err)
	}
}

// end runs on every exit path: it resolves the ticket so later callers are
// not held back, and tears down the dedicated connection.
func (a *acquisition) end() {
	a.ticket.Ready()
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.l.logger.Debug("fairlock: closing dedicated connection", "key", a.key, "error", err)
		}
	}
	if a.l.metricsEnabled && !a.acquired {
		metrics.WaiterGauge.Dec()
	}
	if a.span != nil {
		a.span.SetAttributes(attribute.String("fairlock.state", a.state.String()))
		a.span.End()
	}
}

func runWork[T any](ctx context.Context, work func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &fairerrors.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return work(ctx)
}
