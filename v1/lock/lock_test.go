package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-fairlock/v1/broker"
	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
	"github.com/mirkobrombin/go-fairlock/v1/events"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
)

type dialDelayKey struct{}

func newMemoryLocker(t *testing.T, opts ...Option) (*Locker, *broker.InMemory) {
	t.Helper()
	b := broker.NewInMemory(broker.WithDialDelay(func(ctx context.Context) time.Duration {
		d, _ := ctx.Value(dialDelayKey{}).(time.Duration)
		return d
	}))
	t.Cleanup(func() { _ = b.Close() })
	return New(b, opts...), b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitIssued blocks until n callers entered key and all of them have issued
// their dequeue.
func waitIssued(t *testing.T, l *Locker, b *broker.InMemory, key string, n int) {
	t.Helper()
	c := broker.CounterKey(broker.DefaultPrefix, key)
	waitFor(t, func() bool {
		return b.Counter(c) == int64(n) && l.seq.Pending(key) == 0
	})
}

// holdLock takes the lock for key until the returned release func is called.
func holdLock(t *testing.T, l *Locker, key string) (func(), <-chan error) {
	t.Helper()
	started := make(chan struct{})
	unblock := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Lock(context.Background(), key, func(context.Context) error {
			close(started)
			<-unblock
			return nil
		})
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("holder did not acquire the lock")
	}
	return func() { close(unblock) }, errCh
}

func assertIdle(t *testing.T, l *Locker, b *broker.InMemory, key string) {
	t.Helper()
	q, c := broker.QueueKey(broker.DefaultPrefix, key), broker.CounterKey(broker.DefaultPrefix, key)
	if n := b.Counter(c); n != 0 {
		t.Fatalf("counter for %q is %d, want 0", key, n)
	}
	if n := b.QueueLen(q); n != 0 {
		t.Fatalf("queue for %q holds %d tokens, want 0", key, n)
	}
	if n := b.Waiting(q); n != 0 {
		t.Fatalf("%d poppers still blocked on %q", n, key)
	}
	if n := l.seq.Pending(key); n != 0 {
		t.Fatalf("%d tickets still pending for %q", n, key)
	}
}

func TestLockPassesResult(t *testing.T) {
	l, b := newMemoryLocker(t)
	got, err := Do(context.Background(), l, "k", func(context.Context) (string, error) {
		return "test", nil
	})
	if err != nil || got != "test" {
		t.Fatalf("got %q err %v", got, err)
	}
	assertIdle(t, l, b, "k")
}

func TestLockPropagatesWorkErrorAndReleases(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := l.Lock(ctx, "k", func(context.Context) error { return errBoom })
	if err != errBoom {
		t.Fatalf("expected work error unchanged, got %v", err)
	}

	ran := false
	if err := l.Lock(ctx, "k", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if !ran {
		t.Fatal("second lock did not run")
	}
	assertIdle(t, l, b, "k")
}

func TestLockRecoversPanic(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.Background()

	_, err := Do(ctx, l, "k", func(context.Context) (int, error) {
		panic("exploded")
	})
	if !errors.Is(err, fairerrors.ErrWorkPanicked) {
		t.Fatalf("expected ErrWorkPanicked, got %v", err)
	}
	var pe *fairerrors.PanicError
	if !errors.As(err, &pe) || pe.Value != "exploded" || len(pe.Stack) == 0 {
		t.Fatalf("unexpected panic error %#v", err)
	}
	if err := l.Lock(ctx, "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("lock after panic: %v", err)
	}
	assertIdle(t, l, b, "k")
}

func TestLockMutualExclusion(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.Background()

	var active, maxActive, runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Lock(ctx, "k", func(context.Context) error {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				runs.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("lock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatalf("%d units of work ran at once", maxActive.Load())
	}
	if runs.Load() != 10 {
		t.Fatalf("expected 10 runs, got %d", runs.Load())
	}
	assertIdle(t, l, b, "k")
}

func TestLockFIFO(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.Background()
	release, holderDone := holdLock(t, l, "k")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Lock(ctx, "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitIssued(t, l, b, "k", i+2)
	}

	release()
	if err := <-holderDone; err != nil {
		t.Fatalf("holder: %v", err)
	}
	wg.Wait()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want call order", order)
		}
	}
	assertIdle(t, l, b, "k")
}

func TestLockFIFOWithSkewedDialLatency(t *testing.T) {
	l, b := newMemoryLocker(t)

	// Earlier callers get slower connections.
	delays := []time.Duration{80 * time.Millisecond, 40 * time.Millisecond, 0}
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i, d := range delays {
		ctx := context.WithValue(context.Background(), dialDelayKey{}, d)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Lock(ctx, "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}(i)
		waitFor(t, func() bool { return l.seq.Pending("k") == i+1 })
	}
	wg.Wait()
	if len(order) != len(delays) {
		t.Fatalf("expected %d runs, got %v", len(delays), order)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want call order", order)
		}
	}
	assertIdle(t, l, b, "k")
}

func TestLockRunsSequentially(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.Background()
	const step = 50 * time.Millisecond

	start := time.Now()
	finished := make([]time.Duration, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = l.Lock(ctx, "k", func(context.Context) error {
				time.Sleep(step)
				finished[i] = time.Since(start)
				return nil
			})
		}(i)
		waitIssued(t, l, b, "k", i+1)
	}
	wg.Wait()
	for i := 0; i < 3; i++ {
		if finished[i] < time.Duration(i+1)*step {
			t.Fatalf("call %d finished at %v, before %v", i, finished[i], time.Duration(i+1)*step)
		}
		if i > 0 && finished[i] <= finished[i-1] {
			t.Fatalf("calls finished out of order: %v", finished)
		}
	}
}

func TestLockDoesNotBlockOtherKey(t *testing.T) {
	l, _ := newMemoryLocker(t)
	release, holderDone := holdLock(t, l, "k1")
	defer func() {
		release()
		<-holderDone
	}()

	done := make(chan error, 1)
	go func() {
		done <- l.Lock(context.Background(), "k2", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("lock k2: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lock on k2 blocked by k1")
	}
}

func TestLockTimeoutCleansUp(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.Background()
	release, holderDone := holdLock(t, l, "k")

	_, err := Do(ctx, l, "k", func(context.Context) (int, error) {
		t.Error("work ran without the lock")
		return 0, nil
	}, WithTimeout(30*time.Millisecond))
	if !errors.Is(err, fairerrors.ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}

	release()
	if err := <-holderDone; err != nil {
		t.Fatalf("holder: %v", err)
	}
	assertIdle(t, l, b, "k")
	if err := l.Lock(ctx, "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("lock after timeout: %v", err)
	}
	assertIdle(t, l, b, "k")
}

func TestLockContextDoneDuringDial(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.WithValue(context.Background(), dialDelayKey{}, time.Second)
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := l.Lock(ctx, "k", func(context.Context) error {
		t.Error("work ran without a connection")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// The call seeded the queue; withdrawing as the last caller drops it.
	assertIdle(t, l, b, "k")
}

func TestLockContextDoneWaitingForTurn(t *testing.T) {
	l, b := newMemoryLocker(t)

	slow := context.WithValue(context.Background(), dialDelayKey{}, 100*time.Millisecond)
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- l.Lock(slow, "k", func(context.Context) error { return nil })
	}()
	waitFor(t, func() bool { return l.seq.Pending("k") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx, "k", func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := <-firstDone; err != nil {
		t.Fatalf("first lock: %v", err)
	}
	assertIdle(t, l, b, "k")
}

func TestLockIgnoresCancelWhileQueued(t *testing.T) {
	l, b := newMemoryLocker(t)
	release, holderDone := holdLock(t, l, "k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ran := make(chan struct{})
	go func() {
		done <- l.Lock(ctx, "k", func(context.Context) error {
			close(ran)
			return nil
		})
	}()
	waitIssued(t, l, b, "k", 2)
	cancel()
	release()
	<-holderDone

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued lock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued lock never ran")
	}
	select {
	case <-ran:
	default:
		t.Fatal("work did not run")
	}
	assertIdle(t, l, b, "k")
}

func TestLockBrokerClosed(t *testing.T) {
	l, b := newMemoryLocker(t)
	_ = b.Close()
	err := l.Lock(context.Background(), "k", func(context.Context) error {
		t.Error("work ran on a closed broker")
		return nil
	})
	if !errors.Is(err, fairerrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if n := l.seq.Pending("k"); n != 0 {
		t.Fatalf("ticket leaked: %d", n)
	}
}

func TestUnlockReseeds(t *testing.T) {
	l, b := newMemoryLocker(t)
	ctx := context.Background()
	q, c := broker.QueueKey(broker.DefaultPrefix, "k"), broker.CounterKey(broker.DefaultPrefix, "k")
	_, _ = b.Enter(ctx, q, c)
	_, _ = b.Enter(ctx, q, c)
	conn, _ := b.Dedicated(ctx)
	defer conn.Close()
	if ok, _ := conn.BlockingPop(ctx, q, time.Second, nil); !ok {
		t.Fatal("expected seed token")
	}

	if err := l.Unlock(ctx, "k"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if b.Counter(c) != 1 || b.QueueLen(q) != 1 {
		t.Fatalf("counter %d queue %d, want 1 and 1", b.Counter(c), b.QueueLen(q))
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l, b := newMemoryLocker(t, WithLogger(logger))
	if err := l.Unlock(context.Background(), "k"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if n := b.Counter(broker.CounterKey(broker.DefaultPrefix, "k")); n != -1 {
		t.Fatalf("counter %d, want -1", n)
	}
	if !bytes.Contains(buf.Bytes(), []byte("unlock without matching lock")) {
		t.Fatalf("expected misuse warning, got %q", buf.String())
	}
}

func TestLockPrefix(t *testing.T) {
	l, b := newMemoryLocker(t, WithPrefix("app:"))
	var counter int64
	err := l.Lock(context.Background(), "k", func(context.Context) error {
		counter = b.Counter(broker.CounterKey("app:", "k"))
		return nil
	})
	if err != nil || counter != 1 {
		t.Fatalf("counter under prefix %d err %v", counter, err)
	}
}

func TestLockPublishesEvents(t *testing.T) {
	bus := events.NewInMemoryBus()
	defer bus.Close()
	l, b := newMemoryLocker(t, WithEvents(bus))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := l.Lock(ctx, "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("lock: %v", err)
	}
	acquired, released := <-ch, <-ch
	if acquired.Kind != events.Acquired || released.Kind != events.Released {
		t.Fatalf("unexpected events %v %v", acquired.Kind, released.Kind)
	}
	if acquired.Waiter == "" || acquired.Waiter != released.Waiter {
		t.Fatalf("events should share the waiter id: %q %q", acquired.Waiter, released.Waiter)
	}

	release, holderDone := holdLock(t, l, "k")
	<-ch
	_ = l.Lock(ctx, "k", func(context.Context) error { return nil }, WithTimeout(10*time.Millisecond))
	if ev := <-ch; ev.Kind != events.TimedOut {
		t.Fatalf("expected timeout event, got %v", ev.Kind)
	}
	release()
	<-holderDone
	assertIdle(t, l, b, "k")
}

func TestLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	l, _ := newMemoryLocker(t, WithMetrics(reg))
	// A second locker on the same registry must not panic.
	_, _ = newMemoryLocker(t, WithMetrics(reg))

	acquired := testutil.ToFloat64(metrics.AcquireCounter)
	failures := testutil.ToFloat64(metrics.WorkFailureCounter)
	_ = l.Lock(context.Background(), "k", func(context.Context) error { return errors.New("boom") })

	if got := testutil.ToFloat64(metrics.AcquireCounter); got != acquired+1 {
		t.Fatalf("acquisitions %v, want %v", got, acquired+1)
	}
	if got := testutil.ToFloat64(metrics.WorkFailureCounter); got != failures+1 {
		t.Fatalf("work failures %v, want %v", got, failures+1)
	}
	if got := testutil.ToFloat64(metrics.HolderGauge); got != 0 {
		t.Fatalf("holders %v, want 0", got)
	}
	if got := testutil.ToFloat64(metrics.WaiterGauge); got != 0 {
		t.Fatalf("waiters %v, want 0", got)
	}
}

func TestLockTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tp)

	l, _ := newMemoryLocker(t, WithTracing())
	if err := l.Lock(context.Background(), "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("lock: %v", err)
	}

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "Locker.Lock" {
			continue
		}
		found = true
		attrs := map[attribute.Key]string{}
		for _, kv := range s.Attributes() {
			attrs[kv.Key] = kv.Value.Emit()
		}
		if attrs["fairlock.key"] != "k" || attrs["fairlock.state"] != StateDone.String() {
			t.Fatalf("unexpected span attributes %v", attrs)
		}
	}
	if !found {
		t.Fatal("Locker.Lock span not recorded")
	}
}

// releaseFailing is an in-memory broker whose Release always fails.
type releaseFailing struct {
	*broker.InMemory
}

func (b releaseFailing) Release(context.Context, string, string) (int64, error) {
	return 0, fairerrors.Broker("release", errors.New("down"))
}

func TestLockReleaseFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	mem := broker.NewInMemory()
	t.Cleanup(func() { _ = mem.Close() })
	l := New(releaseFailing{mem}, WithLogger(logger))
	ctx := context.Background()

	v, err := Do(ctx, l, "ok", func(context.Context) (int, error) { return 7, nil })
	if v != 7 {
		t.Fatalf("value %d, want 7", v)
	}
	if !errors.Is(err, fairerrors.ErrBrokerUnavailable) {
		t.Fatalf("expected release error, got %v", err)
	}

	errBoom := errors.New("boom")
	if err := l.Lock(ctx, "failed", func(context.Context) error { return errBoom }); err != errBoom {
		t.Fatalf("expected work error unchanged, got %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("release after failed work")) || !bytes.Contains(buf.Bytes(), []byte("down")) {
		t.Fatalf("release error not logged: %q", buf.String())
	}
}

func TestWithTimeoutNegative(t *testing.T) {
	var c lockConfig
	WithTimeout(-time.Second)(&c)
	if c.timeout != 0 {
		t.Fatalf("timeout %v, want 0", c.timeout)
	}

	l, b := newMemoryLocker(t)
	if err := l.Lock(context.Background(), "k", func(context.Context) error { return nil }, WithTimeout(-time.Second)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	assertIdle(t, l, b, "k")
}

func TestStateString(t *testing.T) {
	if StateWaitingForToken.String() != "waiting_for_token" {
		t.Fatalf("unexpected %q", StateWaitingForToken.String())
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unexpected %q", State(42).String())
	}
}
