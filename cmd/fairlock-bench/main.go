package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fairlock/v1/broker"
	"github.com/mirkobrombin/go-fairlock/v1/events"
	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
)

var (
	addr        = flag.String("addr", "", "Redis address (empty starts an embedded miniredis)")
	concurrency = flag.Int("c", 20, "Number of concurrent clients")
	requests    = flag.Int("n", 2000, "Total number of lock calls")
	key         = flag.String("key", "bench", "Lock key shared by all clients")
	hold        = flag.Duration("hold", 0, "Time spent inside the critical section")
	timeout     = flag.Duration("timeout", 0, "Acquisition timeout (0 waits forever)")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	eventsAddr  = flag.String("events", "", "Stream lock events over SSE (/events) and WebSocket (/ws) on this address")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exiting.
func run() int {
	redisAddr := *addr
	if redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Printf("Starting miniredis failed: %v", err)
			return 1
		}
		defer mr.Close()
		redisAddr = mr.Addr()
		log.Printf("Using embedded miniredis at %s", redisAddr)
	}

	b := broker.NewRedisFromOptions(broker.RedisOptions{Addr: redisAddr, PoolSize: *concurrency * 2})
	defer b.Close()

	reg := metrics.NewRegistry()
	opts := []lock.Option{lock.WithMetrics(reg)}
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() { log.Println(http.ListenAndServe(*metricsAddr, mux)) }()
	}
	if *eventsAddr != "" {
		bus := events.NewRedisBus(b.Client())
		defer bus.Close()
		opts = append(opts, lock.WithEvents(bus))
		mux := http.NewServeMux()
		mux.Handle("/events", events.SSEHandler(bus))
		mux.Handle("/ws", events.WebSocketHandler(bus))
		go func() { log.Println(http.ListenAndServe(*eventsAddr, mux)) }()
	}
	l := lock.New(b, opts...)

	log.Printf("Starting benchmark: %d lock calls, %d concurrency, key %q", *requests, *concurrency, *key)

	ctx := context.Background()
	var ops, errorsCount, active, overlaps int64
	perWorker := *requests / *concurrency

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				err := l.Lock(ctx, *key, func(context.Context) error {
					if atomic.AddInt64(&active, 1) > 1 {
						atomic.AddInt64(&overlaps, 1)
					}
					if *hold > 0 {
						time.Sleep(*hold)
					}
					atomic.AddInt64(&active, -1)
					return nil
				}, lock.WithTimeout(*timeout))
				if err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f locks/s", float64(ops)/elapsed.Seconds())
	log.Printf("Avg Latency: %v", elapsed/time.Duration(max(ops, 1)))
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
	if overlaps > 0 {
		log.Printf("Mutual exclusion violated %d times", overlaps)
		return 1
	}
	return 0
}
