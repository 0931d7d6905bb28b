package broker

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

var enterScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[2])
if n == 1 then
    redis.call("RPUSH", KEYS[1], ARGV[1])
end
return n
`)

var releaseScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[2])
if n > 0 then
    redis.call("RPUSH", KEYS[1], ARGV[1])
end
return n
`)

var withdrawScript = redis.NewScript(`
local n = redis.call("DECR", KEYS[2])
if n <= 0 then
    redis.call("DEL", KEYS[1])
end
return n
`)

// RedisOptions holds the connection settings used by NewRedisFromOptions.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// PoolSize bounds the number of open connections. Every waiter holds one
	// connection while blocked, so it should exceed the expected number of
	// concurrent waiters. Zero keeps the go-redis default.
	PoolSize int
}

// Redis implements Broker using a Redis backend.
type Redis struct {
	client *redis.Client
	owned  bool
	closed atomic.Bool
}

// NewRedis returns a Redis broker using the provided client. The client is
// not closed by Close.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// NewRedisFromOptions creates a client from opts and returns a broker owning it.
func NewRedisFromOptions(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:                  opts.Addr,
		Username:              opts.Username,
		Password:              opts.Password,
		DB:                    opts.DB,
		PoolSize:              opts.PoolSize,
		ContextTimeoutEnabled: true,
	})
	return &Redis{client: client, owned: true}
}

// NewRedisFromURL parses a redis:// or rediss:// URL and returns a broker
// owning the resulting client.
func NewRedisFromURL(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.ContextTimeoutEnabled = true
	return &Redis{client: redis.NewClient(opts), owned: true}, nil
}

// Client exposes the underlying go-redis client.
func (r *Redis) Client() *redis.Client { return r.client }

// Enter implements Broker.Enter.
func (r *Redis) Enter(ctx context.Context, queueKey, counterKey string) (int64, error) {
	n, err := enterScript.Run(ctx, r.client, []string{queueKey, counterKey}, Token).Int64()
	if err != nil {
		return 0, fairerrors.Broker("enter", err)
	}
	return n, nil
}

// Release implements Broker.Release.
func (r *Redis) Release(ctx context.Context, queueKey, counterKey string) (int64, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{queueKey, counterKey}, Token).Int64()
	if err != nil {
		return 0, fairerrors.Broker("release", err)
	}
	return n, nil
}

// Withdraw implements Broker.Withdraw.
func (r *Redis) Withdraw(ctx context.Context, queueKey, counterKey string) (int64, error) {
	n, err := withdrawScript.Run(ctx, r.client, []string{queueKey, counterKey}).Int64()
	if err != nil {
		return 0, fairerrors.Broker("withdraw", err)
	}
	return n, nil
}

// Dedicated implements Broker.Dedicated. The returned connection is pinned
// out of the client's pool until closed.
func (r *Redis) Dedicated(ctx context.Context) (Conn, error) {
	if r.closed.Load() {
		return nil, fairerrors.ErrConnectionClosed
	}
	conn := r.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fairerrors.Broker("dial", err)
	}
	return &redisConn{conn: conn}, nil
}

// Close implements Broker.Close.
func (r *Redis) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.owned {
		return r.client.Close()
	}
	return nil
}

type redisConn struct {
	conn *redis.Conn
}

// BlockingPop issues BLPOP. Redis counts the timeout in seconds, so partial
// seconds are rounded up; negative timeouts are treated as zero.
//
// issued runs on the calling goroutine just before go-redis writes the
// command, since go-redis exposes no hook between the socket write and the
// blocking read. A caller released by issued can therefore still reach Redis
// first if it is scheduled in that gap; the window is a few instructions wide
// but it is not closed.
func (c *redisConn) BlockingPop(ctx context.Context, key string, timeout time.Duration, issued func()) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	if timeout > 0 {
		timeout = (timeout + time.Second - 1) / time.Second * time.Second
	}
	if issued != nil {
		issued()
	}
	err := c.conn.BLPop(ctx, timeout, key).Err()
	if stdErrors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fairerrors.Broker("blpop", err)
	}
	return true, nil
}

func (c *redisConn) Close() error {
	err := c.conn.Close()
	if stdErrors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
