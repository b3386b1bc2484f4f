package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Decision is the outcome of counting one request against a key.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// Ulule adapts a ulule limiter to Limiter.
type Ulule struct {
	L *limiter.Limiter
}

// NewUlule builds a limiter from a rate such as "20-M" (20 per minute).
func NewUlule(store limiter.Store, formatted string) (*Ulule, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse rate %q: %w", formatted, err)
	}
	return &Ulule{L: limiter.New(store, rate)}, nil
}

// NewRedisStore keeps counters in Redis so limits hold across api replicas.
func NewRedisStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
}

func (u *Ulule) Take(ctx context.Context, key string) (Decision, error) {
	lc, err := u.L.Get(ctx, key)
	if err != nil {
		return Decision{Allowed: true}, err
	}
	return Decision{
		Allowed:   !lc.Reached,
		Limit:     lc.Limit,
		Remaining: lc.Remaining,
		Reset:     time.Unix(lc.Reset, 0),
	}, nil
}
