package throttle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("throttle backend unavailable")

// LoginLimiter counts failed password attempts per identity.
type LoginLimiter interface {
	// RecordFailure increments the counter and reports whether it reached the threshold.
	RecordFailure(ctx context.Context, userID string) (bool, error)
	Reset(ctx context.Context, userID string) error
}

type Config struct {
	Threshold int
	Window    time.Duration
	Prefix    string
}

// LockoutLimiter keeps a fixed-window failure counter in Redis.
type LockoutLimiter struct {
	rdb redis.UniversalClient
	cfg Config
}

func NewLockoutLimiter(rdb redis.UniversalClient, cfg Config) *LockoutLimiter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 6
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "identity:login-failures:"
	}
	return &LockoutLimiter{rdb: rdb, cfg: cfg}
}

func (l *LockoutLimiter) key(userID string) string {
	return l.cfg.Prefix + strings.ToLower(userID)
}

func (l *LockoutLimiter) RecordFailure(ctx context.Context, userID string) (bool, error) {
	key := l.key(userID)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// window starts at the first failure
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.cfg.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return n >= int64(l.cfg.Threshold), nil
}

func (l *LockoutLimiter) Reset(ctx context.Context, userID string) error {
	if err := l.rdb.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Count returns the failures recorded in the current window.
func (l *LockoutLimiter) Count(ctx context.Context, userID string) (int, error) {
	n, err := l.rdb.Get(ctx, l.key(userID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Noop never locks anyone out. Used when Redis is not configured.
type Noop struct{}

func (Noop) RecordFailure(context.Context, string) (bool, error) { return false, nil }
func (Noop) Reset(context.Context, string) error                 { return nil }
