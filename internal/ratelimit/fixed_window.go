// Package ratelimit caps how many jobs one caller may start per window. Counts
// live in Redis so every API replica shares them.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type FixedWindow struct {
	client    redis.UniversalClient
	limit     int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewFixedWindow(client redis.UniversalClient, limit int, window time.Duration, keyPrefix string) (*FixedWindow, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "risklens:ratelimit"
	}

	return &FixedWindow{
		client:    client,
		limit:     int64(limit),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

// Allow counts one request for subject in the current window.
func (l *FixedWindow) Allow(ctx context.Context, subject string) (Decision, error) {
	key, resetIn := windowKey(l.keyPrefix, subject, l.now(), l.window)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// The key outlives its window slightly so clock skew between
		// replicas cannot reset a live counter.
		pipe.PExpire(ctx, key, l.window+resetIn)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("count request: %w", err)
	}

	return decide(incr.Val(), l.limit, resetIn), nil
}

func decide(count, limit int64, resetIn time.Duration) Decision {
	if count <= limit {
		return Decision{Allowed: true, Remaining: limit - count}
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: resetIn}
}

// windowKey names the counter for subject's current window and reports how
// long until that window closes.
func windowKey(prefix, subject string, now time.Time, window time.Duration) (string, time.Duration) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	nowMS := now.UTC().UnixMilli()
	windowMS := window.Milliseconds()
	start := nowMS - nowMS%windowMS
	resetIn := time.Duration(start+windowMS-nowMS) * time.Millisecond

	return prefix + ":" + subject + ":" + strconv.FormatInt(start, 10), resetIn
}
