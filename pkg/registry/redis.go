// Package registry shares dispatch outcomes between processes through Redis,
// so that a presumed timeout seen by one replica also holds for the others.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wehubfusion/conduit/pkg/forward"
)

// Redis implements dispatch.OutcomeRegistry. The latest outcome of a unit is
// stored as "<outcome>|<unix nanos>" under <prefix>:<unit>.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a Redis registry
type Option func(*Redis)

// WithPrefix sets the key prefix, "conduit:outcome" by default
func WithPrefix(prefix string) Option {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTTL expires outcomes after ttl. Use a ttl at least as long as the
// longest presumed timeout interval.
func WithTTL(ttl time.Duration) Option {
	return func(r *Redis) { r.ttl = ttl }
}

// NewRedis creates a registry on client
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{client: client, prefix: "conduit:outcome"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(unit string) string {
	return r.prefix + ":" + unit
}

// Record stores outcome as the unit's latest. Presumed timeouts are skipped.
func (r *Redis) Record(ctx context.Context, unit, outcome string, at time.Time) error {
	if outcome == forward.PresumedTimeout {
		return nil
	}
	value := outcome + "|" + strconv.FormatInt(at.UnixNano(), 10)
	if err := r.client.Set(ctx, r.key(unit), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("record outcome of %s: %w", unit, err)
	}
	return nil
}

// LastTimeout returns when the unit last timed out, if its latest outcome was a timeout.
func (r *Redis) LastTimeout(ctx context.Context, unit string) (time.Time, bool, error) {
	value, err := r.client.Get(ctx, r.key(unit)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read outcome of %s: %w", unit, err)
	}

	outcome, nanos, ok := strings.Cut(value, "|")
	if !ok {
		return time.Time{}, false, fmt.Errorf("malformed outcome %q for %s", value, unit)
	}
	if outcome != forward.Timeout {
		return time.Time{}, false, nil
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed outcome %q for %s: %w", value, unit, err)
	}
	return time.Unix(0, n), true, nil
}

// Forget removes the unit's recorded outcome
func (r *Redis) Forget(ctx context.Context, unit string) error {
	return r.client.Del(ctx, r.key(unit)).Err()
}
