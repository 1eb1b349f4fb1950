package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/forward"
)

var _ dispatch.OutcomeRegistry = (*Redis)(nil)

func newTestRegistry(t *testing.T, opts ...Option) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, opts...), mr
}

func TestRedis_TimeoutLifecycle(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 123)

	_, ok, err := reg.LastTimeout(ctx, "send")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.Record(ctx, "send", forward.Timeout, at))
	got, ok, err := reg.LastTimeout(ctx, "send")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	stored, err := mr.Get("conduit:outcome:send")
	require.NoError(t, err)
	assert.Equal(t, "timeout|1700000000000000123", stored)

	// a presumed timeout never replaces the real one
	require.NoError(t, reg.Record(ctx, "send", forward.PresumedTimeout, at.Add(time.Minute)))
	got, ok, err = reg.LastTimeout(ctx, "send")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	require.NoError(t, reg.Record(ctx, "send", forward.Success, at.Add(time.Second)))
	_, ok, err = reg.LastTimeout(ctx, "send")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_PrefixTTLAndForget(t *testing.T) {
	reg, mr := newTestRegistry(t, WithPrefix("test"), WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, reg.Record(ctx, "send", forward.Timeout, time.Now()))
	assert.True(t, mr.Exists("test:send"))
	assert.Equal(t, time.Minute, mr.TTL("test:send"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := reg.LastTimeout(ctx, "send")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.Record(ctx, "send", forward.Timeout, time.Now()))
	require.NoError(t, reg.Forget(ctx, "send"))
	assert.False(t, mr.Exists("test:send"))
}

func TestRedis_Malformed(t *testing.T) {
	reg, mr := newTestRegistry(t)
	require.NoError(t, mr.Set("conduit:outcome:send", "garbage"))

	_, _, err := reg.LastTimeout(context.Background(), "send")
	assert.ErrorContains(t, err, "malformed")
}

func TestRedis_Unavailable(t *testing.T) {
	reg, mr := newTestRegistry(t)
	mr.Close()

	err := reg.Record(context.Background(), "send", forward.Timeout, time.Now())
	assert.Error(t, err)
}
