package natssender

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natsconn "github.com/wehubfusion/conduit/internal/nats"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/message"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Connection: natsconn.DefaultConnectionConfig("nats://localhost:4222")})
	assert.Error(t, err)

	_, err = New(Config{Subject: "orders"})
	assert.Error(t, err)

	s, err := New(Config{Subject: "orders", Connection: natsconn.DefaultConnectionConfig("nats://localhost:4222")})
	require.NoError(t, err)
	assert.Equal(t, "nats:orders", s.Name())
	assert.True(t, s.Synchronous())

	s, err = New(Config{Name: "out", Subject: "orders", Async: true, Connection: natsconn.DefaultConnectionConfig("nats://localhost:4222")})
	require.NoError(t, err)
	assert.Equal(t, "out", s.Name())
	assert.False(t, s.Synchronous())
}

func TestSend_NotOpen(t *testing.T) {
	s, err := New(Config{Subject: "orders", Connection: natsconn.DefaultConnectionConfig("nats://localhost:4222")})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), message.NewStringMessage("x"), message.NewSession("m", "c"))
	assert.ErrorContains(t, err, "not open")
}

func TestResultFromReply(t *testing.T) {
	t.Run("plain reply", func(t *testing.T) {
		res := resultFromReply(&nats.Msg{Data: []byte("ok")})
		assert.True(t, res.Success)
		body, err := res.Message.String()
		require.NoError(t, err)
		assert.Equal(t, "ok", body)
		assert.Empty(t, res.Forward)
	})

	t.Run("headers steer the result", func(t *testing.T) {
		m := nats.NewMsg("reply")
		m.Data = []byte("rejected")
		m.Header.Set(HeaderForward, "rejected")
		m.Header.Set(HeaderError, "order unknown")
		m.Header.Set("Trace", "abc")

		res := resultFromReply(m)
		assert.False(t, res.Success)
		assert.Equal(t, "rejected", res.Forward)
		assert.Equal(t, "order unknown", res.Error)

		v, ok := res.Message.Metadata().Get("Trace")
		assert.True(t, ok)
		assert.Equal(t, "abc", v)
		_, ok = res.Message.Metadata().Get(HeaderError)
		assert.False(t, ok)
	})
}

func newTestListener(t *testing.T, timeout time.Duration) *Listener {
	t.Helper()
	l, err := NewListener(ListenerConfig{
		SubjectPrefix: "replies",
		Timeout:       timeout,
		Connection:    natsconn.DefaultConnectionConfig("nats://localhost:4222"),
	})
	require.NoError(t, err)
	return l
}

func TestListener_BuffersEarlyReply(t *testing.T) {
	l := newTestListener(t, time.Second)
	assert.Equal(t, "replies.cid-1", l.ReplySubject("cid-1"))

	// reply arrives before anyone waits for it
	l.deliver(&nats.Msg{Subject: "replies.cid-1", Data: []byte("done")})

	msg, err := l.AwaitResult(context.Background(), "cid-1", message.NewSession("m", "cid-1"))
	require.NoError(t, err)
	body, err := msg.String()
	require.NoError(t, err)
	assert.Equal(t, "done", body)
	assert.Empty(t, l.pending)
}

func TestListener_LateReply(t *testing.T) {
	l := newTestListener(t, time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.deliver(&nats.Msg{Subject: "replies.cid-2", Data: []byte("late")})
	}()

	msg, err := l.AwaitResult(context.Background(), "cid-2", message.NewSession("m", "cid-2"))
	require.NoError(t, err)
	body, _ := msg.String()
	assert.Equal(t, "late", body)
}

func TestListener_FailureReply(t *testing.T) {
	l := newTestListener(t, time.Second)
	m := nats.NewMsg("replies.cid-3")
	m.Header.Set(HeaderError, "boom")
	l.deliver(m)

	_, err := l.AwaitResult(context.Background(), "cid-3", message.NewSession("m", "cid-3"))
	assert.ErrorContains(t, err, "boom")
}

func TestListener_Timeout(t *testing.T) {
	l := newTestListener(t, 10*time.Millisecond)

	_, err := l.AwaitResult(context.Background(), "missing", message.NewSession("m", "missing"))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsTimeout(err))
}

func TestListener_Cancelled(t *testing.T) {
	l := newTestListener(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.AwaitResult(ctx, "missing", message.NewSession("m", "missing"))
	assert.ErrorIs(t, err, context.Canceled)
}
