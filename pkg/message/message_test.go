package message

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
)

type trackingReader struct {
	io.Reader
	closes int
}

func (r *trackingReader) Close() error {
	r.closes++
	return nil
}

func TestMessage_InMemoryViews(t *testing.T) {
	msg := NewStringMessage("hello")

	s, err := msg.String()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	b, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	r, err := msg.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), msg.Size())
}

func TestMessage_StreamMaterializesOnce(t *testing.T) {
	src := &trackingReader{Reader: strings.NewReader("streamed")}
	msg := NewStreamMessage(src)
	assert.Equal(t, int64(-1), msg.Size())

	s, err := msg.String()
	require.NoError(t, err)
	assert.Equal(t, "streamed", s)
	assert.Equal(t, 1, src.closes)

	s, err = msg.String()
	require.NoError(t, err)
	assert.Equal(t, "streamed", s)
	assert.Equal(t, int64(8), msg.Size())

	require.NoError(t, msg.Close())
	assert.Equal(t, 1, src.closes)
}

func TestMessage_ReaderHandsOffStream(t *testing.T) {
	src := &trackingReader{Reader: strings.NewReader("once")}
	msg := NewStreamMessage(src)

	r, err := msg.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "once", string(data))

	_, err = msg.Bytes()
	assert.True(t, errors.Is(err, sdkerrors.ErrMessageConsumed))
	_, err = msg.Reader()
	assert.True(t, errors.Is(err, sdkerrors.ErrMessageConsumed))
}

func TestMessage_CloseExactlyOnce(t *testing.T) {
	src := &trackingReader{Reader: strings.NewReader("unread")}
	msg := NewStreamMessage(src)

	require.NoError(t, msg.Close())
	require.NoError(t, msg.Close())
	assert.Equal(t, 1, src.closes)
	assert.True(t, msg.Closed())

	_, err := msg.String()
	assert.True(t, errors.Is(err, sdkerrors.ErrMessageClosed))
}

func TestMessage_Charset(t *testing.T) {
	msg := NewMessage([]byte{'c', 'a', 'f', 0xE9})
	msg.Metadata().Set(MetaCharset, "ISO-8859-1")

	s, err := msg.String()
	require.NoError(t, err)
	assert.Equal(t, "café", s)

	msg.Metadata().Set(MetaCharset, "no-such-charset")
	_, err = msg.String()
	assert.Error(t, err)
}

func TestMessage_CopyIsIndependent(t *testing.T) {
	msg := NewStringMessage("original")
	msg.Metadata().Set(MetaContentType, "text/plain")

	dup, err := msg.Copy()
	require.NoError(t, err)
	require.NoError(t, msg.Close())

	s, err := dup.String()
	require.NoError(t, err)
	assert.Equal(t, "original", s)
	ct, ok := dup.Metadata().Get(MetaContentType)
	assert.True(t, ok)
	assert.Equal(t, "text/plain", ct)
}

func TestMessage_Null(t *testing.T) {
	msg := Null()
	assert.True(t, msg.IsNull())
	b, err := msg.Bytes()
	require.NoError(t, err)
	assert.Empty(t, b)

	var nilMsg *Message
	assert.True(t, nilMsg.IsNull())
	assert.NoError(t, nilMsg.Close())
}

func TestEnvelope_RoundTripKeepsIDs(t *testing.T) {
	msg := NewStringMessage(`{"order":1}`)
	msg.Metadata().Set(MetaContentType, "application/json")

	env, err := NewEnvelope(msg, "m-1", "c-1")
	require.NoError(t, err)
	data, err := env.ToBytes()
	require.NoError(t, err)

	decoded, err := FromBytes(data)
	require.NoError(t, err)
	session := decoded.Session()
	assert.Equal(t, "m-1", session.MessageID())
	assert.Equal(t, "c-1", session.CorrelationID())

	s, err := decoded.Message().String()
	require.NoError(t, err)
	assert.Equal(t, `{"order":1}`, s)
}
