package iteration

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/conduit/pkg/message"
)

func drain(t *testing.T, src ItemSource, msg *message.Message) []string {
	t.Helper()
	items, err := src.Open(context.Background(), msg, message.NewSession("", ""))
	require.NoError(t, err)
	defer items.Close()

	var out []string
	for {
		item, ok, err := items.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func TestLineSource(t *testing.T) {
	stream := message.NewStreamMessage(io.NopCloser(strings.NewReader("first\r\n\nsecond\n\n third \n")))
	assert.Equal(t, []string{"first", "second", " third "}, drain(t, LineSource(), stream))
	assert.Empty(t, drain(t, LineSource(), message.Null()))
}

func TestJSONArraySource(t *testing.T) {
	doc := message.NewStringMessage(`{"orders":[{"id":1},{"id":2}],"tags":["a","b",3]}`)

	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, drain(t, JSONArraySource("orders"), doc))
	assert.Equal(t, []string{"a", "b", "3"}, drain(t, JSONArraySource("tags"), doc))
	assert.Equal(t, []string{"x", "y"}, drain(t, JSONArraySource(""), message.NewStringMessage(`["x","y"]`)))
}

func TestJSONArraySource_Errors(t *testing.T) {
	_, err := JSONArraySource("").Open(context.Background(), message.NewStringMessage(`{not json`), nil)
	assert.Error(t, err)

	_, err = JSONArraySource("orders").Open(context.Background(), message.NewStringMessage(`{"orders":{}}`), nil)
	assert.Error(t, err)
}

func TestPrepare_Dedup(t *testing.T) {
	items, err := SliceSource("a", "a", "b", "c", "b").Open(context.Background(), nil, nil)
	require.NoError(t, err)
	prepared := prepare(items, Config{RemoveDuplicates: true, BlockSize: 2})

	var got []string
	for {
		item, ok, err := prepared.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, item)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	require.NoError(t, prepared.Close())
	require.NoError(t, prepared.Close())
}
