package message

import (
	"bytes"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/encoding/htmlindex"

	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
)

// Well-known metadata keys
const (
	MetaContentType = "content-type"
	MetaCharset     = "charset"
	MetaSize        = "size"
)

// Metadata is the mutable key/value set attached to a Message.
type Metadata struct {
	mu     sync.RWMutex
	values map[string]string
}

// Get returns the value for key and whether it was set
func (md *Metadata) Get(key string) (string, bool) {
	md.mu.RLock()
	defer md.mu.RUnlock()
	v, ok := md.values[key]
	return v, ok
}

// Set stores value under key
func (md *Metadata) Set(key, value string) {
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.values == nil {
		md.values = make(map[string]string)
	}
	md.values[key] = value
}

// Keys returns the metadata keys in sorted order
func (md *Metadata) Keys() []string {
	md.mu.RLock()
	defer md.mu.RUnlock()
	keys := make([]string, 0, len(md.values))
	for k := range md.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of all metadata
func (md *Metadata) Map() map[string]string {
	md.mu.RLock()
	defer md.mu.RUnlock()
	out := make(map[string]string, len(md.values))
	for k, v := range md.values {
		out[k] = v
	}
	return out
}

// Message is an opaque payload handle flowing through a pipeline run.
//
// Content is either held in memory or backed by a stream. A stream is read at
// most once: Bytes and String materialize it, after which every view is served
// from memory; Reader hands the raw stream to the caller, after which the
// content is gone. A Message must be closed exactly once.
type Message struct {
	mu       sync.Mutex
	data     []byte
	stream   io.ReadCloser
	consumed bool
	null     bool
	closed   bool
	meta     *Metadata
}

// NewMessage creates an in-memory message
func NewMessage(data []byte) *Message {
	m := &Message{data: data, meta: &Metadata{}}
	m.meta.Set(MetaSize, strconv.Itoa(len(data)))
	return m
}

// NewStringMessage creates an in-memory message from text
func NewStringMessage(s string) *Message {
	return NewMessage([]byte(s))
}

// NewStreamMessage creates a message backed by a stream. Ownership of r moves
// to the message.
func NewStreamMessage(r io.ReadCloser) *Message {
	return &Message{stream: r, meta: &Metadata{}}
}

// Null returns an empty message carrying no content.
func Null() *Message {
	return &Message{null: true, meta: &Metadata{}}
}

// IsNull reports whether the message has no content
func (m *Message) IsNull() bool {
	if m == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.null
}

// Metadata returns the message's mutable metadata set
func (m *Message) Metadata() *Metadata {
	return m.meta
}

// Bytes returns the message content. Callers must not modify the returned slice.
func (m *Message) Bytes() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.materialize()
}

func (m *Message) materialize() ([]byte, error) {
	if m.closed {
		return nil, sdkerrors.ErrMessageClosed
	}
	if m.consumed {
		return nil, sdkerrors.ErrMessageConsumed
	}
	if m.stream != nil {
		data, err := io.ReadAll(m.stream)
		closeErr := m.stream.Close()
		m.stream = nil
		if err != nil {
			m.consumed = true
			return nil, err
		}
		if closeErr != nil {
			m.consumed = true
			return nil, closeErr
		}
		m.data = data
		m.meta.Set(MetaSize, strconv.Itoa(len(data)))
	}
	return m.data, nil
}

// String returns the content decoded with the charset recorded in metadata.
// Content without a charset, or with a UTF-8 charset, is returned as is.
func (m *Message) String() (string, error) {
	data, err := m.Bytes()
	if err != nil {
		return "", err
	}
	charset, ok := m.meta.Get(MetaCharset)
	if !ok || charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "utf8") {
		return string(data), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", sdkerrors.NewError(sdkerrors.CodeDispatch, "", "unsupported charset "+charset, err)
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// Reader returns the content as a stream. For stream-backed messages that
// were never materialized the raw stream is handed over and the message
// content is consumed.
func (m *Message) Reader() (io.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, sdkerrors.ErrMessageClosed
	}
	if m.consumed {
		return nil, sdkerrors.ErrMessageConsumed
	}
	if m.stream != nil {
		r := m.stream
		m.stream = nil
		m.consumed = true
		return r, nil
	}
	return bytes.NewReader(m.data), nil
}

// Size returns the content length in bytes, or -1 when it is not known
// without reading the stream.
func (m *Message) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil && !m.consumed {
		return int64(len(m.data))
	}
	if v, ok := m.meta.Get(MetaSize); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return -1
}

// Copy returns an independent in-memory message with the same content and metadata.
func (m *Message) Copy() (*Message, error) {
	if m.IsNull() {
		c := Null()
		for k, v := range m.meta.Map() {
			c.meta.Set(k, v)
		}
		return c, nil
	}
	data, err := m.Bytes()
	if err != nil {
		return nil, err
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	c := NewMessage(dup)
	for k, v := range m.meta.Map() {
		c.meta.Set(k, v)
	}
	return c, nil
}

// Close releases the message. Only the first call has an effect.
func (m *Message) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.data = nil
	if m.stream != nil {
		err := m.stream.Close()
		m.stream = nil
		return err
	}
	return nil
}

// Closed reports whether Close has been called
func (m *Message) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
