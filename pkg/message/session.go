package message

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Session keys set for every run
const (
	KeyMessageID     = "id"
	KeyCorrelationID = "cid"
)

// Session is the request-scoped key/value store shared by every unit in one
// pipeline run. The map itself is safe for concurrent use; callers running
// items in parallel must still avoid writing the same key from several items.
type Session struct {
	mu      sync.RWMutex
	values  map[string]interface{}
	closers []io.Closer
	closed  bool
}

// NewSession creates a session for a run. Empty ids are replaced by a fresh
// UUID, and an empty correlation id defaults to the message id.
func NewSession(messageID, correlationID string) *Session {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	if correlationID == "" {
		correlationID = messageID
	}
	return &Session{
		values: map[string]interface{}{
			KeyMessageID:     messageID,
			KeyCorrelationID: correlationID,
		},
	}
}

// MessageID returns the id of the message that started the run
func (s *Session) MessageID() string {
	return s.GetString(KeyMessageID)
}

// CorrelationID returns the correlation id of the run
func (s *Session) CorrelationID() string {
	return s.GetString(KeyCorrelationID)
}

// Get returns the value stored under key
func (s *Session) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key
func (s *Session) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// GetString returns the value under key formatted as a string, or "" when unset.
func (s *Session) GetString(key string) string {
	v, ok := s.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case *Message:
		str, err := t.String()
		if err != nil {
			return ""
		}
		return str
	default:
		return fmt.Sprint(t)
	}
}

// GetInt returns the value under key as an int, or def when unset or not numeric.
func (s *Session) GetInt(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// Keys returns the session keys in sorted order
func (s *Session) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ScheduleClose registers c to be closed when the session closes.
func (s *Session) ScheduleClose(c io.Closer) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return
	}
	s.closers = append(s.closers, c)
}

// Close closes every scheduled closeable in reverse registration order.
// Subsequent calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
