package iteration

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/conduit/pkg/message"
)

// sliceItems iterates a fixed list
type sliceItems struct {
	items []string
	pos   int
}

func (s *sliceItems) Next(ctx context.Context) (string, bool, error) {
	if s.pos >= len(s.items) {
		return "", false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}

func (s *sliceItems) Close() error { return nil }

// SliceSource yields the given items regardless of the input message
func SliceSource(items ...string) ItemSource {
	return ItemSourceFunc(func(ctx context.Context, msg *message.Message, session *message.Session) (Items, error) {
		return &sliceItems{items: append([]string(nil), items...)}, nil
	})
}

type lineItems struct {
	scanner *bufio.Scanner
}

func (l *lineItems) Next(ctx context.Context) (string, bool, error) {
	for l.scanner.Scan() {
		line := strings.TrimRight(l.scanner.Text(), "\r")
		if line != "" {
			return line, true, nil
		}
	}
	if err := l.scanner.Err(); err != nil {
		return "", false, fmt.Errorf("read line: %w", err)
	}
	return "", false, nil
}

func (l *lineItems) Close() error {
	return nil
}

// LineSource yields one item per non-empty line of the message. Streamed
// payloads are read incrementally.
func LineSource() ItemSource {
	return ItemSourceFunc(func(ctx context.Context, msg *message.Message, session *message.Session) (Items, error) {
		if msg.IsNull() {
			return &sliceItems{}, nil
		}
		r, err := msg.Reader()
		if err != nil {
			return nil, fmt.Errorf("open message: %w", err)
		}
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		return &lineItems{scanner: scanner}, nil
	})
}

// JSONArraySource yields one item per element of a JSON array. path selects
// the array inside the document using gjson syntax; an empty path expects
// the document itself to be an array. Object and array elements are yielded
// as raw JSON, scalars as their string value.
func JSONArraySource(path string) ItemSource {
	return ItemSourceFunc(func(ctx context.Context, msg *message.Message, session *message.Session) (Items, error) {
		if msg.IsNull() {
			return &sliceItems{}, nil
		}
		data, err := msg.Bytes()
		if err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
		if !gjson.ValidBytes(data) {
			return nil, fmt.Errorf("message is not valid JSON")
		}
		doc := gjson.ParseBytes(data)
		if path != "" {
			doc = doc.Get(path)
		}
		if !doc.IsArray() {
			return nil, fmt.Errorf("path [%s] does not select an array", path)
		}
		var items []string
		doc.ForEach(func(_, value gjson.Result) bool {
			if value.IsObject() || value.IsArray() {
				items = append(items, value.Raw)
			} else {
				items = append(items, value.String())
			}
			return true
		})
		return &sliceItems{items: items}, nil
	})
}

// onceItems guarantees the underlying Close runs exactly once
type onceItems struct {
	Items
	once sync.Once
	err  error
}

func (o *onceItems) Close() error {
	o.once.Do(func() {
		o.err = o.Items.Close()
	})
	return o.err
}

// dedupItems skips items equal to one seen before
type dedupItems struct {
	Items
	seen map[string]struct{}
}

func (d *dedupItems) Next(ctx context.Context) (string, bool, error) {
	for {
		item, ok, err := d.Items.Next(ctx)
		if err != nil || !ok {
			return item, ok, err
		}
		if _, dup := d.seen[item]; dup {
			continue
		}
		d.seen[item] = struct{}{}
		return item, true, nil
	}
}

// prepare wraps items with the duplicate filter the configuration asks for.
// The result closes the source exactly once.
func prepare(items Items, cfg Config) Items {
	if cfg.RemoveDuplicates {
		items = &dedupItems{Items: items, seen: make(map[string]struct{})}
	}
	return &onceItems{Items: items}
}
