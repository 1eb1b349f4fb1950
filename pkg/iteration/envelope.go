package iteration

import (
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"sync"
)

// EntryKind classifies a Result Envelope entry
type EntryKind int

const (
	EntryResult EntryKind = iota
	EntryException
	EntryTimeout
)

// Entry is the outcome of one item
type Entry struct {
	// Index is the 0-based submission index
	Index  int
	Kind   EntryKind
	Input  string
	Result string
}

// ErrSealed is returned when adding to a sealed envelope
var ErrSealed = errors.New("result envelope is sealed")

// Envelope accumulates item outcomes in item order. In summary mode only the
// count is kept.
type Envelope struct {
	mu       sync.Mutex
	collect  bool
	addInput bool
	entries  []Entry
	count    int
	sealed   bool
}

// NewEnvelope creates an empty envelope
func NewEnvelope(collect, addInput bool) *Envelope {
	return &Envelope{collect: collect, addInput: addInput}
}

// Add appends an entry. Entries must be added in index order.
func (e *Envelope) Add(entry Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return ErrSealed
	}
	e.count++
	if e.collect {
		e.entries = append(e.entries, entry)
	}
	return nil
}

// Seal prevents further additions
func (e *Envelope) Seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

// Sealed reports whether Seal was called
func (e *Envelope) Sealed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sealed
}

// Count returns the number of recorded items
func (e *Envelope) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Entries returns a copy of the collected entries
func (e *Envelope) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Entry(nil), e.entries...)
}

// String renders the envelope. Collect mode lists every item as
// <result item="n">, numbered from 1; summary mode renders only the count.
func (e *Envelope) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	if !e.collect {
		b.WriteString(`<results count="`)
		b.WriteString(strconv.Itoa(e.count))
		b.WriteString(`"/>`)
		return b.String()
	}
	b.WriteString("<results>\n")
	for i, entry := range e.entries {
		b.WriteString(`<result item="`)
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("\">\n")
		if e.addInput {
			b.WriteString("<input>")
			b.WriteString(entry.Input)
			b.WriteString("</input>")
		}
		switch entry.Kind {
		case EntryException:
			writeMarker(&b, "exception", entry.Result)
		case EntryTimeout:
			writeMarker(&b, "timeout", entry.Result)
		default:
			b.WriteString(entry.Result)
		}
		b.WriteString("\n</result>\n")
	}
	b.WriteString("</results>")
	return b.String()
}

func writeMarker(b *strings.Builder, tag, text string) {
	b.WriteString("<" + tag + ">")
	_ = xml.EscapeText(b, []byte(text))
	b.WriteString("</" + tag + ">")
}
