// Package messagelog provides stores for dispatch audit records: in memory,
// PostgreSQL and Azure Blob Storage.
package messagelog

import (
	"context"
	"sync"

	"github.com/wehubfusion/conduit/pkg/dispatch"
)

// MemoryLog keeps audit records in memory
type MemoryLog struct {
	mu      sync.Mutex
	records []dispatch.AuditRecord
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Store appends rec
func (l *MemoryLog) Store(ctx context.Context, rec dispatch.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of all stored records in store order
func (l *MemoryLog) Records() []dispatch.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]dispatch.AuditRecord(nil), l.records...)
}

// ByCorrelation returns the records of one run
func (l *MemoryLog) ByCorrelation(correlationID string) []dispatch.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []dispatch.AuditRecord
	for _, rec := range l.records {
		if rec.CorrelationID == correlationID {
			out = append(out, rec)
		}
	}
	return out
}
