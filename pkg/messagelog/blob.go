package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/storage"
)

// blobDocument is the JSON form of a record in blob storage
type blobDocument struct {
	MessageID     string            `json:"messageId"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     time.Time         `json:"timestamp"`
	Trail         string            `json:"trail"`
	Label         string            `json:"label,omitempty"`
	Unit          string            `json:"unit"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
}

// BlobLog stores one JSON blob per audit record under
// <trail>/<correlation id>/<timestamp>-<unit>-<message id>.json
type BlobLog struct {
	store storage.BlobStore
}

// NewBlobLog creates a log writing to store
func NewBlobLog(store storage.BlobStore) *BlobLog {
	return &BlobLog{store: store}
}

// BlobPath returns where rec is stored
func BlobPath(rec dispatch.AuditRecord) string {
	return fmt.Sprintf("%s/%s/%d-%s-%s.json",
		pathSegment(rec.Trail),
		pathSegment(rec.CorrelationID),
		rec.Timestamp.UnixNano(),
		pathSegment(rec.Unit),
		pathSegment(rec.MessageID))
}

func pathSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '?', '#':
			return '_'
		}
		return r
	}, s)
}

// Store uploads rec as JSON
func (l *BlobLog) Store(ctx context.Context, rec dispatch.AuditRecord) error {
	data, err := json.Marshal(blobDocument(rec))
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	metadata := map[string]string{
		"unit":          rec.Unit,
		"messageid":     rec.MessageID,
		"correlationid": rec.CorrelationID,
	}
	if _, err := l.store.Upload(ctx, BlobPath(rec), data, "application/json", metadata); err != nil {
		return fmt.Errorf("upload audit record: %w", err)
	}
	return nil
}
