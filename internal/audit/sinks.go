package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/store"
)

// StoreSink appends events to the SQLite audit table.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink backed by s.
func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Write(ctx context.Context, ev *models.AuditEvent) error {
	return s.store.AppendAudit(ctx, ev)
}

// JSONLSink writes one JSON object per line. Safe for concurrent use.
type JSONLSink struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
}

// NewJSONLSink writes to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLSink{writer: w}
}

// OpenJSONLFile appends to the file at path, creating it and its directory.
func OpenJSONLFile(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &JSONLSink{writer: f, closer: f}, nil
}

func (s *JSONLSink) Write(_ context.Context, ev *models.AuditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append(b, '\n'))
	return err
}

// Close closes the underlying file, if the sink owns one.
func (s *JSONLSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
