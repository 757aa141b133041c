package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

// ReportArchive keeps archived report documents in memory and returns
// memory:// URIs.
type ReportArchive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ audit.ReportArchive = (*ReportArchive)(nil)

// NewReportArchive creates an empty archive.
func NewReportArchive() *ReportArchive {
	return &ReportArchive{data: make(map[string][]byte)}
}

// PutObject stores the content under path.
func (s *ReportArchive) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = b
	return "memory://" + path, nil
}

// Object returns the archived bytes at path.
func (s *ReportArchive) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	return append([]byte(nil), b...), ok
}
