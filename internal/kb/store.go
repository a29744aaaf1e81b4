// Package kb holds the in-memory knowledge base of billing code records.
//
// The KB is an externally built, versioned artifact (~71K records). It is
// loaded once at startup and read-only thereafter; the only mutation is an
// explicit versioned swap that replaces the whole record set under a lock.
package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/medical-coding-server/internal/domain"
)

// Store is the in-memory KB. Safe for concurrent readers; Swap blocks
// readers only for the duration of the pointer exchange.
type Store struct {
	mu      sync.RWMutex
	records []domain.CodeRecord
	byID    map[string]int
	version string
}

// NewStore builds a store from a record set. The set must be non-empty and
// free of duplicate IDs; deduplication is the KB builder's concern, and a
// duplicate here means the artifact is corrupt.
func NewStore(records []domain.CodeRecord, version string) (*Store, error) {
	byID, err := indexRecords(records)
	if err != nil {
		return nil, err
	}
	return &Store{
		records: records,
		byID:    byID,
		version: version,
	}, nil
}

// Load reads a KB JSON artifact (array of code records) from disk.
func Load(path string) (*Store, error) {
	records, err := readArtifact(path)
	if err != nil {
		return nil, err
	}
	return NewStore(records, path)
}

func readArtifact(path string) ([]domain.CodeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read KB artifact: %w", err)
	}

	var records []domain.CodeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse KB artifact %s: %w", path, err)
	}
	return records, nil
}

func indexRecords(records []domain.CodeRecord) (map[string]int, error) {
	if len(records) == 0 {
		return nil, domain.NewInvalidArgument("knowledge base is empty")
	}

	byID := make(map[string]int, len(records))
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return nil, err
		}
		if _, exists := byID[records[i].ID]; exists {
			return nil, fmt.Errorf("knowledge base integrity: duplicate code %s", records[i].ID)
		}
		byID[records[i].ID] = i
	}
	return byID, nil
}

// Lookup returns the record for a code ID, if present.
func (s *Store) Lookup(codeID string) (domain.CodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[codeID]
	if !ok {
		return domain.CodeRecord{}, false
	}
	return s.records[i], true
}

// All returns every record in insertion order. The returned slice is shared
// and must not be modified by callers.
func (s *Store) All() []domain.CodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Version returns the identifier of the loaded artifact.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Swap atomically replaces the record set with a new artifact version.
// In-flight readers finish against the old set; new readers see the new one.
func (s *Store) Swap(records []domain.CodeRecord, version string) error {
	byID, err := indexRecords(records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.byID = byID
	s.version = version
	return nil
}

// Reload re-reads the artifact at path and swaps it in. On any failure the
// current record set stays live.
func (s *Store) Reload(path string) error {
	records, err := readArtifact(path)
	if err != nil {
		return err
	}
	return s.Swap(records, path)
}
