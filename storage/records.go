package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stageflow/lifecycle-engine/types"
)

// MemoryRecords is an in-memory record store. The real record store is a
// collaborator owned by the CRM's persistence layer; this implementation
// backs tests and examples with the same guarded-write semantics.
type MemoryRecords struct {
	records map[uint64]types.Record
	mu      sync.RWMutex
}

// NewMemoryRecords creates an empty MemoryRecords.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[uint64]types.Record)}
}

// PutRecord inserts or replaces a record.
func (s *MemoryRecords) PutRecord(ctx context.Context, rec types.Record) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{})
		}
		s.records[rec.ID] = rec
		return nil
	})
}

// GetRecord returns a copy of the record; mutating the returned field map
// does not affect the store.
func (s *MemoryRecords) GetRecord(ctx context.Context, id uint64) (types.Record, error) {
	return withContext(ctx, func() (types.Record, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		rec, ok := s.records[id]
		if !ok {
			return types.Record{}, fmt.Errorf("%w: id=%d", ErrRecordNotFound, id)
		}
		fields := make(map[string]interface{}, len(rec.Fields))
		for k, v := range rec.Fields {
			fields[k] = v
		}
		rec.Fields = fields
		return rec, nil
	})
}

// UpdateFields merges the given field values into the record.
func (s *MemoryRecords) UpdateFields(ctx context.Context, id uint64, fields map[string]interface{}) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.records[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrRecordNotFound, id)
		}
		for k, v := range fields {
			rec.Fields[k] = v
		}
		s.records[id] = rec
		return nil
	})
}

// SetStage moves the record to stage only if it is still at expectStage,
// otherwise ErrStageConflict. This is the optimistic guard the engine's
// commit path relies on.
func (s *MemoryRecords) SetStage(ctx context.Context, id uint64, stage, expectStage string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.records[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrRecordNotFound, id)
		}
		if rec.Stage != expectStage {
			return fmt.Errorf("%w: at %q, expected %q", ErrStageConflict, rec.Stage, expectStage)
		}
		rec.Stage = stage
		s.records[id] = rec
		return nil
	})
}

// ExistsWithValue reports whether another record of the module holds the
// given value in the given field.
func (s *MemoryRecords) ExistsWithValue(ctx context.Context, moduleID uint64, field, value string, caseSensitive bool, excludeID uint64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		want := value
		if !caseSensitive {
			want = strings.ToLower(want)
		}
		for _, rec := range s.records {
			if rec.ModuleID != moduleID || rec.ID == excludeID {
				continue
			}
			raw, ok := rec.Fields[field]
			if !ok || raw == nil {
				continue
			}
			got := fmt.Sprintf("%v", raw)
			if !caseSensitive {
				got = strings.ToLower(got)
			}
			if got == want {
				return true, nil
			}
		}
		return false, nil
	})
}
