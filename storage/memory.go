package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stageflow/lifecycle-engine/types"
)

// MemoryStore is an in-memory implementation of the Store interface.
type MemoryStore struct {
	modules    map[uint64]types.Module
	blueprints map[uint64]types.Blueprint
	rules      map[uint64]types.ValidationRule
	processes  map[uint64]types.ApprovalProcess
	requests   map[uint64]types.ApprovalRequest
	decisions  map[uint64][]types.ApprovalDecision
	pending    map[uint64]uint64 // record ID -> pending request ID
	mu         sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		modules:    make(map[uint64]types.Module),
		blueprints: make(map[uint64]types.Blueprint),
		rules:      make(map[uint64]types.ValidationRule),
		processes:  make(map[uint64]types.ApprovalProcess),
		requests:   make(map[uint64]types.ApprovalRequest),
		decisions:  make(map[uint64][]types.ApprovalDecision),
		pending:    make(map[uint64]uint64),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

func (s *MemoryStore) SaveModule(ctx context.Context, m types.Module) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.modules[m.ID] = m
		return nil
	})
}

func (s *MemoryStore) GetModule(ctx context.Context, id uint64) (types.Module, error) {
	return getItem(ctx, &s.mu, s.modules, id, ErrModuleNotFound)
}

// ModuleFields satisfies the validation engine's module catalog lookup.
func (s *MemoryStore) ModuleFields(ctx context.Context, moduleID uint64) ([]types.Field, error) {
	m, err := s.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return m.Fields, nil
}

func (s *MemoryStore) SaveBlueprint(ctx context.Context, bp types.Blueprint) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.blueprints[bp.ModuleID] = bp
		return nil
	})
}

func (s *MemoryStore) GetBlueprint(ctx context.Context, moduleID uint64) (types.Blueprint, error) {
	return getItem(ctx, &s.mu, s.blueprints, moduleID, ErrBlueprintNotFound)
}

// SaveBlueprints saves multiple blueprints in a single lock.
func (s *MemoryStore) SaveBlueprints(ctx context.Context, bps []types.Blueprint) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, bp := range bps {
			s.blueprints[bp.ModuleID] = bp
		}
		return nil
	})
}

func (s *MemoryStore) SaveRule(ctx context.Context, r types.ValidationRule) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rules[r.ID] = r
		return nil
	})
}

func (s *MemoryStore) ListRules(ctx context.Context, moduleID uint64) ([]types.ValidationRule, error) {
	return withContext(ctx, func() ([]types.ValidationRule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ValidationRule
		for _, r := range s.rules {
			if r.ModuleID == moduleID {
				out = append(out, r)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func (s *MemoryStore) SaveProcess(ctx context.Context, p types.ApprovalProcess) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.processes[p.ID] = p
		return nil
	})
}

func (s *MemoryStore) GetProcess(ctx context.Context, id uint64) (types.ApprovalProcess, error) {
	return getItem(ctx, &s.mu, s.processes, id, ErrProcessNotFound)
}

func (s *MemoryStore) CreateRequest(ctx context.Context, r types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.pending[r.RecordID]; ok {
			return fmt.Errorf("%w: request %d", ErrDuplicatePending, existing)
		}
		s.requests[r.ID] = r
		if r.Status == types.StatusPending {
			s.pending[r.RecordID] = r.ID
		}
		return nil
	})
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, r types.ApprovalRequest, expectStatus types.RequestStatus, expectStep int) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.requests[r.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrRequestNotFound, r.ID)
		}
		if cur.Status != expectStatus || cur.CurrentStep != expectStep {
			return fmt.Errorf("%w: request %d is %s at step %d", ErrConflict, r.ID, cur.Status, cur.CurrentStep)
		}
		s.requests[r.ID] = r
		if r.Status == types.StatusPending {
			s.pending[r.RecordID] = r.ID
		} else if s.pending[r.RecordID] == r.ID {
			delete(s.pending, r.RecordID)
		}
		return nil
	})
}

func (s *MemoryStore) GetRequest(ctx context.Context, id uint64) (types.ApprovalRequest, error) {
	return getItem(ctx, &s.mu, s.requests, id, ErrRequestNotFound)
}

func (s *MemoryStore) ListRequests(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ApprovalRequest, 0, len(s.requests))
		for _, r := range s.requests {
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt < out[j].CreatedAt
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

func (s *MemoryStore) PendingRequestForRecord(ctx context.Context, recordID uint64) (*types.ApprovalRequest, error) {
	return withContext(ctx, func() (*types.ApprovalRequest, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.pending[recordID]
		if !ok {
			return nil, nil
		}
		r := s.requests[id]
		return &r, nil
	})
}

func (s *MemoryStore) AppendDecision(ctx context.Context, d types.ApprovalDecision) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.decisions[d.RequestID] = append(s.decisions[d.RequestID], d)
		return nil
	})
}

func (s *MemoryStore) ListDecisions(ctx context.Context, requestID uint64) ([]types.ApprovalDecision, error) {
	return withContext(ctx, func() ([]types.ApprovalDecision, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ApprovalDecision, len(s.decisions[requestID]))
		copy(out, s.decisions[requestID])
		return out, nil
	})
}

// ClearResolved removes approval requests that reached a terminal status,
// along with their decision logs.
func (s *MemoryStore) ClearResolved(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, r := range s.requests {
			if r.Terminal() {
				delete(s.requests, id)
				delete(s.decisions, id)
			}
		}
		return nil
	})
}
