// Package storage persists the engine-owned state: module metadata,
// blueprints, validation rules, approval processes, approval requests and
// their append-only decision log.
package storage

import (
	"context"
	"errors"

	"github.com/stageflow/lifecycle-engine/types"
)

var (
	ErrModuleNotFound    = errors.New("module not found")
	ErrBlueprintNotFound = errors.New("blueprint not found")
	ErrProcessNotFound   = errors.New("approval process not found")
	ErrRequestNotFound   = errors.New("approval request not found")
	ErrRecordNotFound    = errors.New("record not found")

	// ErrConflict is returned by conditional writes whose guard no longer
	// holds (the request changed since it was read).
	ErrConflict = errors.New("conflicting concurrent update")
	// ErrDuplicatePending is returned when creating a request for a record
	// that already has one pending.
	ErrDuplicatePending = errors.New("record already has a pending approval request")
	// ErrStageConflict is returned by guarded stage writes when the
	// record's stage changed since it was read.
	ErrStageConflict = errors.New("record stage changed since read")
)

// Store is the persistence interface for engine-owned state.
type Store interface {
	SaveModule(ctx context.Context, m types.Module) error
	GetModule(ctx context.Context, id uint64) (types.Module, error)

	SaveBlueprint(ctx context.Context, bp types.Blueprint) error
	GetBlueprint(ctx context.Context, moduleID uint64) (types.Blueprint, error)

	SaveRule(ctx context.Context, r types.ValidationRule) error
	ListRules(ctx context.Context, moduleID uint64) ([]types.ValidationRule, error)

	SaveProcess(ctx context.Context, p types.ApprovalProcess) error
	GetProcess(ctx context.Context, id uint64) (types.ApprovalProcess, error)

	// CreateRequest persists a new request and enforces at most one
	// pending request per record (ErrDuplicatePending).
	CreateRequest(ctx context.Context, r types.ApprovalRequest) error
	// UpdateRequest writes r only if the stored request still has the
	// expected status and step; otherwise ErrConflict.
	UpdateRequest(ctx context.Context, r types.ApprovalRequest, expectStatus types.RequestStatus, expectStep int) error
	GetRequest(ctx context.Context, id uint64) (types.ApprovalRequest, error)
	ListRequests(ctx context.Context) ([]types.ApprovalRequest, error)
	// PendingRequestForRecord returns the record's pending request, or nil
	// when there is none.
	PendingRequestForRecord(ctx context.Context, recordID uint64) (*types.ApprovalRequest, error)

	AppendDecision(ctx context.Context, d types.ApprovalDecision) error
	ListDecisions(ctx context.Context, requestID uint64) ([]types.ApprovalDecision, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
