package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stageflow/lifecycle-engine/types"
)

func pendingRequest(id, recordID uint64) types.ApprovalRequest {
	return types.ApprovalRequest{
		ID:          id,
		RecordID:    recordID,
		ModuleID:    1,
		ProcessID:   10,
		Steps:       []types.ApprovalStep{{Name: "Manager"}},
		Status:      types.StatusPending,
		TotalSteps:  1,
		RequestedBy: 100,
		CreatedAt:   int64(id),
		UpdatedAt:   int64(id),
	}
}

func TestMemoryStoreModulesAndBlueprints(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.GetModule(ctx, 1)
	assert.ErrorIs(t, err, ErrModuleNotFound)

	m := types.Module{ID: 1, Name: "Deals", Fields: []types.Field{{Key: "amount"}}}
	assert.NoError(t, store.SaveModule(ctx, m))

	got, err := store.GetModule(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "Deals", got.Name)

	fields, err := store.ModuleFields(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, fields, 1)

	_, err = store.GetBlueprint(ctx, 1)
	assert.ErrorIs(t, err, ErrBlueprintNotFound)

	assert.NoError(t, store.SaveBlueprints(ctx, []types.Blueprint{
		{ModuleID: 1, Stages: []types.Stage{{Key: "open"}}},
		{ModuleID: 2, Stages: []types.Stage{{Key: "new"}}},
	}))
	bp, err := store.GetBlueprint(ctx, 2)
	assert.NoError(t, err)
	assert.Equal(t, "new", bp.Stages[0].Key)
}

func TestMemoryStoreListRulesByModule(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, store.SaveRule(ctx, types.ValidationRule{ID: 2, ModuleID: 1}))
	assert.NoError(t, store.SaveRule(ctx, types.ValidationRule{ID: 1, ModuleID: 1}))
	assert.NoError(t, store.SaveRule(ctx, types.ValidationRule{ID: 3, ModuleID: 2}))

	rules, err := store.ListRules(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Equal(t, uint64(1), rules[0].ID, "rules come back in ID order")
}

func TestMemoryStoreCreateRequestEnforcesOnePending(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, store.CreateRequest(ctx, pendingRequest(1, 500)))

	err := store.CreateRequest(ctx, pendingRequest(2, 500))
	assert.ErrorIs(t, err, ErrDuplicatePending)

	// A different record is unaffected.
	assert.NoError(t, store.CreateRequest(ctx, pendingRequest(3, 501)))

	pending, err := store.PendingRequestForRecord(ctx, 500)
	assert.NoError(t, err)
	assert.NotNil(t, pending)
	assert.Equal(t, uint64(1), pending.ID)
}

func TestMemoryStoreUpdateRequestGuards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := pendingRequest(1, 500)
	assert.NoError(t, store.CreateRequest(ctx, req))

	// Guard mismatch on step.
	stale := req
	stale.Status = types.StatusApproved
	err := store.UpdateRequest(ctx, stale, types.StatusPending, 3)
	assert.ErrorIs(t, err, ErrConflict)

	// Guard mismatch on status.
	err = store.UpdateRequest(ctx, stale, types.StatusApproved, 0)
	assert.ErrorIs(t, err, ErrConflict)

	// Matching guard applies the write and clears the pending index.
	assert.NoError(t, store.UpdateRequest(ctx, stale, types.StatusPending, 0))

	got, err := store.GetRequest(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, types.StatusApproved, got.Status)

	pending, err := store.PendingRequestForRecord(ctx, 500)
	assert.NoError(t, err)
	assert.Nil(t, pending)

	// The record can take a new pending request now.
	assert.NoError(t, store.CreateRequest(ctx, pendingRequest(2, 500)))

	// Unknown request.
	missing := pendingRequest(99, 501)
	err = store.UpdateRequest(ctx, missing, types.StatusPending, 0)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestMemoryStoreUpdateRequestLosesRaceOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	req := pendingRequest(1, 500)
	assert.NoError(t, store.CreateRequest(ctx, req))

	first := req
	first.Status = types.StatusApproved
	second := req
	second.Status = types.StatusRejected

	assert.NoError(t, store.UpdateRequest(ctx, first, types.StatusPending, 0))
	assert.ErrorIs(t, store.UpdateRequest(ctx, second, types.StatusPending, 0), ErrConflict,
		"both writers read the same state; exactly one wins")
}

func TestMemoryStoreListRequestsOrdered(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r2 := pendingRequest(2, 501)
	r2.CreatedAt = 200
	r1 := pendingRequest(1, 500)
	r1.CreatedAt = 100
	assert.NoError(t, store.CreateRequest(ctx, r2))
	assert.NoError(t, store.CreateRequest(ctx, r1))

	all, err := store.ListRequests(ctx)
	assert.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, uint64(1), all[0].ID)
	assert.Equal(t, uint64(2), all[1].ID)
}

func TestMemoryStoreDecisions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	assert.NoError(t, store.AppendDecision(ctx, types.ApprovalDecision{ID: 1, RequestID: 7, StepIndex: 0}))
	assert.NoError(t, store.AppendDecision(ctx, types.ApprovalDecision{ID: 2, RequestID: 7, StepIndex: 1}))

	decisions, err := store.ListDecisions(ctx, 7)
	assert.NoError(t, err)
	assert.Len(t, decisions, 2)
	assert.Equal(t, 0, decisions[0].StepIndex)

	decisions, err = store.ListDecisions(ctx, 8)
	assert.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestMemoryStoreClearResolved(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	open := pendingRequest(1, 500)
	done := pendingRequest(2, 501)
	assert.NoError(t, store.CreateRequest(ctx, open))
	assert.NoError(t, store.CreateRequest(ctx, done))
	resolved := done
	resolved.Status = types.StatusRejected
	assert.NoError(t, store.UpdateRequest(ctx, resolved, types.StatusPending, 0))
	assert.NoError(t, store.AppendDecision(ctx, types.ApprovalDecision{ID: 1, RequestID: 2}))

	assert.NoError(t, store.ClearResolved(ctx))

	_, err := store.GetRequest(ctx, 2)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	decisions, err := store.ListDecisions(ctx, 2)
	assert.NoError(t, err)
	assert.Empty(t, decisions)

	_, err = store.GetRequest(ctx, 1)
	assert.NoError(t, err, "pending requests survive cleanup")
}

func TestMemoryStoreContextCancellation(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.SaveModule(ctx, types.Module{ID: 1}), context.Canceled)
	_, err := store.GetModule(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRecordsStageGuard(t *testing.T) {
	records := NewMemoryRecords()
	ctx := context.Background()

	assert.NoError(t, records.PutRecord(ctx, types.Record{ID: 1, ModuleID: 1, Stage: "negotiation"}))

	assert.NoError(t, records.SetStage(ctx, 1, "closed_won", "negotiation"))

	err := records.SetStage(ctx, 1, "closed_lost", "negotiation")
	assert.ErrorIs(t, err, ErrStageConflict, "guard sees the already-moved stage")

	rec, err := records.GetRecord(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, "closed_won", rec.Stage)

	assert.ErrorIs(t, records.SetStage(ctx, 9, "x", "y"), ErrRecordNotFound)
}

func TestMemoryRecordsGetReturnsCopy(t *testing.T) {
	records := NewMemoryRecords()
	ctx := context.Background()

	assert.NoError(t, records.PutRecord(ctx, types.Record{
		ID: 1, ModuleID: 1, Stage: "open",
		Fields: map[string]interface{}{"amount": 100},
	}))

	rec, err := records.GetRecord(ctx, 1)
	assert.NoError(t, err)
	rec.Fields["amount"] = 999

	again, err := records.GetRecord(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, 100, again.Fields["amount"])
}

func TestMemoryRecordsUpdateFieldsMerges(t *testing.T) {
	records := NewMemoryRecords()
	ctx := context.Background()

	assert.NoError(t, records.PutRecord(ctx, types.Record{
		ID: 1, ModuleID: 1, Stage: "open",
		Fields: map[string]interface{}{"amount": 100, "name": "Acme"},
	}))
	assert.NoError(t, records.UpdateFields(ctx, 1, map[string]interface{}{"amount": 200, "close_date": "2026-09-30"}))

	rec, err := records.GetRecord(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, 200, rec.Fields["amount"])
	assert.Equal(t, "Acme", rec.Fields["name"])
	assert.Equal(t, "2026-09-30", rec.Fields["close_date"])
}

func TestMemoryRecordsExistsWithValue(t *testing.T) {
	records := NewMemoryRecords()
	ctx := context.Background()

	assert.NoError(t, records.PutRecord(ctx, types.Record{
		ID: 1, ModuleID: 1, Fields: map[string]interface{}{"email": "Dup@Example.com"},
	}))
	assert.NoError(t, records.PutRecord(ctx, types.Record{
		ID: 2, ModuleID: 2, Fields: map[string]interface{}{"email": "dup@example.com"},
	}))
	assert.NoError(t, records.PutRecord(ctx, types.Record{
		ID: 3, ModuleID: 1, Fields: map[string]interface{}{"email": nil},
	}))

	tests := []struct {
		name          string
		moduleID      uint64
		value         string
		caseSensitive bool
		exclude       uint64
		want          bool
	}{
		{name: "case-insensitive match", moduleID: 1, value: "dup@example.com", want: true},
		{name: "case-sensitive mismatch", moduleID: 1, value: "dup@example.com", caseSensitive: true, want: false},
		{name: "case-sensitive exact", moduleID: 1, value: "Dup@Example.com", caseSensitive: true, want: true},
		{name: "other module does not count", moduleID: 3, value: "dup@example.com", want: false},
		{name: "excluded record does not count", moduleID: 1, value: "dup@example.com", exclude: 1, want: false},
		{name: "nil-valued field never matches", moduleID: 1, value: "<nil>", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := records.ExistsWithValue(ctx, tt.moduleID, "email", tt.value, tt.caseSensitive, tt.exclude)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
