package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/stageflow/lifecycle-engine/events"
	"github.com/stageflow/lifecycle-engine/rules"
	"github.com/stageflow/lifecycle-engine/storage"
	"github.com/stageflow/lifecycle-engine/types"
)

// gateCheck is the result of running every gate of a transition attempt.
// blocked is non-nil when a gate denied the attempt.
type gateCheck struct {
	rec        types.Record
	transition *types.Transition
	merged     map[string]interface{}
	blocked    *TransitionOutcome
}

// AvailableTransitions returns the transitions leaving the record's
// current stage, with required-field values pre-filled from the record
// for display.
func (e *Engine) AvailableTransitions(ctx context.Context, recordID uint64) ([]types.Transition, error) {
	rec, err := e.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	transitions, err := e.machine.AvailableTransitions(ctx, rec.ModuleID, rec.Stage)
	if err != nil {
		return nil, err
	}
	for i := range transitions {
		fillRequirementValues(transitions[i].RequiredFields, rec.Fields)
	}
	return transitions, nil
}

// PreviewTransition runs every gate for a transition attempt without
// committing anything. Identical inputs produce identical outcomes and
// zero record mutations, so callers can re-check as the user edits.
func (e *Engine) PreviewTransition(ctx context.Context, recordID uint64, toStage string, payload map[string]interface{}, reason string) (*TransitionOutcome, error) {
	gc, err := e.checkGates(ctx, recordID, toStage, payload, reason)
	if err != nil {
		return nil, err
	}
	if gc.blocked != nil {
		return gc.blocked, nil
	}
	out := e.outcome(OutcomeReady, gc.rec.Stage, toStage)
	if gc.transition != nil && gc.transition.RequiresApproval {
		out.Message = "transition will require approval"
	}
	return out, nil
}

// ExecuteTransition runs every gate and then either commits the stage
// change or opens an approval request.
func (e *Engine) ExecuteTransition(ctx context.Context, recordID uint64, toStage string, payload map[string]interface{}, reason string, actor uint64) (*TransitionOutcome, error) {
	return e.executeTransition(ctx, recordID, toStage, payload, reason, actor, 0)
}

func (e *Engine) executeTransition(ctx context.Context, recordID uint64, toStage string, payload map[string]interface{}, reason string, actor, supersedes uint64) (*TransitionOutcome, error) {
	gc, err := e.checkGates(ctx, recordID, toStage, payload, reason)
	if err != nil {
		return nil, err
	}
	if gc.blocked != nil {
		return gc.blocked, nil
	}

	if gc.transition.RequiresApproval {
		req, err := e.createRequest(ctx, gc, payload, reason, actor, supersedes)
		if errors.Is(err, storage.ErrDuplicatePending) {
			out := e.outcome(OutcomeApprovalInProgress, gc.rec.Stage, toStage)
			out.Message = "record already has a pending approval request"
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out := e.outcome(OutcomeApprovalCreated, gc.rec.Stage, toStage)
		out.ApprovalRequestID = req.ID
		return out, nil
	}

	if err := e.applyTransition(ctx, gc.rec, gc.rec.Stage, toStage, payload, reason, actor); err != nil {
		if errors.Is(err, storage.ErrStageConflict) {
			out := e.outcome(OutcomeConflict, gc.rec.Stage, toStage)
			out.Message = "record stage changed during the attempt"
			return out, nil
		}
		return nil, err
	}
	return e.outcome(OutcomeCommitted, gc.rec.Stage, toStage), nil
}

// checkGates runs the deny gates of a transition attempt in order:
// noop, blueprint legality, field validation, required fields, reason,
// pending approval. It is read-only and safe to re-run.
func (e *Engine) checkGates(ctx context.Context, recordID uint64, toStage string, payload map[string]interface{}, reason string) (*gateCheck, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	rec, err := e.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if rec.Stage == toStage {
		return &gateCheck{rec: rec, blocked: e.outcome(OutcomeNoop, rec.Stage, toStage)}, nil
	}

	transition, allowed, err := e.machine.CheckTransition(ctx, rec.ModuleID, rec.Stage, toStage)
	if err != nil {
		return nil, err
	}
	if !allowed {
		out := e.outcome(OutcomeDenied, rec.Stage, toStage)
		out.Message = "transition is not permitted by the module blueprint"
		return &gateCheck{rec: rec, blocked: out}, nil
	}

	failures, err := e.validator.Validate(ctx, rec.ModuleID, types.TriggerStageChange, rec.Fields, payload, rec.ID)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		out := e.outcome(OutcomeValidationFailed, rec.Stage, toStage)
		out.Errors = failures
		return &gateCheck{rec: rec, transition: transition, blocked: out}, nil
	}

	merged := rules.Merge(rec.Fields, payload)

	required := make([]types.FieldRequirement, len(transition.RequiredFields))
	copy(required, transition.RequiredFields)
	fillRequirementValues(required, merged)
	var missing []string
	for _, f := range required {
		if rules.IsEmpty(f.Value) {
			missing = append(missing, f.Key)
		}
	}
	if len(missing) > 0 {
		out := e.outcome(OutcomeFieldsMissing, rec.Stage, toStage)
		out.Required = required
		out.Missing = missing
		return &gateCheck{rec: rec, transition: transition, blocked: out}, nil
	}

	if transition.RequireReason && strings.TrimSpace(reason) == "" {
		out := e.outcome(OutcomeReasonRequired, rec.Stage, toStage)
		out.Message = "a reason is required for this transition"
		return &gateCheck{rec: rec, transition: transition, blocked: out}, nil
	}

	pending, err := e.store.PendingRequestForRecord(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		out := e.outcome(OutcomeApprovalInProgress, rec.Stage, toStage)
		out.BlockedBy = pending.ID
		out.Message = "record already has a pending approval request"
		return &gateCheck{rec: rec, transition: transition, blocked: out}, nil
	}

	return &gateCheck{rec: rec, transition: transition, merged: merged}, nil
}

// applyTransition is the commit path: persist the payload, move
// the stage behind the optimistic guard, append the audit event and
// notify subscribers. Shared with the approval engine's final-approve.
func (e *Engine) applyTransition(ctx context.Context, rec types.Record, fromStage, toStage string, payload map[string]interface{}, reason string, actor uint64) error {
	if len(payload) > 0 {
		if err := e.records.UpdateFields(ctx, rec.ID, payload); err != nil {
			return err
		}
	}
	if err := e.records.SetStage(ctx, rec.ID, toStage, fromStage); err != nil {
		return err
	}

	e.appendAudit(ctx, types.AuditEvent{
		Type:     AuditStageChanged,
		RecordID: rec.ID,
		ModuleID: rec.ModuleID,
		Actor:    actor,
		Data: map[string]interface{}{
			"old":    fromStage,
			"new":    toStage,
			"reason": reason,
		},
		OccurredAt: now(),
	})
	e.publish(ctx, events.Event{
		Type:     events.StageChanged,
		RecordID: rec.ID,
		Data: map[string]interface{}{
			"old":   fromStage,
			"new":   toStage,
			"actor": actor,
		},
	})
	return nil
}

func (e *Engine) outcome(status OutcomeStatus, fromStage, toStage string) *TransitionOutcome {
	return &TransitionOutcome{Status: status, FromStage: fromStage, ToStage: toStage}
}

func fillRequirementValues(reqs []types.FieldRequirement, values map[string]interface{}) {
	for i := range reqs {
		if v, ok := values[reqs[i].Key]; ok {
			reqs[i].Value = v
		}
	}
}
