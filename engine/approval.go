package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stageflow/lifecycle-engine/events"
	"github.com/stageflow/lifecycle-engine/rules"
	"github.com/stageflow/lifecycle-engine/storage"
	"github.com/stageflow/lifecycle-engine/types"
)

// InboxFilter narrows an approval inbox query. Zero values mean "any".
type InboxFilter struct {
	Status      types.RequestStatus
	ModuleID    uint64
	AssignedTo  uint64
	RequestedBy uint64
}

// createRequest opens an approval request for a gated transition,
// snapshotting the process steps so later process edits never alter it.
func (e *Engine) createRequest(ctx context.Context, gc *gateCheck, payload map[string]interface{}, reason string, actor, supersedes uint64) (*types.ApprovalRequest, error) {
	transition := gc.transition
	if transition.ApprovalProcessID == 0 {
		return nil, ErrProcessRequired
	}
	proc, err := e.store.GetProcess(ctx, transition.ApprovalProcessID)
	if err != nil {
		return nil, err
	}
	if len(proc.Steps) == 0 {
		return nil, ErrProcessRequired
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	steps := make([]types.ApprovalStep, len(proc.Steps))
	copy(steps, proc.Steps)

	ts := now()
	req := types.ApprovalRequest{
		ID:        id,
		RecordID:  gc.rec.ID,
		ModuleID:  gc.rec.ModuleID,
		ProcessID: proc.ID,
		Steps:     steps,
		Context: types.TransitionContext{
			ActionType: types.ActionStageTransition,
			StageFrom:  gc.rec.Stage,
			StageTo:    transition.ToStage,
			Payload:    payload,
			Reason:     reason,
		},
		Status:              types.StatusPending,
		CurrentStep:         0,
		TotalSteps:          len(steps),
		RequestedBy:         actor,
		SupersedesRequestID: supersedes,
		CreatedAt:           ts,
		UpdatedAt:           ts,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	e.appendAudit(ctx, types.AuditEvent{
		Type:     AuditApprovalCreated,
		RecordID: req.RecordID,
		ModuleID: req.ModuleID,
		Actor:    actor,
		Data: map[string]interface{}{
			"request_id": req.ID,
			"from":       req.Context.StageFrom,
			"to":         req.Context.StageTo,
		},
		OccurredAt: ts,
	})
	e.publish(ctx, events.Event{
		Type:      events.ApprovalCreated,
		RecordID:  req.RecordID,
		RequestID: req.ID,
		Data:      map[string]interface{}{"total_steps": req.TotalSteps},
	})
	return &req, nil
}

// Request retrieves an approval request by ID.
func (e *Engine) Request(ctx context.Context, id uint64) (types.ApprovalRequest, error) {
	return e.store.GetRequest(ctx, id)
}

// Decisions returns the append-only decision log of a request.
func (e *Engine) Decisions(ctx context.Context, requestID uint64) ([]types.ApprovalDecision, error) {
	return e.store.ListDecisions(ctx, requestID)
}

// Act applies one decision action to a pending request. Expected denial
// conditions (not pending, unauthorized, missing comment, concurrent
// update) are reported through the outcome, never as errors.
func (e *Engine) Act(ctx context.Context, requestID, actor uint64, action types.DecisionAction, comment string) (*DecisionOutcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Terminal() {
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionNotPending,
			RequestStatus: req.Status,
			CurrentStep:   req.CurrentStep,
			Message:       fmt.Sprintf("request is %s and no longer accepts actions", req.Status),
		}, nil
	}

	step := req.Steps[req.CurrentStep]
	rec, err := e.records.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	allowed, err := e.roles.CanActOnStep(ctx, actor, step, rec)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionUnauthorized,
			RequestStatus: req.Status,
			CurrentStep:   req.CurrentStep,
			Message:       "actor is not authorized to decide the current step",
		}, nil
	}

	switch action {
	case types.ActionApprove:
		return e.actApprove(ctx, req, rec, actor, comment)
	case types.ActionReject:
		if strings.TrimSpace(comment) == "" {
			return commentRequired(req), nil
		}
		return e.resolveRequest(ctx, req, actor, action, comment, types.StatusRejected, DecisionRejected, "")
	case types.ActionRequestChanges:
		if strings.TrimSpace(comment) == "" {
			return commentRequired(req), nil
		}
		return e.resolveRequest(ctx, req, actor, action, comment, types.StatusChangesRequested, DecisionChangesRequested, "")
	default:
		return nil, fmt.Errorf("unknown decision action %q", action)
	}
}

// actApprove advances a request one step, or applies the captured
// transition when the final step approves.
func (e *Engine) actApprove(ctx context.Context, req types.ApprovalRequest, rec types.Record, actor uint64, comment string) (*DecisionOutcome, error) {
	final := req.CurrentStep+1 == req.TotalSteps
	if !final {
		next := req
		next.CurrentStep = req.CurrentStep + 1
		next.UpdatedAt = now()
		if err := e.store.UpdateRequest(ctx, next, types.StatusPending, req.CurrentStep); err != nil {
			return e.conflictOutcome(req, err)
		}
		if err := e.recordDecision(ctx, req, actor, types.ActionApprove, comment); err != nil {
			return nil, err
		}
		e.publish(ctx, events.Event{
			Type:      events.ApprovalAdvanced,
			RecordID:  req.RecordID,
			RequestID: req.ID,
			Data:      map[string]interface{}{"step": next.CurrentStep},
		})
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionAdvanced,
			RequestStatus: types.StatusPending,
			CurrentStep:   next.CurrentStep,
		}, nil
	}

	// Final approval re-runs field validation with the captured payload;
	// the approval requirement itself is already satisfied.
	failures, err := e.validator.Validate(ctx, req.ModuleID, types.TriggerStageChange, rec.Fields, req.Context.Payload, rec.ID)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		parked := req
		parked.Status = types.StatusChangesRequested
		parked.ValidationErrors = failures
		parked.Message = "validation failed at final approval; resubmit after correcting"
		parked.UpdatedAt = now()
		if err := e.store.UpdateRequest(ctx, parked, types.StatusPending, req.CurrentStep); err != nil {
			return e.conflictOutcome(req, err)
		}
		if err := e.recordDecision(ctx, req, actor, types.ActionApprove, comment); err != nil {
			return nil, err
		}
		e.resolved(ctx, parked, actor)
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionChangesRequested,
			RequestStatus: parked.Status,
			CurrentStep:   req.CurrentStep,
			Errors:        failures,
			Message:       parked.Message,
		}, nil
	}

	approved := req
	approved.Status = types.StatusApproved
	approved.UpdatedAt = now()
	if err := e.store.UpdateRequest(ctx, approved, types.StatusPending, req.CurrentStep); err != nil {
		return e.conflictOutcome(req, err)
	}
	if err := e.recordDecision(ctx, req, actor, types.ActionApprove, comment); err != nil {
		return nil, err
	}

	err = e.applyTransition(ctx, rec, req.Context.StageFrom, req.Context.StageTo, req.Context.Payload, req.Context.Reason, actor)
	if errors.Is(err, storage.ErrStageConflict) {
		parked := approved
		parked.Status = types.StatusChangesRequested
		parked.Message = "record stage changed since the request was created"
		parked.UpdatedAt = now()
		if uerr := e.store.UpdateRequest(ctx, parked, types.StatusApproved, req.CurrentStep); uerr != nil {
			return nil, uerr
		}
		e.resolved(ctx, parked, actor)
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionConflict,
			RequestStatus: parked.Status,
			CurrentStep:   req.CurrentStep,
			Message:       parked.Message,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	e.resolved(ctx, approved, actor)
	return &DecisionOutcome{
		RequestID:     req.ID,
		Status:        DecisionApplied,
		RequestStatus: types.StatusApproved,
		CurrentStep:   req.CurrentStep,
	}, nil
}

// resolveRequest moves a pending request to a terminal status.
func (e *Engine) resolveRequest(ctx context.Context, req types.ApprovalRequest, actor uint64, action types.DecisionAction, comment string, status types.RequestStatus, decision DecisionStatus, message string) (*DecisionOutcome, error) {
	updated := req
	updated.Status = status
	updated.Message = message
	updated.UpdatedAt = now()
	if err := e.store.UpdateRequest(ctx, updated, types.StatusPending, req.CurrentStep); err != nil {
		return e.conflictOutcome(req, err)
	}
	if err := e.recordDecision(ctx, req, actor, action, comment); err != nil {
		return nil, err
	}
	e.resolved(ctx, updated, actor)
	return &DecisionOutcome{
		RequestID:     req.ID,
		Status:        decision,
		RequestStatus: status,
		CurrentStep:   req.CurrentStep,
		Message:       message,
	}, nil
}

// BulkAct applies one action to each request independently; one item's
// failure never blocks or rolls back the others.
func (e *Engine) BulkAct(ctx context.Context, requestIDs []uint64, actor uint64, action types.DecisionAction, comment string) []DecisionOutcome {
	out := make([]DecisionOutcome, len(requestIDs))
	var wg sync.WaitGroup
	for i, id := range requestIDs {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			o, err := e.Act(ctx, id, actor, action, comment)
			if err != nil {
				out[i] = DecisionOutcome{RequestID: id, Status: DecisionFailed, Message: err.Error()}
				return
			}
			out[i] = *o
		}(i, id)
	}
	wg.Wait()
	return out
}

// Inbox lists approval requests matching the filter. AssignedTo requires
// resolving the current step's approver per request; an unresolved policy
// excludes the item rather than failing the query.
func (e *Engine) Inbox(ctx context.Context, filter InboxFilter) ([]types.ApprovalRequest, error) {
	all, err := e.store.ListRequests(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]types.ApprovalRequest, 0, len(all))
	for _, req := range all {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.ModuleID != 0 && req.ModuleID != filter.ModuleID {
			continue
		}
		if filter.RequestedBy != 0 && req.RequestedBy != filter.RequestedBy {
			continue
		}
		if filter.AssignedTo != 0 {
			if req.Status != types.StatusPending {
				continue
			}
			rec, err := e.records.GetRecord(ctx, req.RecordID)
			if err != nil {
				e.logger.Debug("excluding request with unreadable record",
					zap.Uint64("request_id", req.ID), zap.Error(err))
				continue
			}
			allowed, err := e.roles.CanActOnStep(ctx, filter.AssignedTo, req.Steps[req.CurrentStep], rec)
			if err != nil {
				e.logger.Debug("excluding request with unresolved approver policy",
					zap.Uint64("request_id", req.ID), zap.Error(err))
				continue
			}
			if !allowed {
				continue
			}
		}
		out = append(out, req)
	}
	return out, nil
}

// Resubmit re-runs the gate for a changes_requested request, carrying
// corrected payload values and linking the new request to the old one.
func (e *Engine) Resubmit(ctx context.Context, requestID uint64, payload map[string]interface{}, reason string, actor uint64) (*TransitionOutcome, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != types.StatusChangesRequested {
		return nil, fmt.Errorf("%w: request %d is %s", ErrNotResubmittable, req.ID, req.Status)
	}
	merged := rules.Merge(req.Context.Payload, payload)
	if strings.TrimSpace(reason) == "" {
		reason = req.Context.Reason
	}
	return e.executeTransition(ctx, req.RecordID, req.Context.StageTo, merged, reason, actor, req.ID)
}

// Cancel lets the requester withdraw a pending request.
func (e *Engine) Cancel(ctx context.Context, requestID, actor uint64) (*DecisionOutcome, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Terminal() {
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionNotPending,
			RequestStatus: req.Status,
			CurrentStep:   req.CurrentStep,
		}, nil
	}
	if actor != req.RequestedBy {
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionUnauthorized,
			RequestStatus: req.Status,
			CurrentStep:   req.CurrentStep,
			Message:       "only the requester can cancel",
		}, nil
	}

	cancelled := req
	cancelled.Status = types.StatusCancelled
	cancelled.UpdatedAt = now()
	if err := e.store.UpdateRequest(ctx, cancelled, types.StatusPending, req.CurrentStep); err != nil {
		return e.conflictOutcome(req, err)
	}
	e.resolved(ctx, cancelled, actor)
	return &DecisionOutcome{
		RequestID:     req.ID,
		Status:        DecisionCancelled,
		RequestStatus: types.StatusCancelled,
		CurrentStep:   req.CurrentStep,
	}, nil
}

// Expire marks a pending request expired. The engine never expires
// requests itself; this entry point exists for an external timeout
// policy.
func (e *Engine) Expire(ctx context.Context, requestID uint64) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Terminal() {
		return fmt.Errorf("%w: request %d is %s", storage.ErrConflict, req.ID, req.Status)
	}
	expired := req
	expired.Status = types.StatusExpired
	expired.UpdatedAt = now()
	if err := e.store.UpdateRequest(ctx, expired, types.StatusPending, req.CurrentStep); err != nil {
		return err
	}
	e.resolved(ctx, expired, 0)
	return nil
}

// recordDecision appends one immutable decision row and audits it.
func (e *Engine) recordDecision(ctx context.Context, req types.ApprovalRequest, actor uint64, action types.DecisionAction, comment string) error {
	id, err := e.generate.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}
	d := types.ApprovalDecision{
		ID:        id,
		RequestID: req.ID,
		StepIndex: req.CurrentStep,
		Actor:     actor,
		Action:    action,
		Comment:   comment,
		DecidedAt: now(),
	}
	if err := e.store.AppendDecision(ctx, d); err != nil {
		return err
	}
	e.appendAudit(ctx, types.AuditEvent{
		Type:     AuditApprovalDecided,
		RecordID: req.RecordID,
		ModuleID: req.ModuleID,
		Actor:    actor,
		Data: map[string]interface{}{
			"request_id": req.ID,
			"step":       req.CurrentStep,
			"action":     string(action),
		},
		OccurredAt: d.DecidedAt,
	})
	return nil
}

// resolved audits and publishes a request reaching a terminal status.
func (e *Engine) resolved(ctx context.Context, req types.ApprovalRequest, actor uint64) {
	e.appendAudit(ctx, types.AuditEvent{
		Type:     AuditApprovalResolved,
		RecordID: req.RecordID,
		ModuleID: req.ModuleID,
		Actor:    actor,
		Data: map[string]interface{}{
			"request_id": req.ID,
			"status":     string(req.Status),
		},
		OccurredAt: now(),
	})
	e.publish(ctx, events.Event{
		Type:      events.ApprovalResolved,
		RecordID:  req.RecordID,
		RequestID: req.ID,
		Data:      map[string]interface{}{"status": string(req.Status)},
	})
}

func commentRequired(req types.ApprovalRequest) *DecisionOutcome {
	return &DecisionOutcome{
		RequestID:     req.ID,
		Status:        DecisionCommentRequired,
		RequestStatus: req.Status,
		CurrentStep:   req.CurrentStep,
		Message:       "a comment is required for this action",
	}
}

// conflictOutcome maps a failed conditional write to an outcome; other
// errors propagate.
func (e *Engine) conflictOutcome(req types.ApprovalRequest, err error) (*DecisionOutcome, error) {
	if errors.Is(err, storage.ErrConflict) {
		return &DecisionOutcome{
			RequestID:     req.ID,
			Status:        DecisionConflict,
			RequestStatus: req.Status,
			CurrentStep:   req.CurrentStep,
			Message:       "request was updated concurrently; re-read and retry",
		}, nil
	}
	return nil, err
}
