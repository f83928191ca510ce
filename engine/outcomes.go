package engine

import "github.com/stageflow/lifecycle-engine/types"

// OutcomeStatus classifies the result of a transition attempt. Every
// denial carries enough structured detail for a caller to render
// actionable guidance.
type OutcomeStatus string

const (
	// OutcomeCommitted: the stage change was applied.
	OutcomeCommitted OutcomeStatus = "committed"
	// OutcomeNoop: the record is already at the target stage.
	OutcomeNoop OutcomeStatus = "noop"
	// OutcomeReady: preview only; every gate passed, nothing was written.
	OutcomeReady OutcomeStatus = "ready"
	// OutcomeDenied: the blueprint has no edge for this transition.
	OutcomeDenied OutcomeStatus = "denied"
	// OutcomeValidationFailed: one or more validation rules failed.
	OutcomeValidationFailed OutcomeStatus = "validation_failed"
	// OutcomeFieldsMissing: required transition fields are empty.
	OutcomeFieldsMissing OutcomeStatus = "fields_missing"
	// OutcomeReasonRequired: the transition requires a reason.
	OutcomeReasonRequired OutcomeStatus = "reason_required"
	// OutcomeApprovalCreated: an approval request was opened; the stage
	// is unchanged until it resolves.
	OutcomeApprovalCreated OutcomeStatus = "approval_created"
	// OutcomeApprovalInProgress: the record already has a pending request.
	OutcomeApprovalInProgress OutcomeStatus = "approval_in_progress"
	// OutcomeConflict: the record changed between read and write.
	OutcomeConflict OutcomeStatus = "conflict"
)

// TransitionOutcome is the result of one transition attempt.
type TransitionOutcome struct {
	Status    OutcomeStatus           `json:"status"`
	FromStage string                  `json:"from_stage,omitempty"`
	ToStage   string                  `json:"to_stage,omitempty"`
	Errors    []types.ValidationError `json:"errors,omitempty"`
	// Required lists every required field of the transition with its
	// current value, so a caller can render a complete form.
	Required []types.FieldRequirement `json:"required,omitempty"`
	// Missing lists the keys of required fields that are still empty.
	Missing           []string `json:"missing,omitempty"`
	ApprovalRequestID uint64   `json:"approval_request_id,omitempty"`
	// BlockedBy is the pending request blocking this attempt.
	BlockedBy uint64 `json:"blocked_by,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DecisionStatus classifies the result of one approval action.
type DecisionStatus string

const (
	// DecisionApplied: final approval, transition committed.
	DecisionApplied DecisionStatus = "applied"
	// DecisionAdvanced: step approved, request moved to the next step.
	DecisionAdvanced DecisionStatus = "advanced"
	DecisionRejected DecisionStatus = "rejected"
	// DecisionChangesRequested: terminal for this request; the requester
	// must resubmit. Also produced when final-approve re-validation fails.
	DecisionChangesRequested DecisionStatus = "changes_requested"
	DecisionCancelled        DecisionStatus = "cancelled"
	DecisionUnauthorized     DecisionStatus = "unauthorized"
	DecisionNotPending       DecisionStatus = "not_pending"
	DecisionCommentRequired  DecisionStatus = "comment_required"
	DecisionConflict         DecisionStatus = "conflict"
	// DecisionFailed: infrastructure failure, reported per item in bulk
	// actions.
	DecisionFailed DecisionStatus = "failed"
)

// DecisionOutcome is the result of one action on one approval request.
type DecisionOutcome struct {
	RequestID     uint64                  `json:"request_id"`
	Status        DecisionStatus          `json:"status"`
	RequestStatus types.RequestStatus     `json:"request_status,omitempty"`
	CurrentStep   int                     `json:"current_step"`
	Errors        []types.ValidationError `json:"errors,omitempty"`
	Message       string                  `json:"message,omitempty"`
}
