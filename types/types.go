package types

// FieldType enumerates the field kinds a module can carry.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldSelect   FieldType = "select"
	FieldTextarea FieldType = "textarea"
)

// Field describes one field of a module (key, display label, kind).
type Field struct {
	Key   string    `json:"key"`
	Label string    `json:"label"`
	Type  FieldType `json:"type"`
}

// Module is a record type (e.g. "Leads", "Deals") owning a blueprint.
type Module struct {
	ID     uint64  `json:"id"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Stage is a named state a record occupies. Label and Color are opaque
// display metadata, never evaluated by the state machine.
type Stage struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// FieldRequirement is a field a transition requires to be non-empty.
// Value carries the record's current value for pre-fill display.
type FieldRequirement struct {
	Key   string      `json:"key"`
	Label string      `json:"label"`
	Type  FieldType   `json:"type"`
	Value interface{} `json:"value,omitempty"`
}

// Transition is a permitted edge between two stages of a module.
type Transition struct {
	FromStage         string             `json:"from_stage"`
	ToStage           string             `json:"to_stage"`
	RequiredFields    []FieldRequirement `json:"required_fields,omitempty"`
	RequiresApproval  bool               `json:"requires_approval,omitempty"`
	RequireReason     bool               `json:"require_reason,omitempty"`
	ApprovalProcessID uint64             `json:"approval_process_id,omitempty"`
}

// Blueprint is the per-module stage graph. Absence of an edge is a hard
// deny; there are no implicit any-to-any transitions.
type Blueprint struct {
	ModuleID    uint64       `json:"module_id"`
	Stages      []Stage      `json:"stages"`
	Transitions []Transition `json:"transitions"`
}

// RuleType tags the validation rule variant.
type RuleType string

const (
	RuleRequiredIf RuleType = "required_if"
	RuleFormat     RuleType = "format"
	RuleRange      RuleType = "range"
	RuleComparison RuleType = "comparison"
	RuleUnique     RuleType = "unique"
)

// Trigger is a record lifecycle event a rule applies on.
type Trigger string

const (
	TriggerCreate      Trigger = "create"
	TriggerUpdate      Trigger = "update"
	TriggerStageChange Trigger = "stage_change"
)

// Format kinds for RuleFormat.
const (
	FormatEmail        = "email"
	FormatPhone        = "phone"
	FormatURL          = "url"
	FormatAlphanumeric = "alphanumeric"
	FormatNumeric      = "numeric"
	FormatRegex        = "regex"
)

// Comparison operators for RuleComparison.
const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
)

// RuleConfig holds the type-specific configuration of a rule. Only the
// fields relevant to the rule's type are read.
type RuleConfig struct {
	FormatType    string   `json:"format_type,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	CompareField  string   `json:"compare_field,omitempty"`
	Operator      string   `json:"operator,omitempty"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`
}

// ValidationRule is a declarative, server-enforced constraint on a field.
// Condition is an expression over the merged record values; when non-empty
// the rule only activates if it evaluates to true.
type ValidationRule struct {
	ID           uint64     `json:"id"`
	ModuleID     uint64     `json:"module_id"`
	TargetField  string     `json:"target_field"`
	RuleType     RuleType   `json:"rule_type"`
	Config       RuleConfig `json:"config"`
	Condition    string     `json:"condition,omitempty"`
	ErrorMessage string     `json:"error_message"`
	AppliesOn    []Trigger  `json:"applies_on"`
	Enabled      bool       `json:"enabled"`
	Priority     int        `json:"priority"`
	CreatedAt    int64      `json:"created_at"`
}

// AppliesTo reports whether the rule is bound to the given trigger.
func (r ValidationRule) AppliesTo(trigger Trigger) bool {
	for _, t := range r.AppliesOn {
		if t == trigger {
			return true
		}
	}
	return false
}

// ValidationError is one failed rule, addressed to a field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	RuleID  uint64 `json:"rule_id,omitempty"`
}

// PolicyKind selects an approver-resolution strategy.
type PolicyKind string

const (
	PolicyFixed       PolicyKind = "fixed"
	PolicyRole        PolicyKind = "role"
	PolicyManager     PolicyKind = "manager"
	PolicyRoundRobin  PolicyKind = "round_robin"
	PolicyLeastLoaded PolicyKind = "least_loaded"
	PolicyTerritory   PolicyKind = "territory"
)

// ApproverPolicy selects who may decide a step, or who a record is
// assigned to for the sibling assignment strategies. Only the fields
// relevant to Kind are read.
type ApproverPolicy struct {
	Kind           PolicyKind `json:"kind"`
	UserID         uint64     `json:"user_id,omitempty"`
	Role           string     `json:"role,omitempty"`
	Pool           []uint64   `json:"pool,omitempty"`
	TerritoryField string     `json:"territory_field,omitempty"`
}

// ApprovalStep is one step of an approval process.
type ApprovalStep struct {
	Name   string         `json:"name"`
	Policy ApproverPolicy `json:"policy"`
}

// ApprovalProcess is a reusable, ordered sequence of approval steps.
type ApprovalProcess struct {
	ID    uint64         `json:"id"`
	Name  string         `json:"name"`
	Steps []ApprovalStep `json:"steps"`
}

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	StatusPending          RequestStatus = "pending"
	StatusApproved         RequestStatus = "approved"
	StatusRejected         RequestStatus = "rejected"
	StatusChangesRequested RequestStatus = "changes_requested"
	StatusCancelled        RequestStatus = "cancelled"
	StatusExpired          RequestStatus = "expired"
)

// ActionStageTransition is the context action type for gated stage moves.
const ActionStageTransition = "stage_transition"

// TransitionContext captures the transition attempt an approval request
// was created for. It is applied verbatim once the request resolves.
type TransitionContext struct {
	ActionType string                 `json:"action_type"`
	StageFrom  string                 `json:"stage_from"`
	StageTo    string                 `json:"stage_to"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}

// ApprovalRequest is one in-flight instance of an approval process, tied
// to one transition attempt. Steps is a snapshot taken at creation time;
// later edits to the process never alter an in-flight request.
type ApprovalRequest struct {
	ID                  uint64            `json:"id"`
	RecordID            uint64            `json:"record_id"`
	ModuleID            uint64            `json:"module_id"`
	ProcessID           uint64            `json:"process_id"`
	Steps               []ApprovalStep    `json:"steps"`
	Context             TransitionContext `json:"context"`
	Status              RequestStatus     `json:"status"`
	CurrentStep         int               `json:"current_step"`
	TotalSteps          int               `json:"total_steps"`
	RequestedBy         uint64            `json:"requested_by"`
	SupersedesRequestID uint64            `json:"supersedes_request_id,omitempty"`
	ValidationErrors    []ValidationError `json:"validation_errors,omitempty"`
	Message             string            `json:"message,omitempty"`
	CreatedAt           int64             `json:"created_at"`
	UpdatedAt           int64             `json:"updated_at"`
}

// Terminal reports whether the request can no longer accept actions.
func (r ApprovalRequest) Terminal() bool {
	return r.Status != StatusPending
}

// DecisionAction is an action taken on a pending approval request.
type DecisionAction string

const (
	ActionApprove        DecisionAction = "approve"
	ActionReject         DecisionAction = "reject"
	ActionRequestChanges DecisionAction = "request_changes"
)

// ApprovalDecision is an append-only record of one action taken on a
// request. Never updated or deleted.
type ApprovalDecision struct {
	ID        uint64         `json:"id"`
	RequestID uint64         `json:"request_id"`
	StepIndex int            `json:"step_index"`
	Actor     uint64         `json:"actor"`
	Action    DecisionAction `json:"action"`
	Comment   string         `json:"comment,omitempty"`
	DecidedAt int64          `json:"decided_at"`
}

// Record is the engine's view of a stored record. The stage field is
// owned by the record store and mutated only through a committed
// transition.
type Record struct {
	ID       uint64                 `json:"id"`
	ModuleID uint64                 `json:"module_id"`
	Stage    string                 `json:"stage"`
	OwnerID  uint64                 `json:"owner_id,omitempty"`
	Fields   map[string]interface{} `json:"fields"`
}

// AuditEvent is appended to the audit sink on committed transitions and
// approval activity.
type AuditEvent struct {
	Type       string                 `json:"type"`
	RecordID   uint64                 `json:"record_id"`
	ModuleID   uint64                 `json:"module_id"`
	Actor      uint64                 `json:"actor"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt int64                  `json:"occurred_at"`
}
