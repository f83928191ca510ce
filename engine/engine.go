// Package engine decides, for a requested stage transition, whether it is
// structurally legal, whether field validation passes, whether it needs
// human approval, and how approval decisions are recorded and eventually
// applied.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/stageflow/lifecycle-engine/assign"
	"github.com/stageflow/lifecycle-engine/blueprint"
	"github.com/stageflow/lifecycle-engine/events"
	"github.com/stageflow/lifecycle-engine/rules"
	"github.com/stageflow/lifecycle-engine/storage"
	"github.com/stageflow/lifecycle-engine/types"
)

// Standard error definitions
var (
	ErrProcessRequired  = errors.New("transition requires approval but no process is configured")
	ErrNotResubmittable = errors.New("only changes_requested requests can be resubmitted")
)

// Audit event types appended by the engine.
const (
	AuditStageChanged     = "stage_changed"
	AuditApprovalCreated  = "approval_created"
	AuditApprovalDecided  = "approval_decided"
	AuditApprovalResolved = "approval_resolved"
)

// RecordStore is the external record persistence collaborator. SetStage
// must be guarded: it writes only if the record is still at expectStage
// and returns storage.ErrStageConflict otherwise.
type RecordStore interface {
	GetRecord(ctx context.Context, id uint64) (types.Record, error)
	UpdateFields(ctx context.Context, id uint64, fields map[string]interface{}) error
	SetStage(ctx context.Context, id uint64, stage, expectStage string) error
	ExistsWithValue(ctx context.Context, moduleID uint64, field, value string, caseSensitive bool, excludeRecordID uint64) (bool, error)
}

// RoleResolver is the external role/permission collaborator deciding
// whether an actor may act on an approval step.
type RoleResolver interface {
	CanActOnStep(ctx context.Context, actor uint64, step types.ApprovalStep, rec types.Record) (bool, error)
}

// AuditSink receives audit events. Append failures are logged by the
// engine and never block the triggering transition.
type AuditSink interface {
	Append(ctx context.Context, event types.AuditEvent) error
}

// Engine is the transition gate and approval workflow engine. It is
// stateless between calls; all durable state lives in the store and the
// record store.
type Engine struct {
	store     storage.Store
	records   RecordStore
	machine   *blueprint.Machine
	validator *rules.Engine
	resolver  *assign.Resolver
	roles     RoleResolver
	audit     AuditSink
	bus       *events.Bus
	generate  generator.Generator
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRoleResolver overrides the default policy-based authorization.
func WithRoleResolver(roles RoleResolver) Option {
	return func(e *Engine) { e.roles = roles }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(audit AuditSink) Option {
	return func(e *Engine) { e.audit = audit }
}

// WithDirectory wires the user directory approver policies resolve
// through.
func WithDirectory(directory assign.Directory) Option {
	return func(e *Engine) { e.resolver = assign.NewResolver(directory) }
}

// WithEventBus sets the event bus engine activity is published to.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// New creates an Engine with the given ID generator, engine store, record
// store and module catalog.
func New(generate generator.Generator, store storage.Store, records RecordStore, catalog rules.ModuleCatalog, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if catalog == nil {
		return nil, errors.New("module catalog is required")
	}

	e := &Engine{
		store:    store,
		records:  records,
		generate: generate,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = assign.NewResolver(nil)
	}
	if e.roles == nil {
		e.roles = policyRoles{resolver: e.resolver}
	}
	if e.audit == nil {
		e.audit = logSink{logger: e.logger}
	}
	if e.bus == nil {
		e.bus = events.NewBus(events.WithLogger(e.logger))
	}
	e.machine = blueprint.NewMachine(store)
	e.validator = rules.NewEngine(store, catalog, rules.NewEvaluator(records.ExistsWithValue), e.logger)
	return e, nil
}

// SubscribeEvent subscribes a handler to an engine event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.bus.Subscribe(eventType, handler)
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.bus.Stop()
		return nil
	}
}

// RegisterModule validates and persists module metadata.
func (e *Engine) RegisterModule(ctx context.Context, m types.Module) error {
	if m.ID == 0 {
		return errors.New("module ID cannot be zero")
	}
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if f.Key == "" {
			return errors.New("field key cannot be empty")
		}
		if seen[f.Key] {
			return errors.New("duplicate field key " + f.Key)
		}
		seen[f.Key] = true
	}
	return e.store.SaveModule(ctx, m)
}

// RegisterBlueprint validates and persists a module's blueprint. Edits
// affect future transitions only; in-flight approval requests keep the
// snapshot they were created against.
func (e *Engine) RegisterBlueprint(ctx context.Context, bp types.Blueprint) error {
	if bp.ModuleID == 0 {
		return errors.New("blueprint module ID cannot be zero")
	}
	if err := blueprint.Validate(bp); err != nil {
		return err
	}
	return e.store.SaveBlueprint(ctx, bp)
}

// RegisterRule validates and persists a validation rule.
func (e *Engine) RegisterRule(ctx context.Context, r types.ValidationRule) error {
	if r.ID == 0 {
		return errors.New("rule ID cannot be zero")
	}
	if r.ModuleID == 0 {
		return errors.New("rule module ID cannot be zero")
	}
	if r.TargetField == "" {
		return errors.New("rule target field cannot be empty")
	}
	if r.Priority <= 0 {
		return errors.New("rule priority must be a positive integer")
	}
	if len(r.AppliesOn) == 0 {
		return errors.New("rule must apply on at least one trigger")
	}
	switch r.RuleType {
	case types.RuleRequiredIf, types.RuleFormat, types.RuleRange, types.RuleComparison, types.RuleUnique:
	default:
		return errors.New("unknown rule type " + string(r.RuleType))
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = now()
	}
	return e.store.SaveRule(ctx, r)
}

// RegisterProcess validates and persists an approval process definition.
func (e *Engine) RegisterProcess(ctx context.Context, p types.ApprovalProcess) error {
	if p.ID == 0 {
		return errors.New("process ID cannot be zero")
	}
	if len(p.Steps) == 0 {
		return errors.New("process must have at least one step")
	}
	for _, step := range p.Steps {
		if step.Policy.Kind == "" {
			return errors.New("step policy kind cannot be empty")
		}
	}
	return e.store.SaveProcess(ctx, p)
}

// appendAudit forwards an event to the audit sink. Failures are logged,
// never propagated.
func (e *Engine) appendAudit(ctx context.Context, event types.AuditEvent) {
	if err := e.audit.Append(ctx, event); err != nil {
		e.logger.Error("audit sink append failed",
			zap.String("event_type", event.Type),
			zap.Uint64("record_id", event.RecordID),
			zap.Error(err))
	}
}

// publish enqueues an engine event. Publish is non-blocking; drops other
// than the no-subscriber case are logged so they stay visible.
func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish event",
			zap.String("event_type", event.Type),
			zap.Uint64("record_id", event.RecordID),
			zap.Uint64("request_id", event.RequestID),
			zap.Error(err))
	}
}

func now() int64 {
	return time.Now().UnixMilli()
}

// policyRoles authorizes approval actions through the approver policy
// itself when no external role resolver is wired.
type policyRoles struct {
	resolver *assign.Resolver
}

func (p policyRoles) CanActOnStep(ctx context.Context, actor uint64, step types.ApprovalStep, rec types.Record) (bool, error) {
	return p.resolver.CanAct(ctx, actor, step.Policy, rec)
}

// logSink is the default audit sink: events land in the engine log.
type logSink struct {
	logger *zap.Logger
}

func (s logSink) Append(ctx context.Context, event types.AuditEvent) error {
	s.logger.Info("audit event",
		zap.String("type", event.Type),
		zap.Uint64("record_id", event.RecordID),
		zap.Uint64("module_id", event.ModuleID),
		zap.Uint64("actor", event.Actor),
		zap.Any("data", event.Data))
	return nil
}
