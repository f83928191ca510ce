package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/stageflow/lifecycle-engine/types"
)

// RuleSource lists the configured validation rules of a module.
type RuleSource interface {
	ListRules(ctx context.Context, moduleID uint64) ([]types.ValidationRule, error)
}

// ModuleCatalog is the read-only module/field metadata lookup.
type ModuleCatalog interface {
	ModuleFields(ctx context.Context, moduleID uint64) ([]types.Field, error)
}

// Engine loads the enabled rules of a module and runs them through the
// Evaluator, aggregating every failure instead of stopping at the first.
type Engine struct {
	source    RuleSource
	catalog   ModuleCatalog
	evaluator *Evaluator
	logger    *zap.Logger
}

// NewEngine creates a validation rule engine. A nil logger defaults to a
// no-op logger.
func NewEngine(source RuleSource, catalog ModuleCatalog, evaluator *Evaluator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{source: source, catalog: catalog, evaluator: evaluator, logger: logger}
}

// Validate runs every enabled rule of the module bound to trigger against
// snapshot merged with changed, and returns the complete list of failures.
// Rules referencing unknown fields or carrying broken configuration are
// logged and skipped, never surfaced as validation failures.
func (e *Engine) Validate(ctx context.Context, moduleID uint64, trigger types.Trigger, snapshot, changed map[string]interface{}, excludeRecordID uint64) ([]types.ValidationError, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	all, err := e.source.ListRules(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load validation rules: %w", err)
	}

	active := make([]types.ValidationRule, 0, len(all))
	for _, r := range all {
		if r.Enabled && r.AppliesTo(trigger) {
			active = append(active, r)
		}
	}
	// Lower priority first; ties broken by creation order.
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].CreatedAt < active[j].CreatedAt
	})

	fields, err := e.catalog.ModuleFields(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load module fields: %w", err)
	}
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		known[f.Key] = struct{}{}
	}

	merged := Merge(snapshot, changed)

	var failures []types.ValidationError
	for _, rule := range active {
		if _, ok := known[rule.TargetField]; !ok {
			e.logger.Warn("validation rule targets unknown field",
				zap.Uint64("rule_id", rule.ID),
				zap.Uint64("module_id", moduleID),
				zap.String("field", rule.TargetField))
			continue
		}

		res, err := e.evaluator.Evaluate(ctx, rule, merged[rule.TargetField], merged, excludeRecordID)
		if errors.Is(err, ErrBadConfig) {
			e.logger.Warn("skipping misconfigured validation rule",
				zap.Uint64("rule_id", rule.ID),
				zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		if !res.Pass {
			failures = append(failures, types.ValidationError{
				Field:   rule.TargetField,
				Message: res.Message,
				RuleID:  rule.ID,
			})
		}
	}
	return failures, nil
}

// Merge overlays changed onto a copy of snapshot. Neither input is
// mutated.
func Merge(snapshot, changed map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(snapshot)+len(changed))
	for k, v := range snapshot {
		merged[k] = v
	}
	for k, v := range changed {
		merged[k] = v
	}
	return merged
}
