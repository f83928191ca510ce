// Package blueprint holds the per-module stage graph and answers whether
// a requested stage transition is structurally legal.
package blueprint

import (
	"context"
	"errors"
	"fmt"

	"github.com/stageflow/lifecycle-engine/types"
)

var (
	// ErrNoStages indicates a blueprint without stages.
	ErrNoStages = errors.New("blueprint must have at least one stage")
	// ErrUnknownStage indicates a transition referencing an undefined stage.
	ErrUnknownStage = errors.New("transition references unknown stage")
	// ErrDuplicateEdge indicates two transitions sharing from and to stages.
	ErrDuplicateEdge = errors.New("duplicate transition for stage pair")
)

// Source provides blueprint definitions, keyed by module.
type Source interface {
	GetBlueprint(ctx context.Context, moduleID uint64) (types.Blueprint, error)
}

// Machine answers transition legality questions against a module's
// blueprint. It holds no state of its own.
type Machine struct {
	source Source
}

// NewMachine creates a state machine backed by the given blueprint source.
func NewMachine(source Source) *Machine {
	return &Machine{source: source}
}

// Validate checks a blueprint's structural invariants: non-empty unique
// stage keys, every edge referencing defined stages, and at most one edge
// per (from, to) pair.
func Validate(bp types.Blueprint) error {
	if len(bp.Stages) == 0 {
		return ErrNoStages
	}
	stages := make(map[string]struct{}, len(bp.Stages))
	for _, s := range bp.Stages {
		if s.Key == "" {
			return errors.New("stage key cannot be empty")
		}
		if _, ok := stages[s.Key]; ok {
			return fmt.Errorf("duplicate stage key %q", s.Key)
		}
		stages[s.Key] = struct{}{}
	}

	edges := make(map[[2]string]struct{}, len(bp.Transitions))
	for _, t := range bp.Transitions {
		if _, ok := stages[t.FromStage]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, t.FromStage)
		}
		if _, ok := stages[t.ToStage]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, t.ToStage)
		}
		key := [2]string{t.FromStage, t.ToStage}
		if _, ok := edges[key]; ok {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateEdge, t.FromStage, t.ToStage)
		}
		edges[key] = struct{}{}
	}
	return nil
}

// AvailableTransitions returns the transitions leaving the given stage.
// A terminal stage yields an empty list.
func (m *Machine) AvailableTransitions(ctx context.Context, moduleID uint64, currentStage string) ([]types.Transition, error) {
	bp, err := m.source.GetBlueprint(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	var out []types.Transition
	for _, t := range bp.Transitions {
		if t.FromStage == currentStage {
			out = append(out, t)
		}
	}
	return out, nil
}

// CheckTransition reports whether moving from one stage to another is
// permitted by the module's blueprint, returning the matching transition
// definition when it is. Absence of a configured edge is a hard deny.
func (m *Machine) CheckTransition(ctx context.Context, moduleID uint64, fromStage, toStage string) (*types.Transition, bool, error) {
	bp, err := m.source.GetBlueprint(ctx, moduleID)
	if err != nil {
		return nil, false, err
	}

	toExists := false
	for _, s := range bp.Stages {
		if s.Key == toStage {
			toExists = true
			break
		}
	}
	if !toExists {
		return nil, false, nil
	}

	for _, t := range bp.Transitions {
		if t.FromStage == fromStage && t.ToStage == toStage {
			match := t
			return &match, true, nil
		}
	}
	return nil, false, nil
}
