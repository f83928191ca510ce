package blueprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stageflow/lifecycle-engine/types"
)

type stubSource struct {
	bp types.Blueprint
}

func (s *stubSource) GetBlueprint(ctx context.Context, moduleID uint64) (types.Blueprint, error) {
	return s.bp, nil
}

func pipeline() types.Blueprint {
	return types.Blueprint{
		ModuleID: 1,
		Stages: []types.Stage{
			{Key: "qualification"},
			{Key: "negotiation"},
			{Key: "closed_won"},
			{Key: "closed_lost"},
		},
		Transitions: []types.Transition{
			{FromStage: "qualification", ToStage: "negotiation"},
			{FromStage: "negotiation", ToStage: "closed_won", RequiresApproval: true},
			{FromStage: "negotiation", ToStage: "closed_lost", RequireReason: true},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*types.Blueprint)
		wantErr error
	}{
		{
			name:   "valid blueprint",
			mutate: func(bp *types.Blueprint) {},
		},
		{
			name:    "no stages",
			mutate:  func(bp *types.Blueprint) { bp.Stages = nil },
			wantErr: ErrNoStages,
		},
		{
			name: "edge to undefined stage",
			mutate: func(bp *types.Blueprint) {
				bp.Transitions = append(bp.Transitions, types.Transition{FromStage: "negotiation", ToStage: "archived"})
			},
			wantErr: ErrUnknownStage,
		},
		{
			name: "edge from undefined stage",
			mutate: func(bp *types.Blueprint) {
				bp.Transitions = append(bp.Transitions, types.Transition{FromStage: "archived", ToStage: "closed_won"})
			},
			wantErr: ErrUnknownStage,
		},
		{
			name: "duplicate edge",
			mutate: func(bp *types.Blueprint) {
				bp.Transitions = append(bp.Transitions, types.Transition{FromStage: "qualification", ToStage: "negotiation"})
			},
			wantErr: ErrDuplicateEdge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp := pipeline()
			tt.mutate(&bp)
			err := Validate(bp)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDuplicateStageKey(t *testing.T) {
	bp := pipeline()
	bp.Stages = append(bp.Stages, types.Stage{Key: "negotiation"})
	assert.Error(t, Validate(bp))

	bp = pipeline()
	bp.Stages = append(bp.Stages, types.Stage{Key: ""})
	assert.Error(t, Validate(bp))
}

func TestCheckTransition(t *testing.T) {
	machine := NewMachine(&stubSource{bp: pipeline()})

	tests := []struct {
		name        string
		from, to    string
		wantAllowed bool
	}{
		{name: "configured edge", from: "qualification", to: "negotiation", wantAllowed: true},
		{name: "absent edge is a hard deny", from: "qualification", to: "closed_won", wantAllowed: false},
		{name: "reverse of a configured edge", from: "negotiation", to: "qualification", wantAllowed: false},
		{name: "undefined target stage", from: "negotiation", to: "archived", wantAllowed: false},
		{name: "terminal stage has no exits", from: "closed_won", to: "negotiation", wantAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transition, allowed, err := machine.CheckTransition(context.Background(), 1, tt.from, tt.to)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, allowed)
			if tt.wantAllowed {
				assert.NotNil(t, transition)
				assert.Equal(t, tt.from, transition.FromStage)
				assert.Equal(t, tt.to, transition.ToStage)
			} else {
				assert.Nil(t, transition)
			}
		})
	}
}

func TestCheckTransitionReturnsDefinition(t *testing.T) {
	machine := NewMachine(&stubSource{bp: pipeline()})

	transition, allowed, err := machine.CheckTransition(context.Background(), 1, "negotiation", "closed_won")
	assert.NoError(t, err)
	assert.True(t, allowed)
	assert.True(t, transition.RequiresApproval)
}

func TestAvailableTransitions(t *testing.T) {
	machine := NewMachine(&stubSource{bp: pipeline()})

	out, err := machine.AvailableTransitions(context.Background(), 1, "negotiation")
	assert.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = machine.AvailableTransitions(context.Background(), 1, "closed_won")
	assert.NoError(t, err)
	assert.Empty(t, out)
}
