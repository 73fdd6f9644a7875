package agents

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseforge/internal/inference"
)

func TestPlanningEffort(t *testing.T) {
	runtime := IssueReport{RuntimeErrors: []RuntimeError{{Message: "boom"}}}
	lint := IssueReport{StaticAnalysis: StaticAnalysis{Lint: []CodeIssue{{File: "a.ts", Message: "unused"}}}}

	tests := []struct {
		name        string
		base        inference.ReasoningEffort
		issues      IssueReport
		suggestions []string
		want        inference.ReasoningEffort
	}{
		{"nothing pending keeps default", inference.EffortLow, IssueReport{}, nil, inference.EffortLow},
		{"lint alone keeps default", inference.EffortLow, lint, nil, inference.EffortLow},
		{"runtime errors raise low", inference.EffortLow, runtime, nil, inference.EffortMedium},
		{"suggestions raise low", inference.EffortLow, IssueReport{}, []string{"dark mode"}, inference.EffortMedium},
		{"medium goes high", inference.EffortMedium, runtime, []string{"x"}, inference.EffortHigh},
		{"high stays high", inference.EffortHigh, runtime, nil, inference.EffortHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlanningEffort(tt.base, tt.issues, tt.suggestions))
		})
	}
}

const phaseJSON = `{"name": "Cart", "description": "Add a cart", "files": [
	{"path": "src/Cart.tsx", "purpose": "Cart view", "changeType": "create"},
	{"path": "src/old.ts", "purpose": "", "changeType": "delete"}
], "installCommands": ["bun add zustand"], "lastPhase": false}`

func TestPhaseGenerationExecute(t *testing.T) {
	exec := replying(phaseJSON)
	gc := NewGenerationContext("shop", Blueprint{Title: "Shop"}, TemplateDetails{},
		FileOutput{Path: "src/App.tsx", Contents: "x"})

	phase, err := NewPhaseGeneration().Execute(context.Background(), PhaseGenerationInput{
		Issues:        IssueReport{RuntimeErrors: []RuntimeError{{Message: "TypeError: x is undefined"}}},
		Suggestions:   []string{"add a cart"},
		Images:        []string{"https://cdn.example.com/mock.png"},
		UserRequested: true,
		Completed:     []PhaseConcept{{Name: "Scaffold", Description: "Base layout"}},
	}, testOptions(exec, gc))
	require.NoError(t, err)

	assert.Equal(t, "Cart", phase.Name)
	assert.Equal(t, []string{"src/old.ts"}, phase.Deletions())
	assert.Equal(t, []string{"bun add zustand"}, phase.InstallCommands)

	req := exec.last()
	assert.Equal(t, inference.EffortMedium, req.ReasoningEffort)
	assert.Equal(t, 0, req.RetryLimit)
	assert.True(t, req.Messages[1].HasImages())
	prompt := userText(req)
	assert.Contains(t, prompt, "TypeError: x is undefined")
	assert.Contains(t, prompt, "explicitly requested")
	assert.Contains(t, prompt, "Scaffold")
	assert.Contains(t, prompt, "src/App.tsx")
}

func TestPhaseGenerationPropagatesErrorsWithoutRetry(t *testing.T) {
	var calls int32
	exec := newFakeExecutor(func(*inference.Request) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", inference.NewTransientError(errors.New("overloaded"))
	})
	gc := NewGenerationContext("q", Blueprint{}, TemplateDetails{})

	_, err := NewPhaseGeneration().Execute(context.Background(), PhaseGenerationInput{}, testOptions(exec, gc))
	require.Error(t, err)
	assert.True(t, inference.IsTransient(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPhaseGenerationRejectsInvalidPlans(t *testing.T) {
	exec := replying(`{"name": "", "files": [{"path": "../etc/passwd", "changeType": "create"}]}`)
	gc := NewGenerationContext("q", Blueprint{}, TemplateDetails{})

	_, err := NewPhaseGeneration().Execute(context.Background(), PhaseGenerationInput{}, testOptions(exec, gc))
	require.Error(t, err)
	assert.True(t, inference.IsSchemaMismatch(err))
}

func TestOperationOptionsValidation(t *testing.T) {
	_, err := NewPhaseGeneration().Execute(context.Background(), PhaseGenerationInput{}, nil)
	assert.ErrorIs(t, err, errNoExecutor)

	_, err = NewPhaseGeneration().Execute(context.Background(), PhaseGenerationInput{}, &OperationOptions{Executor: replying("")})
	assert.ErrorIs(t, err, errNoContext)
}
