package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Table(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name          string
		state         TaskState
		wantTag       Tag
		wantDirective Directive
		check         func(t *testing.T, next TaskState)
	}{
		{
			name:          "start without plan requests planner",
			state:         NewTaskState("goal"),
			wantTag:       TagPlan,
			wantDirective: DirectivePlanner,
		},
		{
			name:          "start with plan resumes execution",
			state:         TaskState{Goal: "goal", Tag: TagStart, Plan: []string{"a", "b"}, StepIndex: 1},
			wantTag:       TagExecute,
			wantDirective: DirectiveExecutor,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, "b", next.CurrentStep)
			},
		},
		{
			name:          "plan produced moves to first step",
			state:         TaskState{Goal: "goal", Tag: TagPlan, Plan: []string{"a", "b"}},
			wantTag:       TagExecute,
			wantDirective: DirectiveExecutor,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, 0, next.StepIndex)
				assert.Equal(t, "a", next.CurrentStep)
				assert.Equal(t, 0, next.RetryCount)
			},
		},
		{
			name:          "empty plan at plan tag fails",
			state:         TaskState{Goal: "goal", Tag: TagPlan},
			wantTag:       TagFail,
			wantDirective: DirectiveTerminal,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, FailedOutput, next.FinalOutput)
				assert.Equal(t, OutcomeUnexpectedState, next.Outcome)
			},
		},
		{
			name:          "attempt produced requests critic",
			state:         TaskState{Tag: TagExecute, Plan: []string{"a"}, ExecutionResult: "out"},
			wantTag:       TagCritique,
			wantDirective: DirectiveCritic,
		},
		{
			name: "executor failure retries",
			state: TaskState{
				Tag:     TagExecute,
				Plan:    []string{"a"},
				Failure: NewSchemaFailure("missing content field"),
			},
			wantTag:       TagExecute,
			wantDirective: DirectiveExecutor,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, 1, next.RetryCount)
				assert.Nil(t, next.Failure)
				assert.Equal(t, "missing content field", next.PriorCritique)
			},
		},
		{
			name: "approved advances and clears the attempt",
			state: TaskState{
				Tag:             TagCritique,
				Plan:            []string{"a"},
				ExecutionResult: "out",
				LastOutput:      "out",
				Approved:        true,
				Critique:        "good",
			},
			wantTag:       TagAdvance,
			wantDirective: DirectiveSupervisor,
			check: func(t *testing.T, next TaskState) {
				assert.Empty(t, next.ExecutionResult)
				assert.Empty(t, next.Critique)
				assert.False(t, next.Approved)
				assert.Equal(t, "out", next.LastOutput)
			},
		},
		{
			name: "rejected retries with feedback",
			state: TaskState{
				Tag:             TagCritique,
				Plan:            []string{"a"},
				ExecutionResult: "out",
				LastOutput:      "out",
				Critique:        "too short",
				RetryCount:      1,
			},
			wantTag:       TagExecute,
			wantDirective: DirectiveExecutor,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, 2, next.RetryCount)
				assert.Empty(t, next.ExecutionResult)
				assert.Empty(t, next.Critique)
				assert.False(t, next.Approved)
				assert.Equal(t, "too short", next.PriorCritique)
				assert.Equal(t, "out", next.LastOutput)
			},
		},
		{
			name: "advance to next step resets retries",
			state: TaskState{
				Tag:             TagAdvance,
				Plan:            []string{"a", "b"},
				ExecutionResult: "out",
				Approved:        true,
				RetryCount:      2,
				PriorCritique:   "old",
			},
			wantTag:       TagExecute,
			wantDirective: DirectiveExecutor,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, 1, next.StepIndex)
				assert.Equal(t, "b", next.CurrentStep)
				assert.Equal(t, 0, next.RetryCount)
				assert.Empty(t, next.ExecutionResult)
				assert.Empty(t, next.PriorCritique)
				assert.False(t, next.Approved)
			},
		},
		{
			name:          "advance past last step completes",
			state:         TaskState{Tag: TagAdvance, Plan: []string{"a", "b"}, StepIndex: 1, LastOutput: "final"},
			wantTag:       TagComplete,
			wantDirective: DirectiveTerminal,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, "final", next.FinalOutput)
				assert.Equal(t, OutcomeCompleted, next.Outcome)
			},
		},
		{
			name:          "unknown tag fails with best output",
			state:         TaskState{Tag: Tag("bogus"), LastOutput: "partial"},
			wantTag:       TagFail,
			wantDirective: DirectiveTerminal,
			check: func(t *testing.T, next TaskState) {
				assert.Equal(t, "partial", next.FinalOutput)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch, directive := Transition(tt.state, limits)
			assert.Equal(t, tt.wantDirective, directive)
			assert.Equal(t, tt.wantDirective, patch.Directive)

			next := tt.state.Apply(patch)
			assert.Equal(t, tt.wantTag, next.Tag)
			require.NotEmpty(t, patch.Events)
			assert.Equal(t, ActorSupervisor, patch.Events[0].Actor)
			if tt.check != nil {
				tt.check(t, next)
			}
		})
	}
}

func TestTransition_TerminalTagsAreNoop(t *testing.T) {
	for _, tag := range []Tag{TagComplete, TagFail} {
		t.Run(string(tag), func(t *testing.T) {
			state := TaskState{
				Tag:         tag,
				Plan:        []string{"a"},
				RetryCount:  DefaultMaxRetries,
				FinalOutput: "done",
				Outcome:     OutcomeCompleted,
			}
			patch, directive := Transition(state, DefaultLimits())
			assert.Equal(t, DirectiveTerminal, directive)
			assert.Empty(t, patch.Events)
			assert.Nil(t, patch.FinalOutput)

			next := state.Apply(patch)
			assert.Equal(t, tag, next.Tag)
			assert.Equal(t, "done", next.FinalOutput)
			assert.Equal(t, OutcomeCompleted, next.Outcome)
		})
	}
}

func TestTransition_RetryGuard(t *testing.T) {
	t.Run("guard preempts every tag", func(t *testing.T) {
		for _, tag := range []Tag{TagStart, TagPlan, TagExecute, TagCritique, TagAdvance} {
			state := TaskState{
				Tag:             tag,
				Plan:            []string{"a"},
				RetryCount:      DefaultMaxRetries,
				ExecutionResult: "latest",
				LastOutput:      "older",
			}
			patch, directive := Transition(state, DefaultLimits())
			next := state.Apply(patch)

			assert.Equal(t, DirectiveTerminal, directive, tag)
			assert.Equal(t, TagComplete, next.Tag, tag)
			assert.Equal(t, OutcomeRetriesExhausted, next.Outcome, tag)
			assert.Equal(t, "older", next.FinalOutput, tag)
		}
	})

	t.Run("falls back to execution result", func(t *testing.T) {
		state := TaskState{Tag: TagExecute, RetryCount: 3, ExecutionResult: "latest"}
		patch, _ := Transition(state, DefaultLimits())
		assert.Equal(t, "latest", state.Apply(patch).FinalOutput)
	})

	t.Run("falls back to fixed message", func(t *testing.T) {
		state := TaskState{Tag: TagExecute, RetryCount: 3}
		patch, _ := Transition(state, DefaultLimits())
		assert.Equal(t, FallbackOutput, state.Apply(patch).FinalOutput)
	})

	t.Run("honours configured maximum", func(t *testing.T) {
		state := TaskState{Tag: TagCritique, Plan: []string{"a"}, RetryCount: 1, Critique: "no"}
		_, directive := Transition(state, Limits{MaxRetries: 1})
		assert.Equal(t, DirectiveTerminal, directive)
	})
}

func TestTransition_Deterministic(t *testing.T) {
	states := []TaskState{
		NewTaskState("goal"),
		{Tag: TagPlan, Plan: []string{"a", "b"}},
		{Tag: TagCritique, Plan: []string{"a"}, Critique: "no", RetryCount: 2},
		{Tag: TagAdvance, Plan: []string{"a"}, LastOutput: "x"},
	}
	for _, s := range states {
		before := s.Clone()
		p1, d1 := Transition(s, DefaultLimits())
		p2, d2 := Transition(s, DefaultLimits())

		assert.Equal(t, p1, p2)
		assert.Equal(t, d1, d2)
		assert.Equal(t, before, s, "transition must not modify its input")
	}
}

func TestTransition_RetryCountStaysInRange(t *testing.T) {
	limits := DefaultLimits()
	state := TaskState{Tag: TagCritique, Plan: []string{"a"}, Critique: "no"}
	for i := 0; i < 10 && !state.Done(); i++ {
		patch, _ := Transition(state, limits)
		state = state.Apply(patch)
		require.LessOrEqual(t, state.RetryCount, limits.MaxRetries)
		if state.Tag == TagExecute {
			state = state.Apply(Patch{Tag: ptr(TagCritique), Review: &Review{Feedback: "no"}})
		}
	}
	assert.Equal(t, TagComplete, state.Tag)
	assert.Equal(t, limits.MaxRetries, state.RetryCount)
}
