package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/telemetry"
)

// scriptedExecutor returns outputs in order and records every request.
type scriptedExecutor struct {
	outputs  []ExecuteResult
	requests []ExecuteRequest
}

func (e *scriptedExecutor) Execute(_ context.Context, req ExecuteRequest) (ExecuteResult, error) {
	e.requests = append(e.requests, req)
	i := len(e.requests) - 1
	if i < len(e.outputs) {
		return e.outputs[i], nil
	}
	return ExecuteResult{Content: fmt.Sprintf("output-%d", i+1)}, nil
}

func (e *scriptedExecutor) retryCounts() []int {
	out := make([]int, 0, len(e.requests))
	for _, r := range e.requests {
		out = append(out, r.RetryCount)
	}
	return out
}

// scriptedCritic returns verdicts in order; once exhausted it rejects.
type scriptedCritic struct {
	verdicts []bool
	requests []ReviewRequest
}

func (c *scriptedCritic) Review(_ context.Context, req ReviewRequest) (Review, error) {
	c.requests = append(c.requests, req)
	i := len(c.requests) - 1
	if i < len(c.verdicts) && c.verdicts[i] {
		return Review{Approved: true, Feedback: "looks good"}, nil
	}
	return Review{Approved: false, Feedback: fmt.Sprintf("rejection %d", i+1)}, nil
}

// MockPlanner is a mock implementation of Planner.
type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Plan(ctx context.Context, req PlanRequest) ([]string, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func staticPlanner(steps ...string) Planner {
	return PlannerFunc(func(context.Context, PlanRequest) ([]string, error) {
		return steps, nil
	})
}

func newTestRouter(t *testing.T, p Planner, e Executor, c Critic, opts ...func(*RouterConfig)) *Router {
	t.Helper()
	cfg := RouterConfig{
		Planner:  p,
		Executor: e,
		Critic:   c,
		Logger:   logging.NewTestLogger().Logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	return r
}

func TestNewRouter_RequiresPerformers(t *testing.T) {
	exec := &scriptedExecutor{}
	critic := &scriptedCritic{}

	_, err := NewRouter(RouterConfig{Executor: exec, Critic: critic})
	assert.ErrorContains(t, err, "planner is required")

	_, err = NewRouter(RouterConfig{Planner: staticPlanner("a"), Critic: critic})
	assert.ErrorContains(t, err, "executor is required")

	_, err = NewRouter(RouterConfig{Planner: staticPlanner("a"), Executor: exec})
	assert.ErrorContains(t, err, "critic is required")

	r, err := NewRouter(RouterConfig{Planner: staticPlanner("a"), Executor: exec, Critic: critic})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits(), r.Limits())
}

func TestRouter_TwoStepPlanWithRetries(t *testing.T) {
	exec := &scriptedExecutor{outputs: []ExecuteResult{
		{Content: "A done"},
		{Content: "B first try"},
		{Content: "B second try"},
		{Content: "B third try"},
	}}
	critic := &scriptedCritic{verdicts: []bool{true, false, false, true}}
	r := newTestRouter(t, staticPlanner("A", "B"), exec, critic)

	state, err := r.Run(context.Background(), "do A then B")
	require.NoError(t, err)

	assert.Equal(t, TagComplete, state.Tag)
	assert.Equal(t, OutcomeCompleted, state.Outcome)
	assert.Equal(t, "B third try", state.FinalOutput)
	assert.Equal(t, []string{"A", "B"}, state.Plan)
	assert.Len(t, exec.requests, 4)
	assert.Equal(t, []int{0, 0, 1, 2}, exec.retryCounts())
	assert.Equal(t, []string{"A", "B", "B", "B"}, []string{
		exec.requests[0].Step, exec.requests[1].Step, exec.requests[2].Step, exec.requests[3].Step,
	})

	// Rejection feedback reaches the next attempt of the same step only.
	assert.Empty(t, exec.requests[1].PriorCritique)
	assert.Equal(t, "rejection 2", exec.requests[2].PriorCritique)
	assert.Equal(t, "rejection 3", exec.requests[3].PriorCritique)

	assert.Equal(t, []string{"A done", "B first try", "B second try", "B third try"}, state.ExecutionHistory)
	assert.Equal(t, 3, critic.requests[3].PriorAttempts)
	assert.NoError(t, state.Validate(DefaultMaxRetries))
}

func TestRouter_RetriesExhaustedCompletes(t *testing.T) {
	exec := &scriptedExecutor{}
	critic := &scriptedCritic{}
	r := newTestRouter(t, staticPlanner("only", "never reached"), exec, critic)

	state, err := r.Run(context.Background(), "impossible")
	require.NoError(t, err)

	assert.Equal(t, TagComplete, state.Tag, "exhausted retries degrade to completion, not failure")
	assert.Equal(t, OutcomeRetriesExhausted, state.Outcome)
	assert.Len(t, exec.requests, DefaultMaxRetries+1)
	assert.Equal(t, "output-4", state.FinalOutput)
	for _, req := range exec.requests {
		assert.Equal(t, "only", req.Step)
	}
}

func TestRouter_EmptyPlanUsesDefaultStep(t *testing.T) {
	planner := new(MockPlanner)
	planner.On("Plan", mock.Anything, PlanRequest{Goal: "vague"}).Return(nil, nil).Once()

	exec := &scriptedExecutor{outputs: []ExecuteResult{{Content: "answer"}}}
	critic := &scriptedCritic{verdicts: []bool{true}}
	r := newTestRouter(t, planner, exec, critic)

	state, err := r.Run(context.Background(), "vague")
	require.NoError(t, err)

	assert.Equal(t, []string{DefaultStep}, state.Plan)
	assert.Equal(t, DefaultStep, exec.requests[0].Step)
	assert.Equal(t, "answer", state.FinalOutput)
	planner.AssertExpectations(t)
}

func TestRouter_EmptyOutputRejectedWithoutCritic(t *testing.T) {
	exec := &scriptedExecutor{outputs: []ExecuteResult{
		{Content: "   "},
		{Content: "real answer"},
	}}
	critic := &scriptedCritic{verdicts: []bool{true}}
	r := newTestRouter(t, staticPlanner("step"), exec, critic)

	state, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)

	require.Len(t, exec.requests, 2)
	assert.Len(t, critic.requests, 1, "critic must not see empty output")
	assert.Equal(t, "real answer", critic.requests[0].Result)
	assert.Equal(t, 1, exec.requests[1].RetryCount)
	assert.Equal(t, EmptyResultFeedback, exec.requests[1].PriorCritique)
	assert.Equal(t, "real answer", state.FinalOutput)

	var rejected []Event
	for _, ev := range state.Events {
		if ev.Actor == ActorCritic && ev.Action == "rejected" {
			rejected = append(rejected, ev)
		}
	}
	require.Len(t, rejected, 1)
	assert.Equal(t, EmptyResultFeedback, rejected[0].Detail)
}

func TestRouter_ExecutorFailureRetries(t *testing.T) {
	exec := &scriptedExecutor{outputs: []ExecuteResult{
		{Failure: NewSchemaFailure("response was not valid JSON")},
		{Content: "fixed"},
	}}
	critic := &scriptedCritic{verdicts: []bool{true}}
	r := newTestRouter(t, staticPlanner("step"), exec, critic)

	state, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)

	require.Len(t, exec.requests, 2)
	assert.Equal(t, "response was not valid JSON", exec.requests[1].PriorCritique)
	assert.Len(t, critic.requests, 1)
	assert.Equal(t, "fixed", state.FinalOutput)
	assert.Equal(t, []string{"fixed"}, state.ExecutionHistory)
}

func TestRouter_CriticFailureRetries(t *testing.T) {
	calls := 0
	critic := CriticFunc(func(context.Context, ReviewRequest) (Review, error) {
		calls++
		if calls == 1 {
			return Review{Approved: true, Failure: NewSchemaFailure("verdict unreadable")}, nil
		}
		return Review{Approved: true}, nil
	})
	exec := &scriptedExecutor{}
	r := newTestRouter(t, staticPlanner("step"), exec, critic)

	state, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Len(t, exec.requests, 2)
	assert.Equal(t, "verdict unreadable", exec.requests[1].PriorCritique)
	assert.Equal(t, "output-2", state.FinalOutput)
}

func TestRouter_TickCeilingForcesFail(t *testing.T) {
	exec := &scriptedExecutor{}
	critic := &scriptedCritic{}
	r := newTestRouter(t, staticPlanner("step"), exec, critic, func(cfg *RouterConfig) {
		cfg.Limits = Limits{MaxRetries: 100, MaxTicks: 7}
	})

	state, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, TagFail, state.Tag)
	assert.Equal(t, OutcomeTickCeiling, state.Outcome)
	assert.Equal(t, state.LastOutput, state.FinalOutput)
	last := state.Events[len(state.Events)-1]
	assert.Equal(t, ActorRouter, last.Actor)

	supervisorTicks := 0
	for _, ev := range state.Events {
		if ev.Actor == ActorSupervisor {
			supervisorTicks++
		}
	}
	assert.Equal(t, 7, supervisorTicks)
}

func TestRouter_CollaboratorErrorAborts(t *testing.T) {
	outage := errors.New("connection refused")

	t.Run("planner", func(t *testing.T) {
		planner := new(MockPlanner)
		planner.On("Plan", mock.Anything, mock.Anything).Return(nil, outage)
		r := newTestRouter(t, planner, &scriptedExecutor{}, &scriptedCritic{})

		state, err := r.Run(context.Background(), "goal")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCollaboratorUnavailable)
		assert.ErrorIs(t, err, outage)
		assert.False(t, state.Done())
		assert.Empty(t, state.FinalOutput)
	})

	t.Run("executor", func(t *testing.T) {
		exec := ExecutorFunc(func(context.Context, ExecuteRequest) (ExecuteResult, error) {
			return ExecuteResult{}, outage
		})
		r := newTestRouter(t, staticPlanner("a"), exec, &scriptedCritic{})

		_, err := r.Run(context.Background(), "goal")
		assert.ErrorIs(t, err, ErrCollaboratorUnavailable)
	})

	t.Run("critic", func(t *testing.T) {
		critic := CriticFunc(func(context.Context, ReviewRequest) (Review, error) {
			return Review{}, fmt.Errorf("llm: %w", ErrCollaboratorUnavailable)
		})
		r := newTestRouter(t, staticPlanner("a"), &scriptedExecutor{}, critic)

		state, err := r.Run(context.Background(), "goal")
		assert.ErrorIs(t, err, ErrCollaboratorUnavailable)
		assert.Equal(t, "output-1", state.LastOutput)
	})
}

func TestRouter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRouter(t, staticPlanner("a"), &scriptedExecutor{}, &scriptedCritic{})
	_, err := r.Run(ctx, "goal")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouter_CancelledDuringPerformer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := ExecutorFunc(func(ctx context.Context, _ ExecuteRequest) (ExecuteResult, error) {
		cancel()
		return ExecuteResult{}, ctx.Err()
	})
	r := newTestRouter(t, staticPlanner("a"), exec, &scriptedCritic{})

	_, err := r.Run(ctx, "goal")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCollaboratorUnavailable)
}

func TestRouter_ResumesExistingPlan(t *testing.T) {
	planner := new(MockPlanner)
	exec := &scriptedExecutor{}
	critic := &scriptedCritic{verdicts: []bool{true}}
	r := newTestRouter(t, planner, exec, critic)

	state := NewTaskState("goal")
	state.Plan = []string{"done already", "remaining"}
	state.StepIndex = 1

	final, err := r.Drive(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, TagComplete, final.Tag)
	require.Len(t, exec.requests, 1)
	assert.Equal(t, "remaining", exec.requests[0].Step)
	planner.AssertNotCalled(t, "Plan", mock.Anything, mock.Anything)
}

func TestRouter_ObserverSeesEveryEvent(t *testing.T) {
	var seen []Event
	observer := ObserverFunc(func(_ context.Context, ev Event) {
		seen = append(seen, ev)
	})
	r := newTestRouter(t, staticPlanner("a"), &scriptedExecutor{}, &scriptedCritic{verdicts: []bool{true}},
		func(cfg *RouterConfig) { cfg.Observer = observer })

	state, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, state.Events, seen)
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	exec := &scriptedExecutor{outputs: []ExecuteResult{{Content: ""}, {Content: "ok"}}}
	r := newTestRouter(t, staticPlanner("a"), exec, &scriptedCritic{verdicts: []bool{true}},
		func(cfg *RouterConfig) { cfg.Metrics = metrics })

	_, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(string(OutcomeCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failures.WithLabelValues(string(FailureEmptyResult))))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.performerCalls.WithLabelValues(string(ActorExecutor), "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.performerCalls.WithLabelValues(string(ActorCritic), "ok")))
}

func TestRouter_LogsRunLifecycle(t *testing.T) {
	logger := logging.NewTestLogger()
	r := newTestRouter(t, staticPlanner("a"), &scriptedExecutor{}, &scriptedCritic{verdicts: []bool{true}},
		func(cfg *RouterConfig) { cfg.Logger = logger.Logger })

	_, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)

	logger.AssertLogged(t, zapcore.InfoLevel, "run started")
	logger.AssertLogged(t, zapcore.InfoLevel, "run finished")
}

func TestRouter_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	exec := &scriptedExecutor{outputs: []ExecuteResult{{Content: "draft"}, {Content: "final"}}}
	r := newTestRouter(t, staticPlanner("a"), exec, &scriptedCritic{verdicts: []bool{false, true}},
		func(cfg *RouterConfig) { cfg.TracerProvider = tel.TracerProvider() })

	_, err := r.Run(context.Background(), "goal")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"orchestrator.planner",
		"orchestrator.executor",
		"orchestrator.critic",
		"orchestrator.executor",
		"orchestrator.critic",
		"orchestrator.run",
	}, tel.SpanNames())
	tel.AssertSpanAttribute(t, "orchestrator.run", "orchestrator.outcome", string(OutcomeCompleted))
	tel.AssertSpanAttribute(t, "orchestrator.run", "orchestrator.plan_steps", int64(1))
	tel.AssertSpanAttribute(t, "orchestrator.planner", "plan.steps", int64(1))
}

// checkTickInvariants asserts the per-step invariants between two
// consecutive states of one run.
func checkTickInvariants(t *testing.T, prev, next TaskState, limits Limits) {
	t.Helper()
	require.NoError(t, next.Validate(limits.MaxRetries))

	if len(next.Plan) > 0 {
		require.Less(t, next.StepIndex, len(next.Plan))
		require.Equal(t, next.Plan[next.StepIndex], next.CurrentStep)
	}
	require.GreaterOrEqual(t, next.StepIndex, prev.StepIndex, "step index never decreases")
	if next.StepIndex != prev.StepIndex {
		require.Zero(t, next.RetryCount, "retry count resets when the step changes")
	} else {
		require.GreaterOrEqual(t, next.RetryCount, prev.RetryCount, "retry count only grows within a step")
	}

	require.GreaterOrEqual(t, len(next.Events), len(prev.Events))
	require.Equal(t, prev.Events, next.Events[:len(prev.Events)], "events are append-only")
	require.GreaterOrEqual(t, len(next.ExecutionHistory), len(prev.ExecutionHistory))

	require.Equal(t, next.Tag.IsTerminal(), next.FinalOutput != "", "final output is set exactly at a terminal tag")
	if prev.Tag.IsTerminal() {
		require.Equal(t, prev.FinalOutput, next.FinalOutput)
	}
	if prev.Tag == TagCritique && next.Tag != TagCritique {
		require.Empty(t, next.ExecutionResult, "leaving critique clears the attempt")
	}
	if prev.LastOutput != "" {
		require.NotEmpty(t, next.LastOutput, "last output is never cleared")
	}
}

func TestRouter_InvariantsHoldEveryTick(t *testing.T) {
	tests := []struct {
		name        string
		plan        []string
		outputs     []ExecuteResult
		verdicts    []bool
		wantOutcome Outcome
		wantOutput  string
	}{
		{
			name: "mixed approvals then exhaustion",
			plan: []string{"A", "B", "C"},
			outputs: []ExecuteResult{
				{Content: "A done"},
				{Content: "B draft"},
				{Content: "B done"},
				{Content: ""},
				{Failure: NewSchemaFailure("missing content field")},
				{Content: "C draft"},
			},
			verdicts:    []bool{true, false, true, false},
			wantOutcome: OutcomeRetriesExhausted,
			wantOutput:  "C draft",
		},
		{
			name: "every step approved after retries",
			plan: []string{"A", "B"},
			outputs: []ExecuteResult{
				{Content: "A draft"},
				{Content: "A done"},
				{Content: "B draft"},
				{Content: "B again"},
				{Content: "B done"},
			},
			verdicts:    []bool{false, true, false, false, true},
			wantOutcome: OutcomeCompleted,
			wantOutput:  "B done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &scriptedExecutor{outputs: tt.outputs}
			critic := &scriptedCritic{verdicts: tt.verdicts}
			r := newTestRouter(t, staticPlanner(tt.plan...), exec, critic)

			prev := NewTaskState("goal")
			applied := 0
			r.onState = func(next TaskState) {
				checkTickInvariants(t, prev, next, r.Limits())
				prev = next
				applied++
			}

			final, err := r.Run(context.Background(), "goal")
			require.NoError(t, err)
			assert.Equal(t, prev, final)
			assert.Greater(t, applied, len(tt.outputs))
			assert.Equal(t, tt.wantOutcome, final.Outcome)
			assert.Equal(t, tt.wantOutput, final.FinalOutput)
			assert.Len(t, exec.requests, len(tt.outputs))
		})
	}
}
