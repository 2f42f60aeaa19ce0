package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/taskflow/internal/orchestrator"

// Observer receives every event appended to a run's log, in order.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// RouterConfig configures a Router.
type RouterConfig struct {
	Planner  Planner
	Executor Executor
	Critic   Critic

	Limits   Limits
	Logger   *logging.Logger
	Metrics  *Metrics
	Observer Observer
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Router drives runs from START to a terminal tag.
type Router struct {
	planner  Planner
	executor Executor
	critic   Critic

	limits   Limits
	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
	tracer   trace.Tracer

	// onState sees every intermediate state. Set by tests.
	onState func(TaskState)
}

// NewRouter creates a Router. All three performers are required.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg.Critic == nil {
		return nil, errors.New("critic is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Router{
		planner:  cfg.Planner,
		executor: cfg.Executor,
		critic:   cfg.Critic,
		limits:   cfg.Limits.withDefaults(),
		logger:   logger.Named("router"),
		metrics:  cfg.Metrics,
		observer: cfg.Observer,
		tracer:   tp.Tracer(instrumentationName),
	}, nil
}

// Limits returns the limits the router enforces.
func (r *Router) Limits() Limits {
	return r.limits
}

// Run executes a run for goal from START.
func (r *Router) Run(ctx context.Context, goal string) (TaskState, error) {
	return r.Drive(ctx, NewTaskState(goal))
}

// Drive advances state until it reaches a terminal tag.
//
// Content failures never produce an error. An error is returned only when a
// performer reports a collaborator outage or ctx is done; the returned state
// is then the last consistent state of the run.
func (r *Router) Drive(ctx context.Context, state TaskState) (TaskState, error) {
	ctx, span := r.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.Int("orchestrator.max_ticks", r.limits.MaxTicks)))
	defer span.End()

	start := time.Now()
	ticks := 0

	r.logger.Info(ctx, "run started", zap.Int("goal_length", len(state.Goal)))

	for !state.Done() {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, span, state, ticks, fmt.Errorf("run cancelled: %w", err))
		}

		if ticks >= r.limits.MaxTicks {
			state = r.apply(ctx, state, ceilingPatch(state, r.limits.MaxTicks))
			break
		}
		ticks++

		patch, directive := Transition(state, r.limits)
		state = r.apply(ctx, state, patch)

		r.logger.Debug(ctx, "supervisor decided",
			zap.Int("tick", ticks),
			zap.String("tag", string(state.Tag)),
			zap.String("directive", string(directive)),
			zap.Int("step_index", state.StepIndex),
			zap.Int("retry_count", state.RetryCount),
		)

		var (
			fold Patch
			err  error
		)
		switch directive {
		case DirectiveTerminal, DirectiveSupervisor:
			continue
		case DirectivePlanner:
			fold, err = r.plan(ctx, state)
		case DirectiveExecutor:
			fold, err = r.execute(ctx, state)
		case DirectiveCritic:
			fold, err = r.review(ctx, state)
		default:
			fold, _ = terminateFailed(state, OutcomeUnexpectedState, fmt.Sprintf("unknown directive %q", directive))
		}
		if err != nil {
			return r.abort(ctx, span, state, ticks, err)
		}
		state = r.apply(ctx, state, fold)
	}

	r.metrics.observeRun(state, ticks, time.Since(start))
	span.SetAttributes(
		attribute.String("orchestrator.outcome", string(state.Outcome)),
		attribute.Int("orchestrator.ticks", ticks),
		attribute.Int("orchestrator.plan_steps", len(state.Plan)),
	)
	r.logger.Info(ctx, "run finished",
		zap.String("tag", string(state.Tag)),
		zap.String("outcome", string(state.Outcome)),
		zap.Int("ticks", ticks),
		zap.Int("attempts", len(state.ExecutionHistory)),
		zap.Duration("duration", time.Since(start)),
	)
	return state, nil
}

func (r *Router) abort(ctx context.Context, span trace.Span, state TaskState, ticks int, err error) (TaskState, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.observeAbort(ticks)
	r.logger.Error(ctx, "run aborted",
		zap.Error(err),
		zap.String("tag", string(state.Tag)),
		zap.Int("ticks", ticks),
	)
	return state, err
}

func (r *Router) apply(ctx context.Context, state TaskState, p Patch) TaskState {
	next := state.Apply(p)
	if r.onState != nil {
		r.onState(next)
	}
	if r.observer != nil {
		for _, ev := range p.Events {
			r.observer.OnEvent(ctx, ev)
		}
	}
	return next
}

func (r *Router) plan(ctx context.Context, state TaskState) (Patch, error) {
	ctx, span := r.startPerformer(ctx, ActorPlanner, state)
	defer span.End()

	steps, err := r.planner.Plan(ctx, PlanRequest{Goal: state.Goal})
	r.metrics.observeCall(ActorPlanner, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Patch{}, performerError(ctx, ActorPlanner, err)
	}

	plan := NormalizePlan(steps)
	span.SetAttributes(attribute.Int("plan.steps", len(plan)))
	return Patch{
		Plan: plan,
		Events: []Event{{
			Actor:     ActorPlanner,
			Action:    "planned",
			Detail:    fmt.Sprintf("%d steps", len(plan)),
			StepIndex: state.StepIndex,
		}},
	}, nil
}

func (r *Router) execute(ctx context.Context, state TaskState) (Patch, error) {
	ctx, span := r.startPerformer(ctx, ActorExecutor, state)
	defer span.End()

	res, err := r.executor.Execute(ctx, ExecuteRequest{
		Goal:          state.Goal,
		Step:          state.CurrentStep,
		StepIndex:     state.StepIndex,
		StepCount:     len(state.Plan),
		RetryCount:    state.RetryCount,
		PriorCritique: state.PriorCritique,
		History:       state.ExecutionHistory,
	})
	r.metrics.observeCall(ActorExecutor, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Patch{}, performerError(ctx, ActorExecutor, err)
	}

	if res.Failure != nil {
		r.metrics.observeFailure(res.Failure.Kind)
		span.SetAttributes(attribute.String("failure.kind", string(res.Failure.Kind)))
		return Patch{
			Failure: res.Failure,
			Events: []Event{{
				Actor:     ActorExecutor,
				Action:    "failed",
				Detail:    res.Failure.Error(),
				StepIndex: state.StepIndex,
			}},
		}, nil
	}

	span.SetAttributes(attribute.Int("output.length", len(res.Content)))
	return Patch{
		Output: ptr(res.Content),
		Events: []Event{{
			Actor:     ActorExecutor,
			Action:    "executed",
			Detail:    fmt.Sprintf("attempt %d produced %d characters", state.RetryCount+1, len(res.Content)),
			StepIndex: state.StepIndex,
		}},
	}, nil
}

// review consults the critic, except for empty results which are rejected
// without calling it.
func (r *Router) review(ctx context.Context, state TaskState) (Patch, error) {
	if strings.TrimSpace(state.ExecutionResult) == "" {
		f := NewEmptyResult()
		r.metrics.observeFailure(f.Kind)
		r.logger.Debug(ctx, "empty result rejected without review", zap.Int("step_index", state.StepIndex))
		return rejection(state, f), nil
	}

	ctx, span := r.startPerformer(ctx, ActorCritic, state)
	defer span.End()

	priorAttempts := len(state.ExecutionHistory) - 1
	if priorAttempts < 0 {
		priorAttempts = 0
	}
	rv, err := r.critic.Review(ctx, ReviewRequest{
		Goal:          state.Goal,
		Step:          state.CurrentStep,
		Result:        state.ExecutionResult,
		PriorAttempts: priorAttempts,
	})
	r.metrics.observeCall(ActorCritic, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Patch{}, performerError(ctx, ActorCritic, err)
	}

	switch {
	case rv.Failure != nil:
		r.metrics.observeFailure(rv.Failure.Kind)
		return rejection(state, rv.Failure), nil
	case !rv.Approved:
		f := &Failure{Kind: FailureRejected, Detail: rv.Feedback}
		r.metrics.observeFailure(f.Kind)
		return rejection(state, f), nil
	}

	span.SetAttributes(attribute.Bool("review.approved", true))
	return Patch{
		Review: &Review{Approved: true, Feedback: rv.Feedback},
		Events: []Event{{
			Actor:     ActorCritic,
			Action:    "approved",
			Detail:    rv.Feedback,
			StepIndex: state.StepIndex,
		}},
	}, nil
}

func rejection(state TaskState, f *Failure) Patch {
	return Patch{
		Review:  &Review{Approved: false, Feedback: f.Feedback()},
		Failure: f,
		Events: []Event{{
			Actor:     ActorCritic,
			Action:    "rejected",
			Detail:    f.Feedback(),
			StepIndex: state.StepIndex,
		}},
	}
}

// performerError reports a call that failed because the run itself was
// cancelled as a context error rather than an outage.
func performerError(ctx context.Context, actor Actor, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: run cancelled: %w", actor, ctxErr)
	}
	return CollaboratorError(actor, err)
}

func ceilingPatch(state TaskState, maxTicks int) Patch {
	p, _ := terminateFailed(state, OutcomeTickCeiling, fmt.Sprintf("tick ceiling of %d reached", maxTicks))
	for i := range p.Events {
		p.Events[i].Actor = ActorRouter
	}
	return p
}

func (r *Router) startPerformer(ctx context.Context, actor Actor, state TaskState) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "orchestrator."+string(actor),
		trace.WithAttributes(
			attribute.String("performer", string(actor)),
			attribute.Int("step_index", state.StepIndex),
			attribute.Int("retry_count", state.RetryCount),
		))
}
