package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCollaboratorUnavailable marks performer errors caused by an unreachable
// or failing external collaborator. These abort the run.
var ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

// FailureKind classifies a content failure.
type FailureKind string

const (
	// FailureEmptyResult means the executor produced no usable output.
	FailureEmptyResult FailureKind = "empty_result"
	// FailureSchemaValidation means a structured output failed validation.
	FailureSchemaValidation FailureKind = "schema_validation"
	// FailureRejected means the critic reviewed the output and rejected it.
	FailureRejected FailureKind = "rejected"
)

// EmptyResultFeedback is the critique recorded when an attempt produced no
// output.
const EmptyResultFeedback = "Executor produced no output for this step."

// Failure is a content failure reported by a performer. All kinds are
// handled the same way: the attempt is rejected and retried.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Feedback returns the text handed back to the next attempt.
func (f *Failure) Feedback() string {
	if strings.TrimSpace(f.Detail) != "" {
		return f.Detail
	}
	switch f.Kind {
	case FailureEmptyResult:
		return EmptyResultFeedback
	case FailureSchemaValidation:
		return "Output did not match the required format."
	default:
		return "Output was rejected."
	}
}

// NewEmptyResult returns the failure used for empty executor output.
func NewEmptyResult() *Failure {
	return &Failure{Kind: FailureEmptyResult, Detail: EmptyResultFeedback}
}

// NewSchemaFailure returns a schema validation failure.
func NewSchemaFailure(detail string) *Failure {
	return &Failure{Kind: FailureSchemaValidation, Detail: detail}
}

// PlanRequest is the planner input.
type PlanRequest struct {
	Goal string
}

// ExecuteRequest is the executor input.
type ExecuteRequest struct {
	Goal      string
	Step      string
	StepIndex int
	StepCount int
	// RetryCount is the number of rejected attempts of this step so far.
	RetryCount int
	// PriorCritique is the feedback from the last rejected attempt of this
	// step, or "".
	PriorCritique string
	// History holds every earlier attempt across the run, oldest first.
	History []string
}

// ExecuteResult is the executor output. Content is ignored when Failure is
// set.
type ExecuteResult struct {
	Content string
	Failure *Failure
}

// ReviewRequest is the critic input.
type ReviewRequest struct {
	Goal   string
	Step   string
	Result string
	// PriorAttempts is the number of attempts made before this one.
	PriorAttempts int
}

// Review is the critic output. A Failure, when set, overrides Approved.
type Review struct {
	Approved bool
	Feedback string
	Failure  *Failure
}

// Planner decomposes a goal into ordered steps.
//
// Implementations recover from unparseable output locally; the returned plan
// is normalised by the Router either way.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]string, error)
}

// Executor produces output for one step.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// Critic judges one step's output.
type Critic interface {
	Review(ctx context.Context, req ReviewRequest) (Review, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req PlanRequest) ([]string, error)

func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) ([]string, error) {
	return f(ctx, req)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	return f(ctx, req)
}

// CriticFunc adapts a function to Critic.
type CriticFunc func(ctx context.Context, req ReviewRequest) (Review, error)

func (f CriticFunc) Review(ctx context.Context, req ReviewRequest) (Review, error) {
	return f(ctx, req)
}

// Plan size limits and the step used when no plan can be derived.
const (
	MaxPlanSteps = 4
	DefaultStep  = "Produce a final, complete answer to the task"
)

// NormalizePlan trims steps, drops blanks, caps the plan at MaxPlanSteps and
// substitutes DefaultStep for an empty plan.
func NormalizePlan(steps []string) []string {
	out := make([]string, 0, MaxPlanSteps)
	for _, s := range steps {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == MaxPlanSteps {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, DefaultStep)
	}
	return out
}

// CollaboratorError wraps err so that errors.Is(err,
// ErrCollaboratorUnavailable) holds.
func CollaboratorError(performer Actor, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCollaboratorUnavailable) {
		return fmt.Errorf("%s: %w", performer, err)
	}
	return fmt.Errorf("%s: %w: %w", performer, ErrCollaboratorUnavailable, err)
}
