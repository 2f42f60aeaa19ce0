package orchestrator

import "fmt"

// Limits bounds a run.
type Limits struct {
	// MaxRetries is the number of rejected attempts tolerated per step
	// before the run is forced to complete.
	MaxRetries int
	// MaxTicks is the number of supervisor invocations after which the run
	// is forced to fail.
	MaxTicks int
}

// Default limits.
const (
	DefaultMaxRetries = 3
	DefaultMaxTicks   = 25
)

// DefaultLimits returns the default run limits.
func DefaultLimits() Limits {
	return Limits{MaxRetries: DefaultMaxRetries, MaxTicks: DefaultMaxTicks}
}

func (l Limits) withDefaults() Limits {
	if l.MaxRetries <= 0 {
		l.MaxRetries = DefaultMaxRetries
	}
	if l.MaxTicks <= 0 {
		l.MaxTicks = DefaultMaxTicks
	}
	return l
}

// Transition decides the next step of a run. It is pure: the same state and
// limits always yield the same patch and directive, and s is not modified.
func Transition(s TaskState, limits Limits) (Patch, Directive) {
	limits = limits.withDefaults()

	if s.RetryCount >= limits.MaxRetries && !s.Tag.IsTerminal() {
		return exhausted(s)
	}

	switch s.Tag {
	case TagStart:
		if len(s.Plan) == 0 {
			return decide(TagPlan, DirectivePlanner, Patch{}, event(s, "plan", "no plan yet; requesting one"))
		}
		return decide(TagExecute, DirectiveExecutor, Patch{StepIndex: ptr(s.StepIndex)},
			event(s, "resume", fmt.Sprintf("plan of %d steps already present", len(s.Plan))))

	case TagPlan:
		if len(s.Plan) == 0 {
			return failed(s, "planner returned no steps")
		}
		return decide(TagExecute, DirectiveExecutor, Patch{StepIndex: ptr(0), RetryCount: ptr(0)},
			event(s, "execute", fmt.Sprintf("plan of %d steps ready", len(s.Plan))))

	case TagExecute:
		if s.Failure != nil {
			return reject(s, limits, s.Failure)
		}
		return decide(TagCritique, DirectiveCritic, Patch{}, event(s, "critique", "attempt produced; requesting review"))

	case TagCritique:
		if s.Failure != nil {
			return reject(s, limits, s.Failure)
		}
		if !s.Approved {
			return reject(s, limits, &Failure{Kind: FailureRejected, Detail: s.Critique})
		}
		return decide(TagAdvance, DirectiveSupervisor, Patch{ClearAttempt: true}, event(s, "approve", s.Critique))

	case TagAdvance:
		next := s.StepIndex + 1
		if next >= len(s.Plan) {
			return complete(s, OutcomeCompleted, s.BestOutput(), "all steps approved")
		}
		return decide(TagExecute, DirectiveExecutor, Patch{
			StepIndex:     ptr(next),
			RetryCount:    ptr(0),
			ClearAttempt:  true,
			PriorCritique: ptr(""),
		}, Event{
			Actor:     ActorSupervisor,
			Action:    "advance",
			Detail:    fmt.Sprintf("moving to step %d of %d", next+1, len(s.Plan)),
			StepIndex: next,
		})

	case TagComplete, TagFail:
		// Already terminal; nothing to decide.
		return Patch{Directive: DirectiveTerminal}, DirectiveTerminal

	default:
		return failed(s, fmt.Sprintf("unexpected tag %q", s.Tag))
	}
}

func reject(s TaskState, limits Limits, f *Failure) (Patch, Directive) {
	retries := s.RetryCount + 1
	feedback := f.Feedback()
	return decide(TagExecute, DirectiveExecutor, Patch{
		RetryCount:    ptr(retries),
		ClearAttempt:  true,
		PriorCritique: ptr(feedback),
	}, event(s, "retry", fmt.Sprintf("%s (attempt %d of %d): %s", f.Kind, retries, limits.MaxRetries, feedback)))
}

func exhausted(s TaskState) (Patch, Directive) {
	out := s.BestOutput()
	if out == "" {
		out = FallbackOutput
	}
	return complete(s, OutcomeRetriesExhausted, out, fmt.Sprintf("retry budget exhausted at step %d", s.StepIndex+1))
}

func complete(s TaskState, outcome Outcome, output, detail string) (Patch, Directive) {
	if output == "" {
		output = FallbackOutput
	}
	return decide(TagComplete, DirectiveTerminal, Patch{
		FinalOutput: ptr(output),
		Outcome:     outcome,
	}, event(s, "complete", detail))
}

func failed(s TaskState, detail string) (Patch, Directive) {
	return terminateFailed(s, OutcomeUnexpectedState, detail)
}

func terminateFailed(s TaskState, outcome Outcome, detail string) (Patch, Directive) {
	out := s.BestOutput()
	if out == "" {
		out = FailedOutput
	}
	return decide(TagFail, DirectiveTerminal, Patch{
		FinalOutput: ptr(out),
		Outcome:     outcome,
	}, event(s, "fail", detail))
}

func decide(tag Tag, d Directive, p Patch, ev Event) (Patch, Directive) {
	p.Tag = ptr(tag)
	p.Directive = d
	p.Events = append(p.Events, ev)
	return p, d
}

func event(s TaskState, action, detail string) Event {
	return Event{
		Actor:     ActorSupervisor,
		Action:    action,
		Detail:    detail,
		StepIndex: s.StepIndex,
	}
}
