package orchestrator

import (
	"fmt"
	"slices"
	"strings"
)

// Tag is the control state of a run.
type Tag string

const (
	TagStart    Tag = "start"
	TagPlan     Tag = "plan"
	TagExecute  Tag = "execute"
	TagCritique Tag = "critique"
	TagAdvance  Tag = "advance"
	TagComplete Tag = "complete"
	TagFail     Tag = "fail"
)

// AllTags returns every known tag in FSM order.
func AllTags() []Tag {
	return []Tag{TagStart, TagPlan, TagExecute, TagCritique, TagAdvance, TagComplete, TagFail}
}

// IsTerminal reports whether the run stops at this tag.
func (t Tag) IsTerminal() bool {
	return t == TagComplete || t == TagFail
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool {
	return slices.Contains(AllTags(), t)
}

func (t Tag) String() string { return string(t) }

// Directive names who acts next.
type Directive string

const (
	DirectivePlanner    Directive = "planner"
	DirectiveExecutor   Directive = "executor"
	DirectiveCritic     Directive = "critic"
	DirectiveSupervisor Directive = "supervisor"
	DirectiveTerminal   Directive = "terminal"
)

// Actor identifies the origin of an Event.
type Actor string

const (
	ActorSupervisor Actor = "supervisor"
	ActorPlanner    Actor = "planner"
	ActorExecutor   Actor = "executor"
	ActorCritic     Actor = "critic"
	ActorRouter     Actor = "router"
)

// Outcome classifies how a run terminated.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeRetriesExhausted Outcome = "retries_exhausted"
	OutcomeUnexpectedState  Outcome = "unexpected_state"
	OutcomeTickCeiling      Outcome = "tick_ceiling"
)

// Event is one entry of the run's audit log.
type Event struct {
	Actor     Actor  `json:"actor"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	StepIndex int    `json:"step_index"`
}

// Default messages used when a run terminates without better output.
const (
	FallbackOutput = "Task could not be completed within the retry budget."
	FailedOutput   = "Task failed before producing any output."
)

// TaskState is the record threaded through a run.
//
// It is treated as a value: Apply returns a new state and leaves the receiver
// untouched.
type TaskState struct {
	Goal string `json:"goal"`

	// Plan is fixed once produced; it is not amended mid-run.
	Plan        []string `json:"plan"`
	StepIndex   int      `json:"step_index"`
	CurrentStep string   `json:"current_step"`

	// ExecutionResult is the output of the most recent attempt and is cleared
	// whenever the run leaves CRITIQUE, on approval as well as rejection. LastOutput is the most recent non-empty output
	// and is never cleared.
	ExecutionResult  string   `json:"execution_result"`
	LastOutput       string   `json:"last_output"`
	ExecutionHistory []string `json:"execution_history"`

	Critique string `json:"critique"`
	Approved bool   `json:"approved"`
	// Failure is the pending rejection for the current attempt, if any.
	Failure *Failure `json:"failure,omitempty"`
	// PriorCritique carries rejection feedback into the next attempt of the
	// same step.
	PriorCritique string `json:"prior_critique,omitempty"`

	RetryCount int `json:"retry_count"`

	Tag         Tag       `json:"tag"`
	Directive   Directive `json:"directive"`
	Events      []Event   `json:"events"`
	FinalOutput string    `json:"final_output"`
	Outcome     Outcome   `json:"outcome,omitempty"`
}

// NewTaskState returns the initial state for goal.
func NewTaskState(goal string) TaskState {
	return TaskState{
		Goal: goal,
		Tag:  TagStart,
	}
}

// Done reports whether the run has reached a terminal tag.
func (s TaskState) Done() bool {
	return s.Tag.IsTerminal()
}

// Clone returns a deep copy of s.
func (s TaskState) Clone() TaskState {
	c := s
	c.Plan = slices.Clone(s.Plan)
	c.ExecutionHistory = slices.Clone(s.ExecutionHistory)
	c.Events = slices.Clone(s.Events)
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	return c
}

// BestOutput returns the most useful output produced so far, or "".
func (s TaskState) BestOutput() string {
	if strings.TrimSpace(s.LastOutput) != "" {
		return s.LastOutput
	}
	if strings.TrimSpace(s.ExecutionResult) != "" {
		return s.ExecutionResult
	}
	return ""
}

// Patch describes a change to a TaskState. Zero fields leave the
// corresponding state untouched.
type Patch struct {
	Tag        *Tag
	Directive  Directive
	StepIndex  *int
	RetryCount *int

	// Plan replaces the plan. Only the planner fold sets it.
	Plan []string
	// Output records an executor attempt.
	Output *string
	// Review records a critic verdict.
	Review *Review
	// Failure records a rejection of the current attempt.
	Failure *Failure

	// ClearAttempt drops the execution result and the review slot.
	ClearAttempt bool
	// PriorCritique replaces the feedback carried to the next attempt.
	PriorCritique *string

	FinalOutput *string
	Outcome     Outcome
	Events      []Event
}

// Apply returns a copy of s with p applied. A final output, once set by a
// terminal transition, is never overwritten.
func (s TaskState) Apply(p Patch) TaskState {
	n := s.Clone()

	if p.Plan != nil {
		n.Plan = slices.Clone(p.Plan)
	}
	if p.StepIndex != nil {
		n.StepIndex = *p.StepIndex
	}
	if p.RetryCount != nil {
		n.RetryCount = *p.RetryCount
	}
	if p.ClearAttempt {
		n.ExecutionResult = ""
		n.Critique = ""
		n.Approved = false
		n.Failure = nil
	}
	if p.PriorCritique != nil {
		n.PriorCritique = *p.PriorCritique
	}
	if p.Output != nil {
		n.ExecutionResult = *p.Output
		n.ExecutionHistory = append(n.ExecutionHistory, *p.Output)
		if strings.TrimSpace(*p.Output) != "" {
			n.LastOutput = *p.Output
		}
	}
	if p.Review != nil {
		n.Critique = p.Review.Feedback
		n.Approved = p.Review.Approved
	}
	if p.Failure != nil {
		f := *p.Failure
		n.Failure = &f
	}
	if !s.Tag.IsTerminal() {
		if p.Tag != nil {
			n.Tag = *p.Tag
		}
		if p.FinalOutput != nil {
			n.FinalOutput = *p.FinalOutput
		}
		if p.Outcome != "" {
			n.Outcome = p.Outcome
		}
	}
	if p.Directive != "" {
		n.Directive = p.Directive
	}
	n.Events = append(n.Events, p.Events...)

	n.CurrentStep = ""
	if n.StepIndex >= 0 && n.StepIndex < len(n.Plan) {
		n.CurrentStep = n.Plan[n.StepIndex]
	}
	return n
}

// Validate checks the structural invariants of s.
func (s TaskState) Validate(maxRetries int) error {
	if !s.Tag.Valid() {
		return fmt.Errorf("unknown tag %q", s.Tag)
	}
	if len(s.Plan) > 0 && (s.StepIndex < 0 || s.StepIndex >= len(s.Plan)) {
		return fmt.Errorf("step index %d out of range for plan of %d", s.StepIndex, len(s.Plan))
	}
	if s.RetryCount < 0 || s.RetryCount > maxRetries {
		return fmt.Errorf("retry count %d outside [0,%d]", s.RetryCount, maxRetries)
	}
	if s.Tag.IsTerminal() && s.FinalOutput == "" {
		return fmt.Errorf("terminal tag %s without final output", s.Tag)
	}
	if !s.Tag.IsTerminal() && s.FinalOutput != "" {
		return fmt.Errorf("final output set at non-terminal tag %s", s.Tag)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
