// Package run executes a goal end to end: it opens a session, drives the
// orchestrator and records the exchange.
package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
	"github.com/fyrsmithlabs/taskflow/internal/secrets"
	"github.com/fyrsmithlabs/taskflow/internal/session"
)

// Defaults for Config zero values.
const (
	DefaultTitleLength   = 50
	DefaultMaxGoalLength = 8000
)

var (
	// ErrInvalidGoal is returned for an empty or oversized goal.
	ErrInvalidGoal = errors.New("invalid goal")

	// ErrNoOutput is returned when a run finishes without output.
	ErrNoOutput = errors.New("run produced no output")
)

// Runner drives one run. *orchestrator.Router implements it.
type Runner interface {
	Run(ctx context.Context, goal string) (orchestrator.TaskState, error)
}

// Lifecycle is notified when runs start and finish. *eventbus.Publisher
// implements it.
type Lifecycle interface {
	Started(ctx context.Context, goal string)
	Finished(ctx context.Context, outcome orchestrator.Outcome, err error)
}

// Config configures a Service.
type Config struct {
	Runner   Runner
	Sessions session.Store
	// Scrubber redacts persisted and returned text. Nil disables scrubbing.
	Scrubber  *secrets.Scrubber
	Lifecycle Lifecycle
	Logger    *logging.Logger

	TitleLength   int
	MaxGoalLength int
}

// Response is the result of a run.
type Response struct {
	FinalOutput string               `json:"final_output"`
	Events      []orchestrator.Event `json:"events"`
	SessionID   string               `json:"session_id"`
	RunID       string               `json:"run_id"`
	Outcome     orchestrator.Outcome `json:"outcome"`
	Plan        []string             `json:"plan,omitempty"`
}

// Service runs goals.
type Service struct {
	runner    Runner
	sessions  session.Store
	scrubber  *secrets.Scrubber
	lifecycle Lifecycle
	logger    *logging.Logger

	titleLength   int
	maxGoalLength int
}

// NewService returns a Service. Runner and Sessions are required.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.TitleLength <= 0 {
		cfg.TitleLength = DefaultTitleLength
	}
	if cfg.MaxGoalLength <= 0 {
		cfg.MaxGoalLength = DefaultMaxGoalLength
	}
	return &Service{
		runner:        cfg.Runner,
		sessions:      cfg.Sessions,
		scrubber:      cfg.Scrubber,
		lifecycle:     cfg.Lifecycle,
		logger:        cfg.Logger.Named("run"),
		titleLength:   cfg.TitleLength,
		maxGoalLength: cfg.MaxGoalLength,
	}, nil
}

// Run executes goal in a new session.
//
// The user message is saved before the orchestrator starts; the assistant
// message, carrying the plan, attempts, events and outcome as metadata, is
// saved after it finishes.
func (s *Service) Run(ctx context.Context, goal string) (*Response, error) {
	goal = strings.TrimSpace(goal)
	if err := s.validate(goal); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	start := time.Now()

	stored := s.scrubber.String(goal)
	sessionID, err := s.sessions.Create(ctx, Title(stored, s.titleLength), "")
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	ctx = logging.WithSessionID(ctx, sessionID)
	if _, err := s.sessions.AddMessage(ctx, sessionID, session.RoleUser, stored, nil); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	s.logger.Info(ctx, "run started", zap.Int("goal_length", len(goal)))
	if s.lifecycle != nil {
		s.lifecycle.Started(ctx, stored)
	}

	state, err := s.runner.Run(ctx, goal)
	if err == nil && strings.TrimSpace(state.FinalOutput) == "" {
		err = ErrNoOutput
	}
	if s.lifecycle != nil {
		s.lifecycle.Finished(ctx, state.Outcome, err)
	}
	if err != nil {
		s.logger.Error(ctx, "run failed",
			zap.Error(err),
			zap.String("tag", string(state.Tag)),
			zap.Int("events", len(state.Events)),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	output := s.scrubber.String(state.FinalOutput)
	events := s.scrubEvents(state.Events)
	metadata := map[string]any{
		"run_id":            runID,
		"outcome":           state.Outcome,
		"plan":              s.scrubber.Strings(state.Plan),
		"execution_history": s.scrubber.Strings(state.ExecutionHistory),
		"events":            events,
	}
	if _, err := s.sessions.AddMessage(ctx, sessionID, session.RoleAssistant, output, metadata); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}

	s.logger.Info(ctx, "run finished",
		zap.String("outcome", string(state.Outcome)),
		zap.Int("steps", len(state.Plan)),
		zap.Int("attempts", len(state.ExecutionHistory)),
		zap.Int("events", len(events)),
		zap.Duration("duration", time.Since(start)),
	)
	return &Response{
		FinalOutput: output,
		Events:      events,
		SessionID:   sessionID,
		RunID:       runID,
		Outcome:     state.Outcome,
		Plan:        s.scrubber.Strings(state.Plan),
	}, nil
}

func (s *Service) validate(goal string) error {
	if goal == "" {
		return fmt.Errorf("%w: goal is empty", ErrInvalidGoal)
	}
	if n := utf8.RuneCountInString(goal); n > s.maxGoalLength {
		return fmt.Errorf("%w: goal is %d characters, limit is %d", ErrInvalidGoal, n, s.maxGoalLength)
	}
	return nil
}

func (s *Service) scrubEvents(events []orchestrator.Event) []orchestrator.Event {
	out := make([]orchestrator.Event, len(events))
	for i, ev := range events {
		ev.Detail = s.scrubber.String(ev.Detail)
		out[i] = ev
	}
	return out
}

// Title derives a session title from a goal: the first n characters, with
// "..." appended when the goal was longer.
func Title(goal string, n int) string {
	goal = strings.Join(strings.Fields(goal), " ")
	if utf8.RuneCountInString(goal) <= n {
		return goal
	}
	return string([]rune(goal)[:n]) + "..."
}
