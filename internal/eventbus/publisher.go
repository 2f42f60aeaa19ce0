// Package eventbus streams run progress to NATS.
//
// Messages are published to:
//
//	<prefix>.runs.<run_id>.started
//	<prefix>.runs.<run_id>.events
//	<prefix>.runs.<run_id>.finished
//
// The run ID is read from the context (logging.WithRunID). Free text
// (goal, event detail, error) is scrubbed before it leaves the process.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
	"github.com/fyrsmithlabs/taskflow/internal/secrets"
)

const anonymousRun = "anonymous"

// EventMessage is the payload of an events message.
type EventMessage struct {
	RunID     string             `json:"run_id"`
	SessionID string             `json:"session_id,omitempty"`
	Actor     orchestrator.Actor `json:"actor"`
	Action    string             `json:"action"`
	Detail    string             `json:"detail,omitempty"`
	StepIndex int                `json:"step_index"`
	Time      time.Time          `json:"time"`
}

// LifecycleMessage is the payload of started and finished messages.
type LifecycleMessage struct {
	RunID     string               `json:"run_id"`
	SessionID string               `json:"session_id,omitempty"`
	Goal      string               `json:"goal,omitempty"`
	Outcome   orchestrator.Outcome `json:"outcome,omitempty"`
	Error     string               `json:"error,omitempty"`
	Time      time.Time            `json:"time"`
}

// Publisher publishes run messages. It implements orchestrator.Observer.
// Publish failures are logged and never interrupt a run.
type Publisher struct {
	nc       *nats.Conn
	prefix   string
	scrubber *secrets.Scrubber
	logger   *logging.Logger
	now      func() time.Time
}

// NewPublisher returns a Publisher on nc. A nil scrubber publishes text
// unmodified.
func NewPublisher(nc *nats.Conn, prefix string, scrubber *secrets.Scrubber, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{
		nc:       nc,
		prefix:   prefix,
		scrubber: scrubber,
		logger:   logger.Named("eventbus"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Subject returns the subject for kind messages of runID.
func (p *Publisher) Subject(runID, kind string) string {
	if runID == "" {
		runID = anonymousRun
	}
	return fmt.Sprintf("%s.runs.%s.%s", p.prefix, runID, kind)
}

// OnEvent publishes ev.
func (p *Publisher) OnEvent(ctx context.Context, ev orchestrator.Event) {
	runID := logging.RunIDFromContext(ctx)
	p.publish(ctx, p.Subject(runID, "events"), EventMessage{
		RunID:     runID,
		SessionID: logging.SessionIDFromContext(ctx),
		Actor:     ev.Actor,
		Action:    ev.Action,
		Detail:    p.scrubber.String(ev.Detail),
		StepIndex: ev.StepIndex,
		Time:      p.now(),
	})
}

// Started announces a run.
func (p *Publisher) Started(ctx context.Context, goal string) {
	runID := logging.RunIDFromContext(ctx)
	p.publish(ctx, p.Subject(runID, "started"), LifecycleMessage{
		RunID:     runID,
		SessionID: logging.SessionIDFromContext(ctx),
		Goal:      p.scrubber.String(goal),
		Time:      p.now(),
	})
}

// Finished announces the end of a run. err is the run error, if any.
func (p *Publisher) Finished(ctx context.Context, outcome orchestrator.Outcome, err error) {
	runID := logging.RunIDFromContext(ctx)
	msg := LifecycleMessage{
		RunID:     runID,
		SessionID: logging.SessionIDFromContext(ctx),
		Outcome:   outcome,
		Time:      p.now(),
	}
	if err != nil {
		msg.Error = p.scrubber.String(err.Error())
	}
	p.publish(ctx, p.Subject(runID, "finished"), msg)
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error(ctx, "marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "publish event", zap.String("subject", subject), zap.Error(err))
	}
}
