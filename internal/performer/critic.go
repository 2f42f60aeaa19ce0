package performer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/llm"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
)

const criticPrompt = `You are a quality control agent (critic).
%s
OVERALL TASK:
%s

CURRENT STEP REQUIREMENT:
%s

EXECUTION RESULT TO EVALUATE:
%s

EVALUATION RULES (VERY IMPORTANT):
1. APPROVE only if the executor clearly COMPLETED the step.
2. REJECT if the executor:
   - Avoided making a decision
   - Gave generic advice instead of an answer
   - Asked questions instead of completing the task
   - Ignored explicit requirements in the step
3. Do NOT judge based on length, formatting, or style.
4. Be practical, not perfectionist.
5. Executor is allowed to use general knowledge when completing steps.

Respond ONLY with a JSON object:
{"approved": true or false, "feedback": "one short sentence explaining why"}`

var looseVerdict = regexp.MustCompile(`(?i)"?approved"?\s*[:=]\s*"?(true|false|yes|no)\b`)

// Critic reviews step output with a language model.
type Critic struct {
	llm         Completer
	temperature float64
	logger      *logging.Logger
}

// NewCritic returns a Critic.
func NewCritic(c Completer, temperature float64, logger *logging.Logger) *Critic {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Critic{llm: c, temperature: temperature, logger: logger.Named("critic")}
}

// Review asks the model for a verdict on req.Result. A reply without a
// readable verdict is a schema validation failure.
func (c *Critic) Review(ctx context.Context, req orchestrator.ReviewRequest) (orchestrator.Review, error) {
	var history string
	if req.PriorAttempts > 0 {
		history = fmt.Sprintf("\nPrevious attempts at this step: %d\n", req.PriorAttempts)
	}
	reply, err := c.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(criticPrompt, history, req.Goal, req.Step, req.Result),
		Temperature: c.temperature,
	})
	if err != nil {
		return orchestrator.Review{}, err
	}

	review, ok := parseVerdict(reply)
	if !ok {
		c.logger.Debug(ctx, "critic reply unreadable", zap.Int("reply_length", len(reply)))
		return orchestrator.Review{
			Failure: orchestrator.NewSchemaFailure("Critic verdict could not be parsed."),
		}, nil
	}
	c.logger.Debug(ctx, "verdict",
		zap.Bool("approved", review.Approved),
		zap.String("feedback", review.Feedback),
	)
	return review, nil
}

// parseVerdict reads {"approved": bool, "feedback": string}. A "verdict"
// string of approved or needs_changes is accepted in place of approved.
func parseVerdict(reply string) (orchestrator.Review, bool) {
	if raw := extractObject(reply); raw != "" {
		var v struct {
			Approved *bool  `json:"approved"`
			Verdict  string `json:"verdict"`
			Feedback string `json:"feedback"`
		}
		if err := decodeLenient(raw, &v); err == nil {
			feedback := strings.TrimSpace(v.Feedback)
			if v.Approved != nil {
				return orchestrator.Review{Approved: *v.Approved, Feedback: feedback}, true
			}
			switch strings.ToLower(strings.TrimSpace(v.Verdict)) {
			case "approved", "approve", "pass":
				return orchestrator.Review{Approved: true, Feedback: feedback}, true
			case "needs_changes", "rejected", "reject", "fail":
				return orchestrator.Review{Approved: false, Feedback: feedback}, true
			}
		}
	}

	if m := looseVerdict.FindStringSubmatch(reply); m != nil {
		v := strings.ToLower(m[1])
		return orchestrator.Review{Approved: v == "true" || v == "yes"}, true
	}
	return orchestrator.Review{}, false
}
