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

const plannerPrompt = `Create a step-by-step plan to accomplish this task:

TASK: %s

Generate 2-4 clear, actionable steps. Each step should be specific and executable.
Return ONLY the steps as a JSON array of strings, nothing else.

Example format:
["Step 1 description", "Step 2 description", "Step 3 description"]`

var (
	// quotedItem matches one single-quoted list item.
	quotedItem = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)
	// listMarker matches bullets and numbering at the start of a line.
	listMarker = regexp.MustCompile(`(?i)^(?:[-*•]+|\d+[.):]|step\s*\d+\s*[.):-]?)\s*`)
)

// Planner decomposes a goal with a language model.
type Planner struct {
	llm         Completer
	temperature float64
	logger      *logging.Logger
}

// NewPlanner returns a Planner. A nil logger disables logging.
func NewPlanner(c Completer, temperature float64, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Planner{llm: c, temperature: temperature, logger: logger.Named("planner")}
}

// Plan returns between 1 and orchestrator.MaxPlanSteps steps. A reply that is
// not a list is split into lines; a reply with no usable lines yields
// orchestrator.DefaultStep.
func (p *Planner) Plan(ctx context.Context, req orchestrator.PlanRequest) ([]string, error) {
	reply, err := p.llm.Complete(ctx, llm.Request{
		Prompt:      fmt.Sprintf(plannerPrompt, req.Goal),
		Temperature: p.temperature,
	})
	if err != nil {
		return nil, err
	}

	steps, parsed := parsePlan(reply)
	plan := orchestrator.NormalizePlan(steps)
	p.logger.Debug(ctx, "plan parsed",
		zap.Int("steps", len(plan)),
		zap.Bool("structured", parsed),
	)
	return plan, nil
}

// parsePlan reads a plan from a model reply. parsed is false when the line
// split fallback was used.
func parsePlan(reply string) (steps []string, parsed bool) {
	if raw := extractArray(reply); raw != "" {
		if err := decodeLenient(raw, &steps); err == nil {
			return steps, true
		}
		if items := quotedItem.FindAllStringSubmatch(raw, -1); len(items) > 0 {
			steps = make([]string, 0, len(items))
			for _, m := range items {
				steps = append(steps, strings.ReplaceAll(m[1], `\'`, "'"))
			}
			return steps, true
		}
	}

	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		if s := strings.TrimSpace(listMarker.ReplaceAllString(line, "")); s != "" {
			steps = append(steps, s)
		}
	}
	return steps, false
}
