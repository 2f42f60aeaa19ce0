package performer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/config"
	"github.com/fyrsmithlabs/taskflow/internal/llm"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
)

var wordCount = regexp.MustCompile(`(?i)\b(\d{1,5})[\s-]*words?\b`)

// Executor carries out one plan step with a language model.
type Executor struct {
	llm         Completer
	temperature float64
	json        bool
	logger      *logging.Logger
}

// NewExecutor returns an Executor. format is config.FormatText or
// config.FormatJSON.
func NewExecutor(c Completer, temperature float64, format string, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		llm:         c,
		temperature: temperature,
		json:        format == config.FormatJSON,
		logger:      logger.Named("executor"),
	}
}

// Execute produces output for req.Step. In JSON mode a reply that is not an
// object with a non-empty "content" string is a schema validation failure.
func (e *Executor) Execute(ctx context.Context, req orchestrator.ExecuteRequest) (orchestrator.ExecuteResult, error) {
	reply, err := e.llm.Complete(ctx, llm.Request{
		Prompt:      e.prompt(req),
		Temperature: e.temperature,
	})
	if err != nil {
		return orchestrator.ExecuteResult{}, err
	}

	content := reply
	if e.json {
		var failure *orchestrator.Failure
		content, failure = parseContent(reply)
		if failure != nil {
			e.logger.Debug(ctx, "executor reply rejected", zap.String("reason", failure.Detail))
			return orchestrator.ExecuteResult{Failure: failure}, nil
		}
	}

	e.logger.Debug(ctx, "step executed",
		zap.Int("step_index", req.StepIndex),
		zap.Int("attempt", req.RetryCount+1),
		zap.Int("words", len(strings.Fields(content))),
	)
	return orchestrator.ExecuteResult{Content: content}, nil
}

func (e *Executor) prompt(req orchestrator.ExecuteRequest) string {
	var b strings.Builder
	b.WriteString("You are an execution agent.\n\n")
	fmt.Fprintf(&b, "ORIGINAL TASK:\n%s\n\n", req.Goal)

	if len(req.History) > 0 {
		b.WriteString("=== PREVIOUS EXECUTIONS ===\n")
		for i, past := range req.History {
			fmt.Fprintf(&b, "\nAttempt %d:\n%s\n%s\n", i+1, past, strings.Repeat("-", 60))
		}
	}

	fmt.Fprintf(&b, "\n=== CURRENT STEP (%d of %d) ===\n%s\n", req.StepIndex+1, req.StepCount, req.Step)
	if req.PriorCritique != "" {
		fmt.Fprintf(&b, "\n=== CRITIC FEEDBACK (MUST FIX) ===\n%s\n", req.PriorCritique)
	}

	b.WriteString(`
CRITICAL INSTRUCTIONS:
1. Use previous executions as context
2. Fix ALL issues mentioned in critic feedback
3. Fully complete the CURRENT STEP
4. Do NOT repeat previous failed answers
5. Be concise but complete
`)
	if lo, hi, ok := wordLimit(req.Step); ok {
		fmt.Fprintf(&b, "\nWORD COUNT RULE:\nYour response MUST be between %d and %d words.\nResponses outside this range are INVALID.\n", lo, hi)
	}
	if e.json {
		b.WriteString("\nRespond ONLY with a JSON object of the form {\"content\": \"<your result>\"}.\n")
	} else {
		b.WriteString("\nNow produce the corrected execution result:\n")
	}
	return b.String()
}

// wordLimit returns the accepted word range when step names a word count.
// The range is the named count plus or minus ten percent.
func wordLimit(step string) (lo, hi int, ok bool) {
	m := wordCount.FindStringSubmatch(step)
	if m == nil {
		return 0, 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n == 0 {
		return 0, 0, false
	}
	delta := (n + 5) / 10
	return n - delta, n + delta, true
}

// parseContent extracts the "content" field of a JSON mode reply.
func parseContent(reply string) (string, *orchestrator.Failure) {
	raw := extractObject(reply)
	if raw == "" {
		return "", orchestrator.NewSchemaFailure(`Response must be a JSON object with a "content" string.`)
	}
	var out struct {
		Content *string `json:"content"`
	}
	if err := decodeLenient(raw, &out); err != nil {
		return "", orchestrator.NewSchemaFailure(fmt.Sprintf("Response was not valid JSON: %v.", err))
	}
	if out.Content == nil {
		return "", orchestrator.NewSchemaFailure(`Response is missing the "content" field.`)
	}
	if strings.TrimSpace(*out.Content) == "" {
		return "", orchestrator.NewSchemaFailure(`The "content" field is empty.`)
	}
	return *out.Content, nil
}
