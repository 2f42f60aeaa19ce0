package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
	"github.com/fyrsmithlabs/taskflow/internal/session"
)

const (
	toolRunTask     = "run_task"
	toolSessionGet  = "session_get"
	toolSessionList = "session_list"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolRunTask,
		Description: "Plan, execute and review a multi-step task. Returns the final output and the run's event log.",
	}, instrument(s, toolRunTask, s.runTask))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolSessionGet,
		Description: "Get a session with all of its messages",
	}, instrument(s, toolSessionGet, s.sessionGet))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolSessionList,
		Description: "List sessions, most recently updated first",
	}, instrument(s, toolSessionList, s.sessionList))
}

// instrument wraps a tool handler with metrics and error logging.
func instrument[In, Out any](s *Server, tool string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, tool)
		res, out, err := h(ctx, req, in)
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
		if err != nil {
			s.logger.Warn(ctx, "tool failed", zap.String("tool", tool), zap.Error(err))
		}
		return res, out, err
	}
}

type runTaskInput struct {
	Goal string `json:"goal" jsonschema:"The task to accomplish"`
}

type runTaskOutput struct {
	FinalOutput string               `json:"final_output" jsonschema:"The approved output, or the best attempt"`
	SessionID   string               `json:"session_id" jsonschema:"Session the run was recorded in"`
	RunID       string               `json:"run_id" jsonschema:"Run identifier"`
	Outcome     string               `json:"outcome" jsonschema:"How the run terminated"`
	Plan        []string             `json:"plan,omitempty" jsonschema:"The steps the planner produced"`
	Events      []orchestrator.Event `json:"events" jsonschema:"The run's event log"`
}

func (s *Server) runTask(ctx context.Context, _ *mcp.CallToolRequest, in runTaskInput) (*mcp.CallToolResult, runTaskOutput, error) {
	resp, err := s.runner.Run(ctx, in.Goal)
	if err != nil {
		return nil, runTaskOutput{}, fmt.Errorf("run failed: %w", err)
	}
	out := runTaskOutput{
		FinalOutput: resp.FinalOutput,
		SessionID:   resp.SessionID,
		RunID:       resp.RunID,
		Outcome:     string(resp.Outcome),
		Plan:        resp.Plan,
		Events:      resp.Events,
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: resp.FinalOutput}},
	}, out, nil
}

type sessionGetInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
}

type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type sessionView struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	UserID    string        `json:"user_id,omitempty"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
	Messages  []messageView `json:"messages"`
}

type summaryView struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	UserID       string `json:"user_id,omitempty"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int    `json:"message_count"`
	LastMessage  string `json:"last_message,omitempty"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func newSessionView(s *session.Session) sessionView {
	v := sessionView{
		ID:        s.ID,
		Title:     s.Title,
		UserID:    s.UserID,
		CreatedAt: timestamp(s.CreatedAt),
		UpdatedAt: timestamp(s.UpdatedAt),
		Messages:  make([]messageView, len(s.Messages)),
	}
	for i, m := range s.Messages {
		v.Messages[i] = messageView{ID: m.ID, Role: m.Role, Content: m.Content, Timestamp: timestamp(m.Timestamp)}
	}
	return v
}

type sessionGetOutput struct {
	Session sessionView `json:"session" jsonschema:"The session with its messages"`
}

func (s *Server) sessionGet(ctx context.Context, _ *mcp.CallToolRequest, in sessionGetInput) (*mcp.CallToolResult, sessionGetOutput, error) {
	sess, err := s.sessions.Get(ctx, in.SessionID)
	if err != nil {
		return nil, sessionGetOutput{}, fmt.Errorf("session get failed: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Session %q with %d messages", sess.Title, len(sess.Messages))},
		},
	}, sessionGetOutput{Session: newSessionView(sess)}, nil
}

type sessionListInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"Only list sessions owned by this user"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum sessions to return (default 50, max 100)"`
}

type sessionListOutput struct {
	Sessions []summaryView `json:"sessions" jsonschema:"Session summaries, newest first"`
	Count    int           `json:"count" jsonschema:"Number of sessions returned"`
}

func (s *Server) sessionList(ctx context.Context, _ *mcp.CallToolRequest, in sessionListInput) (*mcp.CallToolResult, sessionListOutput, error) {
	sums, err := s.sessions.List(ctx, in.UserID, in.Limit)
	if err != nil {
		return nil, sessionListOutput{}, fmt.Errorf("session list failed: %w", err)
	}
	views := make([]summaryView, len(sums))
	for i, sum := range sums {
		views[i] = summaryView{
			ID:           sum.ID,
			Title:        sum.Title,
			UserID:       sum.UserID,
			UpdatedAt:    timestamp(sum.UpdatedAt),
			MessageCount: sum.MessageCount,
			LastMessage:  sum.LastMessage,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Found %d sessions", len(views))}},
	}, sessionListOutput{Sessions: views, Count: len(views)}, nil
}
