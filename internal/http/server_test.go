package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/taskflow/internal/llm"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/orchestrator"
	"github.com/fyrsmithlabs/taskflow/internal/run"
	"github.com/fyrsmithlabs/taskflow/internal/session"
)

// runnerFunc adapts a function to run.Runner.
type runnerFunc func(ctx context.Context, goal string) (orchestrator.TaskState, error)

func (f runnerFunc) Run(ctx context.Context, goal string) (orchestrator.TaskState, error) {
	return f(ctx, goal)
}

func completedRun(_ context.Context, goal string) (orchestrator.TaskState, error) {
	s := orchestrator.NewTaskState(goal)
	s.Tag = orchestrator.TagComplete
	s.Outcome = orchestrator.OutcomeCompleted
	s.Plan = []string{"answer"}
	s.ExecutionHistory = []string{"42"}
	s.FinalOutput = "42"
	s.Events = []orchestrator.Event{{Actor: orchestrator.ActorCritic, Action: "approved"}}
	return s, nil
}

type testServer struct {
	*Server
	sessions *session.MemoryStore
	logger   *logging.TestLogger
}

func setupTestServer(t *testing.T, runner run.Runner) *testServer {
	t.Helper()
	logger := logging.NewTestLogger()
	store := session.NewMemoryStore(logger.Logger)
	svc, err := run.NewService(run.Config{Runner: runner, Sessions: store, Logger: logger.Logger})
	require.NoError(t, err)

	srv, err := NewServer(Deps{
		Runner:   svc,
		Sessions: store,
		Logger:   logger.Logger,
		Gatherer: prometheus.NewRegistry(),
	}, &Config{Host: "localhost", Port: 0, Version: "test"})
	require.NoError(t, err)
	return &testServer{Server: srv, sessions: store, logger: logger}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	logger := logging.NewNop()
	store := session.NewMemoryStore(nil)
	svc, err := run.NewService(run.Config{Runner: runnerFunc(completedRun), Sessions: store})
	require.NoError(t, err)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		srv, err := NewServer(Deps{Runner: svc, Sessions: store, Logger: logger}, nil)
		require.NoError(t, err)
		assert.Equal(t, 8000, srv.config.Port)
	})

	t.Run("requires dependencies", func(t *testing.T) {
		_, err := NewServer(Deps{Sessions: store, Logger: logger}, nil)
		assert.ErrorContains(t, err, "runner is required")
		_, err = NewServer(Deps{Runner: svc, Logger: logger}, nil)
		assert.ErrorContains(t, err, "session store is required")
		_, err = NewServer(Deps{Runner: svc, Sessions: store}, nil)
		assert.ErrorContains(t, err, "logger is required")
	})
}

func TestHandleHealthAndInfo(t *testing.T) {
	srv := setupTestServer(t, runnerFunc(completedRun))

	rec := srv.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	rec = srv.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	info := decode[InfoResponse](t, rec)
	assert.Equal(t, "taskflow", info.Name)
	assert.Equal(t, "test", info.Version)
	assert.Contains(t, info.Endpoints, "POST /api/v1/run")
}

func TestHandleRun(t *testing.T) {
	t.Run("runs goal and stores the exchange", func(t *testing.T) {
		srv := setupTestServer(t, runnerFunc(completedRun))

		rec := srv.do(t, http.MethodPost, "/api/v1/run", RunRequest{Goal: "What is six times seven?"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[run.Response](t, rec)
		assert.Equal(t, "42", resp.FinalOutput)
		assert.Equal(t, orchestrator.OutcomeCompleted, resp.Outcome)
		require.NotEmpty(t, resp.SessionID)
		assert.Len(t, resp.Events, 1)

		sess, err := srv.sessions.Get(context.Background(), resp.SessionID)
		require.NoError(t, err)
		require.Len(t, sess.Messages, 2)
		assert.Equal(t, "What is six times seven?", sess.Messages[0].Content)
		assert.Equal(t, "42", sess.Messages[1].Content)
	})

	t.Run("accepts user_goal alias", func(t *testing.T) {
		var got string
		srv := setupTestServer(t, runnerFunc(func(ctx context.Context, goal string) (orchestrator.TaskState, error) {
			got = goal
			return completedRun(ctx, goal)
		}))
		rec := srv.do(t, http.MethodPost, "/api/v1/run", map[string]string{"user_goal": "summarise"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "summarise", got)
	})

	t.Run("request id reaches the runner", func(t *testing.T) {
		var requestID string
		srv := setupTestServer(t, runnerFunc(func(ctx context.Context, goal string) (orchestrator.TaskState, error) {
			requestID = logging.RequestIDFromContext(ctx)
			return completedRun(ctx, goal)
		}))
		rec := srv.do(t, http.MethodPost, "/api/v1/run", RunRequest{Goal: "x"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, requestID)
		assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), requestID)
	})

	tests := []struct {
		name   string
		body   any
		runErr error
		want   int
	}{
		{"empty goal", RunRequest{Goal: "   "}, nil, http.StatusBadRequest},
		{"oversized goal", RunRequest{Goal: strings.Repeat("a", run.DefaultMaxGoalLength+1)}, nil, http.StatusBadRequest},
		{"malformed body", "not an object", nil, http.StatusBadRequest},
		{"model unavailable", RunRequest{Goal: "x"},
			orchestrator.CollaboratorError(orchestrator.ActorExecutor, fmt.Errorf("%w: timeout", llm.ErrUnavailable)),
			http.StatusBadGateway},
		{"unexpected error", RunRequest{Goal: "x"}, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := setupTestServer(t, runnerFunc(func(ctx context.Context, goal string) (orchestrator.TaskState, error) {
				if tt.runErr != nil {
					return orchestrator.NewTaskState(goal), tt.runErr
				}
				return completedRun(ctx, goal)
			}))
			rec := srv.do(t, http.MethodPost, "/api/v1/run", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotContains(t, rec.Body.String(), "boom", "internal details stay in the log")
		})
	}
}

func TestHandleRun_CancelledRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor := orchestrator.ExecutorFunc(func(ctx context.Context, _ orchestrator.ExecuteRequest) (orchestrator.ExecuteResult, error) {
		cancel()
		return orchestrator.ExecuteResult{}, ctx.Err()
	})
	router, err := orchestrator.NewRouter(orchestrator.RouterConfig{
		Planner: orchestrator.PlannerFunc(func(context.Context, orchestrator.PlanRequest) ([]string, error) {
			return []string{"step"}, nil
		}),
		Executor: executor,
		Critic: orchestrator.CriticFunc(func(context.Context, orchestrator.ReviewRequest) (orchestrator.Review, error) {
			return orchestrator.Review{Approved: true}, nil
		}),
	})
	require.NoError(t, err)
	srv := setupTestServer(t, router)

	body, err := json.Marshal(RunRequest{Goal: "x"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/run", bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "language model unavailable")
}

func TestHandleRun_LogsRequests(t *testing.T) {
	srv := setupTestServer(t, runnerFunc(completedRun))
	rec := srv.do(t, http.MethodPost, "/api/v1/run", RunRequest{Goal: "x"})
	require.Equal(t, http.StatusOK, rec.Code)

	srv.logger.AssertLogged(t, zapcore.InfoLevel, "http request")
	srv.logger.AssertField(t, "http request", "status", int64(http.StatusOK))
	srv.logger.AssertField(t, "http request", "request.id", rec.Header().Get(echo.HeaderXRequestID))
}

func TestSessionRoutes(t *testing.T) {
	srv := setupTestServer(t, runnerFunc(completedRun))

	rec := srv.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{Title: "Notes", UserID: "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[CreateSessionResponse](t, rec).SessionID
	require.True(t, session.ValidID(id))

	rec = srv.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{UserID: "u2"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[session.Session](t, rec)
	assert.Equal(t, "Notes", sess.Title)
	assert.Equal(t, "u1", sess.UserID)

	rec = srv.do(t, http.MethodGet, "/api/v1/sessions?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ListSessionsResponse](t, rec)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].ID)

	rec = srv.do(t, http.MethodGet, "/api/v1/sessions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListSessionsResponse](t, rec).Sessions, 1)

	rec = srv.do(t, http.MethodGet, "/api/v1/sessions?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPatch, "/api/v1/sessions/"+id, RenameSessionRequest{Title: "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", decode[session.Summary](t, rec).Title)

	rec = srv.do(t, http.MethodPatch, "/api/v1/sessions/"+id, RenameSessionRequest{Title: " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = srv.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = srv.do(t, http.MethodGet, "/api/v1/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions_EmptyIsArray(t *testing.T) {
	srv := setupTestServer(t, runnerFunc(completedRun))
	rec := srv.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(reg)
	require.NotNil(t, metrics)

	store := session.NewMemoryStore(nil)
	svc, err := run.NewService(run.Config{Runner: runnerFunc(completedRun), Sessions: store})
	require.NoError(t, err)
	srv, err := NewServer(Deps{Runner: svc, Sessions: store, Logger: logging.NewNop(), Gatherer: reg}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskflow_")
}

func TestCORS(t *testing.T) {
	srv := setupTestServer(t, runnerFunc(completedRun))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/run", nil)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:3000")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
