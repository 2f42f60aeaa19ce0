package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	httpserver "github.com/fyrsmithlabs/taskflow/internal/http"
	"github.com/fyrsmithlabs/taskflow/internal/run"
	"github.com/fyrsmithlabs/taskflow/internal/session"
)

// client calls the taskflow HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	// Runs make several model calls per step.
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Minute}}
}

func (c *client) run(ctx context.Context, goal string) (*run.Response, error) {
	var resp run.Response
	err := c.do(ctx, http.MethodPost, "/api/v1/run", httpserver.RunRequest{Goal: goal}, &resp)
	return &resp, err
}

func (c *client) listSessions(ctx context.Context, userID string, limit int) ([]session.Summary, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp httpserver.ListSessionsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Sessions, err
}

func (c *client) getSession(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &sess)
	return &sess, err
}

func (c *client) renameSession(ctx context.Context, id, title string) (*session.Summary, error) {
	var sum session.Summary
	err := c.do(ctx, http.MethodPatch, "/api/v1/sessions/"+url.PathEscape(id), httpserver.RenameSessionRequest{Title: title}, &sum)
	return &sum, err
}

func (c *client) deleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *client) health(ctx context.Context) (string, error) {
	var resp httpserver.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	return resp.Status, err
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// apiError reads echo's {"message": ...} error body.
func apiError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, err)
	}
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, e.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}
