package hostshell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// SecretKeyHeader authenticates requests to the agent daemon.
const SecretKeyHeader = "X-Secret-Key"

// AgentClient implements SessionService against an agent daemon's HTTP API.
type AgentClient struct {
	baseURL string
	secret  string
	http    *retryablehttp.Client
}

// AgentOption configures an AgentClient.
type AgentOption func(*AgentClient)

// WithRetries sets the retry budget. Defaults to 3 retries between 100ms
// and 2s apart.
func WithRetries(max int, minWait, maxWait time.Duration) AgentOption {
	return func(c *AgentClient) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// WithAgentLogger routes the retry client's logging to l.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(c *AgentClient) {
		if l != nil {
			c.http.Logger = l
		}
	}
}

// WithHTTPClient sets the underlying client.
func WithHTTPClient(h *http.Client) AgentOption {
	return func(c *AgentClient) { c.http.HTTPClient = h }
}

// NewAgentClient creates a client for the daemon at baseURL.
func NewAgentClient(baseURL, secret string, opts ...AgentOption) *AgentClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	c := &AgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned when the daemon answers with a non-2xx status.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent %s: status %d: %s", e.Path, e.Status, e.Body)
}

func (c *AgentClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.secret != "" {
		req.Header.Set(SecretKeyHeader, c.secret)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Path: path, Status: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type startRequest struct {
	WorkingDir string `json:"working_dir"`
}

type startResponse struct {
	ID string `json:"id"`
}

type resumeRequest struct {
	SessionID              string `json:"session_id"`
	LoadModelAndExtensions bool   `json:"load_model_and_extensions"`
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

// StartSession implements SessionService.
func (c *AgentClient) StartSession(ctx context.Context, workingDir string) (string, error) {
	var out startResponse
	if err := c.post(ctx, "/agent/start", startRequest{WorkingDir: workingDir}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("agent /agent/start: response has no session id")
	}
	return out.ID, nil
}

// ResumeSession implements SessionService.
func (c *AgentClient) ResumeSession(ctx context.Context, sessionID string, opts ResumeOptions) error {
	return c.post(ctx, "/agent/resume", resumeRequest{SessionID: sessionID, LoadModelAndExtensions: opts.LoadModelAndExtensions}, nil)
}

// StopSession implements SessionService.
func (c *AgentClient) StopSession(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/agent/stop", stopRequest{SessionID: sessionID}, nil)
}
