// Package parallel provides a client for the external task-processing API:
// task-group creation, per-row run submission, one-shot result fetches, and
// the task-group event stream.
package parallel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridfill/gridfill-cli/internal/resilience"
)

// Processor tiers accepted by the task API.
var Processors = []string{"lite", "base", "core", "pro"}

// ValidProcessor reports whether p is a known processor tier.
func ValidProcessor(p string) bool {
	for _, known := range Processors {
		if p == known {
			return true
		}
	}
	return false
}

// Client defines the task API operations used by the gateway.
type Client interface {
	// CreateGroup creates an empty task group.
	CreateGroup(ctx context.Context) (*Group, error)
	// SubmitRuns submits a batch of runs to a task group.
	SubmitRuns(ctx context.Context, groupID string, req RunSubmission) (*RunsResponse, error)
	// FetchResult retrieves the output of a single completed run.
	FetchResult(ctx context.Context, runID string) (*RunResult, error)
	// StreamEvents opens the task group's SSE event feed.
	StreamEvents(ctx context.Context, groupID string) (*EventStream, error)
}

// Group is a created task group.
type Group struct {
	TaskGroupID string `json:"taskgroup_id"`
	Status      string `json:"status,omitempty"`
}

// RunSubmission is a batch of run inputs.
type RunSubmission struct {
	Inputs []RunInput `json:"inputs"`
}

// RunInput is one run: the prompt, its output contract, and the processor
// tier to execute on.
type RunInput struct {
	Input     string            `json:"input"`
	TaskSpec  TaskSpec          `json:"task_spec"`
	Processor string            `json:"processor"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskSpec constrains a run's output.
type TaskSpec struct {
	OutputSchema OutputSchema `json:"output_schema"`
}

// OutputSchema is the JSON schema the run's output must satisfy.
type OutputSchema struct {
	Type string     `json:"type"`
	JSON SchemaBody `json:"json_schema"`
}

// SchemaBody is a flat object schema.
type SchemaBody struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties"`
	Required             []string                  `json:"required"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// SchemaProperty describes one schema field.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// HeaderSchema builds the output schema for a set of target headers: a flat
// object whose keys are exactly the headers, extra fields forbidden.
func HeaderSchema(headers []string) OutputSchema {
	props := make(map[string]SchemaProperty, len(headers))
	for _, h := range headers {
		props[h] = SchemaProperty{Type: "string"}
	}
	return OutputSchema{
		Type: "json",
		JSON: SchemaBody{
			Type:                 "object",
			Properties:           props,
			Required:             headers,
			AdditionalProperties: false,
		},
	}
}

// RunsResponse is the API's answer to a run submission.
type RunsResponse struct {
	RunIDs []string `json:"run_ids"`
	Status string   `json:"status,omitempty"`
}

// RunResult is a single run's fetched result.
type RunResult struct {
	RunID  string       `json:"run_id"`
	Output ResultOutput `json:"output"`
}

// ResultOutput holds the schema-conforming content of a run result.
type ResultOutput struct {
	Type    string                     `json:"type"`
	Content map[string]json.RawMessage `json:"content"`
}

// APIError is a non-2xx response from the task API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("parallel: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a task API client. The HTTP client carries no overall
// timeout because StreamEvents holds its connection open indefinitely;
// per-call deadlines come from the caller's context.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.parallel.ai",
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) CreateGroup(ctx context.Context) (*Group, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/v1beta/tasks/groups", map[string]any{})
	if err != nil {
		return nil, eris.Wrap(err, "parallel: create group")
	}
	var g Group
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, eris.Wrap(err, "parallel: decode group")
	}
	if g.TaskGroupID == "" {
		return nil, eris.New("parallel: create group returned no taskgroup_id")
	}
	return &g, nil
}

func (c *httpClient) SubmitRuns(ctx context.Context, groupID string, req RunSubmission) (*RunsResponse, error) {
	path := fmt.Sprintf("/v1beta/tasks/groups/%s/runs", groupID)
	body, err := c.doJSON(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, eris.Wrap(err, "parallel: submit runs")
	}
	var rr RunsResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, eris.Wrap(err, "parallel: decode runs response")
	}
	return &rr, nil
}

func (c *httpClient) FetchResult(ctx context.Context, runID string) (*RunResult, error) {
	path := fmt.Sprintf("/v1/tasks/runs/%s/result", runID)
	body, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, eris.Wrap(err, "parallel: fetch result")
	}
	var res RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, eris.Wrap(err, "parallel: decode result")
	}
	return &res, nil
}

// doJSON performs one request and returns the response body. Transient
// statuses come back wrapped as resilience.TransientError so callers can
// retry or trip a breaker on them.
func (c *httpClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrap(err, "parallel: encode request")
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "parallel: create request")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "parallel: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return nil, apiErr
	}

	return body, nil
}
