package parallel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfill/gridfill-cli/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-api-key", WithBaseURL(srv.URL))
}

func TestCreateGroup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1beta/tasks/groups", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-api-key"))
		json.NewEncoder(w).Encode(Group{TaskGroupID: "tg-123", Status: "active"})
	})

	g, err := c.CreateGroup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tg-123", g.TaskGroupID)
}

func TestCreateGroup_MissingID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	})

	_, err := c.CreateGroup(context.Background())
	assert.Error(t, err)
}

func TestSubmitRuns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/tasks/groups/tg-1/runs", r.URL.Path)

		var req RunSubmission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Inputs, 2)
		assert.Equal(t, "core", req.Inputs[0].Processor)
		assert.False(t, req.Inputs[0].TaskSpec.OutputSchema.JSON.AdditionalProperties)
		assert.Contains(t, req.Inputs[0].TaskSpec.OutputSchema.JSON.Properties, "Employee Count")

		json.NewEncoder(w).Encode(RunsResponse{RunIDs: []string{"r1", "r2"}})
	})

	schema := HeaderSchema([]string{"Employee Count"})
	resp, err := c.SubmitRuns(context.Background(), "tg-1", RunSubmission{
		Inputs: []RunInput{
			{Input: "row 2", TaskSpec: TaskSpec{OutputSchema: schema}, Processor: "core"},
			{Input: "row 3", TaskSpec: TaskSpec{OutputSchema: schema}, Processor: "core"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, resp.RunIDs)
}

func TestFetchResult(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/tasks/runs/r1/result", r.URL.Path)
		io.WriteString(w, `{"run_id":"r1","output":{"type":"json","content":{"Employee Count":"50"}}}`)
	})

	res, err := c.FetchResult(context.Background(), "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `"50"`, string(res.Output.Content["Employee Count"]))
}

func TestDoJSON_TransientStatusIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})

	_, err := c.FetchResult(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestDoJSON_ClientErrorIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such run"}`, http.StatusNotFound)
	})

	_, err := c.FetchResult(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestStreamEvents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/tasks/groups/tg-1/events", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"task_group_status\",\"status\":{\"is_active\":true}}\n\n")
		io.WriteString(w, "data: {\"type\":\"task_group_status\",\"status\":{\"is_active\":false}}\n\n")
	})

	stream, err := c.StreamEvents(context.Background(), "tg-1")
	require.NoError(t, err)
	defer stream.Close()

	f, err := stream.Next()
	require.NoError(t, err)
	assert.Contains(t, string(f.Data), `"is_active":true`)

	f, err = stream.Next()
	require.NoError(t, err)
	assert.Contains(t, string(f.Data), `"is_active":false`)

	_, err = stream.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestStreamEvents_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown group"}`, http.StatusNotFound)
	})

	_, err := c.StreamEvents(context.Background(), "tg-x")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestHeaderSchema(t *testing.T) {
	s := HeaderSchema([]string{"A", "B"})
	assert.Equal(t, "object", s.JSON.Type)
	assert.Equal(t, []string{"A", "B"}, s.JSON.Required)
	assert.False(t, s.JSON.AdditionalProperties)
	assert.Len(t, s.JSON.Properties, 2)
}

func TestValidProcessor(t *testing.T) {
	for _, p := range []string{"lite", "base", "core", "pro"} {
		assert.True(t, ValidProcessor(p))
	}
	assert.False(t, ValidProcessor("ultra"))
	assert.False(t, ValidProcessor(""))
}
