package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/internal/registry"
	"github.com/gridfill/gridfill-cli/internal/resilience"
	"github.com/gridfill/gridfill-cli/internal/sse"
	"github.com/gridfill/gridfill-cli/internal/store"
	"github.com/gridfill/gridfill-cli/pkg/parallel"
)

// upstreamScript configures the fake task API.
type upstreamScript struct {
	groupID       string
	acceptRuns    int // -1 means accept all
	groupFailures int // number of leading 503s on group creation
	events        []string
	results       map[string]map[string]string
	holdEvents    bool // keep the event stream open until the client leaves
	lastRuns      parallel.RunSubmission
	groupCalls    int
	resultCalls   map[string]int
	eventStreams  int
}

func newUpstream(t *testing.T, script *upstreamScript) *httptest.Server {
	t.Helper()
	if script.acceptRuns == 0 {
		script.acceptRuns = -1
	}
	script.resultCalls = make(map[string]int)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1beta/tasks/groups", func(w http.ResponseWriter, r *http.Request) {
		script.groupCalls++
		if script.groupFailures > 0 {
			script.groupFailures--
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(parallel.Group{TaskGroupID: script.groupID})
	})
	mux.HandleFunc("POST /v1beta/tasks/groups/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&script.lastRuns))
		n := len(script.lastRuns.Inputs)
		if script.acceptRuns >= 0 && script.acceptRuns < n {
			n = script.acceptRuns
		}
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("run-%d", i+1)
		}
		json.NewEncoder(w).Encode(parallel.RunsResponse{RunIDs: ids})
	})
	mux.HandleFunc("GET /v1beta/tasks/groups/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		script.eventStreams++
		w.Header().Set("Content-Type", "text/event-stream")
		sw := sse.NewWriter(w)
		for _, data := range script.events {
			require.NoError(t, sw.Write(sse.Frame{Data: []byte(data)}))
		}
		if script.holdEvents {
			<-r.Context().Done()
		}
	})
	mux.HandleFunc("GET /v1/tasks/runs/{id}/result", func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("id")
		script.resultCalls[runID]++
		content, ok := script.results[runID]
		if !ok {
			http.Error(w, `{"error":"no result"}`, http.StatusNotFound)
			return
		}
		raw := make(map[string]json.RawMessage, len(content))
		for k, v := range content {
			raw[k], _ = json.Marshal(v)
		}
		json.NewEncoder(w).Encode(parallel.RunResult{
			RunID:  runID,
			Output: parallel.ResultOutput{Type: "json", Content: raw},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, script *upstreamScript) (*httptest.Server, store.Store) {
	t.Helper()
	upstream := newUpstream(t, script)
	client := parallel.NewClient("test-key", parallel.WithBaseURL(upstream.URL))

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	s := NewServer(client, st, registry.NewLocks(), WithKeepalive(0))
	srv := httptest.NewServer(s.Router([]string{"*"}))
	t.Cleanup(srv.Close)
	return srv, st
}

func submitBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(model.SubmitRequest{
		Processor: "core",
		Rows: []model.RowJob{
			{Row: 1, Context: map[string]string{"Company": "Mintlify"}, TargetHeaders: []string{"Employee Count"}, TargetCols: []int{2}},
			{Row: 2, Context: map[string]string{"Company": "Etched"}, TargetHeaders: []string{"Employee Count"}, TargetCols: []int{2}},
		},
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestSubmit_CreatesGroupAndRunMap(t *testing.T) {
	script := &upstreamScript{groupID: "tg-123"}
	srv, st := newTestServer(t, script)

	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "tg-123", out.TaskGroupID)
	require.Len(t, out.RunMap, 2)
	assert.Equal(t, 1, out.RunMap["run-1"].Row)
	assert.Equal(t, 2, out.RunMap["run-2"].Row)
	assert.Equal(t, []string{"Employee Count"}, out.RunMap["run-1"].TargetHeaders)

	// Upstream saw the prompt and the schema contract.
	require.Len(t, script.lastRuns.Inputs, 2)
	in := script.lastRuns.Inputs[0]
	assert.Contains(t, in.Input, "Company: Mintlify")
	assert.Contains(t, in.Input, "Fields to find: Employee Count")
	assert.Equal(t, "core", in.Processor)
	assert.False(t, in.TaskSpec.OutputSchema.JSON.AdditionalProperties)
	assert.Equal(t, []string{"Employee Count"}, in.TaskSpec.OutputSchema.JSON.Required)

	// Session persisted as active.
	rec, err := st.GetSession(context.Background(), "tg-123")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, rec.Status)
	assert.Equal(t, 2, rec.Rows)
}

func TestSubmit_PartialAcceptanceFailsWholeRequest(t *testing.T) {
	srv, _ := newTestServer(t, &upstreamScript{groupID: "tg-9", acceptRuns: 1})

	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var e model.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Contains(t, e.Error, "partial")
}

func TestSubmit_Validation(t *testing.T) {
	srv, _ := newTestServer(t, &upstreamScript{groupID: "tg-1"})

	tests := []struct {
		name string
		body string
	}{
		{"empty rows", `{"rows":[],"processor":"base"}`},
		{"bad processor", `{"rows":[{"row":1,"targetHeaders":["A"],"targetCols":[0]}],"processor":"turbo"}`},
		{"mismatched targets", `{"rows":[{"row":1,"targetHeaders":["A","B"],"targetCols":[0]}],"processor":"base"}`},
		{"not json", `{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", bytes.NewReader([]byte(tt.body)))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSubmit_NoAPIKeyConfigured(t *testing.T) {
	s := NewServer(nil, nil, registry.NewLocks())
	srv := httptest.NewServer(s.Router([]string{"*"}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStream_RelaysAndSplicesMissingOutput(t *testing.T) {
	script := &upstreamScript{
		groupID: "tg-1",
		events: []string{
			`{"type":"task_run.state","run":{"run_id":"run-1","status":"completed","is_active":true},"output":{"Employee Count":"50"}}`,
			// Completed without output: the gateway must fetch and splice.
			`{"type":"task_run.state","run":{"run_id":"run-2","status":"completed","is_active":true}}`,
			`{"type":"task_group_status","status":{"is_active":false}}`,
		},
		results: map[string]map[string]string{
			"run-2": {"Employee Count": "120"},
		},
	}
	srv, st := newTestServer(t, script)

	// Submit first so the gateway knows the run targets.
	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stream, err := http.Get(srv.URL + "/api/spreadsheet/parallel?taskgroup_id=tg-1")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	reader := sse.NewReader(stream.Body)

	frame, err := reader.Next()
	require.NoError(t, err)
	conn, ok := sse.Decode(frame.Data).(*sse.ConnectionEvent)
	require.True(t, ok, "first frame is the connection event")
	assert.Equal(t, "tg-1", conn.TaskGroupID)

	frame, err = reader.Next()
	require.NoError(t, err)
	run1 := sse.Decode(frame.Data).(*sse.RunStateEvent)
	assert.Equal(t, "run-1", run1.Run.RunID)
	assert.JSONEq(t, `"50"`, string(run1.Output["Employee Count"]))

	frame, err = reader.Next()
	require.NoError(t, err)
	run2 := sse.Decode(frame.Data).(*sse.RunStateEvent)
	assert.Equal(t, "run-2", run2.Run.RunID)
	require.NotNil(t, run2.Output, "missing output spliced in from the result fetch")
	assert.JSONEq(t, `"120"`, string(run2.Output["Employee Count"]))
	assert.Equal(t, 1, script.resultCalls["run-2"])

	frame, err = reader.Next()
	require.NoError(t, err)
	group := sse.Decode(frame.Data).(*sse.GroupStatusEvent)
	assert.False(t, group.Status.IsActive)

	// Terminal signal closes the relay and completes the stored session.
	require.Eventually(t, func() bool {
		rec, err := st.GetSession(context.Background(), "tg-1")
		return err == nil && rec.Status == model.SessionCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// Run outcomes were recorded with their rows.
	outcomes, err := st.ListRuns(context.Background(), "tg-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 1, outcomes[0].Row)
	assert.Equal(t, "completed", outcomes[0].Status)
}

func TestStream_ResplicesOnReconnectedStream(t *testing.T) {
	// Upstream replays the resultless completed event on every stream; each
	// stream must splice the output in, not just the first one.
	script := &upstreamScript{
		groupID: "tg-1",
		events: []string{
			`{"type":"task_run.state","run":{"run_id":"run-9","status":"completed","is_active":true}}`,
		},
		results: map[string]map[string]string{
			"run-9": {"Employee Count": "77"},
		},
	}
	srv, _ := newTestServer(t, script)

	for attempt := 0; attempt < 2; attempt++ {
		stream, err := http.Get(srv.URL + "/api/spreadsheet/parallel?taskgroup_id=tg-1")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, stream.StatusCode)

		reader := sse.NewReader(stream.Body)
		frame, err := reader.Next()
		require.NoError(t, err)
		_, ok := sse.Decode(frame.Data).(*sse.ConnectionEvent)
		require.True(t, ok)

		frame, err = reader.Next()
		require.NoError(t, err)
		run := sse.Decode(frame.Data).(*sse.RunStateEvent)
		require.NotNil(t, run.Output, "stream %d must carry the spliced output", attempt+1)
		assert.JSONEq(t, `"77"`, string(run.Output["Employee Count"]))

		// Drain until the upstream closes so the stream lock is released
		// before the next attempt.
		for {
			if _, err := reader.Next(); err != nil {
				break
			}
		}
		stream.Body.Close()
	}
	assert.Equal(t, 2, script.resultCalls["run-9"], "each stream fetches the result once")
}

func TestStream_SecondConcurrentStreamRejected(t *testing.T) {
	script := &upstreamScript{
		groupID:    "tg-1",
		holdEvents: true,
		events: []string{
			`{"type":"connection","status":"established","taskgroup_id":"tg-1"}`,
		},
	}
	srv, _ := newTestServer(t, script)

	first, err := http.Get(srv.URL + "/api/spreadsheet/parallel?taskgroup_id=tg-1")
	require.NoError(t, err)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	// Reading the handshake guarantees the gateway holds the stream lock.
	_, err = sse.NewReader(first.Body).Next()
	require.NoError(t, err)

	second, err := http.Get(srv.URL + "/api/spreadsheet/parallel?taskgroup_id=tg-1")
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)

	// A different group is unaffected.
	other, err := http.Get(srv.URL + "/api/spreadsheet/parallel?taskgroup_id=tg-2")
	require.NoError(t, err)
	other.Body.Close()
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestStream_MissingTaskGroupID(t *testing.T) {
	srv, _ := newTestServer(t, &upstreamScript{groupID: "tg-1"})

	resp, err := http.Get(srv.URL + "/api/spreadsheet/parallel")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_LockReleasedAfterStreamEnds(t *testing.T) {
	script := &upstreamScript{
		groupID: "tg-1",
		events:  []string{`{"type":"task_group_status","status":{"is_active":false}}`},
	}
	srv, _ := newTestServer(t, script)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/api/spreadsheet/parallel?taskgroup_id=tg-1")
		require.NoError(t, err)
		reader := sse.NewReader(resp.Body)
		for {
			if _, err := reader.Next(); err != nil {
				break
			}
		}
		resp.Body.Close()
	}
	assert.Equal(t, 2, script.eventStreams, "sequential streams are allowed")
}

func TestCancel(t *testing.T) {
	script := &upstreamScript{groupID: "tg-1"}
	srv, st := newTestServer(t, script)

	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	resp.Body.Close()

	body, _ := json.Marshal(model.CancelRequest{TaskGroupID: "tg-1"})
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/spreadsheet/parallel", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	rec, err := st.GetSession(context.Background(), "tg-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, rec.Status)
}

func TestCancel_UnknownGroup(t *testing.T) {
	srv, _ := newTestServer(t, &upstreamScript{groupID: "tg-1"})

	body, _ := json.Marshal(model.CancelRequest{TaskGroupID: "missing"})
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/spreadsheet/parallel", bytes.NewReader(body))
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSubmit_RetriesTransientGroupCreation(t *testing.T) {
	script := &upstreamScript{groupID: "tg-r", groupFailures: 1}
	upstream := newUpstream(t, script)
	client := parallel.NewClient("test-key", parallel.WithBaseURL(upstream.URL))

	s := NewServer(client, nil, registry.NewLocks(),
		WithUpstreamRetry(resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}))
	srv := httptest.NewServer(s.Router([]string{"*"}))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "one 503 is retried away")
	assert.Equal(t, 2, script.groupCalls)
}

func TestSubmit_OpenCircuitShortCircuitsUpstream(t *testing.T) {
	script := &upstreamScript{groupID: "tg-b", groupFailures: 100}
	upstream := newUpstream(t, script)
	client := parallel.NewClient("test-key", parallel.WithBaseURL(upstream.URL))

	s := NewServer(client, nil, registry.NewLocks(),
		WithUpstreamRetry(resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}),
		WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2})))
	srv := httptest.NewServer(s.Router([]string{"*"}))
	t.Cleanup(srv.Close)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	require.Equal(t, 2, script.groupCalls)

	// The threshold is reached: the next submit fails without an upstream call.
	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 2, script.groupCalls, "open circuit rejects before reaching upstream")
}

func TestRunTargets_PrunedAfterTerminalSignal(t *testing.T) {
	script := &upstreamScript{
		groupID: "tg-1",
		events:  []string{`{"type":"task_group_status","status":{"is_active":false}}`},
	}
	upstream := newUpstream(t, script)
	client := parallel.NewClient("test-key", parallel.WithBaseURL(upstream.URL))
	s := NewServer(client, nil, registry.NewLocks(), WithKeepalive(0))
	srv := httptest.NewServer(s.Router([]string{"*"}))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, s.rowForRun("tg-1", "run-1"))

	stream, err := http.Get(srv.URL + "/api/spreadsheet/parallel?taskgroup_id=tg-1")
	require.NoError(t, err)
	reader := sse.NewReader(stream.Body)
	for {
		if _, err := reader.Next(); err != nil {
			break
		}
	}
	stream.Body.Close()

	assert.Eventually(t, func() bool {
		return s.rowForRun("tg-1", "run-1") == -1
	}, time.Second, 5*time.Millisecond, "terminal signal releases run target bookkeeping")
}

func TestRunTargets_PrunedOnCancel(t *testing.T) {
	script := &upstreamScript{groupID: "tg-1"}
	upstream := newUpstream(t, script)
	client := parallel.NewClient("test-key", parallel.WithBaseURL(upstream.URL))
	s := NewServer(client, nil, registry.NewLocks(), WithKeepalive(0))
	srv := httptest.NewServer(s.Router([]string{"*"}))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/spreadsheet/parallel", "application/json", submitBody(t))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 1, s.rowForRun("tg-1", "run-1"))

	body, _ := json.Marshal(model.CancelRequest{TaskGroupID: "tg-1"})
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/spreadsheet/parallel", bytes.NewReader(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, -1, s.rowForRun("tg-1", "run-1"))
}

func TestBuildTaskInput_StableOrder(t *testing.T) {
	job := model.RowJob{
		Row:           1,
		Context:       map[string]string{"Zeta": "z", "Alpha": "a"},
		TargetHeaders: []string{"Employee Count", "Domain"},
	}
	got := buildTaskInput(job)
	want := "Fill in the missing fields for this spreadsheet row.\n" +
		"Known fields:\n" +
		"- Alpha: a\n" +
		"- Zeta: z\n" +
		"Fields to find: Employee Count, Domain"
	assert.Equal(t, want, got)
}
