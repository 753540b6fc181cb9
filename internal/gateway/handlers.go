package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/internal/registry"
	"github.com/gridfill/gridfill-cli/internal/resilience"
	"github.com/gridfill/gridfill-cli/internal/sse"
	"github.com/gridfill/gridfill-cli/pkg/parallel"
)

// callUpstream wraps a non-streaming task API call in the shared circuit
// breaker plus the transient-error retry schedule. StreamEvents stays
// outside: the relay's lifetime is governed by the stream itself.
func callUpstream[T any](ctx context.Context, s *Server, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("parallel", op)
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		return resilience.ExecuteVal(ctx, s.breaker, fn)
	})
}

// handleSubmit creates a task group from row jobs and submits one run per
// row. The response correlates every opaque run id back to its grid target;
// a partial upstream acceptance fails the whole request so the caller never
// holds a run map that covers only some of its rows.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.requireClient(w) {
		return
	}

	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "no rows to enrich")
		return
	}
	if req.Processor == "" {
		req.Processor = "base"
	}
	if !parallel.ValidProcessor(req.Processor) {
		writeError(w, http.StatusBadRequest, "unknown processor: "+req.Processor)
		return
	}
	for _, job := range req.Rows {
		if len(job.TargetHeaders) == 0 || len(job.TargetHeaders) != len(job.TargetCols) {
			writeError(w, http.StatusBadRequest, "malformed row job")
			return
		}
	}

	group, err := callUpstream(r.Context(), s, "create_group", func(ctx context.Context) (*parallel.Group, error) {
		return s.client.CreateGroup(ctx)
	})
	if err != nil {
		zap.L().Error("create task group", zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream task group creation failed")
		return
	}

	inputs := make([]parallel.RunInput, 0, len(req.Rows))
	for _, job := range req.Rows {
		inputs = append(inputs, parallel.RunInput{
			Input:     buildTaskInput(job),
			TaskSpec:  parallel.TaskSpec{OutputSchema: parallel.HeaderSchema(job.TargetHeaders)},
			Processor: req.Processor,
			Metadata:  map[string]string{"row": strconv.Itoa(job.Row)},
		})
	}

	runs, err := callUpstream(r.Context(), s, "submit_runs", func(ctx context.Context) (*parallel.RunsResponse, error) {
		return s.client.SubmitRuns(ctx, group.TaskGroupID, parallel.RunSubmission{Inputs: inputs})
	})
	if err != nil {
		zap.L().Error("submit runs", zap.String("taskgroup_id", group.TaskGroupID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream run submission failed")
		return
	}
	if len(runs.RunIDs) != len(req.Rows) {
		zap.L().Error("partial run acceptance",
			zap.String("taskgroup_id", group.TaskGroupID),
			zap.Int("submitted", len(req.Rows)),
			zap.Int("accepted", len(runs.RunIDs)),
		)
		writeError(w, http.StatusBadGateway, "upstream accepted a partial run batch")
		return
	}

	runMap := make(model.RunMap, len(runs.RunIDs))
	for i, runID := range runs.RunIDs {
		job := req.Rows[i]
		runMap[runID] = model.RunTarget{
			Row:           job.Row,
			TargetCols:    job.TargetCols,
			TargetHeaders: job.TargetHeaders,
		}
	}
	s.rememberTargets(group.TaskGroupID, runMap)

	if s.store != nil {
		if _, err := s.store.CreateSession(r.Context(), group.TaskGroupID, req.Processor, len(req.Rows)); err != nil {
			zap.L().Warn("persist session", zap.String("taskgroup_id", group.TaskGroupID), zap.Error(err))
		}
	}

	zap.L().Info("task group created",
		zap.String("taskgroup_id", group.TaskGroupID),
		zap.Int("runs", len(runs.RunIDs)),
		zap.String("processor", req.Processor),
	)
	writeJSON(w, http.StatusOK, model.SubmitResponse{
		TaskGroupID: group.TaskGroupID,
		RunMap:      runMap,
	})
}

// handleStream relays the upstream event feed for one task group as SSE. A
// second concurrent stream for the same group is rejected with 409 so
// duplicated setup calls cannot double-consume the feed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireClient(w) {
		return
	}

	taskGroupID := r.URL.Query().Get("taskgroup_id")
	if taskGroupID == "" {
		writeError(w, http.StatusBadRequest, "taskgroup_id is required")
		return
	}

	if !s.locks.TryAcquire(taskGroupID) {
		writeError(w, http.StatusConflict, "stream already active for task group")
		return
	}
	defer s.locks.Release(taskGroupID)

	// Open the upstream feed before committing to SSE so failures still map
	// to a plain HTTP status.
	es, err := s.client.StreamEvents(r.Context(), taskGroupID)
	if err != nil {
		zap.L().Error("open upstream stream", zap.String("taskgroup_id", taskGroupID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream event stream unavailable")
		return
	}
	defer es.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lw := &lockedWriter{w: sse.NewWriter(w)}
	hello, _ := json.Marshal(sse.ConnectionEvent{
		Type:        sse.TypeConnection,
		Status:      "established",
		TaskGroupID: taskGroupID,
	})
	if err := lw.Write(sse.Frame{Event: sse.TypeConnection, Data: hello}); err != nil {
		return
	}

	stopKeepalive := s.startKeepalive(r.Context(), lw)
	defer stopKeepalive()

	// Result-fetch dedup is scoped to this stream: after a drop, the upstream
	// replays unacknowledged events on the next stream, and those replays
	// must be spliced again or the client applies empty outputs.
	s.relay(r.Context(), taskGroupID, es, lw, registry.NewOnceSet())
}

// relay pumps upstream frames to the client until the group goes inactive
// or either side drops.
func (s *Server) relay(ctx context.Context, taskGroupID string, es *parallel.EventStream, lw *lockedWriter, fetches *registry.OnceSet) {
	for {
		frame, err := es.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				zap.L().Warn("upstream stream broke", zap.String("taskgroup_id", taskGroupID), zap.Error(err))
			}
			return
		}

		terminal := false
		switch ev := sse.Decode(frame.Data).(type) {
		case *sse.RunStateEvent:
			frame = s.enrichRunFrame(ctx, frame, ev, fetches)
			s.recordOutcome(ctx, taskGroupID, ev)
			terminal = ev.Run.Status == "completed" && !ev.Run.IsActive

		case *sse.GroupStatusEvent:
			terminal = !ev.Status.IsActive
		}

		if err := lw.Write(frame); err != nil {
			zap.L().Debug("client disconnected", zap.String("taskgroup_id", taskGroupID))
			return
		}
		if terminal {
			s.finishSession(taskGroupID)
			return
		}
	}
}

// enrichRunFrame splices a fetched result into a completed run event that
// arrived without its output. The fetch happens once per run id within a
// stream; a duplicate event on the same stream passes through untouched
// because its first delivery already carried the output.
func (s *Server) enrichRunFrame(ctx context.Context, frame sse.Frame, ev *sse.RunStateEvent, fetches *registry.OnceSet) sse.Frame {
	if ev.Run.Status != "completed" || ev.Output != nil {
		return frame
	}
	if !fetches.First(ev.Run.RunID) {
		return frame
	}

	res, err := callUpstream(ctx, s, "fetch_result", func(ctx context.Context) (*parallel.RunResult, error) {
		return s.client.FetchResult(ctx, ev.Run.RunID)
	})
	if err != nil {
		// Allow a retry later on this stream for this run.
		fetches.Forget(ev.Run.RunID)
		zap.L().Warn("fetch run result", zap.String("run_id", ev.Run.RunID), zap.Error(err))
		return frame
	}

	ev.Output = res.Output.Content
	data, err := json.Marshal(ev)
	if err != nil {
		zap.L().Warn("encode enriched event", zap.String("run_id", ev.Run.RunID), zap.Error(err))
		return frame
	}
	frame.Data = data
	return frame
}

func (s *Server) recordOutcome(ctx context.Context, taskGroupID string, ev *sse.RunStateEvent) {
	if s.store == nil {
		return
	}
	if ev.Run.Status != "completed" && ev.Run.Status != "failed" {
		return
	}
	outcome := model.RunOutcome{
		TaskGroupID: taskGroupID,
		RunID:       ev.Run.RunID,
		Row:         s.rowForRun(taskGroupID, ev.Run.RunID),
		Status:      ev.Run.Status,
	}
	if err := s.store.RecordRun(ctx, outcome); err != nil {
		zap.L().Warn("persist run outcome", zap.String("run_id", ev.Run.RunID), zap.Error(err))
	}
}

// finishSession marks the stored session completed after the group's
// terminal signal. Uses a fresh context: the request context is usually
// being torn down at this point.
func (s *Server) finishSession(taskGroupID string) {
	s.forgetTargets(taskGroupID)
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateSessionStatus(ctx, taskGroupID, model.SessionCompleted); err != nil {
		zap.L().Warn("persist session completion", zap.String("taskgroup_id", taskGroupID), zap.Error(err))
	}
}

// handleCancel marks a session cancelled. Runs already accepted upstream
// keep executing; their results are simply never consumed.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req model.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskGroupID == "" {
		writeError(w, http.StatusBadRequest, "taskgroup_id is required")
		return
	}

	if s.store != nil {
		if err := s.store.UpdateSessionStatus(r.Context(), req.TaskGroupID, model.SessionCancelled); err != nil {
			if strings.Contains(err.Error(), "not found") {
				writeError(w, http.StatusNotFound, "unknown task group")
				return
			}
			zap.L().Warn("persist cancellation", zap.String("taskgroup_id", req.TaskGroupID), zap.Error(err))
		}
	}

	s.forgetTargets(req.TaskGroupID)
	zap.L().Info("task group cancelled", zap.String("taskgroup_id", req.TaskGroupID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// startKeepalive emits SSE comments until the stream ends, so intermediary
// proxies do not time out an idle group.
func (s *Server) startKeepalive(ctx context.Context, lw *lockedWriter) func() {
	if s.keepalive <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := lw.Comment("keepalive"); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// run target bookkeeping, used to attach row numbers to persisted outcomes.
// Entries live from submission until the group's terminal signal or cancel.

func (s *Server) rememberTargets(taskGroupID string, runMap model.RunMap) {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	if s.targets == nil {
		s.targets = make(map[string]map[string]model.RunTarget)
	}
	group := make(map[string]model.RunTarget, len(runMap))
	for runID, target := range runMap {
		group[runID] = target
	}
	s.targets[taskGroupID] = group
}

func (s *Server) rowForRun(taskGroupID, runID string) int {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	if target, ok := s.targets[taskGroupID][runID]; ok {
		return target.Row
	}
	return -1
}

func (s *Server) forgetTargets(taskGroupID string) {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	delete(s.targets, taskGroupID)
}

// lockedWriter serializes frame writes between the relay loop and the
// keepalive ticker.
type lockedWriter struct {
	mu sync.Mutex
	w  *sse.Writer
}

func (lw *lockedWriter) Write(f sse.Frame) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(f)
}

func (lw *lockedWriter) Comment(text string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Comment(text)
}

// buildTaskInput renders one row job as the task prompt: the row's known
// cells plus the fields to find, in a stable order.
func buildTaskInput(job model.RowJob) string {
	keys := make([]string, 0, len(job.Context))
	for k := range job.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Fill in the missing fields for this spreadsheet row.\n")
	b.WriteString("Known fields:\n")
	for _, k := range keys {
		b.WriteString("- ")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(job.Context[k])
		b.WriteByte('\n')
	}
	b.WriteString("Fields to find: ")
	b.WriteString(strings.Join(job.TargetHeaders, ", "))
	return b.String()
}
