package enrich

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridfill/gridfill-cli/internal/grid"
	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/internal/registry"
	"github.com/gridfill/gridfill-cli/internal/resilience"
	"github.com/gridfill/gridfill-cli/internal/sse"
)

// Orchestrator drives enrichment sessions against one grid.
type Orchestrator struct {
	gateway  GatewayClient
	grid     *grid.Grid
	pending  *grid.PendingSet
	locks    *registry.Locks
	retry    resilience.RetryConfig
	flashTTL time.Duration
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithRetryConfig overrides the stream-reconnect schedule.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(o *Orchestrator) {
		o.retry = cfg
	}
}

// WithFlashTTL overrides how long freshly written cells keep their flash tag.
func WithFlashTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.flashTTL = ttl
	}
}

// New creates an orchestrator for the grid. The lock registry guards
// against a duplicated setup call opening a second stream for the same
// task group.
func New(gateway GatewayClient, g *grid.Grid, locks *registry.Locks, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:  gateway,
		grid:     g,
		pending:  grid.NewPendingSet(),
		locks:    locks,
		retry:    resilience.StreamRetryConfig(),
		flashTTL: time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pending exposes the pending-cell set.
func (o *Orchestrator) Pending() *grid.PendingSet {
	return o.pending
}

// Submit builds jobs for the selection, marks their target cells pending,
// and creates the task group through the gateway. On any submission failure
// the pending marks are rolled back and no session is returned; there is no
// automatic resubmission.
func (o *Orchestrator) Submit(ctx context.Context, r grid.Range, processor string) (*Session, error) {
	jobs, err := BuildJobs(o.grid, r)
	if err != nil {
		return nil, err
	}

	// Optimistic pending marks so the grid reflects in-flight state before
	// the network call returns.
	for _, job := range jobs {
		for _, col := range job.TargetCols {
			o.pending.Mark(job.Row, col)
		}
	}

	resp, err := o.gateway.Submit(ctx, model.SubmitRequest{Rows: jobs, Processor: processor})
	if err != nil {
		for _, job := range jobs {
			for _, col := range job.TargetCols {
				o.pending.Clear(job.Row, col)
			}
		}
		return nil, eris.Wrap(err, "enrich: submit task group")
	}

	zap.L().Info("task group submitted",
		zap.String("taskgroup_id", resp.TaskGroupID),
		zap.Int("rows", len(jobs)),
		zap.String("processor", processor),
	)
	return NewSession(resp.TaskGroupID, resp.RunMap), nil
}

// Run consumes the session's event stream to completion, applying results
// to the grid as they arrive. Abnormal stream closures reconnect on the
// configured doubling schedule; a normal-completion signal suppresses any
// further reconnect. Run is safe against duplicated invocation: the second
// caller loses the session lock and returns immediately without touching
// the stream.
func (o *Orchestrator) Run(ctx context.Context, s *Session) (Summary, error) {
	if !o.locks.TryAcquire(s.TaskGroupID) {
		zap.L().Debug("duplicate run invocation ignored", zap.String("taskgroup_id", s.TaskGroupID))
		return o.summary(s), nil
	}
	defer o.locks.Release(s.TaskGroupID)

	if !s.transition(StateConnecting) {
		return o.summary(s), eris.Errorf("enrich: session in state %s cannot start streaming", s.State())
	}

	cfg := o.retry
	for attempt := 0; ; attempt++ {
		err := o.consumeOnce(ctx, s)
		if err == nil {
			s.transition(StateCompleted)
			o.rollbackAll(s)
			succeeded, failed := s.Counts()
			zap.L().Info("task group completed",
				zap.String("taskgroup_id", s.TaskGroupID),
				zap.Int("succeeded", succeeded),
				zap.Int("failed", failed),
			)
			return o.summary(s), nil
		}

		if errors.Is(err, ErrDuplicateStream) {
			// Another stream already serves this task group; expected under
			// duplicated setup, not a failure.
			zap.L().Debug("stream already active", zap.String("taskgroup_id", s.TaskGroupID))
			return o.summary(s), nil
		}

		if ctx.Err() != nil || s.State() == StateCancelled {
			s.transition(StateCancelled)
			o.rollbackAll(s)
			return o.summary(s), nil
		}

		if attempt >= cfg.MaxAttempts-1 || !resilience.IsTransient(err) {
			s.transition(StateFailed)
			o.rollbackAll(s)
			return o.summary(s), eris.Wrap(err, "enrich: stream failed")
		}

		delay := streamBackoff(attempt, cfg)
		zap.L().Warn("stream dropped, reconnecting",
			zap.String("taskgroup_id", s.TaskGroupID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.transition(StateCancelled)
			o.rollbackAll(s)
			return o.summary(s), nil
		case <-timer.C:
		}
		s.transition(StateConnecting)
	}
}

// Cancel marks the session cancelled, rolls back its pending marks, and
// sends a best-effort cancellation to the gateway. Remote jobs already
// submitted may keep running; their results are simply ignored.
func (o *Orchestrator) Cancel(ctx context.Context, s *Session) {
	s.transition(StateCancelled)
	o.rollbackAll(s)
	if err := o.gateway.Cancel(ctx, s.TaskGroupID); err != nil {
		zap.L().Warn("best-effort cancel failed",
			zap.String("taskgroup_id", s.TaskGroupID),
			zap.Error(err),
		)
	}
}

// consumeOnce opens one stream and consumes it until a normal-completion
// signal (nil), a duplicate-stream rejection, or a transport error.
func (o *Orchestrator) consumeOnce(ctx context.Context, s *Session) error {
	es, err := o.gateway.OpenStream(ctx, s.TaskGroupID)
	if err != nil {
		if errors.Is(err, ErrDuplicateStream) {
			return err
		}
		return resilience.NewTransientError(err, 0)
	}
	defer es.Close()

	s.transition(StateStreaming)

	for {
		frame, err := es.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return resilience.NewTransientError(eris.New("enrich: stream closed before completion"), 0)
			}
			return resilience.NewTransientError(err, 0)
		}

		switch ev := sse.Decode(frame.Data).(type) {
		case *sse.ConnectionEvent:
			zap.L().Debug("stream established", zap.String("taskgroup_id", ev.TaskGroupID))

		case *sse.RunStateEvent:
			done := o.handleRunEvent(s, ev)
			if done {
				return nil
			}

		case *sse.GroupStatusEvent:
			if !ev.Status.IsActive {
				return nil
			}

		case *sse.UnparsedEvent:
			zap.L().Warn("skipping unparseable event",
				zap.String("taskgroup_id", s.TaskGroupID),
				zap.ByteString("payload", ev.Raw),
			)
		}
	}
}

// handleRunEvent applies one run event and reports whether it doubled as
// the group's normal-completion marker.
func (o *Orchestrator) handleRunEvent(s *Session, ev *sse.RunStateEvent) bool {
	runID := ev.Run.RunID
	target, ok := s.RunMap[runID]
	if !ok {
		zap.L().Warn("event for unknown run", zap.String("run_id", runID))
		return false
	}

	switch ev.Run.Status {
	case "completed":
		if s.firstApplication(runID) {
			coords, err := applyRun(o.grid, o.pending, target, ev.Output)
			if err != nil {
				zap.L().Error("apply run result", zap.String("run_id", runID), zap.Error(err))
			} else {
				s.recordSuccess()
				o.scheduleFlashClear(coords)
			}
		}
		// A completed run flagged inactive is the terminal signal for the
		// whole group.
		return !ev.Run.IsActive

	case "failed":
		if s.firstApplication(runID) {
			clearPending(o.pending, target)
			s.recordFailure()
			zap.L().Info("run failed", zap.String("run_id", runID), zap.Int("row", target.Row))
		}
	}
	return false
}

// rollbackAll clears any pending marks still held by the session's runs.
func (o *Orchestrator) rollbackAll(s *Session) {
	for _, target := range s.RunMap {
		clearPending(o.pending, target)
	}
}

func (o *Orchestrator) scheduleFlashClear(coords []grid.Coord) {
	g := o.grid
	time.AfterFunc(o.flashTTL, func() {
		for _, c := range coords {
			_ = g.SetStyle(c.Row, c.Col, "")
		}
	})
}

func (o *Orchestrator) summary(s *Session) Summary {
	succeeded, failed := s.Counts()
	return Summary{
		TaskGroupID: s.TaskGroupID,
		Succeeded:   succeeded,
		Failed:      failed,
		State:       s.State(),
	}
}

// streamBackoff computes the reconnect delay for an attempt, doubling from
// the initial backoff up to the cap.
func streamBackoff(attempt int, cfg resilience.RetryConfig) time.Duration {
	delay := cfg.InitialBackoff
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
		if cfg.MaxBackoff > 0 && delay >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	return delay
}
