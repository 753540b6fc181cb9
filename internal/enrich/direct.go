package enrich

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gridfill/gridfill-cli/internal/grid"
	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/pkg/anthropic"
)

const directSystemPrompt = `You enrich spreadsheet rows. Given the known
fields of a row, find the requested missing fields. Respond with a single
JSON object whose keys are exactly the requested field names and whose
values are strings. Use null for a field you cannot determine. No prose, no
markdown.`

// DirectConfig tunes the direct engine.
type DirectConfig struct {
	Model             string
	MaxTokens         int64
	MaxConcurrent     int
	RequestsPerMinute int
}

// DirectEngine fills target cells by querying the model API directly,
// bypassing the task gateway. One request per row, fanned out under a
// concurrency cap and a request-rate limit.
type DirectEngine struct {
	client  anthropic.Client
	cfg     DirectConfig
	limiter *rate.Limiter
	pending *grid.PendingSet
}

// NewDirectEngine creates a direct engine.
func NewDirectEngine(client anthropic.Client, cfg DirectConfig) *DirectEngine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	return &DirectEngine{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.MaxConcurrent),
		pending: grid.NewPendingSet(),
	}
}

// Pending exposes the pending-cell set.
func (e *DirectEngine) Pending() *grid.PendingSet {
	return e.pending
}

// Run enriches every row in the selection. Per-row failures clear their
// pending marks and count against the summary; they do not abort the other
// rows. The shared system prompt is warmed once before the fan-out so the
// concurrent requests hit the prompt cache.
func (e *DirectEngine) Run(ctx context.Context, g *grid.Grid, r grid.Range) (Summary, error) {
	jobs, err := BuildJobs(g, r)
	if err != nil {
		return Summary{}, err
	}

	sessionID := uuid.New().String()
	for _, job := range jobs {
		for _, col := range job.TargetCols {
			e.pending.Mark(job.Row, col)
		}
	}

	system := anthropic.BuildCachedSystemBlocks(directSystemPrompt)
	if len(jobs) > 1 {
		if _, err := anthropic.PrimerRequest(ctx, e.client, anthropic.MessageRequest{
			Model:     e.cfg.Model,
			MaxTokens: 16,
			System:    system,
			Messages:  []anthropic.Message{{Role: "user", Content: "ok"}},
		}); err != nil {
			// Cache warming is an optimization; the fan-out proceeds without it.
			zap.L().Warn("prompt cache primer failed", zap.Error(err))
		}
	}

	var (
		mu        sync.Mutex
		succeeded int
		failed    int
		usage     anthropic.TokenUsage
	)

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.MaxConcurrent)

	for _, job := range jobs {
		eg.Go(func() error {
			if err := e.limiter.Wait(gCtx); err != nil {
				return err
			}

			runUsage, err := e.enrichRow(gCtx, g, job, system)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				clearPending(e.pending, model.RunTarget{Row: job.Row, TargetCols: job.TargetCols})
				zap.L().Warn("direct enrichment failed",
					zap.String("session_id", sessionID),
					zap.Int("row", job.Row),
					zap.Error(err),
				)
				return nil
			}
			succeeded++
			usage.InputTokens += runUsage.InputTokens
			usage.OutputTokens += runUsage.OutputTokens
			usage.CacheCreationInputTokens += runUsage.CacheCreationInputTokens
			usage.CacheReadInputTokens += runUsage.CacheReadInputTokens
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		for _, job := range jobs {
			clearPending(e.pending, model.RunTarget{Row: job.Row, TargetCols: job.TargetCols})
		}
		return Summary{TaskGroupID: sessionID, Succeeded: succeeded, Failed: failed, State: StateCancelled},
			eris.Wrap(err, "enrich: direct run interrupted")
	}

	usage.LogCost(e.cfg.Model, "direct-enrich")
	state := StateCompleted
	if succeeded == 0 && failed > 0 {
		state = StateFailed
	}
	return Summary{TaskGroupID: sessionID, Succeeded: succeeded, Failed: failed, State: state}, nil
}

// enrichRow performs one model call and writes the returned fields into the
// row's target cells.
func (e *DirectEngine) enrichRow(ctx context.Context, g *grid.Grid, job model.RowJob, system []anthropic.SystemBlock) (anthropic.TokenUsage, error) {
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: directRowPrompt(job)}},
	})
	if err != nil {
		return anthropic.TokenUsage{}, err
	}

	fields, err := parseRowFields(resp.Text())
	if err != nil {
		return resp.Usage, err
	}

	target := model.RunTarget{Row: job.Row, TargetCols: job.TargetCols, TargetHeaders: job.TargetHeaders}
	if _, err := applyRun(g, e.pending, target, fields); err != nil {
		return resp.Usage, err
	}
	return resp.Usage, nil
}

// directRowPrompt renders one row job as the user message, stable key order.
func directRowPrompt(job model.RowJob) string {
	keys := make([]string, 0, len(job.Context))
	for k := range job.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Known fields:\n")
	for _, k := range keys {
		b.WriteString("- ")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(job.Context[k])
		b.WriteByte('\n')
	}
	b.WriteString("Find: ")
	b.WriteString(strings.Join(job.TargetHeaders, ", "))
	return b.String()
}

// parseRowFields extracts the JSON object from a model response, tolerating
// code fences and surrounding prose.
func parseRowFields(text string) (map[string]json.RawMessage, error) {
	cleaned := cleanJSON(text)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, eris.Wrap(err, "enrich: parse model response")
	}
	return fields, nil
}

// cleanJSON strips markdown fences and prose around a JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
