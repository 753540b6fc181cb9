package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridfill/gridfill-cli/internal/enrich"
	"github.com/gridfill/gridfill-cli/internal/grid"
	"github.com/gridfill/gridfill-cli/internal/registry"
	"github.com/gridfill/gridfill-cli/internal/resilience"
	"github.com/gridfill/gridfill-cli/pkg/anthropic"
)

var (
	enrichOut       string
	enrichRange     string
	enrichProcessor string
	enrichEngine    string
	enrichGateway   string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <spreadsheet>",
	Short: "Fill empty cells in a spreadsheet selection",
	Long: `Loads a spreadsheet (CSV, TSV, or XLSX; local path or URL), builds one
enrichment job per row in the selected range, and fills the empty target
cells. The parallel engine submits a task group through the gateway and
streams results back; the claude engine queries the model API directly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		g, err := loadGrid(ctx, args[0])
		if err != nil {
			return err
		}

		rng, err := parseRange(enrichRange)
		if err != nil {
			return err
		}

		processor := enrichProcessor
		if processor == "" {
			processor = cfg.Enrich.Processor
		}
		engine := enrichEngine
		if engine == "" {
			engine = cfg.Enrich.Engine
		}

		var summary enrich.Summary
		switch engine {
		case "parallel":
			summary, err = runParallel(ctx, g, rng, processor)
		case "claude":
			summary, err = runDirect(ctx, g, rng)
		default:
			return eris.Errorf("unknown engine: %s (want parallel or claude)", engine)
		}
		if err != nil {
			if eris.Is(err, enrich.ErrNothingToEnrich) {
				fmt.Fprintln(os.Stderr, "Nothing to enrich: the selection has no empty target cells.")
				return nil
			}
			return err
		}

		out := enrichOut
		if out == "" {
			out = args[0]
		}
		if err := saveGrid(g, out); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Enriched %d row(s), %d failed (%s) -> %s\n",
			summary.Succeeded, summary.Failed, summary.State, out)
		return nil
	},
}

// runParallel submits a task group through the gateway and consumes its
// event stream to completion.
func runParallel(ctx context.Context, g *grid.Grid, rng grid.Range, processor string) (enrich.Summary, error) {
	gatewayURL := enrichGateway
	if gatewayURL == "" {
		gatewayURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	orch := enrich.New(
		enrich.NewGatewayClient(gatewayURL),
		g,
		registry.NewLocks(),
		enrich.WithRetryConfig(streamRetryFromConfig()),
	)

	session, err := orch.Submit(ctx, rng, processor)
	if err != nil {
		return enrich.Summary{}, err
	}

	zap.L().Info("streaming task group", zap.String("taskgroup_id", session.TaskGroupID))
	return orch.Run(ctx, session)
}

// runDirect enriches rows with direct model calls, no gateway involved.
func runDirect(ctx context.Context, g *grid.Grid, rng grid.Range) (enrich.Summary, error) {
	if cfg.Anthropic.Key == "" {
		return enrich.Summary{}, eris.New("anthropic key is required for the claude engine (GRIDFILL_ANTHROPIC_KEY)")
	}

	engine := enrich.NewDirectEngine(anthropic.NewClient(cfg.Anthropic.Key), enrich.DirectConfig{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         int64(cfg.Anthropic.MaxTokens),
		MaxConcurrent:     cfg.Anthropic.MaxConcurrent,
		RequestsPerMinute: cfg.Anthropic.RequestsPerMinute,
	})
	return engine.Run(ctx, g, rng)
}

// streamRetryFromConfig maps the stream config onto the reconnect schedule,
// keeping the deterministic doubling defaults for unset values.
func streamRetryFromConfig() resilience.RetryConfig {
	rc := resilience.StreamRetryConfig()
	if cfg.Stream.MaxReconnects > 0 {
		rc.MaxAttempts = cfg.Stream.MaxReconnects
	}
	if cfg.Stream.InitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.Stream.InitialBackoffMs) * time.Millisecond
	}
	if cfg.Stream.MaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(cfg.Stream.MaxBackoffMs) * time.Millisecond
	}
	return rc
}

func init() {
	enrichCmd.Flags().StringVarP(&enrichOut, "out", "o", "", "output path (default: overwrite input)")
	enrichCmd.Flags().StringVarP(&enrichRange, "range", "r", "", "A1-style selection, e.g. B2:D10 (required)")
	enrichCmd.Flags().StringVar(&enrichProcessor, "processor", "", "processor tier: lite, base, core, pro (default from config)")
	enrichCmd.Flags().StringVar(&enrichEngine, "engine", "", "enrichment engine: parallel or claude (default from config)")
	enrichCmd.Flags().StringVar(&enrichGateway, "gateway", "", "gateway base URL (default: local server port)")
	_ = enrichCmd.MarkFlagRequired("range")
	rootCmd.AddCommand(enrichCmd)
}
