package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridfill/gridfill-cli/internal/gateway"
	"github.com/gridfill/gridfill-cli/internal/registry"
	"github.com/gridfill/gridfill-cli/pkg/parallel"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task-group gateway server",
	Long:  "Serves the spreadsheet enrichment endpoints: task-group creation, the SSE event relay, and cancellation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		// A missing key is not fatal at startup; requests fail with 500 until
		// it is configured, matching the per-request contract.
		var client parallel.Client
		if cfg.Parallel.Key != "" {
			client = parallel.NewClient(cfg.Parallel.Key, parallel.WithBaseURL(cfg.Parallel.BaseURL))
		} else {
			zap.L().Warn("GRIDFILL_PARALLEL_KEY not set, enrichment requests will fail")
		}

		gw := gateway.NewServer(client, st, registry.NewLocks())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: gw.Router(cfg.Server.AllowedOrigins),
			// No WriteTimeout: SSE responses stay open for the life of a
			// task group.
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting gateway", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
