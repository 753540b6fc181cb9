package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/gridfill/gridfill-cli/internal/model"
	"github.com/gridfill/gridfill-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect task-group history",
	Long:  "Commands for listing enrichment task groups and viewing their per-run outcomes.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrichment task groups",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, store.SessionFilter{Status: status, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No task groups found.")
			return nil
		}

		formatSessionList(os.Stdout, sessions)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <taskgroup-id>",
	Short: "Show a task group and its per-run outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		session, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		outcomes, err := st.ListRuns(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show outcomes")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Session *model.SessionRecord `json:"session"`
			Runs    []model.RunOutcome   `json:"runs"`
		}{session, outcomes})
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by status (active, completed, cancelled, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of task groups to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatSessionList writes a tabular list of task groups to w.
func formatSessionList(out io.Writer, sessions []model.SessionRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASKGROUP\tPROCESSOR\tROWS\tSTATUS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "---------\t---------\t----\t------\t-------\t--------")

	for _, s := range sessions {
		dur := s.UpdatedAt.Sub(s.CreatedAt).Round(time.Second).String()
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(s.TaskGroupID),
			s.Processor,
			s.Rows,
			s.Status,
			s.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 12 characters of an id for compact display.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
