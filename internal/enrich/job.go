// Package enrich implements the client-side enrichment orchestrator: it
// turns a selected grid range into per-row jobs, submits them as a task
// group through the gateway, consumes the streamed progress feed, and
// applies results back to the grid.
package enrich

import (
	"github.com/rotisserie/eris"

	"github.com/gridfill/gridfill-cli/internal/grid"
	"github.com/gridfill/gridfill-cli/internal/model"
)

// ErrNothingToEnrich is returned when the selection contains no empty,
// writable target cell.
var ErrNothingToEnrich = eris.New("enrich: nothing to enrich in selection")

// BuildJobs computes the per-row jobs for a selection. Context comes from
// every non-empty cell in the row, not just the selected columns; target
// cells are the empty, writable cells inside the selected column bounds.
// Rows without targets are skipped; no qualifying row at all is
// ErrNothingToEnrich.
func BuildJobs(g *grid.Grid, r grid.Range) ([]model.RowJob, error) {
	headers := g.Headers()

	lastRow := r.End.Row
	if max := g.NumRows() - 1; lastRow > max {
		lastRow = max
	}
	lastCol := r.End.Col
	if max := g.NumCols() - 1; lastCol > max {
		lastCol = max
	}
	firstCol := r.Start.Col
	if firstCol < 0 {
		firstCol = 0
	}

	var jobs []model.RowJob
	for row := r.DataRowStart(); row <= lastRow; row++ {
		job := model.RowJob{Row: row, Context: make(map[string]string)}

		for col := 0; col < g.NumCols(); col++ {
			cell, _ := g.At(row, col)
			if !cell.Empty() {
				job.Context[headers[col]] = cell.Value
			}
		}

		for col := firstCol; col <= lastCol; col++ {
			cell, _ := g.At(row, col)
			if cell.Empty() && !cell.ReadOnly {
				job.TargetHeaders = append(job.TargetHeaders, headers[col])
				job.TargetCols = append(job.TargetCols, col)
			}
		}

		if len(job.TargetCols) == 0 {
			continue
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return nil, ErrNothingToEnrich
	}
	return jobs, nil
}
