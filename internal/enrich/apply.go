package enrich

import (
	"encoding/json"
	"strconv"

	"github.com/gridfill/gridfill-cli/internal/grid"
	"github.com/gridfill/gridfill-cli/internal/model"
)

// StyleFlash is the transient style tag put on freshly written cells.
const StyleFlash = "flash"

// CoerceValue converts one output field to a cell value. JSON null and the
// sentinel strings "null", "undefined", and "" all become an empty cell
// rather than a literal string; numbers and booleans are rendered as text.
func CoerceValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not valid JSON; treat the raw bytes as text.
		return string(raw)
	}

	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if val == "null" || val == "undefined" || val == "" {
			return ""
		}
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		// Arrays or objects: keep the compact JSON text.
		compact, err := json.Marshal(val)
		if err != nil {
			return string(raw)
		}
		return string(compact)
	}
}

// applyRun writes one run's output to its target cells as a single atomic
// grid update, clears the run's pending marks, and returns the coordinates
// written so the caller can schedule the flash clear.
func applyRun(g *grid.Grid, pending *grid.PendingSet, target model.RunTarget, output map[string]json.RawMessage) ([]grid.Coord, error) {
	writes := make([]grid.Write, 0, len(target.TargetCols))
	coords := make([]grid.Coord, 0, len(target.TargetCols))
	for i, col := range target.TargetCols {
		header := target.TargetHeaders[i]
		writes = append(writes, grid.Write{
			Row:   target.Row,
			Col:   col,
			Value: CoerceValue(output[header]),
			Style: StyleFlash,
		})
		coords = append(coords, grid.Coord{Row: target.Row, Col: col})
	}

	if err := g.SetValues(writes); err != nil {
		return nil, err
	}
	for _, c := range coords {
		pending.Clear(c.Row, c.Col)
	}
	return coords, nil
}

// clearPending drops the pending marks for one run without writing values,
// used for failed runs and rollback.
func clearPending(pending *grid.PendingSet, target model.RunTarget) {
	for _, col := range target.TargetCols {
		pending.Clear(target.Row, col)
	}
}
