// Package grid holds the in-memory spreadsheet model: a rectangular cell
// matrix with a reserved header row, selection ranges, and the pending-cell
// bookkeeping used while enrichment runs are in flight.
package grid

import (
	"sync"

	"github.com/rotisserie/eris"
)

// Cell is a single spreadsheet cell. An empty Value means an empty cell.
type Cell struct {
	Value    string
	ReadOnly bool
	Style    string
}

// Empty reports whether the cell holds no value.
func (c Cell) Empty() bool {
	return c.Value == ""
}

// Write is one cell mutation within a batch applied by SetValues.
type Write struct {
	Row   int
	Col   int
	Value string
	Style string
}

// Grid is an ordered 2-D cell matrix. Row 0 is the header row. Every row has
// the same column count as row 0; all mutating operations preserve that.
type Grid struct {
	mu   sync.RWMutex
	rows [][]Cell
}

// New creates a grid with the given headers and numRows data rows.
func New(headers []string, numRows int) *Grid {
	g := &Grid{rows: make([][]Cell, 0, numRows+1)}
	hdr := make([]Cell, len(headers))
	for i, h := range headers {
		hdr[i] = Cell{Value: h, ReadOnly: true}
	}
	g.rows = append(g.rows, hdr)
	for r := 0; r < numRows; r++ {
		g.rows = append(g.rows, make([]Cell, len(headers)))
	}
	return g
}

// FromRows builds a grid from raw string rows. The first row becomes the
// header row. Short rows are padded to the header width; overlong rows are
// an error so a malformed source file fails loudly instead of skewing columns.
func FromRows(rows [][]string) (*Grid, error) {
	if len(rows) == 0 {
		return nil, eris.New("grid: no rows")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, eris.New("grid: empty header row")
	}
	g := &Grid{rows: make([][]Cell, len(rows))}
	for r, row := range rows {
		if len(row) > width {
			return nil, eris.Errorf("grid: row %d has %d cells, header has %d", r, len(row), width)
		}
		cells := make([]Cell, width)
		for c := 0; c < width; c++ {
			var v string
			if c < len(row) {
				v = row[c]
			}
			cells[c] = Cell{Value: v, ReadOnly: r == 0}
		}
		g.rows[r] = cells
	}
	return g, nil
}

// NumRows returns the row count including the header row.
func (g *Grid) NumRows() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rows)
}

// NumCols returns the column count.
func (g *Grid) NumCols() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rows[0])
}

// Headers returns the header row values.
func (g *Grid) Headers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.rows[0]))
	for i, c := range g.rows[0] {
		out[i] = c.Value
	}
	return out
}

// At returns the cell at (row, col) and whether the coordinate is in range.
func (g *Grid) At(row, col int) (Cell, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if row < 0 || row >= len(g.rows) || col < 0 || col >= len(g.rows[0]) {
		return Cell{}, false
	}
	return g.rows[row][col], true
}

// SetValue sets a single cell value.
func (g *Grid) SetValue(row, col int, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(row, col); err != nil {
		return err
	}
	g.rows[row][col].Value = value
	return nil
}

// SetValues applies a batch of writes atomically: either every coordinate is
// valid and all writes land under one lock hold, or nothing is written.
func (g *Grid) SetValues(writes []Write) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range writes {
		if err := g.check(w.Row, w.Col); err != nil {
			return err
		}
	}
	for _, w := range writes {
		g.rows[w.Row][w.Col].Value = w.Value
		g.rows[w.Row][w.Col].Style = w.Style
	}
	return nil
}

// SetStyle tags the cell with a style name (empty clears it).
func (g *Grid) SetStyle(row, col int, style string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(row, col); err != nil {
		return err
	}
	g.rows[row][col].Style = style
	return nil
}

// AddRow appends an empty data row.
func (g *Grid) AddRow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows = append(g.rows, make([]Cell, len(g.rows[0])))
}

// AddColumn appends a column with the given header to every row.
func (g *Grid) AddColumn(header string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows[0] = append(g.rows[0], Cell{Value: header, ReadOnly: true})
	for r := 1; r < len(g.rows); r++ {
		g.rows[r] = append(g.rows[r], Cell{})
	}
}

// DeleteRow removes a data row. The header row cannot be deleted.
func (g *Grid) DeleteRow(row int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if row <= 0 || row >= len(g.rows) {
		return eris.Errorf("grid: cannot delete row %d", row)
	}
	g.rows = append(g.rows[:row], g.rows[row+1:]...)
	return nil
}

// DeleteColumn removes a column from every row. The last remaining column
// cannot be deleted.
func (g *Grid) DeleteColumn(col int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if col < 0 || col >= len(g.rows[0]) {
		return eris.Errorf("grid: cannot delete column %d", col)
	}
	if len(g.rows[0]) == 1 {
		return eris.New("grid: cannot delete the last column")
	}
	for r := range g.rows {
		g.rows[r] = append(g.rows[r][:col], g.rows[r][col+1:]...)
	}
	return nil
}

// Rows exports the grid as raw string rows, header row first.
func (g *Grid) Rows() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([][]string, len(g.rows))
	for r, row := range g.rows {
		vals := make([]string, len(row))
		for c, cell := range row {
			vals[c] = cell.Value
		}
		out[r] = vals
	}
	return out
}

func (g *Grid) check(row, col int) error {
	if row < 0 || row >= len(g.rows) || col < 0 || col >= len(g.rows[0]) {
		return eris.Errorf("grid: cell %d:%d out of range", row, col)
	}
	return nil
}
