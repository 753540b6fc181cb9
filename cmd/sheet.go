package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/gridfill/gridfill-cli/internal/fetcher"
	"github.com/gridfill/gridfill-cli/internal/grid"
)

// loadGrid reads a spreadsheet from a local path, HTTP(S) URL, or FTP URL
// into a grid. The format is taken from the file extension; CSV is the
// fallback for unknown extensions.
func loadGrid(ctx context.Context, ref string) (*grid.Grid, error) {
	r, err := fetcher.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	var rows [][]string
	switch sheetExt(ref) {
	case ".xlsx":
		rows, err = fetcher.ReadXLSX(r, fetcher.XLSXOptions{})
	case ".tsv":
		rows, err = fetcher.ReadCSV(r, fetcher.CSVOptions{Delimiter: '\t'})
	default:
		rows, err = fetcher.ReadCSV(r, fetcher.CSVOptions{})
	}
	if err != nil {
		return nil, err
	}

	return grid.FromRows(rows)
}

// saveGrid writes the grid to a local path, format from the extension.
func saveGrid(g *grid.Grid, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	defer f.Close() //nolint:errcheck

	switch sheetExt(path) {
	case ".xlsx":
		return fetcher.WriteXLSX(f, g.Rows(), "Sheet1")
	case ".tsv":
		return fetcher.WriteCSV(f, g.Rows(), '\t')
	default:
		return fetcher.WriteCSV(f, g.Rows(), ',')
	}
}

func sheetExt(ref string) string {
	// Strip a URL query before taking the extension.
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		ref = ref[:i]
	}
	return strings.ToLower(filepath.Ext(ref))
}

// parseRange parses an A1-style selection like "B2:D10" (or a single cell
// "B2") into a grid range. Rows are 1-based in A1 notation; row 1 is the
// header row.
func parseRange(s string) (grid.Range, error) {
	first, second, found := strings.Cut(s, ":")
	if !found {
		second = first
	}

	start, err := parseCellRef(first)
	if err != nil {
		return grid.Range{}, err
	}
	end, err := parseCellRef(second)
	if err != nil {
		return grid.Range{}, err
	}
	return grid.NewRange(start, end), nil
}

// parseCellRef parses one A1 cell reference like "D10" into a coordinate.
func parseCellRef(s string) (grid.Coord, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	i := 0
	col := 0
	for ; i < len(s) && s[i] >= 'A' && s[i] <= 'Z'; i++ {
		col = col*26 + int(s[i]-'A'+1)
	}
	if i == 0 || i == len(s) {
		return grid.Coord{}, eris.Errorf("invalid cell reference %q", s)
	}
	row, err := strconv.Atoi(s[i:])
	if err != nil || row < 1 {
		return grid.Coord{}, eris.Errorf("invalid cell reference %q", s)
	}
	return grid.Coord{Row: row - 1, Col: col - 1}, nil
}
