package grid

// Coord addresses a single cell.
type Coord struct {
	Row int
	Col int
}

// Range is a rectangular cell selection, normalized so Start <= End
// component-wise.
type Range struct {
	Start Coord
	End   Coord
}

// NewRange builds a normalized range from two corner coordinates in any order.
func NewRange(a, b Coord) Range {
	r := Range{Start: a, End: b}
	if r.Start.Row > r.End.Row {
		r.Start.Row, r.End.Row = r.End.Row, r.Start.Row
	}
	if r.Start.Col > r.End.Col {
		r.Start.Col, r.End.Col = r.End.Col, r.Start.Col
	}
	return r
}

// Contains reports whether the coordinate lies inside the range.
func (r Range) Contains(c Coord) bool {
	return c.Row >= r.Start.Row && c.Row <= r.End.Row &&
		c.Col >= r.Start.Col && c.Col <= r.End.Col
}

// DataRowStart returns the first data row covered by the range. The header
// row is never an enrichment target, so a selection that includes row 0
// starts at row 1.
func (r Range) DataRowStart() int {
	if r.Start.Row < 1 {
		return 1
	}
	return r.Start.Row
}
