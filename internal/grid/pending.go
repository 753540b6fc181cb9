package grid

import (
	"fmt"
	"sync"
)

// PendingSet tracks cells that are awaiting an asynchronous result, keyed by
// "row:col". A key is present iff a submitted run targets the cell and no
// terminal event for that run has been processed yet.
type PendingSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewPendingSet creates an empty pending set.
func NewPendingSet() *PendingSet {
	return &PendingSet{keys: make(map[string]struct{})}
}

// Key formats the canonical pending key for a cell.
func Key(row, col int) string {
	return fmt.Sprintf("%d:%d", row, col)
}

// Mark adds the cell to the set.
func (p *PendingSet) Mark(row, col int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[Key(row, col)] = struct{}{}
}

// Clear removes the cell from the set.
func (p *PendingSet) Clear(row, col int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, Key(row, col))
}

// Has reports whether the cell is pending.
func (p *PendingSet) Has(row, col int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.keys[Key(row, col)]
	return ok
}

// Len returns the number of pending cells.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Reset empties the set.
func (p *PendingSet) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = make(map[string]struct{})
}
