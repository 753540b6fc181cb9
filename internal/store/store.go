// Package store persists task-group sessions and their per-run outcomes.
// Two drivers are provided: SQLite for single-binary deployments and
// Postgres for shared ones.
package store

import (
	"context"

	"github.com/gridfill/gridfill-cli/internal/model"
)

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the gateway.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, taskGroupID, processor string, rows int) (*model.SessionRecord, error)
	UpdateSessionStatus(ctx context.Context, taskGroupID, status string) error
	GetSession(ctx context.Context, taskGroupID string) (*model.SessionRecord, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionRecord, error)

	// Run outcomes
	RecordRun(ctx context.Context, outcome model.RunOutcome) error
	ListRuns(ctx context.Context, taskGroupID string) ([]model.RunOutcome, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
