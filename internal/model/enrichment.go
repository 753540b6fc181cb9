// Package model holds the wire types shared between the enrichment
// orchestrator and the task-group gateway.
package model

import "time"

// RowJob is one row's enrichment job: the non-empty cells of the row as
// context, and the empty target cells to fill. TargetHeaders and TargetCols
// are parallel slices.
type RowJob struct {
	Row           int               `json:"row"`
	Context       map[string]string `json:"context"`
	TargetHeaders []string          `json:"targetHeaders"`
	TargetCols    []int             `json:"targetCols"`
}

// SubmitRequest is the gateway's job-creation request body.
type SubmitRequest struct {
	Rows      []RowJob `json:"rows"`
	Processor string   `json:"processor"`
}

// RunTarget maps an opaque remote run id back to a grid location.
type RunTarget struct {
	Row           int      `json:"row"`
	TargetCols    []int    `json:"targetCols"`
	TargetHeaders []string `json:"targetHeaders"`
}

// RunMap correlates run ids with grid targets for one task group. It is
// built atomically at submission and discarded when the session ends.
type RunMap map[string]RunTarget

// SubmitResponse is the gateway's job-creation response body.
type SubmitResponse struct {
	TaskGroupID string `json:"taskgroup_id"`
	RunMap      RunMap `json:"run_map"`
}

// CancelRequest is the gateway's cancellation request body.
type CancelRequest struct {
	TaskGroupID string `json:"taskgroup_id"`
}

// ErrorResponse is the gateway's JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Session status values persisted to the store.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
	SessionFailed    = "failed"
)

// RunOutcome is a per-run terminal record persisted to the store.
type RunOutcome struct {
	TaskGroupID string `json:"taskgroup_id"`
	RunID       string `json:"run_id"`
	Row         int    `json:"row"`
	Status      string `json:"status"`
}

// SessionRecord is the persisted view of one task group handled by the
// gateway.
type SessionRecord struct {
	TaskGroupID string    `json:"taskgroup_id"`
	Processor   string    `json:"processor"`
	Rows        int       `json:"rows"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
