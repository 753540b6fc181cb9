package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/gridfill/gridfill-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS task_groups (
	taskgroup_id TEXT PRIMARY KEY,
	processor    TEXT NOT NULL,
	rows         INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'active',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS task_runs (
	run_id       TEXT PRIMARY KEY,
	taskgroup_id TEXT NOT NULL REFERENCES task_groups(taskgroup_id),
	row_idx      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	recorded_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_task_groups_status ON task_groups(status);
CREATE INDEX IF NOT EXISTS idx_task_runs_group ON task_runs(taskgroup_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, taskGroupID, processor string, rows int) (*model.SessionRecord, error) {
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_groups (taskgroup_id, processor, rows, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		taskGroupID, processor, rows, model.SessionActive, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}

	return &model.SessionRecord{
		TaskGroupID: taskGroupID,
		Processor:   processor,
		Rows:        rows,
		Status:      model.SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, taskGroupID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_groups SET status = ?, updated_at = ? WHERE taskgroup_id = ?`,
		status, time.Now().UTC(), taskGroupID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session status %s", taskGroupID)
	}
	return checkRowsAffected(res, "session", taskGroupID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, taskGroupID string) (*model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT taskgroup_id, processor, rows, status, created_at, updated_at FROM task_groups WHERE taskgroup_id = ?`,
		taskGroupID,
	)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionRecord, error) {
	query := `SELECT taskgroup_id, processor, rows, status, created_at, updated_at FROM task_groups WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *rec)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) RecordRun(ctx context.Context, outcome model.RunOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (run_id, taskgroup_id, row_idx, status, recorded_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, recorded_at = excluded.recorded_at`,
		outcome.RunID, outcome.TaskGroupID, outcome.Row, outcome.Status, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record run %s", outcome.RunID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, taskGroupID string) ([]model.RunOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, taskgroup_id, row_idx, status FROM task_runs WHERE taskgroup_id = ? ORDER BY row_idx`,
		taskGroupID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var outcomes []model.RunOutcome
	for rows.Next() {
		var o model.RunOutcome
		if err := rows.Scan(&o.RunID, &o.TaskGroupID, &o.Row, &o.Status); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := row.Scan(&rec.TaskGroupID, &rec.Processor, &rec.Rows, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("session not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	return &rec, nil
}
