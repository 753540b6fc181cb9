package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/gridfill/gridfill-cli/internal/db"
	"github.com/gridfill/gridfill-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_session":        `INSERT INTO task_groups (taskgroup_id, processor, rows, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"update_session_status": `UPDATE task_groups SET status = $1, updated_at = $2 WHERE taskgroup_id = $3`,
	"get_session":           `SELECT taskgroup_id, processor, rows, status, created_at, updated_at FROM task_groups WHERE taskgroup_id = $1`,
	"record_run":            `INSERT INTO task_runs (run_id, taskgroup_id, row_idx, status, recorded_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (run_id) DO UPDATE SET status = $4, recorded_at = $5`,
	"list_runs":             `SELECT run_id, taskgroup_id, row_idx, status FROM task_runs WHERE taskgroup_id = $1 ORDER BY row_idx`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS task_groups (
	taskgroup_id TEXT PRIMARY KEY,
	processor    TEXT NOT NULL,
	rows         INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'active',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_runs (
	run_id       TEXT PRIMARY KEY,
	taskgroup_id TEXT NOT NULL REFERENCES task_groups(taskgroup_id),
	row_idx      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_groups_status ON task_groups(status);
CREATE INDEX IF NOT EXISTS idx_task_runs_group ON task_runs(taskgroup_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, taskGroupID, processor string, rows int) (*model.SessionRecord, error) {
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_groups (taskgroup_id, processor, rows, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		taskGroupID, processor, rows, model.SessionActive, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
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

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, taskGroupID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_groups SET status = $1, updated_at = $2 WHERE taskgroup_id = $3`,
		status, time.Now().UTC(), taskGroupID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session status %s", taskGroupID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", taskGroupID)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, taskGroupID string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT taskgroup_id, processor, rows, status, created_at, updated_at FROM task_groups WHERE taskgroup_id = $1`,
		taskGroupID,
	).Scan(&rec.TaskGroupID, &rec.Processor, &rec.Rows, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("session not found: %s", taskGroupID)
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", taskGroupID)
	}
	return &rec, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionRecord, error) {
	query := `SELECT taskgroup_id, processor, rows, status, created_at, updated_at FROM task_groups WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		if err := rows.Scan(&rec.TaskGroupID, &rec.Processor, &rec.Rows, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, rec)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) RecordRun(ctx context.Context, outcome model.RunOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_runs (run_id, taskgroup_id, row_idx, status, recorded_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id) DO UPDATE SET status = $4, recorded_at = $5`,
		outcome.RunID, outcome.TaskGroupID, outcome.Row, outcome.Status, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: record run %s", outcome.RunID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, taskGroupID string) ([]model.RunOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, taskgroup_id, row_idx, status FROM task_runs WHERE taskgroup_id = $1 ORDER BY row_idx`,
		taskGroupID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var outcomes []model.RunOutcome
	for rows.Next() {
		var o model.RunOutcome
		if err := rows.Scan(&o.RunID, &o.TaskGroupID, &o.Row, &o.Status); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}
