// Package reconciler drives worker-pool capacity toward observed demand
// and flags agents whose recent jobs fail too often.
package reconciler

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Schema is kept portable: no SQLite-only column types, so DATABASE_URL can
// point at another driver later.
const schema = `
CREATE TABLE IF NOT EXISTS worker_pools (
	name              TEXT PRIMARY KEY,
	min_workers       INTEGER NOT NULL,
	max_workers       INTEGER NOT NULL,
	target_latency_ms INTEGER NOT NULL DEFAULT 0,
	current_workers   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_job_stats (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id    TEXT NOT NULL,
	task_id     TEXT NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_stats_agent_time
	ON agent_job_stats (agent_id, finished_at);
`

// WorkerPool is the desired-state row for one elastic pool.
type WorkerPool struct {
	Name            string `db:"name" json:"name"`
	MinWorkers      int    `db:"min_workers" json:"min_workers"`
	MaxWorkers      int    `db:"max_workers" json:"max_workers"`
	TargetLatencyMS int64  `db:"target_latency_ms" json:"target_latency_ms"`
	CurrentWorkers  int    `db:"current_workers" json:"current_workers"`
}

// AgentStats aggregates an agent's job outcomes over a window.
type AgentStats struct {
	AgentID  string `db:"agent_id"`
	Jobs     int    `db:"jobs"`
	Failures int    `db:"failures"`
}

// ErrorRate returns failures/jobs, or 0 for an agent with no jobs.
func (s AgentStats) ErrorRate() float64 {
	if s.Jobs == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Jobs)
}

// Store persists worker pools and agent job stats via sqlx.
type Store struct {
	db *sqlx.DB
}

// OpenStore connects to the SQLite database at dsn and creates the schema.
func OpenStore(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("reconciler: open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("reconciler: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPool creates or replaces a pool definition.
func (s *Store) UpsertPool(p WorkerPool) error {
	_, err := s.db.NamedExec(`
		INSERT INTO worker_pools (name, min_workers, max_workers, target_latency_ms, current_workers)
		VALUES (:name, :min_workers, :max_workers, :target_latency_ms, :current_workers)
		ON CONFLICT(name) DO UPDATE SET
			min_workers = excluded.min_workers,
			max_workers = excluded.max_workers,
			target_latency_ms = excluded.target_latency_ms,
			current_workers = excluded.current_workers`, p)
	if err != nil {
		return fmt.Errorf("reconciler: upsert pool %s: %w", p.Name, err)
	}
	return nil
}

// Pools returns every pool definition, ordered by name.
func (s *Store) Pools() ([]WorkerPool, error) {
	var pools []WorkerPool
	if err := s.db.Select(&pools, `SELECT * FROM worker_pools ORDER BY name`); err != nil {
		return nil, fmt.Errorf("reconciler: list pools: %w", err)
	}
	return pools, nil
}

// Pool returns one pool by name.
func (s *Store) Pool(name string) (*WorkerPool, error) {
	var p WorkerPool
	if err := s.db.Get(&p, `SELECT * FROM worker_pools WHERE name = ?`, name); err != nil {
		return nil, fmt.Errorf("reconciler: get pool %s: %w", name, err)
	}
	return &p, nil
}

// SetCurrentWorkers persists the applied worker count for a pool.
func (s *Store) SetCurrentWorkers(name string, workers int) error {
	res, err := s.db.Exec(`UPDATE worker_pools SET current_workers = ? WHERE name = ?`, workers, name)
	if err != nil {
		return fmt.Errorf("reconciler: set workers for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reconciler: unknown pool %s", name)
	}
	return nil
}

// RecordJob appends one finished job outcome for an agent.
func (s *Store) RecordJob(agentID, taskID string, success bool, finishedAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_job_stats (agent_id, task_id, success, finished_at)
		VALUES (?, ?, ?, ?)`, agentID, taskID, success, finishedAt.UTC())
	if err != nil {
		return fmt.Errorf("reconciler: record job: %w", err)
	}
	return nil
}

// AgentStatsSince aggregates job outcomes per agent from the given time.
func (s *Store) AgentStatsSince(since time.Time) ([]AgentStats, error) {
	var stats []AgentStats
	err := s.db.Select(&stats, `
		SELECT agent_id,
		       COUNT(*) AS jobs,
		       SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) AS failures
		FROM agent_job_stats
		WHERE finished_at >= ?
		GROUP BY agent_id
		ORDER BY agent_id`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("reconciler: agent stats: %w", err)
	}
	return stats, nil
}

// PruneJobs removes job rows older than the given time.
func (s *Store) PruneJobs(before time.Time) error {
	if _, err := s.db.Exec(`DELETE FROM agent_job_stats WHERE finished_at < ?`, before.UTC()); err != nil {
		return fmt.Errorf("reconciler: prune jobs: %w", err)
	}
	return nil
}
