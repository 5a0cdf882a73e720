package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
)

// Store wraps the Postgres connection used for accounts, topics and run
// history. Handlers reach the DB through the typed methods below; DB is
// exported for tests and migrations tooling.
type Store struct {
	DB *sql.DB
}

// Run statuses persisted through the run lifecycle.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// New opens the store using the configured Postgres settings.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Topic operations

// Topic is a saved research request with an optional refresh schedule.
type Topic struct {
	ID           string
	UserID       string
	Name         string
	ScheduleCron string
	CreatedAt    time.Time
}

func (s *Store) CreateTopic(ctx context.Context, userID, name string, request []byte, cron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO topics (user_id, name, request, schedule_cron) VALUES ($1,$2,$3,$4) RETURNING id`, userID, name, request, cron).Scan(&id)
	return id, err
}

func (s *Store) ListTopics(ctx context.Context, userID string) ([]Topic, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, name, schedule_cron, created_at FROM topics WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.ScheduleCron, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTopicByID fetches a topic scoped to its owner. The request payload is the
// stored research request JSON.
func (s *Store) GetTopicByID(ctx context.Context, id string, userID string) (name string, request []byte, scheduleCron string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT name, request, schedule_cron FROM topics WHERE id=$1 AND user_id=$2`, id, userID).Scan(&name, &request, &scheduleCron)
	return
}

// GetTopicRequest loads the stored research request without owner scoping.
// Only the scheduler uses this, after the topic id came from ListAllTopics.
func (s *Store) GetTopicRequest(ctx context.Context, topicID string) (name string, request []byte, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT name, request FROM topics WHERE id=$1`, topicID).Scan(&name, &request)
	return
}

func (s *Store) ListAllTopics(ctx context.Context) ([]Topic, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, user_id, name, schedule_cron, created_at FROM topics`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.ScheduleCron, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Run operations

// Run is a single execution of a topic (or an ad-hoc request, in which case
// it has no topic).
type Run struct {
	ID         string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      *string
}

// CreateRun inserts a run row and returns its generated id. An empty topicID
// records an ad-hoc run with no owning topic.
func (s *Store) CreateRun(ctx context.Context, topicID string, status string) (string, error) {
	var id string
	var topic interface{}
	if topicID != "" {
		topic = topicID
	}
	err := s.DB.QueryRowContext(ctx, `INSERT INTO runs (topic_id, status) VALUES ($1,$2) RETURNING id`, topic, status).Scan(&id)
	return id, err
}

func (s *Store) FinishRun(ctx context.Context, runID string, status string, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$1, finished_at=NOW(), error=$2 WHERE id=$3`, status, errMsg, runID)
	return err
}

// SetRunStatus updates the status field without touching timestamps.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status string) error {
	if runID == "" {
		return fmt.Errorf("run_id required")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET status=$2 WHERE id=$1`, runID, status)
	return err
}

func (s *Store) ListRuns(ctx context.Context, topicID string) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, status, started_at, finished_at, error FROM runs WHERE topic_id=$1 ORDER BY started_at DESC`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestRunID(ctx context.Context, topicID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM runs WHERE topic_id=$1 ORDER BY started_at DESC LIMIT 1`, topicID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (s *Store) LatestRunTime(ctx context.Context, topicID string) (*time.Time, error) {
	var ts *time.Time
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(COALESCE(finished_at, started_at)) FROM runs WHERE topic_id=$1`, topicID).Scan(&ts)
	return ts, err
}

// Run result operations

// RunResultRecord is the rendered outcome of a completed run. Sources holds
// the structured source refs as produced by a dynamic strategy execution and
// is empty for standard-pipeline runs, whose provenance lives in Citations.
type RunResultRecord struct {
	RunID         string
	TopicID       string
	FinalReport   string
	Citations     string
	ExecutionPath string
	Logs          []string
	Sources       json.RawMessage
	CreatedAt     time.Time
}

// SaveRunResult upserts the result row for a run. Re-saving replaces the
// previous content.
func (s *Store) SaveRunResult(ctx context.Context, rec RunResultRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run_id required")
	}
	if rec.Logs == nil {
		rec.Logs = []string{}
	}
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	var sources interface{}
	if len(rec.Sources) > 0 {
		sources = []byte(rec.Sources)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO run_results (run_id, final_report, citations, execution_path, logs, sources)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (run_id) DO UPDATE SET
  final_report   = EXCLUDED.final_report,
  citations      = EXCLUDED.citations,
  execution_path = EXCLUDED.execution_path,
  logs           = EXCLUDED.logs,
  sources        = EXCLUDED.sources;
`, rec.RunID, rec.FinalReport, rec.Citations, rec.ExecutionPath, logs, sources)
	return err
}

// GetRunResult fetches the stored result for a run along with the owning
// topic id (empty for ad-hoc runs).
func (s *Store) GetRunResult(ctx context.Context, runID string) (RunResultRecord, bool, error) {
	if runID == "" {
		return RunResultRecord{}, false, fmt.Errorf("run_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT rr.run_id, COALESCE(r.topic_id::text, ''), rr.final_report, rr.citations, rr.execution_path, rr.logs, rr.sources, rr.created_at
FROM run_results rr
JOIN runs r ON r.id = rr.run_id
WHERE rr.run_id=$1
`, runID)
	var rec RunResultRecord
	var logsB, sourcesB []byte
	if err := row.Scan(&rec.RunID, &rec.TopicID, &rec.FinalReport, &rec.Citations, &rec.ExecutionPath, &logsB, &sourcesB, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return RunResultRecord{}, false, nil
		}
		return RunResultRecord{}, false, err
	}
	if len(logsB) > 0 {
		if err := json.Unmarshal(logsB, &rec.Logs); err != nil {
			return RunResultRecord{}, false, fmt.Errorf("decode logs: %w", err)
		}
	}
	if len(sourcesB) > 0 {
		rec.Sources = append(json.RawMessage{}, sourcesB...)
	}
	return rec, true, nil
}
