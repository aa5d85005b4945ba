package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"invpredict/ml"
	"invpredict/training"
)

var ErrRunNotFound = errors.New("training run not found")

const schema = `
    CREATE TABLE IF NOT EXISTS training_runs (
        id TEXT PRIMARY KEY,
        status VARCHAR(20) NOT NULL,
        algorithm VARCHAR(50) NOT NULL,
        records INTEGER NOT NULL,
        train_size INTEGER DEFAULT 0,
        test_size INTEGER DEFAULT 0,
        metrics TEXT,
        model_version TEXT,
        error TEXT,
        submitted_at DATETIME NOT NULL,
        started_at DATETIME,
        finished_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_training_runs_submitted ON training_runs(submitted_at);
    `

// Store 训练记录存储. It doubles as a training.Observer so every job
// transition lands in the ledger.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the SQLite database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY.
	database.SetMaxOpenConns(1)
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: database, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces the row for job.ID.
func (s *Store) SaveRun(ctx context.Context, job training.Job) error {
	var metrics sql.NullString
	if len(job.Metrics) > 0 {
		raw, err := json.Marshal(job.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
		metrics = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO training_runs (
            id, status, algorithm, records, train_size, test_size,
            metrics, model_version, error, submitted_at, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Status),
		job.Algorithm,
		job.Records,
		job.TrainSize,
		job.TestSize,
		metrics,
		nullString(job.ModelVersion),
		nullString(job.Error),
		job.SubmittedAt,
		job.StartedAt,
		job.FinishedAt,
	)
	return err
}

// JobUpdated records a transition. Failures are logged; the ledger never
// blocks training.
func (s *Store) JobUpdated(job training.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.SaveRun(ctx, job); err != nil {
		s.logger.Warn("failed to record training run", zap.String("job_id", job.ID), zap.Error(err))
	}
}

const selectRuns = `
        SELECT id, status, algorithm, records, train_size, test_size,
               metrics, model_version, error, submitted_at, started_at, finished_at
        FROM training_runs`

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]training.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRuns+`
        ORDER BY submitted_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]training.Job, 0)
	for rows.Next() {
		job, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, job)
	}
	return runs, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, id string) (training.Job, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+`
        WHERE id = ?`, id)
	job, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return training.Job{}, ErrRunNotFound
	}
	return job, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (training.Job, error) {
	var (
		job                   training.Job
		status                string
		metrics, version, msg sql.NullString
		started, finished     sql.NullTime
	)
	err := row.Scan(&job.ID, &status, &job.Algorithm, &job.Records, &job.TrainSize, &job.TestSize,
		&metrics, &version, &msg, &job.SubmittedAt, &started, &finished)
	if err != nil {
		return training.Job{}, err
	}
	job.Status = training.Status(status)
	job.ModelVersion = version.String
	job.Error = msg.String
	if metrics.Valid {
		var m ml.EvaluationMetrics
		if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
			return training.Job{}, fmt.Errorf("decode metrics of run %s: %w", job.ID, err)
		}
		job.Metrics = m
	}
	if started.Valid {
		t := started.Time.UTC()
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		job.FinishedAt = &t
	}
	job.SubmittedAt = job.SubmittedAt.UTC()
	return job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
