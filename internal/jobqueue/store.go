package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
)

// ErrJobNotFound is returned when a job id is unknown to the store.
var ErrJobNotFound = stdErrors.New("job not found")

// Store persists jobs and schedules for every module queue in one SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the queue database.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryQueue, "open sqlite database").
			WithContext("path", dbPath).
			Build()
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryQueue, "initialize schema").Build()
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		name TEXT NOT NULL,
		data BLOB,
		actor TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		progress BLOB,
		result BLOB,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue_state ON jobs(queue, state, created_at);
	CREATE TABLE IF NOT EXISTS schedules (
		queue TEXT NOT NULL,
		name TEXT NOT NULL,
		pattern TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (queue, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insert(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO jobs (id, queue, name, data, actor, state, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		job.ID, job.Queue, job.Name, []byte(job.Data), job.Actor, string(job.Progress.State), job.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// claimNext moves the oldest queued job of a queue to active and returns it.
// It returns nil when nothing is queued.
func (s *Store) claimNext(ctx context.Context, queue string, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE queue = ? AND state = ? ORDER BY created_at, rowid LIMIT 1",
		queue, string(StateQueued),
	)
	job, err := scanJob(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET state = ?, started_at = ? WHERE id = ?",
		string(StateActive), now.UnixNano(), job.ID,
	); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Progress.State = StateActive
	job.StartedAt = &now
	return job, nil
}

func (s *Store) finish(ctx context.Context, id string, state State, result json.RawMessage, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, result = ?, error = ?, finished_at = ? WHERE id = ?",
		string(state), []byte(result), errMsg, now.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (s *Store) setProgress(ctx context.Context, id string, p Progress) error {
	var progress []byte
	if p.Progress != nil {
		var err error
		if progress, err = json.Marshal(p.Progress); err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, message = ?, progress = ? WHERE id = ?",
		string(p.State), p.Message, progress, id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// list returns the most recent jobs of a queue, newest first.
func (s *Store) list(ctx context.Context, queue string, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE queue = ? ORDER BY created_at DESC, rowid DESC LIMIT ?",
		queue, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

// activeIDs returns ids of jobs left active, which after a restart means interrupted.
func (s *Store) activeIDs(ctx context.Context, queue string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM jobs WHERE queue = ? AND state = ? ORDER BY created_at",
		queue, string(StateActive),
	)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// prune deletes finished jobs beyond the newest keep of a queue.
func (s *Store) prune(ctx context.Context, queue string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE queue = ? AND state IN (?, ?) AND id NOT IN (
			SELECT id FROM jobs WHERE queue = ? AND state IN (?, ?)
			ORDER BY finished_at DESC, rowid DESC LIMIT ?
		)`,
		queue, string(StateCompleted), string(StateFailed),
		queue, string(StateCompleted), string(StateFailed), keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) upsertSchedule(ctx context.Context, sched Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (queue, name, pattern, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(queue, name) DO UPDATE SET pattern = excluded.pattern, updated_at = excluded.updated_at`,
		sched.Queue, sched.Name, sched.Pattern, sched.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *Store) schedules(ctx context.Context, queue string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT queue, name, pattern, updated_at FROM schedules WHERE queue = ? ORDER BY name", queue)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Schedule
	for rows.Next() {
		var sched Schedule
		var updated int64
		if err := rows.Scan(&sched.Queue, &sched.Name, &sched.Pattern, &updated); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.UpdatedAt = time.Unix(0, updated)
		out = append(out, sched)
	}
	return out, rows.Err()
}

const jobColumns = "id, queue, name, data, actor, state, message, progress, result, error, created_at, started_at, finished_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job      Job
		data     []byte
		state    string
		progress []byte
		result   []byte
		created  int64
		started  sql.NullInt64
		finished sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Queue, &job.Name, &data, &job.Actor, &state,
		&job.Progress.Message, &progress, &result, &job.Error, &created, &started, &finished)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Progress.State = State(state)
	if len(data) > 0 {
		job.Data = json.RawMessage(data)
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	job.CreatedAt = time.Unix(0, created)
	if started.Valid {
		t := time.Unix(0, started.Int64)
		job.StartedAt = &t
	}
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		job.FinishedAt = &t
	}
	return &job, nil
}
