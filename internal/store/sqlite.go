package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements RecordStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
	// locks serializes writes per test namespace.
	locks sync.Map
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps an in-memory database alive and avoids
	// SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) lock(test string) func() {
	v, _ := s.locks.LoadOrStore(test, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func encodeJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

const selectRecordCols = `test, counter, submit_time, start_time, end_time,
	submit_status, scheduler_job_id, submit_output, completed, outcome,
	exit_status, failure_reason, node, attributes`

func scanRecord(row interface{ Scan(...any) error }) (*JobRecord, error) {
	var r JobRecord
	var submitTime, startTime, endTime int64
	var completed int
	var outcome string
	var submitOutput, attributes sql.NullString

	err := row.Scan(
		&r.Test,
		&r.Counter,
		&submitTime,
		&startTime,
		&endTime,
		&r.SubmitStatus,
		&r.SchedulerJobID,
		&submitOutput,
		&completed,
		&outcome,
		&r.ExitStatus,
		&r.FailureReason,
		&r.Node,
		&attributes,
	)
	if err != nil {
		return nil, err
	}

	r.SubmitTime = fromUnix(submitTime)
	r.StartTime = fromUnix(startTime)
	r.EndTime = fromUnix(endTime)
	r.Completed = completed != 0
	r.Outcome = Outcome(outcome)

	if submitOutput.Valid {
		if err := json.Unmarshal([]byte(submitOutput.String), &r.SubmitOutput); err != nil {
			return nil, fmt.Errorf("parse submit_output: %w", err)
		}
	}
	if attributes.Valid {
		if err := json.Unmarshal([]byte(attributes.String), &r.Attributes); err != nil {
			return nil, fmt.Errorf("parse attributes: %w", err)
		}
	}
	return &r, nil
}

func recordArgs(r *JobRecord) ([]any, error) {
	output, err := encodeJSON(r.SubmitOutput, len(r.SubmitOutput) == 0)
	if err != nil {
		return nil, err
	}
	attrs, err := encodeJSON(r.Attributes, len(r.Attributes) == 0)
	if err != nil {
		return nil, err
	}
	completed := 0
	if r.Completed {
		completed = 1
	}
	return []any{
		toUnix(r.SubmitTime),
		toUnix(r.StartTime),
		toUnix(r.EndTime),
		r.SubmitStatus,
		r.SchedulerJobID,
		output,
		completed,
		string(r.Outcome),
		r.ExitStatus,
		r.FailureReason,
		r.Node,
		attrs,
	}, nil
}

func (s *SQLiteStore) NextCounter(ctx context.Context, test string) (int64, error) {
	unlock := s.lock(test)
	defer unlock()

	var next int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO test_counters (test, issued)
		VALUES (?, COALESCE((SELECT MAX(counter) FROM job_records WHERE test = ?), 0) + 1)
		ON CONFLICT(test) DO UPDATE SET issued = issued + 1
		RETURNING issued`, test, test).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next counter for %s: %w", test, err)
	}
	return next, nil
}

func (s *SQLiteStore) Append(ctx context.Context, r *JobRecord) error {
	rec := r.Clone()
	rec.normalize()
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	unlock := s.lock(rec.Test)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(counter), 0) FROM job_records WHERE test = ?", rec.Test).Scan(&last); err != nil {
		return err
	}
	if rec.Counter <= last {
		return fmt.Errorf("%w: %s/%d after %d", ErrCounterNotIncreasing, rec.Test, rec.Counter, last)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_records (
			test, counter, submit_time, start_time, end_time,
			submit_status, scheduler_job_id, submit_output, completed, outcome,
			exit_status, failure_reason, node, attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{rec.Test, rec.Counter}, args...)...)
	if err != nil {
		return fmt.Errorf("insert %s/%d: %w", rec.Test, rec.Counter, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO test_counters (test, issued) VALUES (?, ?)
		ON CONFLICT(test) DO UPDATE SET issued = MAX(issued, excluded.issued)`,
		rec.Test, rec.Counter)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, test string, counter int64) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectRecordCols+" FROM job_records WHERE test = ? AND counter = ?", test, counter)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(test, counter)
	}
	return rec, err
}

func (s *SQLiteStore) Update(ctx context.Context, test string, counter int64, m Mutation) (*JobRecord, bool, error) {
	unlock := s.lock(test)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	prev, err := scanRecord(tx.QueryRowContext(ctx,
		"SELECT "+selectRecordCols+" FROM job_records WHERE test = ? AND counter = ?", test, counter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, notFound(test, counter)
	}
	if err != nil {
		return nil, false, err
	}

	next := prev.Clone()
	if err := m(next); err != nil {
		return nil, false, err
	}
	next.normalize()
	if sameRecord(prev, next) {
		return prev, false, nil
	}
	if err := checkTransition(prev, next); err != nil {
		return nil, false, err
	}

	args, err := recordArgs(next)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE job_records SET
			submit_time = ?, start_time = ?, end_time = ?,
			submit_status = ?, scheduler_job_id = ?, submit_output = ?,
			completed = ?, outcome = ?, exit_status = ?,
			failure_reason = ?, node = ?, attributes = ?,
			version = version + 1,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE test = ? AND counter = ?`,
		append(args, test, counter)...)
	if err != nil {
		return nil, false, fmt.Errorf("update %s/%d: %w", test, counter, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (s *SQLiteStore) Query(ctx context.Context, test string, q Query) ([]*JobRecord, error) {
	where := []string{"test = ?"}
	args := []any{test}

	if !q.SubmittedSince.IsZero() {
		where = append(where, "submit_time >= ?")
		args = append(args, q.SubmittedSince.Unix())
	}
	if !q.EndedSince.IsZero() {
		where = append(where, "end_time != 0 AND end_time >= ?")
		args = append(args, q.EndedSince.Unix())
	}
	if q.Completed != nil {
		where = append(where, "completed = ?")
		if *q.Completed {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	query := "SELECT " + selectRecordCols + " FROM job_records WHERE " +
		strings.Join(where, " AND ") + " ORDER BY counter ASC"
	if q.Match == nil && q.Limit > 0 {
		query = "SELECT * FROM (SELECT " + selectRecordCols + " FROM job_records WHERE " +
			strings.Join(where, " AND ") + " ORDER BY counter DESC LIMIT ?) ORDER BY counter ASC"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if q.Match != nil && !q.Match(r) {
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limit(out, q.Limit), nil
}

func (s *SQLiteStore) FindBySchedulerID(ctx context.Context, test, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: %s job %s", ErrRecordNotFound, test, jobID)
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectRecordCols+" FROM job_records WHERE test = ? AND scheduler_job_id = ? ORDER BY counter DESC LIMIT 1",
		test, jobID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s job %s", ErrRecordNotFound, test, jobID)
	}
	return rec, err
}

func (s *SQLiteStore) Tests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT test FROM job_records ORDER BY test")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
