package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/jobvault/pkg/jobstore"
)

const jobColumns = `job_id, user_id, input_file_name, input_bucket, input_key, submit_time,
	job_status, run_time, attempts, complete_time, result_bucket, result_key, log_bucket, log_key,
	result_archive_id, restore_time, recipients, user_role, republish_time, republishes`

// Store is a SQL-backed jobstore.Store.
type Store struct {
	db *sql.DB
}

// Open opens the database described by cfg and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Create(ctx context.Context, job *jobstore.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	result, resultKey := splitLocation(job.ResultLocation)
	logBucket, logKey := splitLocation(job.LogLocation)

	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		job.JobID, job.UserID, job.InputFileName, job.InputLocation.Bucket, job.InputLocation.Key, job.SubmitTime,
		string(job.Status), job.RunTime, job.Attempts, job.CompleteTime, result, resultKey, logBucket, logKey,
		job.ResultArchiveID, job.RestoreTime, job.Recipients, job.UserRole, job.RepublishTime, job.Republishes,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job rows affected: %w", err)
	}
	if n == 0 {
		return jobstore.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*jobstore.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) QueryByUser(ctx context.Context, userID string) ([]jobstore.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = ? ORDER BY submit_time DESC, job_id ASC`, userID)
}

func (s *Store) QueryByArchiveID(ctx context.Context, archiveID string) ([]jobstore.Job, error) {
	if archiveID == "" {
		return nil, nil
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE result_archive_id = ?`, archiveID)
}

func (s *Store) ListByStatus(ctx context.Context, status jobstore.Status) ([]jobstore.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_status = ? ORDER BY submit_time ASC`, string(status))
}

// Update applies upd with cond evaluated in the WHERE clause. When no row
// matches, a follow-up existence check separates NotFound from ConditionFailed.
func (s *Store) Update(ctx context.Context, jobID string, cond jobstore.Condition, upd jobstore.Update) (jobstore.UpdateResult, error) {
	sets, setArgs := buildSet(upd)
	where, whereArgs := buildWhere(jobID, cond)

	var res sql.Result
	var err error
	if len(sets) == 0 {
		// Nothing to write; still evaluate the predicate.
		res, err = s.db.ExecContext(ctx, `UPDATE jobs SET job_id = job_id WHERE `+where, whereArgs...)
	} else {
		args := append(setArgs, whereArgs...)
		res, err = s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	}
	if err != nil {
		return 0, fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update job rows affected: %w", err)
	}
	if n > 0 {
		return jobstore.Updated, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return jobstore.NotFound, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check job exists: %w", err)
	}
	return jobstore.ConditionFailed, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]jobstore.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []jobstore.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*jobstore.Job, error) {
	var (
		job                  jobstore.Job
		status               string
		resultBucket, result string
		logBucket, logKey    string
	)
	err := row.Scan(
		&job.JobID, &job.UserID, &job.InputFileName, &job.InputLocation.Bucket, &job.InputLocation.Key, &job.SubmitTime,
		&status, &job.RunTime, &job.Attempts, &job.CompleteTime, &resultBucket, &result, &logBucket, &logKey,
		&job.ResultArchiveID, &job.RestoreTime, &job.Recipients, &job.UserRole, &job.RepublishTime, &job.Republishes,
	)
	if err != nil {
		return nil, err
	}
	job.Status = jobstore.Status(status)
	job.ResultLocation = joinLocation(resultBucket, result)
	job.LogLocation = joinLocation(logBucket, logKey)
	return &job, nil
}

func buildSet(upd jobstore.Update) ([]string, []any) {
	var sets []string
	var args []any
	add := func(clause string, arg any) {
		sets = append(sets, clause)
		args = append(args, arg)
	}

	if upd.Status != "" {
		add("job_status = ?", string(upd.Status))
	}
	switch {
	case upd.RunTime != 0:
		add("run_time = ?", upd.RunTime)
	case upd.ClearRunTime:
		add("run_time = ?", 0)
	}
	if upd.IncAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if upd.CompleteTime != 0 {
		add("complete_time = ?", upd.CompleteTime)
	}
	if upd.ResultLocation != nil {
		add("result_bucket = ?", upd.ResultLocation.Bucket)
		add("result_key = ?", upd.ResultLocation.Key)
	}
	if upd.LogLocation != nil {
		add("log_bucket = ?", upd.LogLocation.Bucket)
		add("log_key = ?", upd.LogLocation.Key)
	}
	switch {
	case upd.ArchiveID != "":
		add("result_archive_id = ?", upd.ArchiveID)
	case upd.ClearArchiveID:
		add("result_archive_id = ?", "")
	}
	if upd.RestoreTime != 0 {
		add("restore_time = ?", upd.RestoreTime)
	}
	switch {
	case upd.ClearRepublishes:
		add("republish_time = ?", 0)
		add("republishes = ?", 0)
	default:
		if upd.RepublishTime != 0 {
			add("republish_time = ?", upd.RepublishTime)
		}
		if upd.IncRepublishes {
			sets = append(sets, "republishes = republishes + 1")
		}
	}
	return sets, args
}

func buildWhere(jobID string, cond jobstore.Condition) (string, []any) {
	clauses := []string{"job_id = ?"}
	args := []any{jobID}

	if cond.Status != "" {
		clauses = append(clauses, "job_status = ?")
		args = append(args, string(cond.Status))
	}
	if cond.RunTime != 0 {
		clauses = append(clauses, "run_time = ?")
		args = append(args, cond.RunTime)
	}
	if cond.ArchiveID != "" {
		clauses = append(clauses, "result_archive_id = ?")
		args = append(args, cond.ArchiveID)
	}
	if cond.NoArchive {
		clauses = append(clauses, "result_archive_id = ''")
	}
	if cond.RepublishedBefore != 0 {
		clauses = append(clauses, "republish_time < ?")
		args = append(args, cond.RepublishedBefore)
	}
	return strings.Join(clauses, " AND "), args
}

func splitLocation(loc *jobstore.Location) (string, string) {
	if loc == nil {
		return "", ""
	}
	return loc.Bucket, loc.Key
}

func joinLocation(bucket, key string) *jobstore.Location {
	if bucket == "" && key == "" {
		return nil
	}
	return &jobstore.Location{Bucket: bucket, Key: key}
}
