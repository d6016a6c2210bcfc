package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/alephworks/alephauto/internal/domain"
)

// JobRepo persists and loads jobs from the embedded SQLite store. It is the
// sole writer of durable job state; every mutation funnels through it.
type JobRepo struct{ DB *sql.DB }

// NewJobRepo constructs a JobRepo on the given database handle.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{DB: db} }

const jobColumns = `id, pipeline_id, status, created_at, started_at, completed_at, data_json, result_json, error_json, git_json, progress`

// Insert stores a new job record. Fails with domain.ErrConflict when the id
// already exists.
func (r *JobRepo) Insert(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	if j.ID == "" || j.PipelineID == "" {
		return fmt.Errorf("op=job.insert: id and pipeline_id required: %w", domain.ErrInvalidArgument)
	}
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	dataJSON, resultJSON, errJSON, gitJSON, err := encodePayloads(j)
	if err != nil {
		return fmt.Errorf("op=job.insert: %w", err)
	}
	q := `INSERT INTO jobs (` + jobColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	_, err = r.DB.ExecContext(ctx, q,
		j.ID, j.PipelineID, string(j.Status), j.CreatedAt.UTC(),
		nullTime(j.StartedAt), nullTime(j.CompletedAt),
		dataJSON, resultJSON, errJSON, gitJSON, nullFloat(j.Progress),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=job.insert: id %s: %w", j.ID, domain.ErrConflict)
		}
		return fmt.Errorf("op=job.insert: %w", err)
	}
	return nil
}

// Update applies a partial patch atomically, enforcing the status DAG, and
// returns the updated record.
func (r *JobRepo) Update(ctx domain.Context, id string, patch domain.JobPatch) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()

	if patch.Result != nil && patch.Error != nil {
		return domain.Job{}, fmt.Errorf("op=job.update: result and error are mutually exclusive: %w", domain.ErrInvalidArgument)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.JobStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.update: id %s: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	if patch.Status != nil && !current.CanTransition(*patch.Status) {
		return domain.Job{}, fmt.Errorf("op=job.update: %s -> %s: %w", current, *patch.Status, domain.ErrInvalidTransition)
	}

	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if patch.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*patch.Status))
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, patch.StartedAt.UTC())
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, patch.CompletedAt.UTC())
	}
	if patch.Result != nil {
		sets = append(sets, "result_json=?")
		args = append(args, string(patch.Result))
	}
	if patch.Error != nil {
		b, err := json.Marshal(patch.Error)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update: encode error: %w", err)
		}
		sets = append(sets, "error_json=?")
		args = append(args, string(b))
	}
	if patch.Git != nil {
		b, err := json.Marshal(patch.Git)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update: encode git: %w", err)
		}
		sets = append(sets, "git_json=?")
		args = append(args, string(b))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress=?")
		args = append(args, *patch.Progress)
	}
	if len(sets) > 0 {
		args = append(args, id)
		q := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id=?"
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	updated, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.update: %w", err)
	}
	return updated, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: id %s: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// CountByStatus returns per-status counts for one pipeline.
func (r *JobRepo) CountByStatus(ctx domain.Context, pipelineID string) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE pipeline_id=? GROUP BY status`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status: %w", err)
		}
		counts[domain.JobStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return counts, nil
}

// LastJob loads the most recently created job of a pipeline.
func (r *JobRepo) LastJob(ctx domain.Context, pipelineID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LastJob")
	defer span.End()
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE pipeline_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, pipelineID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.last: pipeline %s: %w", pipelineID, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.last: %w", err)
	}
	return j, nil
}

// LastRun returns the completion time of the most recent terminal job.
func (r *JobRepo) LastRun(ctx domain.Context, pipelineID string) (*time.Time, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LastRun")
	defer span.End()
	row := r.DB.QueryRowContext(ctx, `SELECT completed_at FROM jobs WHERE pipeline_id=? AND completed_at IS NOT NULL ORDER BY completed_at DESC LIMIT 1`, pipelineID)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=job.last_run: %w", err)
	}
	utc := t.UTC()
	return &utc, nil
}

// Query returns a page of jobs plus the total match count. Both are read in
// one transaction so the page and total are a consistent snapshot.
func (r *JobRepo) Query(ctx domain.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Query")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if f.PipelineID != "" {
		where = append(where, "pipeline_id=?")
		args = append(args, f.PipelineID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	switch f.Tab {
	case domain.TabRecent:
		where = append(where, "created_at >= ?")
		args = append(args, time.Now().UTC().Add(-24*time.Hour))
	case domain.TabFailed:
		where = append(where, "status=?")
		args = append(args, string(domain.JobFailed))
	case "", domain.TabAll:
	default:
		return nil, 0, fmt.Errorf("op=job.query: unknown tab %q: %w", f.Tab, domain.ErrInvalidArgument)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.query: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.query: count: %w", err)
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	rows, err := tx.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs"+cond+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.query: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.query: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("op=job.query: %w", err)
	}
	return jobs, total, nil
}

// ListPipelineIDs returns the distinct pipeline ids present in the store,
// ordered ascending for deterministic status payloads.
func (r *JobRepo) ListPipelineIDs(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListPipelineIDs")
	defer span.End()
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT pipeline_id FROM jobs ORDER BY pipeline_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.list_pipelines: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_pipelines: %w", err)
	}
	return ids, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j          domain.Job
		status     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		dataJSON   sql.NullString
		resultJSON sql.NullString
		errJSON    sql.NullString
		gitJSON    sql.NullString
		progress   sql.NullFloat64
	)
	if err := row.Scan(&j.ID, &j.PipelineID, &status, &j.CreatedAt, &startedAt, &finishedAt, &dataJSON, &resultJSON, &errJSON, &gitJSON, &progress); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		j.CompletedAt = &t
	}
	if dataJSON.Valid && dataJSON.String != "" {
		j.Data = json.RawMessage(dataJSON.String)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		j.Result = json.RawMessage(resultJSON.String)
	}
	if errJSON.Valid && errJSON.String != "" {
		var je domain.JobError
		if err := json.Unmarshal([]byte(errJSON.String), &je); err != nil {
			return domain.Job{}, fmt.Errorf("decode error_json: %w", err)
		}
		j.Error = &je
	}
	if gitJSON.Valid && gitJSON.String != "" {
		var gm domain.GitMeta
		if err := json.Unmarshal([]byte(gitJSON.String), &gm); err != nil {
			return domain.Job{}, fmt.Errorf("decode git_json: %w", err)
		}
		j.Git = &gm
	}
	if progress.Valid {
		j.Progress = &progress.Float64
	}
	return j, nil
}

func encodePayloads(j domain.Job) (data, result, errJSON, gitJSON any, err error) {
	if len(j.Data) > 0 {
		data = string(j.Data)
	}
	if len(j.Result) > 0 {
		result = string(j.Result)
	}
	if j.Error != nil {
		b, merr := json.Marshal(j.Error)
		if merr != nil {
			return nil, nil, nil, nil, merr
		}
		errJSON = string(b)
	}
	if j.Git != nil {
		b, merr := json.Marshal(j.Git)
		if merr != nil {
			return nil, nil, nil, nil, merr
		}
		gitJSON = string(b)
	}
	return data, result, errJSON, gitJSON, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: jobs.id")
}
