package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"coordination-core/internal/models"
	"coordination-core/internal/store"
	"coordination-core/internal/telemetry"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotProcessing = errors.New("job is not processing")
	ErrInvalidJob    = errors.New("invalid job")
	ErrDuplicateJob  = errors.New("a live job with this dedupe key already exists")
)

const (
	DefaultPriority    = 5
	DefaultMaxAttempts = 3

	cleanupBatch = 500
	staleBatch   = 100
)

const jobColumns = `id::text, job_type, payload, status, priority, attempts, max_attempts, scheduled_for,
	started_at, completed_at, failed_at, error_message, result, claim_id::text, dedupe_key, created_at, updated_at`

// JobArchiver receives terminal jobs before the retention sweep deletes them.
type JobArchiver interface {
	ArchiveJobs(ctx context.Context, jobs []models.Job) (string, error)
}

// Queue is a Postgres-backed work queue. Every state change is a single
// statement or transaction; no in-process locking is involved.
type Queue struct {
	db       store.DB
	schema   *store.Schema
	backoff  Backoff
	archiver JobArchiver
}

type Option func(*Queue)

// WithBackoff overrides the retry schedule.
func WithBackoff(b Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithArchiver makes Cleanup archive rows before deleting them.
func WithArchiver(a JobArchiver) Option {
	return func(q *Queue) { q.archiver = a }
}

func New(db store.DB, opts ...Option) *Queue {
	q := &Queue{
		db:      db,
		schema:  store.NewSchema("jobs"),
		backoff: DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueParams collects inputs required to insert a job. Zero Priority,
// ScheduledFor and MaxAttempts select the defaults (5, now, 3). A non-empty
// DedupeKey admits at most one pending or processing job per key.
type EnqueueParams struct {
	Type         string
	Payload      map[string]any
	Priority     int
	ScheduledFor time.Time
	MaxAttempts  int
	DedupeKey    string
}

// Enqueue inserts a pending job and returns its id. It returns
// ErrDuplicateJob when a live job already holds p.DedupeKey.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if strings.TrimSpace(p.Type) == "" {
		return "", fmt.Errorf("%w: job type is required", ErrInvalidJob)
	}
	if p.MaxAttempts < 0 {
		return "", fmt.Errorf("%w: max_attempts must be positive", ErrInvalidJob)
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Priority == 0 {
		p.Priority = DefaultPriority
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var scheduled *time.Time
	if !p.ScheduledFor.IsZero() {
		scheduled = &p.ScheduledFor
	}
	var dedupe *string
	if p.DedupeKey != "" {
		dedupe = &p.DedupeKey
	}

	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return "", err
	}

	id := uuid.New().String()
	tag, err := q.db.Exec(ctx, `
		INSERT INTO jobs (id, job_type, payload, priority, max_attempts, scheduled_for, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, NOW()), $7)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'processing')
		DO NOTHING
	`, id, p.Type, payloadJSON, p.Priority, p.MaxAttempts, scheduled, dedupe)
	if err != nil {
		return "", store.Classify(fmt.Errorf("insert job: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, p.DedupeKey)
	}
	telemetry.JobsEnqueued.Inc()
	return id, nil
}

// Dequeue claims the highest-priority eligible job and marks it processing
// under a fresh ClaimID. Rows locked by a concurrent Dequeue are skipped,
// never waited on. It returns nil, nil when no job is eligible.
func (q *Queue) Dequeue(ctx context.Context) (*models.Job, error) {
	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return nil, err
	}
	row := q.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', claim_id = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_for <= NOW()
			  AND attempts < max_attempts
			ORDER BY priority DESC, scheduled_for ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, uuid.New().String())

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(fmt.Errorf("dequeue: %w", err))
	}
	telemetry.JobsDequeued.Inc()
	return &job, nil
}

// Complete marks a processing job completed and stores its result. claimID
// must be the ClaimID of the Dequeue that handed out the job; an ack from a
// consumer whose claim was reclaimed returns ErrNotProcessing.
func (q *Queue) Complete(ctx context.Context, id, claimID string, result any) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrJobNotFound
	}
	if _, err := uuid.Parse(claimID); err != nil {
		return fmt.Errorf("%w: invalid claim", ErrNotProcessing)
	}
	var resultJSON []byte
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = raw
	}
	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = NOW(), updated_at = NOW(), result = $2
		WHERE id = $1 AND status = 'processing' AND claim_id = $3
	`, id, resultJSON, claimID)
	if err != nil {
		return store.Classify(fmt.Errorf("complete job: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return q.transitionError(ctx, id, claimID)
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// Fail records a failed attempt. Once attempts reach max_attempts the job is
// terminally failed; otherwise it returns to pending with an exponential
// delay. The resulting status is returned; exhaustion is not an error. As
// with Complete, claimID must match the job's current claim.
func (q *Queue) Fail(ctx context.Context, id, claimID, errMsg string) (models.JobStatus, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrJobNotFound
	}
	if _, err := uuid.Parse(claimID); err != nil {
		return "", fmt.Errorf("%w: invalid claim", ErrNotProcessing)
	}
	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return "", err
	}
	var status models.JobStatus
	err := store.InTx(ctx, q.db, func(tx pgx.Tx) error {
		var attempts, maxAttempts int
		var current string
		var claim pgtype.Text
		err := tx.QueryRow(ctx, `
			SELECT attempts, max_attempts, status, claim_id::text FROM jobs WHERE id = $1 FOR UPDATE
		`, id).Scan(&attempts, &maxAttempts, &current, &claim)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return store.Classify(fmt.Errorf("lock job: %w", err))
		}
		if err := claimError(models.JobStatus(current), claim, claimID); err != nil {
			return err
		}
		status, err = q.recordFailure(ctx, tx, id, attempts, maxAttempts, errMsg)
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// recordFailure applies one failed attempt to a row the caller has locked.
func (q *Queue) recordFailure(ctx context.Context, tx pgx.Tx, id string, attempts, maxAttempts int, errMsg string) (models.JobStatus, error) {
	attempts++
	if attempts >= maxAttempts {
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'failed', attempts = $2, failed_at = NOW(), error_message = $3,
			    claim_id = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, attempts, errMsg)
		if err != nil {
			return "", store.Classify(fmt.Errorf("mark failed: %w", err))
		}
		telemetry.JobsFailed.Inc()
		return models.StatusFailed, nil
	}

	delay := q.backoff.Delay(attempts)
	_, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = $2, error_message = $3, claim_id = NULL,
		    scheduled_for = NOW() + ($4::bigint * INTERVAL '1 millisecond'), updated_at = NOW()
		WHERE id = $1
	`, id, attempts, errMsg, delay.Milliseconds())
	if err != nil {
		return "", store.Classify(fmt.Errorf("schedule retry: %w", err))
	}
	telemetry.JobsRetried.Inc()
	return models.StatusPending, nil
}

// RequeueStale treats jobs stuck in processing longer than timeout as a
// failed attempt, so a crashed consumer does not strand them. The claim is
// cleared, so a late ack from the original consumer is rejected.
func (q *Queue) RequeueStale(ctx context.Context, timeout time.Duration) (int64, error) {
	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return 0, err
	}
	var n int64
	err := store.InTx(ctx, q.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id::text, attempts, max_attempts FROM jobs
			WHERE status = 'processing' AND started_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
			ORDER BY started_at
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		`, timeout.Milliseconds(), staleBatch)
		if err != nil {
			return store.Classify(fmt.Errorf("select stale jobs: %w", err))
		}
		type stale struct {
			id                    string
			attempts, maxAttempts int
		}
		var found []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.id, &s.attempts, &s.maxAttempts); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale job: %w", err)
			}
			found = append(found, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return store.Classify(fmt.Errorf("iterate stale jobs: %w", err))
		}
		msg := fmt.Sprintf("processing timed out after %s", timeout)
		for _, s := range found {
			if _, err := q.recordFailure(ctx, tx, s.id, s.attempts, s.maxAttempts, msg); err != nil {
				return err
			}
		}
		n = int64(len(found))
		return nil
	})
	if err != nil {
		return 0, err
	}
	telemetry.JobsStaleRequeued.Add(float64(n))
	return n, nil
}

// GetJob fetches a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, ErrJobNotFound
	}
	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return models.Job{}, err
	}
	job, err := scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, store.Classify(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (models.QueueStats, error) {
	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return models.QueueStats{}, err
	}
	var s models.QueueStats
	err := q.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM jobs
	`).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed)
	if err != nil {
		return models.QueueStats{}, store.Classify(fmt.Errorf("queue stats: %w", err))
	}
	return s, nil
}

// Cleanup deletes terminal jobs last updated before now-olderThan. With an
// archiver configured, each batch is archived inside the deleting
// transaction and the delete is rolled back if archival fails.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := q.schema.Ensure(ctx, q.db); err != nil {
		return 0, err
	}
	var total int64
	for {
		n, err := q.cleanupBatch(ctx, olderThan)
		total += n
		if err != nil {
			return total, err
		}
		if n < cleanupBatch {
			telemetry.JobsPurged.Add(float64(total))
			return total, nil
		}
	}
}

func (q *Queue) cleanupBatch(ctx context.Context, olderThan time.Duration) (int64, error) {
	var deleted []models.Job
	err := store.InTx(ctx, q.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM jobs
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status IN ('completed', 'failed')
				  AND updated_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns, olderThan.Milliseconds(), cleanupBatch)
		if err != nil {
			return store.Classify(fmt.Errorf("delete terminal jobs: %w", err))
		}
		deleted, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.Job, error) {
			return scanJob(r)
		})
		if err != nil {
			return store.Classify(fmt.Errorf("collect deleted jobs: %w", err))
		}
		if q.archiver != nil && len(deleted) > 0 {
			if _, err := q.archiver.ArchiveJobs(ctx, deleted); err != nil {
				return fmt.Errorf("archive jobs: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(deleted)), nil
}

// transitionError explains why an update guarded by status and claim
// matched no row.
func (q *Queue) transitionError(ctx context.Context, id, claimID string) error {
	var status string
	var claim pgtype.Text
	err := q.db.QueryRow(ctx, `SELECT status, claim_id::text FROM jobs WHERE id = $1`, id).Scan(&status, &claim)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return store.Classify(fmt.Errorf("read job status: %w", err))
	}
	if err := claimError(models.JobStatus(status), claim, claimID); err != nil {
		return err
	}
	return fmt.Errorf("%w: status is %s", ErrNotProcessing, status)
}

// claimError reports why claimID may not acknowledge a job in status.
func claimError(status models.JobStatus, current pgtype.Text, claimID string) error {
	switch {
	case status.Terminal():
		return fmt.Errorf("%w: job already %s", ErrNotProcessing, status)
	case status != models.StatusProcessing:
		return fmt.Errorf("%w: status is %s", ErrNotProcessing, status)
	case !current.Valid || current.String != claimID:
		return fmt.Errorf("%w: claim superseded", ErrNotProcessing)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var status string
	var startedAt, completedAt, failedAt pgtype.Timestamptz
	var errMsg, claim, dedupe pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.ScheduledFor, &startedAt, &completedAt, &failedAt, &errMsg, &resultJSON, &claim, &dedupe,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	job.Status = models.JobStatus(status)
	job.StartedAt = store.TimePtr(startedAt)
	job.CompletedAt = store.TimePtr(completedAt)
	job.FailedAt = store.TimePtr(failedAt)
	job.Error = store.TextPtr(errMsg)
	job.ClaimID = claim.String
	job.DedupeKey = dedupe.String
	if len(resultJSON) > 0 {
		job.Result = json.RawMessage(resultJSON)
	}
	return job, nil
}
