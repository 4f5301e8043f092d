package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// ConnectWithRetry opens the store, retrying with exponential backoff while the
// database is not reachable yet.
func ConnectWithRetry(ctx context.Context, connStr string, maxRetries uint64) (*PostgresStore, error) {
	b := retry.WithMaxRetries(maxRetries, retry.WithCappedDuration(5*time.Second, retry.NewExponential(200*time.Millisecond)))
	var store *PostgresStore
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		s, err := NewPostgresStore(connStr)
		if err != nil {
			return retry.RetryableError(err)
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	return store, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// Ping checks the connection; used by the health endpoint.
func (s *PostgresStore) Ping() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Ping()
	}
	return nil
}

const jobColumns = `id, correlation_id, workflow_type, handler_type, payload, status, priority,
	retry_count, max_retries, error_classification, last_error, scheduled_at, started_at,
	completed_at, current_stage, metadata, waiting_for_event, pipeline_state, created_at, updated_at, claim_token`

// SaveJob inserts a new job
func (s *PostgresStore) SaveJob(job models.WorkflowJob) error {
	r, wait, err := toJobRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO workflow_jobs (`+jobColumns+`, wait_event_type, wait_event_key, wait_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		r.ID, r.CorrelationID, r.WorkflowType, r.HandlerType, jsonArg(r.Payload), r.Status, r.Priority,
		r.RetryCount, r.MaxRetries, r.ErrorClassification, r.LastError, r.ScheduledAt, r.StartedAt,
		r.CompletedAt, r.CurrentStage, jsonArg(r.Metadata), jsonArg(r.WaitingForEvent), jsonArg(r.PipelineState),
		r.CreatedAt, r.UpdatedAt, r.ClaimToken, wait.eventType, wait.eventKey, wait.deadline)
	if err != nil {
		return errors.Wrapf(err, "save job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (models.WorkflowJob, error) {
	var r jobRow
	err := s.db.Get(&r, "SELECT "+jobColumns+" FROM workflow_jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowJob{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowJob{}, err
	}
	return r.toJob()
}

func (s *PostgresStore) ListJobs(filter storage.JobFilter) ([]models.WorkflowJob, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	return s.selectJobs(`SELECT `+jobColumns+` FROM workflow_jobs
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2 = '' OR workflow_type = $2)
		ORDER BY created_at DESC
		LIMIT $3`, pq.Array(statuses), string(filter.WorkflowType), limitArg(filter.Limit))
}

// ClaimJob moves the job to PROCESSING with a single conditional update, so of
// two concurrent claimers only one sees a row come back. The new claim token
// fences out writes from any earlier claim.
func (s *PostgresStore) ClaimJob(id string, from []models.JobStatus, now time.Time) (models.WorkflowJob, error) {
	statuses := make([]string, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, string(st))
	}
	var r jobRow
	err := s.db.Get(&r, `UPDATE workflow_jobs
		SET status = $3, started_at = $4, updated_at = $4, claim_token = $5,
		    waiting_for_event = NULL, wait_event_type = NULL, wait_event_key = NULL, wait_deadline = NULL
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+jobColumns, id, pq.Array(statuses), models.ProcessingJobStatus, now, uuid.NewString())
	if err == sql.ErrNoRows {
		if _, getErr := s.GetJob(id); getErr != nil {
			return models.WorkflowJob{}, getErr
		}
		return models.WorkflowJob{}, errors.Wrapf(storage.ErrClaimConflict, "job %s", id)
	}
	if err != nil {
		return models.WorkflowJob{}, errors.Wrapf(err, "claim job %s", id)
	}
	return r.toJob()
}

func (s *PostgresStore) UpdateJob(job models.WorkflowJob, expected models.JobStatus) error {
	r, wait, err := toJobRow(job)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE workflow_jobs SET
		status = $2, priority = $3, retry_count = $4, max_retries = $5, error_classification = $6,
		last_error = $7, scheduled_at = $8, started_at = $9, completed_at = $10, current_stage = $11,
		metadata = $12, waiting_for_event = $13, pipeline_state = $14, updated_at = $15,
		wait_event_type = $16, wait_event_key = $17, wait_deadline = $18
		WHERE id = $1 AND status = $19 AND claim_token = $20`,
		r.ID, r.Status, r.Priority, r.RetryCount, r.MaxRetries, r.ErrorClassification,
		r.LastError, r.ScheduledAt, r.StartedAt, r.CompletedAt, r.CurrentStage,
		jsonArg(r.Metadata), jsonArg(r.WaitingForEvent), jsonArg(r.PipelineState), r.UpdatedAt,
		wait.eventType, wait.eventKey, wait.deadline, expected, r.ClaimToken)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetJob(job.ID)
		if err != nil {
			return err
		}
		if current.Status == expected {
			return errors.Wrapf(storage.ErrConflict, "job %s was claimed again", job.ID)
		}
		return errors.Wrapf(storage.ErrConflict, "job %s is %s, expected %s", job.ID, current.Status, expected)
	}
	return nil
}

func (s *PostgresStore) ListDueJobs(now time.Time, limit int) ([]models.WorkflowJob, error) {
	return s.selectJobs(`SELECT `+jobColumns+` FROM workflow_jobs
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY priority DESC, scheduled_at
		LIMIT $3`, models.PendingJobStatus, now, limitArg(limit))
}

func (s *PostgresStore) FindWaitingJobs(eventType, eventKey string) ([]models.WorkflowJob, error) {
	return s.selectJobs(`SELECT `+jobColumns+` FROM workflow_jobs
		WHERE status = $1 AND wait_event_type = $2 AND wait_event_key = $3
		ORDER BY created_at`, models.WaitingForEventJobStatus, eventType, eventKey)
}

func (s *PostgresStore) ListExpiredWaitingJobs(now time.Time, limit int) ([]models.WorkflowJob, error) {
	return s.selectJobs(`SELECT `+jobColumns+` FROM workflow_jobs
		WHERE status = $1 AND wait_deadline IS NOT NULL AND wait_deadline <= $2
		ORDER BY wait_deadline
		LIMIT $3`, models.WaitingForEventJobStatus, now, limitArg(limit))
}

func (s *PostgresStore) ListStaleJobs(startedBefore time.Time, limit int) ([]models.WorkflowJob, error) {
	return s.selectJobs(`SELECT `+jobColumns+` FROM workflow_jobs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at
		LIMIT $3`, models.ProcessingJobStatus, startedBefore, limitArg(limit))
}

func (s *PostgresStore) selectJobs(query string, args ...interface{}) ([]models.WorkflowJob, error) {
	var rows []jobRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}
	jobs := make([]models.WorkflowJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// payload is read back as bytea so a NULL scans into an empty json.RawMessage
const inboxColumns = `id, message_id, consumer_id, event_type, event_key, convert_to(COALESCE(payload::text, ''), 'UTF8') AS payload,
	status, attempts, next_attempt_at, locked_at, locked_by, last_error, processed_at, job_id, created_at`

func (s *PostgresStore) InsertInboxMessage(msg models.InboxMessage) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO inbox_messages
		(id, message_id, consumer_id, event_type, event_key, payload, status, attempts, next_attempt_at, job_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (consumer_id, message_id) DO NOTHING`,
		msg.ID, msg.MessageID, msg.ConsumerID, msg.EventType, msg.EventKey, jsonArg(msg.Payload),
		msg.Status, msg.Attempts, msg.NextAttemptAt, msg.JobID, msg.CreatedAt)
	if err != nil {
		return false, errors.Wrapf(err, "insert inbox message %s", msg.MessageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) GetInboxMessage(consumerID, messageID string) (models.InboxMessage, error) {
	var msg models.InboxMessage
	err := s.db.Get(&msg, "SELECT "+inboxColumns+" FROM inbox_messages WHERE consumer_id = $1 AND message_id = $2", consumerID, messageID)
	if err == sql.ErrNoRows {
		return models.InboxMessage{}, storage.ErrNotFound
	}
	return msg, err
}

// LockInboxMessages takes due READY rows with SKIP LOCKED so concurrent
// processors never receive the same message.
func (s *PostgresStore) LockInboxMessages(consumerID, worker string, now time.Time, limit int) ([]models.InboxMessage, error) {
	msgs := []models.InboxMessage{}
	err := s.db.Select(&msgs, `UPDATE inbox_messages
		SET status = $2, locked_at = $3, locked_by = $4
		WHERE id IN (
			SELECT id FROM inbox_messages
			WHERE consumer_id = $1 AND status = $5 AND next_attempt_at <= $3
			ORDER BY next_attempt_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED)
		RETURNING `+inboxColumns,
		consumerID, models.ProcessingMessageStatus, now, worker, models.ReadyMessageStatus, limitArg(limit))
	if err != nil {
		return nil, errors.Wrap(err, "lock inbox messages")
	}
	return msgs, nil
}

func (s *PostgresStore) UpdateInboxMessage(msg models.InboxMessage) error {
	res, err := s.db.Exec(`UPDATE inbox_messages SET
		status = $2, attempts = $3, next_attempt_at = $4, locked_at = $5, locked_by = $6,
		last_error = $7, processed_at = $8
		WHERE id = $1`,
		msg.ID, msg.Status, msg.Attempts, msg.NextAttemptAt, msg.LockedAt, msg.LockedBy, msg.LastError, msg.ProcessedAt)
	return affectedOne(res, err, "inbox message "+msg.MessageID)
}

func (s *PostgresStore) ReleaseStaleInboxLocks(lockedBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE inbox_messages SET status = $1, locked_at = NULL, locked_by = ''
		WHERE status = $2 AND locked_at < $3`,
		models.ReadyMessageStatus, models.ProcessingMessageStatus, lockedBefore)
	if err != nil {
		return 0, errors.Wrap(err, "release inbox locks")
	}
	return res.RowsAffected()
}

const outboxColumns = `id, exchange, routing_key, payload, status, attempts, next_attempt_at,
	locked_at, locked_by, last_error, processed_at, job_id, created_at`

func (s *PostgresStore) InsertOutboxMessage(msg models.OutboxMessage) error {
	_, err := s.db.Exec(`INSERT INTO outbox_messages (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.ID, msg.Exchange, msg.RoutingKey, jsonArg(msg.Payload), msg.Status, msg.Attempts, msg.NextAttemptAt,
		msg.LockedAt, msg.LockedBy, msg.LastError, msg.ProcessedAt, msg.JobID, msg.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert outbox message %s", msg.ID)
	}
	return nil
}

func (s *PostgresStore) ListOutboxMessages(jobID string) ([]models.OutboxMessage, error) {
	msgs := []models.OutboxMessage{}
	err := s.db.Select(&msgs, `SELECT `+outboxColumns+` FROM outbox_messages
		WHERE $1 = '' OR job_id::text = $1
		ORDER BY seq`, jobID)
	return msgs, err
}

func (s *PostgresStore) LockOutboxMessages(worker string, now time.Time, limit int) ([]models.OutboxMessage, error) {
	msgs := []models.OutboxMessage{}
	err := s.db.Select(&msgs, `UPDATE outbox_messages
		SET status = $1, locked_at = $2, locked_by = $3
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = $4 AND next_attempt_at <= $2
			ORDER BY seq
			LIMIT $5
			FOR UPDATE SKIP LOCKED)
		RETURNING `+outboxColumns,
		models.ProcessingMessageStatus, now, worker, models.ReadyMessageStatus, limitArg(limit))
	if err != nil {
		return nil, errors.Wrap(err, "lock outbox messages")
	}
	return msgs, nil
}

func (s *PostgresStore) UpdateOutboxMessage(msg models.OutboxMessage) error {
	res, err := s.db.Exec(`UPDATE outbox_messages SET
		status = $2, attempts = $3, next_attempt_at = $4, locked_at = $5, locked_by = $6,
		last_error = $7, processed_at = $8
		WHERE id = $1`,
		msg.ID, msg.Status, msg.Attempts, msg.NextAttemptAt, msg.LockedAt, msg.LockedBy, msg.LastError, msg.ProcessedAt)
	return affectedOne(res, err, "outbox message "+msg.ID)
}

func (s *PostgresStore) ReleaseStaleOutboxLocks(lockedBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE outbox_messages SET status = $1, locked_at = NULL, locked_by = ''
		WHERE status = $2 AND locked_at < $3`,
		models.ReadyMessageStatus, models.ProcessingMessageStatus, lockedBefore)
	if err != nil {
		return 0, errors.Wrap(err, "release outbox locks")
	}
	return res.RowsAffected()
}

// SaveExecutionLog records a job or stage event
func (s *PostgresStore) SaveExecutionLog(log models.ExecutionLog) error {
	_, err := s.db.Exec(`INSERT INTO execution_logs (job_id, stage, status, message, logged_at)
		VALUES ($1, $2, $3, $4, $5)`,
		log.JobID, log.Stage, log.Status, log.Message, log.LoggedAt)
	if err != nil {
		return errors.Wrapf(err, "save execution log for job %s", log.JobID)
	}
	return nil
}

// GetExecutionLogs returns the history of a job, oldest first
func (s *PostgresStore) GetExecutionLogs(jobID string) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.Select(&logs, `SELECT id, job_id, stage, status, message, logged_at
		FROM execution_logs WHERE job_id = $1 ORDER BY id`, jobID)
	return logs, err
}

// limitArg maps a non-positive limit to LIMIT NULL, which is no limit.
func limitArg(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}

func affectedOne(res sql.Result, err error, what string) error {
	if err != nil {
		return errors.Wrapf(err, "update %s", what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(storage.ErrNotFound, what)
	}
	return nil
}
