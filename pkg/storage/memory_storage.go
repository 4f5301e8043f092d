package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type memoryData struct {
	mu        sync.Mutex
	jobs      map[string]models.WorkflowJob
	inbox     []models.InboxMessage
	outbox    []models.OutboxMessage
	logs      []models.ExecutionLog
	nextLogID int64
}

// memoryStore implements Store in memory. A transaction applies writes at once
// and undoes them on Rollback; other callers see uncommitted writes.
type memoryStore struct {
	data *memoryData
	undo *[]func()
	done bool
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{data: &memoryData{jobs: map[string]models.WorkflowJob{}}}
}

func (m *memoryStore) Begin() (Store, error) {
	if m.undo != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	return &memoryStore{data: m.data, undo: &[]func(){}}, nil
}

func (m *memoryStore) Commit() error {
	if m.undo == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already committed")
	}
	m.done = true
	return nil
}

func (m *memoryStore) Rollback() error {
	if m.undo == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already committed")
	}
	m.done = true
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	undo := *m.undo
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// write runs fn under the lock; fn returns the closure that reverts it.
func (m *memoryStore) write(fn func() (func(), error)) error {
	if m.done {
		return errors.New("transaction already committed")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	revert, err := fn()
	if err != nil {
		return err
	}
	if m.undo != nil && revert != nil {
		*m.undo = append(*m.undo, revert)
	}
	return nil
}

func (m *memoryStore) restoreJob(id string, prev models.WorkflowJob, existed bool) func() {
	return func() {
		if existed {
			m.data.jobs[id] = prev
		} else {
			delete(m.data.jobs, id)
		}
	}
}

func (m *memoryStore) SaveJob(job models.WorkflowJob) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	return m.write(func() (func(), error) {
		prev, existed := m.data.jobs[job.ID]
		m.data.jobs[job.ID] = copyJob(job)
		return m.restoreJob(job.ID, prev, existed), nil
	})
}

func (m *memoryStore) GetJob(id string) (models.WorkflowJob, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	job, ok := m.data.jobs[id]
	if !ok {
		return models.WorkflowJob{}, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *memoryStore) ListJobs(filter JobFilter) ([]models.WorkflowJob, error) {
	jobs := m.selectJobs(func(j models.WorkflowJob) bool {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, j.Status) {
			return false
		}
		return filter.WorkflowType == "" || j.WorkflowType == filter.WorkflowType
	})
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	return limitJobs(jobs, filter.Limit), nil
}

func (m *memoryStore) ClaimJob(id string, from []models.JobStatus, now time.Time) (models.WorkflowJob, error) {
	var claimed models.WorkflowJob
	err := m.write(func() (func(), error) {
		prev, ok := m.data.jobs[id]
		if !ok {
			return nil, ErrNotFound
		}
		if !containsStatus(from, prev.Status) {
			return nil, errors.Wrapf(ErrClaimConflict, "job %s is %s", id, prev.Status)
		}
		job := copyJob(prev)
		if err := job.Claim(now); err != nil {
			return nil, errors.Wrap(ErrClaimConflict, err.Error())
		}
		job.ClaimToken = uuid.NewString()
		m.data.jobs[id] = job
		claimed = copyJob(job)
		return m.restoreJob(id, prev, true), nil
	})
	return claimed, err
}

func (m *memoryStore) UpdateJob(job models.WorkflowJob, expected models.JobStatus) error {
	return m.write(func() (func(), error) {
		prev, ok := m.data.jobs[job.ID]
		if !ok {
			return nil, ErrNotFound
		}
		if prev.Status != expected {
			return nil, errors.Wrapf(ErrConflict, "job %s is %s, expected %s", job.ID, prev.Status, expected)
		}
		if prev.ClaimToken != job.ClaimToken {
			return nil, errors.Wrapf(ErrConflict, "job %s was claimed again", job.ID)
		}
		m.data.jobs[job.ID] = copyJob(job)
		return m.restoreJob(job.ID, prev, true), nil
	})
}

func (m *memoryStore) ListDueJobs(now time.Time, limit int) ([]models.WorkflowJob, error) {
	jobs := m.selectJobs(func(j models.WorkflowJob) bool {
		return j.Status == models.PendingJobStatus && !j.ScheduledAt.After(now)
	})
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].ScheduledAt.Before(jobs[b].ScheduledAt)
	})
	return limitJobs(jobs, limit), nil
}

func (m *memoryStore) FindWaitingJobs(eventType, eventKey string) ([]models.WorkflowJob, error) {
	jobs := m.selectJobs(func(j models.WorkflowJob) bool {
		return j.Status == models.WaitingForEventJobStatus && j.WaitingForEvent != nil &&
			j.WaitingForEvent.EventType == eventType && j.WaitingForEvent.EventKey == eventKey
	})
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

func (m *memoryStore) ListExpiredWaitingJobs(now time.Time, limit int) ([]models.WorkflowJob, error) {
	jobs := m.selectJobs(func(j models.WorkflowJob) bool {
		if j.Status != models.WaitingForEventJobStatus || j.WaitingForEvent == nil {
			return false
		}
		deadline := j.WaitingForEvent.Deadline()
		return deadline != nil && !deadline.After(now)
	})
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].UpdatedAt.Before(jobs[b].UpdatedAt) })
	return limitJobs(jobs, limit), nil
}

func (m *memoryStore) ListStaleJobs(startedBefore time.Time, limit int) ([]models.WorkflowJob, error) {
	jobs := m.selectJobs(func(j models.WorkflowJob) bool {
		return j.Status == models.ProcessingJobStatus && j.StartedAt != nil && j.StartedAt.Before(startedBefore)
	})
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].StartedAt.Before(*jobs[b].StartedAt) })
	return limitJobs(jobs, limit), nil
}

func (m *memoryStore) selectJobs(match func(models.WorkflowJob) bool) []models.WorkflowJob {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	jobs := []models.WorkflowJob{}
	for _, j := range m.data.jobs {
		if match(j) {
			jobs = append(jobs, copyJob(j))
		}
	}
	return jobs
}

func limitJobs(jobs []models.WorkflowJob, limit int) []models.WorkflowJob {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

func (m *memoryStore) InsertInboxMessage(msg models.InboxMessage) (bool, error) {
	inserted := false
	err := m.write(func() (func(), error) {
		for _, existing := range m.data.inbox {
			if existing.ConsumerID == msg.ConsumerID && existing.MessageID == msg.MessageID {
				return nil, nil
			}
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		m.data.inbox = append(m.data.inbox, msg)
		inserted = true
		return removeRow(&m.data.inbox, msg.ID, inboxID), nil
	})
	return inserted, err
}

func (m *memoryStore) GetInboxMessage(consumerID, messageID string) (models.InboxMessage, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, msg := range m.data.inbox {
		if msg.ConsumerID == consumerID && msg.MessageID == messageID {
			return msg, nil
		}
	}
	return models.InboxMessage{}, ErrNotFound
}

func (m *memoryStore) LockInboxMessages(consumerID, worker string, now time.Time, limit int) ([]models.InboxMessage, error) {
	var locked []models.InboxMessage
	err := m.write(func() (func(), error) {
		var prev []models.InboxMessage
		order := make([]int, 0)
		for i, msg := range m.data.inbox {
			if msg.ConsumerID == consumerID && msg.Status == models.ReadyMessageStatus && !msg.NextAttemptAt.After(now) {
				order = append(order, i)
			}
		}
		sort.SliceStable(order, func(a, b int) bool {
			return m.data.inbox[order[a]].NextAttemptAt.Before(m.data.inbox[order[b]].NextAttemptAt)
		})
		for _, i := range order {
			if limit > 0 && len(locked) == limit {
				break
			}
			prev = append(prev, m.data.inbox[i])
			m.data.inbox[i].Lock(worker, now)
			locked = append(locked, m.data.inbox[i])
		}
		return restoreRows(&m.data.inbox, prev, inboxID), nil
	})
	return locked, err
}

func (m *memoryStore) UpdateInboxMessage(msg models.InboxMessage) error {
	return m.write(func() (func(), error) {
		for i, existing := range m.data.inbox {
			if existing.ID == msg.ID {
				m.data.inbox[i] = msg
				return restoreRows(&m.data.inbox, []models.InboxMessage{existing}, inboxID), nil
			}
		}
		return nil, ErrNotFound
	})
}

func (m *memoryStore) ReleaseStaleInboxLocks(lockedBefore time.Time) (int64, error) {
	var n int64
	err := m.write(func() (func(), error) {
		var prev []models.InboxMessage
		for i, msg := range m.data.inbox {
			if msg.Status == models.ProcessingMessageStatus && msg.LockedAt != nil && msg.LockedAt.Before(lockedBefore) {
				prev = append(prev, msg)
				m.data.inbox[i].Status = models.ReadyMessageStatus
				m.data.inbox[i].LockedAt = nil
				m.data.inbox[i].LockedBy = ""
				n++
			}
		}
		return restoreRows(&m.data.inbox, prev, inboxID), nil
	})
	return n, err
}

func (m *memoryStore) InsertOutboxMessage(msg models.OutboxMessage) error {
	return m.write(func() (func(), error) {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		for _, existing := range m.data.outbox {
			if existing.ID == msg.ID {
				return nil, errors.Errorf("outbox message %s already exists", msg.ID)
			}
		}
		m.data.outbox = append(m.data.outbox, msg)
		return removeRow(&m.data.outbox, msg.ID, outboxID), nil
	})
}

func (m *memoryStore) ListOutboxMessages(jobID string) ([]models.OutboxMessage, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	msgs := []models.OutboxMessage{}
	for _, msg := range m.data.outbox {
		if jobID == "" || (msg.JobID != nil && *msg.JobID == jobID) {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (m *memoryStore) LockOutboxMessages(worker string, now time.Time, limit int) ([]models.OutboxMessage, error) {
	var locked []models.OutboxMessage
	err := m.write(func() (func(), error) {
		var prev []models.OutboxMessage
		// insertion order is creation order
		for i, msg := range m.data.outbox {
			if limit > 0 && len(locked) == limit {
				break
			}
			if msg.Status == models.ReadyMessageStatus && !msg.NextAttemptAt.After(now) {
				prev = append(prev, msg)
				m.data.outbox[i].Lock(worker, now)
				locked = append(locked, m.data.outbox[i])
			}
		}
		return restoreRows(&m.data.outbox, prev, outboxID), nil
	})
	return locked, err
}

func (m *memoryStore) UpdateOutboxMessage(msg models.OutboxMessage) error {
	return m.write(func() (func(), error) {
		for i, existing := range m.data.outbox {
			if existing.ID == msg.ID {
				m.data.outbox[i] = msg
				return restoreRows(&m.data.outbox, []models.OutboxMessage{existing}, outboxID), nil
			}
		}
		return nil, ErrNotFound
	})
}

func (m *memoryStore) ReleaseStaleOutboxLocks(lockedBefore time.Time) (int64, error) {
	var n int64
	err := m.write(func() (func(), error) {
		var prev []models.OutboxMessage
		for i, msg := range m.data.outbox {
			if msg.Status == models.ProcessingMessageStatus && msg.LockedAt != nil && msg.LockedAt.Before(lockedBefore) {
				prev = append(prev, msg)
				m.data.outbox[i].Status = models.ReadyMessageStatus
				m.data.outbox[i].LockedAt = nil
				m.data.outbox[i].LockedBy = ""
				n++
			}
		}
		return restoreRows(&m.data.outbox, prev, outboxID), nil
	})
	return n, err
}

func (m *memoryStore) SaveExecutionLog(log models.ExecutionLog) error {
	return m.write(func() (func(), error) {
		m.data.nextLogID++
		log.ID = m.data.nextLogID
		if log.LoggedAt.IsZero() {
			log.LoggedAt = time.Now().UTC()
		}
		m.data.logs = append(m.data.logs, log)
		return removeRow(&m.data.logs, log.ID, logID), nil
	})
}

func (m *memoryStore) GetExecutionLogs(jobID string) ([]models.ExecutionLog, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	logs := []models.ExecutionLog{}
	for _, l := range m.data.logs {
		if l.JobID == jobID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

func inboxID(m models.InboxMessage) string   { return m.ID }
func outboxID(m models.OutboxMessage) string { return m.ID }
func logID(l models.ExecutionLog) int64      { return l.ID }

// removeRow drops the row with the given key. Rows are matched by key, not by
// position, since other transactions may have changed the slice since.
func removeRow[T any, K comparable](rows *[]T, key K, id func(T) K) func() {
	return func() {
		for i := range *rows {
			if id((*rows)[i]) == key {
				*rows = append((*rows)[:i], (*rows)[i+1:]...)
				return
			}
		}
	}
}

// restoreRows puts back the previous version of each row in prev.
func restoreRows[T any, K comparable](rows *[]T, prev []T, id func(T) K) func() {
	return func() {
		for _, p := range prev {
			for i := range *rows {
				if id((*rows)[i]) == id(p) {
					(*rows)[i] = p
					break
				}
			}
		}
	}
}

// copyJob detaches the maps and pointers of job from the stored copy.
func copyJob(job models.WorkflowJob) models.WorkflowJob {
	c := job
	c.Payload = copyRaw(job.Payload)
	c.PipelineState = copyRaw(job.PipelineState)
	if job.Metadata != nil {
		c.Metadata = make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			c.Metadata[k] = v
		}
	}
	if job.ErrorClassification != nil {
		cl := *job.ErrorClassification
		c.ErrorClassification = &cl
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	if job.WaitingForEvent != nil {
		w := *job.WaitingForEvent
		if w.Metadata != nil {
			w.Metadata = make(map[string]string, len(job.WaitingForEvent.Metadata))
			for k, v := range job.WaitingForEvent.Metadata {
				w.Metadata[k] = v
			}
		}
		c.WaitingForEvent = &w
	}
	return c
}

func copyRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage{}, b...)
}
