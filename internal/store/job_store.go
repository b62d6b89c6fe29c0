package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nhle/notify-engine/internal/model"
)

const jobColumns = `id, event_id, event_version, user_id, offset_sec, channel,
	priority, escalation, trigger_at, status, attempts, max_attempts,
	last_error, idempotency_key, hints, responded_action, created_at, updated_at`

// jobRow mirrors the jobs table.
type jobRow struct {
	ID              string `db:"id"`
	EventID         string `db:"event_id"`
	EventVersion    int64  `db:"event_version"`
	UserID          string `db:"user_id"`
	OffsetSec       int64  `db:"offset_sec"`
	Channel         string `db:"channel"`
	Priority        string `db:"priority"`
	Escalation      int    `db:"escalation"`
	TriggerAt       int64  `db:"trigger_at"`
	Status          string `db:"status"`
	Attempts        int    `db:"attempts"`
	MaxAttempts     int    `db:"max_attempts"`
	LastError       string `db:"last_error"`
	IdempotencyKey  string `db:"idempotency_key"`
	Hints           string `db:"hints"`
	RespondedAction string `db:"responded_action"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r jobRow) toModel() (model.ScheduledJob, error) {
	job := model.ScheduledJob{
		ID:              r.ID,
		EventID:         r.EventID,
		EventVersion:    r.EventVersion,
		UserID:          r.UserID,
		Offset:          time.Duration(r.OffsetSec) * time.Second,
		Channel:         model.Channel(r.Channel),
		Priority:        model.Priority(r.Priority),
		Escalation:      r.Escalation != 0,
		TriggerAt:       fromMillis(r.TriggerAt),
		Status:          model.JobStatus(r.Status),
		Attempts:        r.Attempts,
		MaxAttempts:     r.MaxAttempts,
		LastError:       r.LastError,
		IdempotencyKey:  r.IdempotencyKey,
		RespondedAction: model.Action(r.RespondedAction),
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
	if r.Hints != "" {
		if err := json.Unmarshal([]byte(r.Hints), &job.Hints); err != nil {
			return model.ScheduledJob{}, fmt.Errorf("unmarshaling hints for job %s: %w", r.ID, err)
		}
	}
	return job, nil
}

// InsertJob inserts a new job. Generates a UUID if ID is empty. A collision
// with an active job holding the same idempotency key yields
// ErrDuplicateKey.
func (s *SQLStore) InsertJob(ctx context.Context, job model.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	hints, err := json.Marshal(job.Hints)
	if err != nil {
		return fmt.Errorf("marshaling hints for job %s: %w", job.ID, err)
	}

	_, err = s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.EventID, job.EventVersion, job.UserID,
		int64(job.Offset/time.Second), string(job.Channel),
		string(job.Priority), boolToInt(job.Escalation),
		toMillis(job.TriggerAt), string(job.Status),
		job.Attempts, job.MaxAttempts, job.LastError,
		job.IdempotencyKey, string(hints), string(job.RespondedAction),
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a single job by its ID.
func (s *SQLStore) GetJob(ctx context.Context, id string) (*model.ScheduledJob, error) {
	var row jobRow
	err := s.q.GetContext(ctx, &row, s.rebind("SELECT "+jobColumns+" FROM jobs WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	job, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindActiveJobByKey returns the non-terminal job holding key, or
// ErrNotFound.
func (s *SQLStore) FindActiveJobByKey(ctx context.Context, key string) (*model.ScheduledJob, error) {
	in, args := statusArgs(activeStatusStrings())
	var row jobRow
	err := s.q.GetContext(ctx, &row, s.rebind(
		"SELECT "+jobColumns+" FROM jobs WHERE idempotency_key = ? AND status IN ("+in+")"),
		append([]interface{}{key}, args...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding job by key: %w", err)
	}
	job, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs retrieves jobs matching the filter ordered by trigger time.
func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ScheduledJob, error) {
	var conditions []string
	var args []interface{}

	if filter.EventID != "" {
		conditions = append(conditions, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if len(filter.Statuses) > 0 {
		strs := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			strs[i] = string(st)
		}
		in, statusValues := statusArgs(strs)
		conditions = append(conditions, "status IN ("+in+")")
		args = append(args, statusValues...)
	}
	if filter.TriggerBefore != nil {
		conditions = append(conditions, "trigger_at <= ?")
		args = append(args, toMillis(*filter.TriggerBefore))
	}
	if filter.UpdatedBefore != nil {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, toMillis(*filter.UpdatedBefore))
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY trigger_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []jobRow
	if err := s.q.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}

	jobs := make([]model.ScheduledJob, 0, len(rows))
	for _, r := range rows {
		job, err := r.toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// TransitionJob is a compare-and-swap on the status column: the UPDATE
// only matches while the row is still in one of the from statuses, so of
// any number of concurrent callers exactly one observes a changed row.
func (s *SQLStore) TransitionJob(
	ctx context.Context,
	id string,
	from []model.JobStatus,
	u JobUpdate,
) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition of job %s needs at least one source status", id)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(u.Status), toMillis(time.Now())}

	if u.TriggerAt != nil {
		sets = append(sets, "trigger_at = ?")
		args = append(args, toMillis(*u.TriggerAt))
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	if u.RespondedAction != nil {
		sets = append(sets, "responded_action = ?")
		args = append(args, string(*u.RespondedAction))
	}
	if u.IncAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}

	strs := make([]string, len(from))
	for i, st := range from {
		strs[i] = string(st)
	}
	in, fromArgs := statusArgs(strs)

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + in + ")"
	args = append(args, id)
	args = append(args, fromArgs...)

	res, err := s.q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("transitioning job %s to %s: %w", id, u.Status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected for job %s: %w", id, err)
	}
	return n == 1, nil
}

func activeStatusStrings() []string {
	out := make([]string, len(model.NonTerminalStatuses))
	for i, st := range model.NonTerminalStatuses {
		out[i] = string(st)
	}
	return out
}

// isUniqueViolation recognizes unique-constraint failures from either
// backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
