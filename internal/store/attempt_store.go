package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/notify-engine/internal/model"
)

type attemptRow struct {
	ID          string `db:"id"`
	JobID       string `db:"job_id"`
	Number      int    `db:"number"`
	ProviderRef string `db:"provider_ref"`
	Outcome     string `db:"outcome"`
	Error       string `db:"error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// InsertAttempt appends a delivery attempt. (job_id, number) is unique, so
// a duplicate attempt number for the same job is rejected.
func (s *SQLStore) InsertAttempt(ctx context.Context, a model.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO delivery_attempts (
			id, job_id, number, provider_ref, outcome, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.JobID, a.Number, a.ProviderRef, string(a.Outcome), a.Error,
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting attempt %d for job %s: %w", a.Number, a.JobID, err)
	}
	return nil
}

// UpdateAttemptOutcome records the asynchronous outcome of an attempt,
// e.g. the final status of a call that was only initiated synchronously.
func (s *SQLStore) UpdateAttemptOutcome(
	ctx context.Context,
	id string,
	outcome model.AttemptOutcome,
	errText string,
) error {
	res, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE delivery_attempts SET outcome = ?, error = ?, updated_at = ?
		WHERE id = ?`),
		string(outcome), errText, toMillis(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating attempt %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttempts returns a job's attempts in order.
func (s *SQLStore) ListAttempts(ctx context.Context, jobID string) ([]model.DeliveryAttempt, error) {
	var rows []attemptRow
	err := s.q.SelectContext(ctx, &rows, s.rebind(`
		SELECT id, job_id, number, provider_ref, outcome, error, created_at, updated_at
		FROM delivery_attempts WHERE job_id = ? ORDER BY number ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts for job %s: %w", jobID, err)
	}

	attempts := make([]model.DeliveryAttempt, 0, len(rows))
	for _, r := range rows {
		attempts = append(attempts, model.DeliveryAttempt{
			ID:          r.ID,
			JobID:       r.JobID,
			Number:      r.Number,
			ProviderRef: r.ProviderRef,
			Outcome:     model.AttemptOutcome(r.Outcome),
			Error:       r.Error,
			CreatedAt:   fromMillis(r.CreatedAt),
			UpdatedAt:   fromMillis(r.UpdatedAt),
		})
	}
	return attempts, nil
}

type callSessionRow struct {
	CallRef   string `db:"call_ref"`
	JobID     string `db:"job_id"`
	AttemptID string `db:"attempt_id"`
	Token     string `db:"token"`
	State     string `db:"state"`
	Responded int    `db:"responded"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// PutCallSession stores the correlation for a freshly placed call.
func (s *SQLStore) PutCallSession(ctx context.Context, cs model.CallSession) error {
	now := time.Now().UTC()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO call_sessions (
			call_ref, job_id, attempt_id, token, state, responded, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		cs.CallRef, cs.JobID, cs.AttemptID, cs.Token, string(cs.State),
		boolToInt(cs.Responded), toMillis(cs.CreatedAt), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("storing call session %s: %w", cs.CallRef, err)
	}
	return nil
}

// GetCallSession looks a call session up by provider reference.
func (s *SQLStore) GetCallSession(ctx context.Context, callRef string) (*model.CallSession, error) {
	var r callSessionRow
	err := s.q.GetContext(ctx, &r, s.rebind(`
		SELECT call_ref, job_id, attempt_id, token, state, responded, created_at, updated_at
		FROM call_sessions WHERE call_ref = ?`), callRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting call session %s: %w", callRef, err)
	}
	return &model.CallSession{
		CallRef:   r.CallRef,
		JobID:     r.JobID,
		AttemptID: r.AttemptID,
		Token:     r.Token,
		State:     model.CallState(r.State),
		Responded: r.Responded != 0,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}, nil
}

// AdvanceCallSession moves a non-terminal session to state.
func (s *SQLStore) AdvanceCallSession(ctx context.Context, callRef string, state model.CallState) (bool, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE call_sessions SET state = ?, updated_at = ?
		WHERE call_ref = ? AND state NOT IN (?, ?, ?, ?)`),
		string(state), toMillis(time.Now()), callRef,
		string(model.CallCompleted), string(model.CallNoAnswer),
		string(model.CallBusy), string(model.CallFailed),
	)
	if err != nil {
		return false, fmt.Errorf("advancing call session %s: %w", callRef, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected for call %s: %w", callRef, err)
	}
	return n == 1, nil
}

// MarkCallResponded flags that the callee entered a valid response.
func (s *SQLStore) MarkCallResponded(ctx context.Context, callRef string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		UPDATE call_sessions SET responded = 1, updated_at = ? WHERE call_ref = ?`),
		toMillis(time.Now()), callRef,
	)
	if err != nil {
		return fmt.Errorf("marking call %s responded: %w", callRef, err)
	}
	return nil
}
