package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/notify-engine/internal/model"
)

type responseRow struct {
	ID           string `db:"id"`
	JobID        string `db:"job_id"`
	EventID      string `db:"event_id"`
	EventVersion int64  `db:"event_version"`
	Action       string `db:"action"`
	Channel      string `db:"channel"`
	Cancelled    int    `db:"cancelled"`
	ReceivedAt   int64  `db:"received_at"`
}

// InsertResponse records an accepted user response.
func (s *SQLStore) InsertResponse(ctx context.Context, r model.UserResponse) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO responses (
			id, job_id, event_id, event_version, action, channel, cancelled, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.JobID, r.EventID, r.EventVersion, string(r.Action),
		string(r.Channel), r.Cancelled, toMillis(r.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting response for job %s: %w", r.JobID, err)
	}
	return nil
}

// ListResponses returns the accepted responses for an event, oldest first.
func (s *SQLStore) ListResponses(ctx context.Context, eventID string) ([]model.UserResponse, error) {
	var rows []responseRow
	err := s.q.SelectContext(ctx, &rows, s.rebind(`
		SELECT id, job_id, event_id, event_version, action, channel, cancelled, received_at
		FROM responses WHERE event_id = ? ORDER BY received_at ASC`), eventID)
	if err != nil {
		return nil, fmt.Errorf("querying responses for event %s: %w", eventID, err)
	}

	out := make([]model.UserResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.UserResponse{
			ID:           r.ID,
			JobID:        r.JobID,
			EventID:      r.EventID,
			EventVersion: r.EventVersion,
			Action:       model.Action(r.Action),
			Channel:      model.Channel(r.Channel),
			Result:       model.ResponseAccepted,
			Cancelled:    r.Cancelled,
			ReceivedAt:   fromMillis(r.ReceivedAt),
		})
	}
	return out, nil
}

// History merges an event's jobs and responses into the view the policy
// engine consults before planning.
func (s *SQLStore) History(ctx context.Context, eventID string) ([]model.HistoryEntry, error) {
	jobs, err := s.ListJobs(ctx, JobFilter{EventID: eventID})
	if err != nil {
		return nil, err
	}
	responses, err := s.ListResponses(ctx, eventID)
	if err != nil {
		return nil, err
	}

	byJob := make(map[string]model.UserResponse, len(responses))
	for _, r := range responses {
		byJob[r.JobID] = r
	}

	history := make([]model.HistoryEntry, 0, len(jobs))
	for _, j := range jobs {
		entry := model.HistoryEntry{
			JobID:        j.ID,
			EventVersion: j.EventVersion,
			Channel:      j.Channel,
			Priority:     j.Priority,
			Status:       j.Status,
			At:           j.UpdatedAt,
		}
		if r, ok := byJob[j.ID]; ok {
			entry.Response = r.Action
			entry.At = r.ReceivedAt
		}
		history = append(history, entry)
	}
	return history, nil
}

// ConsumeNonce inserts the nonce; a conflict means it was already used.
func (s *SQLStore) ConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO action_nonces (nonce, expires_at) VALUES (?, ?)
		ON CONFLICT (nonce) DO NOTHING`),
		nonce, toMillis(expiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("consuming nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected for nonce: %w", err)
	}
	return n == 1, nil
}

// PruneNonces deletes markers whose token has expired; an expired token is
// rejected on expiry alone, so its marker is no longer needed.
func (s *SQLStore) PruneNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(
		"DELETE FROM action_nonces WHERE expires_at < ?"), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("pruning nonces: %w", err)
	}
	return res.RowsAffected()
}
