package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/notify-engine/internal/model"
)

type eventRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Title     string `db:"title"`
	Organizer string `db:"organizer"`
	Location  string `db:"location"`
	StartsAt  int64  `db:"starts_at"`
	EndsAt    int64  `db:"ends_at"`
	TimeZone  string `db:"time_zone"`
	Version   int64  `db:"version"`
}

// UpsertEvent stores an event snapshot. Snapshots with a version not newer
// than the stored one are ignored, so replayed sync batches cannot roll an
// event back.
func (s *SQLStore) UpsertEvent(ctx context.Context, e model.Event) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO events (
			id, user_id, title, organizer, location, starts_at, ends_at, time_zone, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id, title = excluded.title,
			organizer = excluded.organizer, location = excluded.location,
			starts_at = excluded.starts_at, ends_at = excluded.ends_at,
			time_zone = excluded.time_zone, version = excluded.version
		WHERE events.version < excluded.version`),
		e.ID, e.UserID, e.Title, e.Organizer, e.Location,
		toMillis(e.StartsAt), toMillis(e.EndsAt), e.TimeZone, e.Version,
	)
	if err != nil {
		return fmt.Errorf("upserting event %s: %w", e.ID, err)
	}
	return nil
}

// GetEvent retrieves the latest snapshot of an event.
func (s *SQLStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var r eventRow
	err := s.q.GetContext(ctx, &r, s.rebind(`
		SELECT id, user_id, title, organizer, location, starts_at, ends_at, time_zone, version
		FROM events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", id, err)
	}
	return &model.Event{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		Organizer: r.Organizer,
		Location:  r.Location,
		StartsAt:  fromMillis(r.StartsAt),
		EndsAt:    fromMillis(r.EndsAt),
		TimeZone:  r.TimeZone,
		Version:   r.Version,
	}, nil
}

type preferenceRow struct {
	UserID              string `db:"user_id"`
	Channel             string `db:"channel"`
	QuietStart          int    `db:"quiet_start"`
	QuietEnd            int    `db:"quiet_end"`
	WeekendPolicy       string `db:"weekend_policy"`
	TimeZone            string `db:"time_zone"`
	EscalationThreshold int64  `db:"escalation_threshold_sec"`
	MaxCallAttempts     int    `db:"max_call_attempts"`
}

// UpsertPreference inserts or replaces a user's preference.
func (s *SQLStore) UpsertPreference(ctx context.Context, p model.UserPreference) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO preferences (
			user_id, channel, quiet_start, quiet_end, weekend_policy,
			time_zone, escalation_threshold_sec, max_call_attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			channel = excluded.channel, quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end, weekend_policy = excluded.weekend_policy,
			time_zone = excluded.time_zone,
			escalation_threshold_sec = excluded.escalation_threshold_sec,
			max_call_attempts = excluded.max_call_attempts`),
		p.UserID, string(p.Channel), int(p.Quiet.Start), int(p.Quiet.End),
		string(p.Weekend), p.TimeZone,
		int64(p.EscalationThreshold/time.Second), p.MaxCallAttempts,
	)
	if err != nil {
		return fmt.Errorf("upserting preference for %s: %w", p.UserID, err)
	}
	return nil
}

// GetPreference retrieves a user's preference.
func (s *SQLStore) GetPreference(ctx context.Context, userID string) (*model.UserPreference, error) {
	var r preferenceRow
	err := s.q.GetContext(ctx, &r, s.rebind(`
		SELECT user_id, channel, quiet_start, quiet_end, weekend_policy,
			time_zone, escalation_threshold_sec, max_call_attempts
		FROM preferences WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting preference for %s: %w", userID, err)
	}
	return &model.UserPreference{
		UserID:              r.UserID,
		Channel:             model.ChannelPreference(r.Channel),
		Quiet:               model.QuietHours{Start: model.ClockTime(r.QuietStart), End: model.ClockTime(r.QuietEnd)},
		Weekend:             model.WeekendPolicy(r.WeekendPolicy),
		TimeZone:            r.TimeZone,
		EscalationThreshold: time.Duration(r.EscalationThreshold) * time.Second,
		MaxCallAttempts:     r.MaxCallAttempts,
	}, nil
}

// UpsertContact inserts or replaces a user's delivery addresses.
func (s *SQLStore) UpsertContact(ctx context.Context, c model.Contact) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO contacts (user_id, name, email, phone) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			name = excluded.name, email = excluded.email, phone = excluded.phone`),
		c.UserID, c.Name, c.Email, c.Phone,
	)
	if err != nil {
		return fmt.Errorf("upserting contact for %s: %w", c.UserID, err)
	}
	return nil
}

// GetContact retrieves a user's delivery addresses.
func (s *SQLStore) GetContact(ctx context.Context, userID string) (*model.Contact, error) {
	var c model.Contact
	err := s.q.GetContext(ctx, &c, s.rebind(
		"SELECT user_id, name, email, phone FROM contacts WHERE user_id = ?"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting contact for %s: %w", userID, err)
	}
	return &c, nil
}

// PutCredential stores a sealed credential blob.
func (s *SQLStore) PutCredential(ctx context.Context, name, ciphertext string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(`
		INSERT INTO credentials (name, ciphertext, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`),
		name, ciphertext, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("storing credential %q: %w", name, err)
	}
	return nil
}

// GetCredential returns a sealed credential blob.
func (s *SQLStore) GetCredential(ctx context.Context, name string) (string, error) {
	var ciphertext string
	err := s.q.GetContext(ctx, &ciphertext, s.rebind(
		"SELECT ciphertext FROM credentials WHERE name = ?"), name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", name, err)
	}
	return ciphertext, nil
}
