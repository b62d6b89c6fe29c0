package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Seed writes an event, a preference and a contact for ev.UserID.
func Seed(t *testing.T, s store.DirectoryStore, ev model.Event, pref model.UserPreference) {
	t.Helper()
	ctx := context.Background()

	pref.UserID = ev.UserID
	if err := s.UpsertEvent(ctx, ev); err != nil {
		t.Fatalf("seeding event: %v", err)
	}
	if err := s.UpsertPreference(ctx, pref); err != nil {
		t.Fatalf("seeding preference: %v", err)
	}
	if err := s.UpsertContact(ctx, model.Contact{
		UserID: ev.UserID,
		Name:   "Ada",
		Email:  "ada@example.com",
		Phone:  "+15550100",
	}); err != nil {
		t.Fatalf("seeding contact: %v", err)
	}
}

// Event returns an event for user-1 starting at starts.
func Event(id string, starts time.Time) model.Event {
	return model.Event{
		ID:       id,
		UserID:   "user-1",
		Title:    "Dentist",
		Location: "Main St 1",
		StartsAt: starts.UTC(),
		EndsAt:   starts.Add(time.Hour).UTC(),
		TimeZone: "UTC",
		Version:  1,
	}
}

// InsertJob stores a pending job for ev and returns it.
func InsertJob(t *testing.T, s store.JobStore, ev model.Event, ch model.Channel, offset time.Duration) model.ScheduledJob {
	t.Helper()
	now := time.Now().UTC()
	job := model.ScheduledJob{
		ID:             ev.ID + "-" + string(ch) + "-" + offset.String(),
		EventID:        ev.ID,
		EventVersion:   ev.Version,
		UserID:         ev.UserID,
		Offset:         offset,
		Channel:        ch,
		Priority:       model.PriorityNormal,
		TriggerAt:      ev.StartsAt.Add(-offset),
		Status:         model.JobPending,
		MaxAttempts:    3,
		IdempotencyKey: model.IdempotencyKey(ev.ID, ev.Version, offset, ch),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("inserting job: %v", err)
	}
	return job
}
