// Package scheduler turns notification plans into durable, idempotent jobs
// and promotes them to due as their trigger time arrives. Every status
// change is a compare-and-swap in the store, so any number of schedulers
// may share one store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/store"
)

// Store is the persistence the scheduler needs.
type Store interface {
	store.JobStore
	GetPreference(ctx context.Context, userID string) (*model.UserPreference, error)
}

// Config tunes the scheduler.
type Config struct {
	BatchSize          int
	InFlightTimeout    time.Duration
	DefaultMaxAttempts int
}

// Scheduler owns the job lifecycle up to the point a job is claimed for
// delivery.
type Scheduler struct {
	store Store
	cfg   Config
	now   func() time.Time
	log   *logrus.Entry
}

// New creates a scheduler over s.
func New(s Store, cfg Config, log *logrus.Entry) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = 15 * time.Minute
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{store: s, cfg: cfg, now: time.Now, log: log.WithField("component", "scheduler")}
}

// SetClock overrides the scheduler's time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// MaterializeResult reports what Materialize did.
type MaterializeResult struct {
	Created    []model.ScheduledJob
	Skipped    int
	Superseded int
}

// Materialize persists one pending job per plan entry. An entry whose
// idempotency key is already held by a live job is skipped; live jobs
// planned from an older version of the event are superseded first.
// Running it twice with the same plan creates nothing the second time.
func (s *Scheduler) Materialize(ctx context.Context, plan model.NotificationPlan) (MaterializeResult, error) {
	var res MaterializeResult
	log := s.log.WithFields(logrus.Fields{"event_id": plan.EventID, "version": plan.EventVersion})

	live, err := s.store.ListJobs(ctx, store.JobFilter{
		EventID:  plan.EventID,
		Statuses: model.NonTerminalStatuses,
	})
	if err != nil {
		return res, fmt.Errorf("listing live jobs for event %s: %w", plan.EventID, err)
	}

	for _, job := range live {
		if job.EventVersion > plan.EventVersion {
			log.WithField("live_version", job.EventVersion).Info("plan is older than live jobs, ignoring")
			res.Skipped = len(plan.Entries)
			return res, nil
		}
	}

	for _, job := range live {
		if job.EventVersion == plan.EventVersion {
			continue
		}
		reason := fmt.Sprintf("superseded by version %d", plan.EventVersion)
		won, err := s.store.TransitionJob(ctx, job.ID,
			[]model.JobStatus{model.JobPending, model.JobDue},
			store.JobUpdate{Status: model.JobSuperseded, LastError: &reason},
		)
		if err != nil {
			return res, err
		}
		if won {
			res.Superseded++
		}
	}

	maxCall := s.cfg.DefaultMaxAttempts
	if pref, err := s.store.GetPreference(ctx, plan.UserID); err == nil && pref.MaxCallAttempts > 0 {
		maxCall = pref.MaxCallAttempts
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, fmt.Errorf("loading preference for %s: %w", plan.UserID, err)
	}

	for _, entry := range plan.Entries {
		key := model.IdempotencyKey(plan.EventID, plan.EventVersion, entry.Offset, entry.Channel)

		if _, err := s.store.FindActiveJobByKey(ctx, key); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return res, err
		}

		trigger := entry.TriggerAt
		if trigger.IsZero() {
			trigger = plan.EventStarts.Add(-entry.Offset)
		}

		job := model.ScheduledJob{
			EventID:        plan.EventID,
			EventVersion:   plan.EventVersion,
			UserID:         plan.UserID,
			Offset:         entry.Offset,
			Channel:        entry.Channel,
			Priority:       entry.Priority,
			Escalation:     entry.EscalateIfUnconfirmed,
			TriggerAt:      trigger.UTC(),
			Status:         model.JobPending,
			MaxAttempts:    s.cfg.DefaultMaxAttempts,
			IdempotencyKey: key,
			Hints:          plan.Hints,
		}
		if entry.Channel == model.ChannelCall {
			job.MaxAttempts = maxCall
		}

		job.ID = uuid.New().String()
		if err := s.store.InsertJob(ctx, job); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				// A concurrent materialize won the key.
				res.Skipped++
				continue
			}
			return res, err
		}
		res.Created = append(res.Created, job)
	}

	log.WithFields(logrus.Fields{
		"created":    len(res.Created),
		"skipped":    res.Skipped,
		"superseded": res.Superseded,
	}).Info("plan materialized")

	return res, nil
}

// Tick promotes pending jobs whose trigger time has passed to due and
// returns the jobs this call promoted. A non-urgent job that would fire
// inside the user's quiet hours (possible after a DST shift) is deferred
// to the end of the window instead.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	now = now.UTC()
	pending, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses:      []model.JobStatus{model.JobPending},
		TriggerBefore: &now,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}

	prefs := make(map[string]*model.UserPreference)
	var promoted []model.ScheduledJob

	for _, job := range pending {
		if !job.Urgent() {
			pref, err := s.preference(ctx, prefs, job.UserID)
			if err != nil {
				return promoted, err
			}
			if pref != nil && pref.Quiet.Contains(now, pref.Location()) {
				if err := s.deferJob(ctx, job, *pref, pref.Quiet.WindowEnd(now, pref.Location())); err != nil {
					return promoted, err
				}
				continue
			}
		}

		won, err := s.store.TransitionJob(ctx, job.ID,
			[]model.JobStatus{model.JobPending},
			store.JobUpdate{Status: model.JobDue},
		)
		if err != nil {
			return promoted, err
		}
		if won {
			job.Status = model.JobDue
			promoted = append(promoted, job)
		}
	}

	if len(promoted) > 0 {
		s.log.WithField("count", len(promoted)).Debug("jobs due")
	}
	return promoted, nil
}

func (s *Scheduler) preference(
	ctx context.Context,
	cache map[string]*model.UserPreference,
	userID string,
) (*model.UserPreference, error) {
	if p, ok := cache[userID]; ok {
		return p, nil
	}
	p, err := s.store.GetPreference(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		p, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading preference for %s: %w", userID, err)
	}
	cache[userID] = p
	return p, nil
}

// deferJob moves a pending job to until. A pending job's channel is fixed
// by its idempotency key, so a deferral landing on a weekend the user has
// excluded for that channel cancels the job instead.
func (s *Scheduler) deferJob(
	ctx context.Context,
	job model.ScheduledJob,
	pref model.UserPreference,
	until time.Time,
) error {
	log := s.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"until":  until.Format(time.RFC3339),
	})

	if ch, ok := model.WeekendChannel(job.Channel, pref, model.IsWeekend(until, pref.Location())); !ok || ch != job.Channel {
		reason := "quiet-hours deferral lands on an excluded weekend"
		if _, err := s.store.TransitionJob(ctx, job.ID,
			[]model.JobStatus{model.JobPending},
			store.JobUpdate{Status: model.JobCancelled, LastError: &reason},
		); err != nil {
			return err
		}
		log.Info("job cancelled instead of deferred onto weekend")
		return nil
	}

	_, err := s.store.TransitionJob(ctx, job.ID,
		[]model.JobStatus{model.JobPending},
		store.JobUpdate{Status: model.JobPending, TriggerAt: &until},
	)
	if err != nil {
		return err
	}
	log.Info("job deferred out of quiet hours")
	return nil
}

// Claim moves a due job to in-flight. Exactly one of any number of
// concurrent callers gets ok == true.
func (s *Scheduler) Claim(ctx context.Context, jobID string) (model.ScheduledJob, bool, error) {
	won, err := s.store.TransitionJob(ctx, jobID,
		[]model.JobStatus{model.JobDue},
		store.JobUpdate{Status: model.JobInFlight},
	)
	if err != nil || !won {
		return model.ScheduledJob{}, false, err
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return model.ScheduledJob{}, false, err
	}
	return *job, true, nil
}

// Due lists jobs waiting to be claimed, including any a crashed runner
// promoted but never claimed.
func (s *Scheduler) Due(ctx context.Context) ([]model.ScheduledJob, error) {
	return s.store.ListJobs(ctx, store.JobFilter{
		Statuses: []model.JobStatus{model.JobDue},
		Limit:    s.cfg.BatchSize,
	})
}

// Cancel cancels every pending or due job of an event. In-flight jobs run
// to completion. It returns the number of jobs cancelled.
func (s *Scheduler) Cancel(ctx context.Context, eventID, reason string) (int, error) {
	return CancelEvent(ctx, s.store, eventID, "", reason)
}

// CancelEvent cancels the pending and due jobs of eventID except keepJobID.
// It is shared with the response path, which runs it inside a transaction.
func CancelEvent(ctx context.Context, js store.JobStore, eventID, keepJobID, reason string) (int, error) {
	jobs, err := js.ListJobs(ctx, store.JobFilter{
		EventID:  eventID,
		Statuses: []model.JobStatus{model.JobPending, model.JobDue},
	})
	if err != nil {
		return 0, fmt.Errorf("listing jobs of event %s: %w", eventID, err)
	}

	cancelled := 0
	for _, job := range jobs {
		if job.ID == keepJobID {
			continue
		}
		won, err := js.TransitionJob(ctx, job.ID,
			[]model.JobStatus{model.JobPending, model.JobDue},
			store.JobUpdate{Status: model.JobCancelled, LastError: &reason},
		)
		if err != nil {
			return cancelled, err
		}
		if won {
			cancelled++
		}
	}
	return cancelled, nil
}

// Requeue returns an in-flight job to pending with a new trigger time; it
// is the retry path after a transient delivery failure.
func (s *Scheduler) Requeue(ctx context.Context, jobID string, at time.Time, lastErr string) (bool, error) {
	at = at.UTC()
	return s.store.TransitionJob(ctx, jobID,
		[]model.JobStatus{model.JobInFlight},
		store.JobUpdate{Status: model.JobPending, TriggerAt: &at, LastError: &lastErr},
	)
}

// RecoverStale requeues in-flight jobs nobody has touched for longer than
// the in-flight timeout, so a crashed worker does not strand them.
func (s *Scheduler) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.InFlightTimeout).UTC()
	stale, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses:      []model.JobStatus{model.JobInFlight},
		UpdatedBefore: &cutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("listing stale jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		won, err := s.Requeue(ctx, job.ID, now, "in-flight timeout")
		if err != nil {
			return recovered, err
		}
		if won {
			recovered++
			s.log.WithField("job_id", job.ID).Warn("recovered stale in-flight job")
		}
	}
	return recovered, nil
}
