package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/notify-engine/internal/model"
)

const (
	defaultMaxEntries   = 4
	defaultUrgentWindow = time.Hour
	defaultRetryBackoff = 500 * time.Millisecond

	fallbackEmailOffset = 2 * time.Hour
	fallbackCallOffset  = time.Hour
)

// Config tunes the engine's local policy.
type Config struct {
	MaxEntries   int
	UrgentWindow time.Duration
	RetryBackoff time.Duration
}

// Engine turns an event and its owner's preference into a plan. Plan never
// fails: oracle problems are absorbed by the deterministic fallback.
type Engine struct {
	oracle Oracle
	cfg    Config
	now    func() time.Time
	log    *logrus.Entry
}

// NewEngine creates an engine around oracle. A zero Config selects the
// defaults (4 entries, 1h urgent window, 500ms retry backoff).
func NewEngine(oracle Oracle, cfg Config, log *logrus.Entry) *Engine {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.UrgentWindow <= 0 {
		cfg.UrgentWindow = defaultUrgentWindow
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{oracle: oracle, cfg: cfg, now: time.Now, log: log.WithField("component", "policy")}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Plan produces the notification plan for event. history is the prior
// activity for the same event; an event already answered at this version
// gets an empty plan.
func (e *Engine) Plan(
	ctx context.Context,
	event model.Event,
	pref model.UserPreference,
	history []model.HistoryEntry,
) model.NotificationPlan {
	now := e.now().UTC()
	plan := model.NotificationPlan{
		EventID:      event.ID,
		EventVersion: event.Version,
		UserID:       event.UserID,
		EventStarts:  event.StartsAt.UTC(),
		PlannedAt:    now,
	}

	log := e.log.WithFields(logrus.Fields{"event_id": event.ID, "version": event.Version})

	if model.Answered(history, event.Version) {
		plan.Source = model.PlanSourceAnswered
		log.Debug("event already answered, nothing to plan")
		return plan
	}

	req := Request{
		Event:      event,
		Preference: pref,
		History:    history,
		Now:        now,
		MaxEntries: e.cfg.MaxEntries,
	}

	proposal, err := e.ask(ctx, req)
	if err != nil {
		log.WithError(err).Warn("oracle unavailable, using fallback plan")
		proposal = fallbackProposal(event, pref)
		plan.Source = model.PlanSourceFallback
	} else {
		plan.Source = model.PlanSourceOracle
	}

	plan.Hints = proposal.Hints
	plan.Entries = e.enforce(proposal.Entries, event, pref, history, now)

	log.WithFields(logrus.Fields{
		"source":  plan.Source,
		"entries": len(plan.Entries),
	}).Info("notification plan ready")

	return plan
}

// ask queries the oracle, retrying once after the configured backoff.
func (e *Engine) ask(ctx context.Context, req Request) (Proposal, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(e.cfg.RetryBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return Proposal{}, &OracleError{Oracle: e.oracle.Name(), Err: ctx.Err()}
			case <-t.C:
			}
		}

		p, err := e.propose(ctx, req)
		if err == nil {
			return p, nil
		}
		lastErr = err
		e.log.WithError(err).WithField("attempt", attempt+1).Debug("oracle attempt failed")
	}
	return Proposal{}, lastErr
}

func (e *Engine) propose(ctx context.Context, req Request) (p Proposal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &OracleError{Oracle: e.oracle.Name(), Err: panicError{r}}
		}
	}()

	p, err = e.oracle.Propose(ctx, req)
	if err != nil {
		if IsOracleError(err) {
			return Proposal{}, err
		}
		return Proposal{}, &OracleError{Oracle: e.oracle.Name(), Err: err}
	}
	if err := validateProposal(p); err != nil {
		return Proposal{}, &OracleError{Oracle: e.oracle.Name(), Err: err}
	}
	return p, nil
}

// fallbackProposal is the deterministic rule: a single email at T-2h and an
// escalation call at T-1h that only fires while the event is unanswered.
// The user's channel preference still applies.
func fallbackProposal(event model.Event, pref model.UserPreference) Proposal {
	var entries []model.PlanEntry
	switch pref.Channel {
	case model.PreferCall:
		entries = append(entries, model.PlanEntry{
			Offset: fallbackEmailOffset, Channel: model.ChannelCall, Priority: model.PriorityNormal,
		})
	case model.PreferEmail:
		entries = append(entries, model.PlanEntry{
			Offset: fallbackEmailOffset, Channel: model.ChannelEmail, Priority: model.PriorityNormal,
		})
	default:
		entries = append(entries,
			model.PlanEntry{Offset: fallbackEmailOffset, Channel: model.ChannelEmail, Priority: model.PriorityNormal},
			model.PlanEntry{
				Offset: fallbackCallOffset, Channel: model.ChannelCall, Priority: model.PriorityHigh,
				EscalateIfUnconfirmed: true,
			},
		)
	}
	return Proposal{
		Entries: entries,
		Hints: model.ContentHints{
			CallScript:   "This is a reminder about " + event.Title + ".",
			EmailSubject: "Reminder: " + event.Title,
		},
	}
}

type panicError struct{ v interface{} }

func (p panicError) Error() string {
	return fmt.Sprintf("oracle panicked: %v", p.v)
}
