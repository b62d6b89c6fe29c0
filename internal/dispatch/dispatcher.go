// Package dispatch executes claimed jobs against their channel adapters
// and settles the outcome: delivered, retried with backoff, or failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/nhle/notify-engine/internal/audit"
	"github.com/nhle/notify-engine/internal/channel"
	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/store"
)

// ErrNotClaimed is returned when Execute is given a job that is not
// in flight.
var ErrNotClaimed = errors.New("dispatch: job is not in flight")

// ErrUnknownCall is returned for a status callback naming a call this
// engine did not place.
var ErrUnknownCall = errors.New("dispatch: unknown call")

// Store is the persistence the dispatcher needs.
type Store interface {
	store.JobStore
	store.AttemptStore
	store.CallSessionStore
	ListResponses(ctx context.Context, eventID string) ([]model.UserResponse, error)
}

// Directory is the read-only view of events, preferences and contacts.
type Directory interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	GetPreference(ctx context.Context, userID string) (*model.UserPreference, error)
	GetContact(ctx context.Context, userID string) (*model.Contact, error)
}

// TokenIssuer mints action tokens.
type TokenIssuer interface {
	IssueActionToken(jobID string, actions []model.Action, ttl time.Duration) (string, error)
}

// Requeuer puts an in-flight job back to pending for a retry.
type Requeuer interface {
	Requeue(ctx context.Context, jobID string, at time.Time, lastErr string) (bool, error)
}

// Config tunes the dispatcher.
type Config struct {
	ProviderTimeout time.Duration
	TokenTTL        time.Duration
	PublicURL       string
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// Dispatcher delivers claimed jobs.
type Dispatcher struct {
	store    Store
	dir      Directory
	tokens   TokenIssuer
	requeue  Requeuer
	adapters channel.Registry
	audit    audit.Sink
	render   *Renderer
	backoff  *Backoff
	limiters map[model.Channel]*rate.Limiter
	cfg      Config
	now      func() time.Time
	log      *logrus.Entry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit throttles sends on ch to r per second with burst.
func WithRateLimit(ch model.Channel, r float64, burst int) Option {
	return func(d *Dispatcher) {
		if r <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiters[ch] = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option {
	return func(d *Dispatcher) { d.audit = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New creates a dispatcher.
func New(
	s Store,
	dir Directory,
	tokens TokenIssuer,
	requeue Requeuer,
	adapters channel.Registry,
	cfg Config,
	opts ...Option,
) *Dispatcher {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 72 * time.Hour
	}
	d := &Dispatcher{
		store:    s,
		dir:      dir,
		tokens:   tokens,
		requeue:  requeue,
		adapters: adapters,
		audit:    audit.Nop{},
		render:   NewRenderer(cfg.PublicURL),
		backoff:  NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		limiters: make(map[model.Channel]*rate.Limiter),
		cfg:      cfg,
		now:      time.Now,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithField("component", "dispatch")
	return d
}

// Execute performs one delivery attempt for a claimed job. Emails settle
// immediately; calls are left in flight until CompleteCall reports the
// call's end. The returned attempt is the zero value when nothing was
// sent (escalation skipped, job superseded).
func (d *Dispatcher) Execute(ctx context.Context, job model.ScheduledJob) (model.DeliveryAttempt, error) {
	current, err := d.store.GetJob(ctx, job.ID)
	if err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("loading job %s: %w", job.ID, err)
	}
	job = *current
	if job.Status != model.JobInFlight {
		return model.DeliveryAttempt{}, ErrNotClaimed
	}

	log := d.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"event_id": job.EventID,
		"channel":  job.Channel,
	})

	if job.Escalation {
		answered, err := d.answered(ctx, job)
		if err != nil {
			return model.DeliveryAttempt{}, err
		}
		if answered {
			reason := "event already answered"
			_, err := d.store.TransitionJob(ctx, job.ID,
				[]model.JobStatus{model.JobInFlight},
				store.JobUpdate{Status: model.JobCancelled, LastError: &reason})
			log.Info("escalation skipped, event answered")
			return model.DeliveryAttempt{}, err
		}
	}

	ev, err := d.dir.GetEvent(ctx, job.EventID)
	if errors.Is(err, store.ErrNotFound) {
		return model.DeliveryAttempt{}, d.fail(ctx, job, "event no longer exists")
	}
	if err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("loading event %s: %w", job.EventID, err)
	}
	if ev.Version > job.EventVersion {
		reason := fmt.Sprintf("superseded by version %d", ev.Version)
		_, err := d.store.TransitionJob(ctx, job.ID,
			[]model.JobStatus{model.JobInFlight},
			store.JobUpdate{Status: model.JobSuperseded, LastError: &reason})
		log.Info("event changed since planning, job superseded")
		return model.DeliveryAttempt{}, err
	}

	contact, err := d.dir.GetContact(ctx, job.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return model.DeliveryAttempt{}, d.fail(ctx, job, "user has no contact record")
	}
	if err != nil {
		return model.DeliveryAttempt{}, fmt.Errorf("loading contact for %s: %w", job.UserID, err)
	}

	loc := ev.SourceLocation()
	if pref, err := d.dir.GetPreference(ctx, job.UserID); err == nil {
		loc = pref.Location()
	}

	adapter, err := d.adapters.Get(job.Channel)
	if err != nil {
		return model.DeliveryAttempt{}, d.fail(ctx, job, err.Error())
	}

	// The rate limit is waited out before the attempt is counted. A wait
	// cut short puts the job back as it was; ctx is already done by then.
	if lim := d.limiters[job.Channel]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			reason := "rate limit wait: " + err.Error()
			_, rerr := d.requeue.Requeue(context.WithoutCancel(ctx), job.ID, d.now(), reason)
			if rerr != nil {
				return model.DeliveryAttempt{}, fmt.Errorf("requeueing job %s: %w", job.ID, rerr)
			}
			log.WithError(err).Info("job requeued before sending")
			return model.DeliveryAttempt{}, err
		}
	}

	// Count the attempt before sending so a crash mid-send still uses up
	// one of the job's attempts.
	won, err := d.store.TransitionJob(ctx, job.ID,
		[]model.JobStatus{model.JobInFlight},
		store.JobUpdate{Status: model.JobInFlight, IncAttempts: true})
	if err != nil {
		return model.DeliveryAttempt{}, err
	}
	if !won {
		return model.DeliveryAttempt{}, ErrNotClaimed
	}
	job.Attempts++

	content, callToken, err := d.content(job, *ev, loc)
	if err != nil {
		return model.DeliveryAttempt{}, d.fail(ctx, job, err.Error())
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	receipt, sendErr := adapter.Send(sendCtx, channel.Recipient{
		Name:  contact.Name,
		Email: contact.Email,
		Phone: contact.Phone,
	}, content)
	cancel()

	attempt := model.DeliveryAttempt{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		Number:      job.Attempts,
		ProviderRef: receipt.ProviderRef,
		CreatedAt:   d.now().UTC(),
	}

	if sendErr != nil {
		attempt.Outcome = model.OutcomeTransientFailure
		if channel.IsPermanent(sendErr) {
			attempt.Outcome = model.OutcomePermanentFailure
		}
		attempt.Error = sendErr.Error()
		if err := d.store.InsertAttempt(ctx, attempt); err != nil {
			return attempt, err
		}
		log.WithError(sendErr).WithField("attempt", attempt.Number).Warn("delivery attempt failed")
		return attempt, d.settleFailure(ctx, job, sendErr)
	}

	if receipt.Pending {
		attempt.Outcome = model.OutcomeInitiated
		if err := d.store.InsertAttempt(ctx, attempt); err != nil {
			return attempt, err
		}
		err := d.store.PutCallSession(ctx, model.CallSession{
			CallRef:   receipt.ProviderRef,
			JobID:     job.ID,
			AttemptID: attempt.ID,
			Token:     callToken,
			State:     model.CallInitiated,
		})
		if err != nil {
			return attempt, fmt.Errorf("storing call session %s: %w", receipt.ProviderRef, err)
		}
		log.WithField("call_ref", receipt.ProviderRef).Info("call placed")
		return attempt, nil
	}

	won, err = d.store.TransitionJob(ctx, job.ID,
		[]model.JobStatus{model.JobInFlight},
		store.JobUpdate{Status: model.JobDelivered})
	if err != nil {
		return attempt, err
	}
	if !won {
		// A response closed the job while the message was in transit.
		log.Debug("job settled concurrently")
		return attempt, nil
	}
	attempt.Outcome = model.OutcomeDelivered
	if err := d.store.InsertAttempt(ctx, attempt); err != nil {
		return attempt, err
	}
	d.audit.Record(ctx, audit.Event{
		Type: audit.DeliverySucceeded, JobID: job.ID, EventID: job.EventID,
		UserID: job.UserID, Channel: job.Channel, At: d.now().UTC(),
	})
	log.WithField("attempt", attempt.Number).Info("delivered")
	return attempt, nil
}

// content issues the job's action tokens and renders the message. An
// email carries one single-action token per action; a call carries one
// token for all three, bound to the call session.
func (d *Dispatcher) content(job model.ScheduledJob, ev model.Event, loc *time.Location) (channel.Content, string, error) {
	switch job.Channel {
	case model.ChannelEmail:
		tokens := make(map[model.Action]string, len(model.AllActions))
		for _, a := range model.AllActions {
			tok, err := d.tokens.IssueActionToken(job.ID, []model.Action{a}, d.cfg.TokenTTL)
			if err != nil {
				return channel.Content{}, "", fmt.Errorf("issuing %s token: %w", a, err)
			}
			tokens[a] = tok
		}
		c, err := d.render.Email(job, ev, loc, tokens)
		return c, "", err
	case model.ChannelCall:
		tok, err := d.tokens.IssueActionToken(job.ID, model.AllActions, d.cfg.TokenTTL)
		if err != nil {
			return channel.Content{}, "", fmt.Errorf("issuing call token: %w", err)
		}
		return d.render.Call(job, ev, loc), tok, nil
	}
	return channel.Content{}, "", fmt.Errorf("unsupported channel %q", job.Channel)
}

func (d *Dispatcher) answered(ctx context.Context, job model.ScheduledJob) (bool, error) {
	responses, err := d.store.ListResponses(ctx, job.EventID)
	if err != nil {
		return false, fmt.Errorf("listing responses for %s: %w", job.EventID, err)
	}
	for _, r := range responses {
		if r.Accepted() && r.EventVersion == job.EventVersion {
			return true, nil
		}
	}
	return false, nil
}

// settleFailure retries a transient failure while attempts remain and
// fails the job otherwise.
func (d *Dispatcher) settleFailure(ctx context.Context, job model.ScheduledJob, cause error) error {
	if channel.IsTransient(cause) && job.Attempts < job.MaxAttempts {
		at := d.now().Add(d.backoff.Delay(job.Attempts))
		won, err := d.requeue.Requeue(ctx, job.ID, at, cause.Error())
		if err != nil {
			return fmt.Errorf("requeueing job %s: %w", job.ID, err)
		}
		if won {
			d.log.WithFields(logrus.Fields{
				"job_id":  job.ID,
				"attempt": job.Attempts,
				"retry":   at.UTC().Format(time.RFC3339),
			}).Info("retry scheduled")
		}
		return nil
	}
	return d.fail(ctx, job, cause.Error())
}

func (d *Dispatcher) fail(ctx context.Context, job model.ScheduledJob, reason string) error {
	won, err := d.store.TransitionJob(ctx, job.ID,
		[]model.JobStatus{model.JobInFlight},
		store.JobUpdate{Status: model.JobFailed, LastError: &reason})
	if err != nil {
		return fmt.Errorf("failing job %s: %w", job.ID, err)
	}
	if won {
		d.audit.Record(ctx, audit.Event{
			Type: audit.DeliveryFailed, JobID: job.ID, EventID: job.EventID,
			UserID: job.UserID, Channel: job.Channel, Detail: reason, At: d.now().UTC(),
		})
	}
	return nil
}

// CompleteCall applies a call status callback. Progress states only move
// the session forward; a terminal state settles the attempt and the job.
// Late or duplicate callbacks are ignored.
func (d *Dispatcher) CompleteCall(ctx context.Context, callRef, status string) error {
	state, ok := channel.ParseCallStatus(status)
	if !ok {
		d.log.WithFields(logrus.Fields{"call_ref": callRef, "status": status}).Debug("ignoring unknown call status")
		return nil
	}

	session, err := d.store.GetCallSession(ctx, callRef)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownCall
	}
	if err != nil {
		return fmt.Errorf("loading call session %s: %w", callRef, err)
	}
	if !channel.CanAdvance(session.State, state) {
		return nil
	}

	advanced, err := d.store.AdvanceCallSession(ctx, callRef, state)
	if err != nil || !advanced || !state.Terminal() {
		return err
	}

	// Re-read: the gather handler may have marked the session responded.
	session, err = d.store.GetCallSession(ctx, callRef)
	if err != nil {
		return fmt.Errorf("reloading call session %s: %w", callRef, err)
	}
	job, err := d.store.GetJob(ctx, session.JobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", session.JobID, err)
	}

	outcome := channel.CallOutcome(state, session.Responded)
	var errText string
	if outcome != model.OutcomeDelivered {
		errText = "call " + string(state)
	}
	if err := d.store.UpdateAttemptOutcome(ctx, session.AttemptID, outcome, errText); err != nil {
		return err
	}

	log := d.log.WithFields(logrus.Fields{"job_id": job.ID, "call_ref": callRef, "outcome": outcome})

	if outcome == model.OutcomeDelivered {
		// The response handler normally closed the job already.
		_, err := d.store.TransitionJob(ctx, job.ID,
			[]model.JobStatus{model.JobInFlight},
			store.JobUpdate{Status: model.JobDelivered})
		log.Info("call answered")
		return err
	}

	if job.Status != model.JobInFlight {
		return nil
	}
	log.Info("call ended without a response")
	return d.settleFailure(ctx, *job, channel.TransientError(model.ChannelCall, nil, "%s", errText))
}
