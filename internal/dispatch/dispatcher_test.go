package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/notify-engine/internal/audit"
	"github.com/nhle/notify-engine/internal/channel"
	"github.com/nhle/notify-engine/internal/dispatch"
	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/scheduler"
	"github.com/nhle/notify-engine/internal/store"
	"github.com/nhle/notify-engine/internal/vault"
	"github.com/nhle/notify-engine/tests/testutil"
)

type fakeAdapter struct {
	ch model.Channel

	mu    sync.Mutex
	sent  []channel.Content
	errs  []error
	calls int
}

func (f *fakeAdapter) Channel() model.Channel { return f.ch }

func (f *fakeAdapter) Send(_ context.Context, _ channel.Recipient, c channel.Content) (channel.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return channel.Receipt{}, err
		}
	}
	if f.ch == model.ChannelCall {
		return channel.Receipt{ProviderRef: fmt.Sprintf("CA%d", f.calls), Pending: true}, nil
	}
	return channel.Receipt{ProviderRef: fmt.Sprintf("msg-%d", f.calls)}, nil
}

func (f *fakeAdapter) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Record(_ context.Context, e audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memAudit) types() []audit.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Type
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	store *store.SQLiteStore
	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher
	email *fakeAdapter
	call  *fakeAdapter
	audit *memAudit
	event model.Event
}

func newHarness(t *testing.T, opts ...dispatch.Option) *harness {
	t.Helper()
	s := testutil.NewTestStore(t)
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	v, err := vault.New(bytes.Repeat([]byte{9}, vault.MasterKeySize), s)
	require.NoError(t, err)

	ev := testutil.Event("evt-1", time.Now().Add(3*time.Hour))
	testutil.Seed(t, s, ev, model.UserPreference{Channel: model.PreferBoth, MaxCallAttempts: 3})

	h := &harness{
		store: s,
		sched: scheduler.New(s, scheduler.Config{}, log),
		email: &fakeAdapter{ch: model.ChannelEmail},
		call:  &fakeAdapter{ch: model.ChannelCall},
		audit: &memAudit{},
		event: ev,
	}
	h.disp = dispatch.New(s, s, v, h.sched,
		channel.NewRegistry(h.email, h.call),
		dispatch.Config{PublicURL: "https://notify.example.com", BackoffBase: time.Minute},
		append([]dispatch.Option{dispatch.WithAudit(h.audit), dispatch.WithLogger(log)}, opts...)...,
	)
	return h
}

// inFlight inserts a job for the harness event and claims it.
func (h *harness) inFlight(t *testing.T, ch model.Channel, offset time.Duration) model.ScheduledJob {
	t.Helper()
	job := testutil.InsertJob(t, h.store, h.event, ch, offset)
	h.claim(t, job.ID)
	return job
}

func (h *harness) claim(t *testing.T, id string) {
	t.Helper()
	ok, err := h.store.TransitionJob(context.Background(), id,
		[]model.JobStatus{model.JobPending, model.JobDue},
		store.JobUpdate{Status: model.JobInFlight})
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) job(t *testing.T, id string) *model.ScheduledJob {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestExecuteEmailDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelEmail, 2*time.Hour)

	attempt, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDelivered, attempt.Outcome)
	assert.Equal(t, 1, attempt.Number)

	got := h.job(t, job.ID)
	assert.Equal(t, model.JobDelivered, got.Status)
	assert.Equal(t, 1, got.Attempts)

	require.Equal(t, 1, h.email.sends())
	content := h.email.sent[0]
	require.Len(t, content.ActionLinks, 3)
	for _, a := range model.AllActions {
		assert.Contains(t, content.ActionLinks[a], "https://notify.example.com/rsvp/")
		assert.Contains(t, content.Text, content.ActionLinks[a])
	}
	assert.NotEqual(t, content.ActionLinks[model.ActionConfirm], content.ActionLinks[model.ActionCancel])

	attempts, err := h.store.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "msg-1", attempts[0].ProviderRef)
	assert.Equal(t, []audit.Type{audit.DeliverySucceeded}, h.audit.types())
}

func TestExecuteNeverDeliversTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelEmail, 2*time.Hour)

	_, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)

	_, err = h.disp.Execute(ctx, job)
	assert.ErrorIs(t, err, dispatch.ErrNotClaimed)
	assert.Equal(t, 1, h.email.sends())
}

func TestExecuteTransientFailureRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.email.errs = []error{channel.TransientError(model.ChannelEmail, nil, "421 try later")}
	job := h.inFlight(t, model.ChannelEmail, 2*time.Hour)

	before := time.Now()
	attempt, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTransientFailure, attempt.Outcome)

	got := h.job(t, job.ID)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "421")
	// One minute base with at most 25% jitter either way.
	assert.True(t, got.TriggerAt.After(before.Add(44*time.Second)), got.TriggerAt)
	assert.True(t, got.TriggerAt.Before(time.Now().Add(76*time.Second)), got.TriggerAt)
	assert.Empty(t, h.audit.types())
}

func TestExecuteRateLimitWaitCancelled(t *testing.T) {
	h := newHarness(t, dispatch.WithRateLimit(model.ChannelEmail, 0.001, 1))

	first := h.inFlight(t, model.ChannelEmail, 2*time.Hour)
	_, err := h.disp.Execute(context.Background(), first)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	second := h.inFlight(t, model.ChannelEmail, time.Hour)
	_, err = h.disp.Execute(ctx, second)
	require.ErrorIs(t, err, context.Canceled)

	got := h.job(t, second.ID)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Contains(t, got.LastError, "rate limit wait")
	assert.Equal(t, 1, h.email.sends())
}

func TestExecutePermanentFailureFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.email.errs = []error{channel.PermanentError(model.ChannelEmail, nil, "550 no such user")}
	job := h.inFlight(t, model.ChannelEmail, 2*time.Hour)

	attempt, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePermanentFailure, attempt.Outcome)

	got := h.job(t, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, []audit.Type{audit.DeliveryFailed}, h.audit.types())
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	timeout := errors.New("dial tcp: i/o timeout")
	h.email.errs = []error{timeout, timeout, timeout}
	job := h.inFlight(t, model.ChannelEmail, 2*time.Hour)

	for i := 0; i < 3; i++ {
		if i > 0 {
			h.claim(t, job.ID)
		}
		_, err := h.disp.Execute(ctx, job)
		require.NoError(t, err)
	}

	got := h.job(t, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, h.email.sends())
}

func TestCallNoAnswerThreeTimesFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelCall, time.Hour)

	for i := 1; i <= 3; i++ {
		if i > 1 {
			require.Equal(t, model.JobPending, h.job(t, job.ID).Status)
			h.claim(t, job.ID)
		}

		attempt, err := h.disp.Execute(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeInitiated, attempt.Outcome)
		assert.Equal(t, model.JobInFlight, h.job(t, job.ID).Status)

		ref := fmt.Sprintf("CA%d", i)
		require.NoError(t, h.disp.CompleteCall(ctx, ref, "ringing"))
		require.NoError(t, h.disp.CompleteCall(ctx, ref, "no-answer"))
	}

	got := h.job(t, job.ID)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)

	attempts, err := h.store.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, model.OutcomeNoAnswer, a.Outcome)
	}
	assert.Equal(t, []audit.Type{audit.DeliveryFailed}, h.audit.types())
}

func TestCallPlacedStoresSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelCall, time.Hour)

	_, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)

	cs, err := h.store.GetCallSession(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, cs.JobID)
	assert.Equal(t, model.CallInitiated, cs.State)
	assert.NotEmpty(t, cs.Token)

	content := h.call.sent[0]
	assert.Equal(t, "https://notify.example.com/webhooks/call/gather", content.GatherURL)
	assert.Equal(t, "https://notify.example.com/webhooks/call/status", content.StatusURL)
	assert.NotEmpty(t, content.Script)
}

func TestCompleteCallAnswered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelCall, time.Hour)

	_, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)

	// What the response handler does when the callee presses a key.
	require.NoError(t, h.store.MarkCallResponded(ctx, "CA1"))

	require.NoError(t, h.disp.CompleteCall(ctx, "CA1", "completed"))

	assert.Equal(t, model.JobDelivered, h.job(t, job.ID).Status)
	attempts, err := h.store.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.OutcomeDelivered, attempts[0].Outcome)
}

func TestCompleteCallWithoutResponseRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelCall, time.Hour)

	_, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)
	require.NoError(t, h.disp.CompleteCall(ctx, "CA1", "completed"))

	got := h.job(t, job.ID)
	assert.Equal(t, model.JobPending, got.Status)
	attempts, err := h.store.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoAnswer, attempts[0].Outcome)
}

func TestCompleteCallIgnoresLateAndUnknownCallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelCall, time.Hour)

	_, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)

	require.NoError(t, h.disp.CompleteCall(ctx, "CA1", "busy"))
	require.Equal(t, model.JobPending, h.job(t, job.ID).Status)

	// Duplicate and out-of-order callbacks change nothing.
	require.NoError(t, h.disp.CompleteCall(ctx, "CA1", "busy"))
	require.NoError(t, h.disp.CompleteCall(ctx, "CA1", "in-progress"))
	require.NoError(t, h.disp.CompleteCall(ctx, "CA1", "bogus"))

	cs, err := h.store.GetCallSession(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, model.CallBusy, cs.State)

	attempts, err := h.store.ListAttempts(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.OutcomeBusy, attempts[0].Outcome)

	assert.ErrorIs(t, h.disp.CompleteCall(ctx, "CA404", "completed"), dispatch.ErrUnknownCall)
}

func TestExecuteSkipsAnsweredEscalation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := model.ScheduledJob{
		ID:             "esc-1",
		EventID:        h.event.ID,
		EventVersion:   h.event.Version,
		UserID:         h.event.UserID,
		Offset:         time.Hour,
		Channel:        model.ChannelCall,
		Priority:       model.PriorityHigh,
		Escalation:     true,
		TriggerAt:      time.Now(),
		Status:         model.JobPending,
		MaxAttempts:    3,
		IdempotencyKey: model.IdempotencyKey(h.event.ID, h.event.Version, time.Hour, model.ChannelCall),
	}
	require.NoError(t, h.store.InsertJob(ctx, job))
	h.claim(t, job.ID)

	require.NoError(t, h.store.InsertResponse(ctx, model.UserResponse{
		JobID:        "email-job",
		EventID:      h.event.ID,
		EventVersion: h.event.Version,
		Action:       model.ActionConfirm,
		Channel:      model.ChannelEmail,
	}))

	attempt, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)
	assert.Zero(t, attempt)
	assert.Equal(t, model.JobCancelled, h.job(t, job.ID).Status)
	assert.Zero(t, h.call.sends())
}

func TestExecuteSupersededByNewerEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.inFlight(t, model.ChannelEmail, 2*time.Hour)

	moved := h.event
	moved.Version = 2
	moved.StartsAt = moved.StartsAt.Add(time.Hour)
	require.NoError(t, h.store.UpsertEvent(ctx, moved))

	_, err := h.disp.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.JobSuperseded, h.job(t, job.ID).Status)
	assert.Zero(t, h.email.sends())
}

func TestExecuteWithoutAdapterFails(t *testing.T) {
	s := testutil.NewTestStore(t)
	v, err := vault.New(bytes.Repeat([]byte{9}, vault.MasterKeySize), s)
	require.NoError(t, err)
	ev := testutil.Event("evt-1", time.Now().Add(3*time.Hour))
	testutil.Seed(t, s, ev, model.UserPreference{Channel: model.PreferCall})

	sched := scheduler.New(s, scheduler.Config{}, nil)
	d := dispatch.New(s, s, v, sched, channel.NewRegistry(), dispatch.Config{})

	job := testutil.InsertJob(t, s, ev, model.ChannelCall, time.Hour)
	ok, err := s.TransitionJob(context.Background(), job.ID,
		[]model.JobStatus{model.JobPending}, store.JobUpdate{Status: model.JobInFlight})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = d.Execute(context.Background(), job)
	require.NoError(t, err)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.LastError, "no adapter")
}
