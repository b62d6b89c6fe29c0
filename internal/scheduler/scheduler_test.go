package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/policy"
	"github.com/nhle/notify-engine/internal/scheduler"
	"github.com/nhle/notify-engine/internal/store"
	"github.com/nhle/notify-engine/tests/testutil"
)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *store.SQLiteStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	logger, _ := test.NewNullLogger()
	return scheduler.New(s, scheduler.Config{}, logrus.NewEntry(logger)), s
}

func testPlan(ev model.Event, entries ...model.PlanEntry) model.NotificationPlan {
	return model.NotificationPlan{
		EventID:      ev.ID,
		EventVersion: ev.Version,
		UserID:       ev.UserID,
		EventStarts:  ev.StartsAt,
		Entries:      entries,
		Source:       model.PlanSourceOracle,
	}
}

func planEntry(offset time.Duration, ch model.Channel) model.PlanEntry {
	return model.PlanEntry{Offset: offset, Channel: ch, Priority: model.PriorityNormal}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	ev := testutil.Event("evt-1", time.Now().Add(48*time.Hour))
	plan := testPlan(ev, planEntry(24*time.Hour, model.ChannelEmail), planEntry(2*time.Hour, model.ChannelCall))

	first, err := sched.Materialize(ctx, plan)
	require.NoError(t, err)
	assert.Len(t, first.Created, 2)

	second, err := sched.Materialize(ctx, plan)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Equal(t, 2, second.Skipped)

	jobs, err := s.ListJobs(ctx, store.JobFilter{EventID: ev.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	for _, j := range first.Created {
		assert.True(t, ev.StartsAt.Add(-j.Offset).Equal(j.TriggerAt))
		assert.Equal(t, model.IdempotencyKey(ev.ID, ev.Version, j.Offset, j.Channel), j.IdempotencyKey)
	}
}

func TestMaterializeConcurrent(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	ev := testutil.Event("evt-1", time.Now().Add(48*time.Hour))
	plan := testPlan(ev, planEntry(24*time.Hour, model.ChannelEmail))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sched.Materialize(ctx, plan)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	jobs, err := s.ListJobs(ctx, store.JobFilter{EventID: ev.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMaterializeSupersedesOlderVersion(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	v1 := testutil.Event("evt-1", time.Now().Add(48*time.Hour))
	_, err := sched.Materialize(ctx, testPlan(v1,
		planEntry(24*time.Hour, model.ChannelEmail), planEntry(2*time.Hour, model.ChannelEmail)))
	require.NoError(t, err)

	v2 := v1
	v2.Version = 2
	v2.StartsAt = v1.StartsAt.Add(3 * time.Hour)
	res, err := sched.Materialize(ctx, testPlan(v2, planEntry(24*time.Hour, model.ChannelEmail)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Superseded)
	require.Len(t, res.Created, 1)

	live, err := s.ListJobs(ctx, store.JobFilter{EventID: v1.ID, Statuses: model.NonTerminalStatuses})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, int64(2), live[0].EventVersion)

	superseded, err := s.ListJobs(ctx, store.JobFilter{EventID: v1.ID, Statuses: []model.JobStatus{model.JobSuperseded}})
	require.NoError(t, err)
	assert.Len(t, superseded, 2)

	// A late plan for v1 is ignored.
	stale, err := sched.Materialize(ctx, testPlan(v1, planEntry(30*time.Minute, model.ChannelEmail)))
	require.NoError(t, err)
	assert.Empty(t, stale.Created)
	assert.Equal(t, 1, stale.Skipped)
}

func TestMaterializeCallAttemptsFromPreference(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	ev := testutil.Event("evt-1", time.Now().Add(48*time.Hour))
	testutil.Seed(t, s, ev, model.UserPreference{Channel: model.PreferBoth, MaxCallAttempts: 5})

	res, err := sched.Materialize(ctx, testPlan(ev,
		planEntry(24*time.Hour, model.ChannelEmail), planEntry(time.Hour, model.ChannelCall)))
	require.NoError(t, err)
	require.Len(t, res.Created, 2)

	for _, j := range res.Created {
		if j.Channel == model.ChannelCall {
			assert.Equal(t, 5, j.MaxAttempts)
		} else {
			assert.Equal(t, 3, j.MaxAttempts)
		}
	}
}

func TestReplanImminentEventKeepsOneJob(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	base := time.Now().UTC().Truncate(time.Minute)
	ev := testutil.Event("evt-1", base.Add(4*time.Minute+30*time.Second))
	pref := model.UserPreference{Channel: model.PreferEmail, Weekend: model.WeekendAllow}
	testutil.Seed(t, s, ev, pref)

	engine := policy.NewEngine(policy.NewRuleOracle(nil), policy.Config{}, logrus.NewEntry(logger))

	for _, after := range []time.Duration{0, 40 * time.Second, 80 * time.Second} {
		now := base.Add(after)
		engine.SetClock(func() time.Time { return now })

		history, err := s.History(ctx, ev.ID)
		require.NoError(t, err)
		plan := engine.Plan(ctx, ev, pref, history)

		_, err = sched.Materialize(ctx, plan)
		require.NoError(t, err)

		// Same plan without history still maps onto the live job's key.
		res, err := sched.Materialize(ctx, engine.Plan(ctx, ev, pref, nil))
		require.NoError(t, err)
		assert.Empty(t, res.Created, after.String())
	}

	jobs, err := s.ListJobs(ctx, store.JobFilter{EventID: ev.ID, Statuses: model.NonTerminalStatuses})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.PriorityUrgent, jobs[0].Priority)
	assert.True(t, base.Equal(jobs[0].TriggerAt), jobs[0].TriggerAt)
}

func TestReplanAfterImmediateDeliveryAddsNothing(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	base := time.Now().UTC().Truncate(time.Minute)
	ev := testutil.Event("evt-1", base.Add(4*time.Minute))
	pref := model.UserPreference{Channel: model.PreferEmail, Weekend: model.WeekendAllow}
	testutil.Seed(t, s, ev, pref)

	engine := policy.NewEngine(policy.NewRuleOracle(nil), policy.Config{}, logrus.NewEntry(logger))
	engine.SetClock(func() time.Time { return base })

	res, err := sched.Materialize(ctx, engine.Plan(ctx, ev, pref, nil))
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	ok, err := s.TransitionJob(ctx, res.Created[0].ID,
		[]model.JobStatus{model.JobPending}, store.JobUpdate{Status: model.JobDelivered})
	require.NoError(t, err)
	require.True(t, ok)

	engine.SetClock(func() time.Time { return base.Add(time.Minute) })
	history, err := s.History(ctx, ev.ID)
	require.NoError(t, err)
	plan := engine.Plan(ctx, ev, pref, history)
	assert.True(t, plan.Empty())
}

func TestTickPromotesDueJobs(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ev := testutil.Event("evt-1", now.Add(3*time.Hour))
	res, err := sched.Materialize(ctx, testPlan(ev,
		planEntry(2*time.Hour, model.ChannelEmail), planEntry(30*time.Minute, model.ChannelEmail)))
	require.NoError(t, err)
	require.Len(t, res.Created, 2)

	promoted, err := sched.Tick(ctx, now.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, 2*time.Hour, promoted[0].Offset)
	assert.Equal(t, model.JobDue, promoted[0].Status)

	// Already due; a second tick promotes nothing new.
	promoted, err = sched.Tick(ctx, now.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, promoted)

	due, err := sched.Due(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	jobs, err := s.ListJobs(ctx, store.JobFilter{Statuses: []model.JobStatus{model.JobPending}})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestTickDefersQuietHours(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	// Event at 08:00 UTC the day after tomorrow; a T-9h reminder lands at 23:00.
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(48 * time.Hour)
	ev := testutil.Event("evt-1", day.Add(8*time.Hour))
	testutil.Seed(t, s, ev, model.UserPreference{
		Channel:  model.PreferEmail,
		Quiet:    model.QuietHours{Start: 22 * 60, End: 7 * 60},
		TimeZone: "UTC",
	})

	res, err := sched.Materialize(ctx, testPlan(ev, planEntry(9*time.Hour, model.ChannelEmail)))
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	jobID := res.Created[0].ID

	at23 := day.Add(-time.Hour)
	promoted, err := sched.Tick(ctx, at23)
	require.NoError(t, err)
	assert.Empty(t, promoted)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.True(t, day.Add(7*time.Hour).Equal(job.TriggerAt), job.TriggerAt)

	promoted, err = sched.Tick(ctx, day.Add(7*time.Hour))
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, jobID, promoted[0].ID)
}

func TestTickDeferralOntoWeekend(t *testing.T) {
	// A Friday at least a week out; quiet hours end Saturday 07:00.
	friday := time.Now().UTC().Truncate(24 * time.Hour).Add(7 * 24 * time.Hour)
	for friday.Weekday() != time.Friday {
		friday = friday.Add(24 * time.Hour)
	}
	at23 := friday.Add(23 * time.Hour)
	monday := friday.Add(3*24*time.Hour + 9*time.Hour)

	tests := []struct {
		name    string
		weekend model.WeekendPolicy
		channel model.Channel
		want    model.JobStatus
	}{
		{"allow defers", model.WeekendAllow, model.ChannelCall, model.JobPending},
		{"skip cancels", model.WeekendSkip, model.ChannelEmail, model.JobCancelled},
		{"email only cancels call", model.WeekendEmailOnly, model.ChannelCall, model.JobCancelled},
		{"email only defers email", model.WeekendEmailOnly, model.ChannelEmail, model.JobPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, s := newTestScheduler(t)
			ctx := context.Background()

			ev := testutil.Event("evt-1", monday)
			testutil.Seed(t, s, ev, model.UserPreference{
				Channel:  model.PreferBoth,
				Weekend:  tt.weekend,
				Quiet:    model.QuietHours{Start: 22 * 60, End: 7 * 60},
				TimeZone: "UTC",
			})
			job := testutil.InsertJob(t, s, ev, tt.channel, monday.Sub(at23))

			promoted, err := sched.Tick(ctx, at23)
			require.NoError(t, err)
			assert.Empty(t, promoted)

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			if tt.want == model.JobPending {
				assert.True(t, friday.Add(31*time.Hour).Equal(got.TriggerAt), got.TriggerAt)
			}
		})
	}
}

func TestTickUrgentIgnoresQuietHours(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	day := time.Now().UTC().Truncate(24 * time.Hour).Add(48 * time.Hour)
	ev := testutil.Event("evt-1", day.Add(23*time.Hour+30*time.Minute))
	testutil.Seed(t, s, ev, model.UserPreference{
		Channel: model.PreferEmail,
		Quiet:   model.QuietHours{Start: 22 * 60, End: 7 * 60},
	})

	urgent := planEntry(30*time.Minute, model.ChannelEmail)
	urgent.Priority = model.PriorityUrgent
	_, err := sched.Materialize(ctx, testPlan(ev, urgent))
	require.NoError(t, err)

	promoted, err := sched.Tick(ctx, day.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Len(t, promoted, 1)
}

func TestClaimExactlyOnce(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ev := testutil.Event("evt-1", now.Add(time.Hour))
	job := testutil.InsertJob(t, s, ev, model.ChannelEmail, 2*time.Hour)
	_, err := sched.Tick(ctx, now)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, ok, err := sched.Claim(ctx, job.ID)
			assert.NoError(t, err)
			if ok {
				assert.Equal(t, model.JobInFlight, claimed.Status)
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCancel(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ev := testutil.Event("evt-1", now.Add(3*time.Hour))
	pending := testutil.InsertJob(t, s, ev, model.ChannelEmail, time.Hour)
	inflight := testutil.InsertJob(t, s, ev, model.ChannelCall, 2*time.Hour)
	ok, err := s.TransitionJob(ctx, inflight.ID, []model.JobStatus{model.JobPending},
		store.JobUpdate{Status: model.JobInFlight})
	require.NoError(t, err)
	require.True(t, ok)
	other := testutil.InsertJob(t, s, testutil.Event("evt-2", now.Add(3*time.Hour)), model.ChannelEmail, time.Hour)

	n, err := sched.Cancel(ctx, ev.ID, "event deleted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
	assert.Equal(t, "event deleted", got.LastError)

	got, err = s.GetJob(ctx, inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobInFlight, got.Status)

	got, err = s.GetJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
}

func TestCancelEventKeepsResponder(t *testing.T) {
	_, s := newTestScheduler(t)
	ctx := context.Background()

	ev := testutil.Event("evt-1", time.Now().Add(3*time.Hour))
	keep := testutil.InsertJob(t, s, ev, model.ChannelEmail, 2*time.Hour)
	drop := testutil.InsertJob(t, s, ev, model.ChannelEmail, time.Hour)

	n, err := scheduler.CancelEvent(ctx, s, ev.ID, keep.ID, "answered")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	got, err = s.GetJob(ctx, drop.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
}

func TestRequeueAndRecoverStale(t *testing.T) {
	sched, s := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ev := testutil.Event("evt-1", now.Add(3*time.Hour))
	a := testutil.InsertJob(t, s, ev, model.ChannelEmail, 2*time.Hour)
	b := testutil.InsertJob(t, s, ev, model.ChannelEmail, time.Hour)
	for _, id := range []string{a.ID, b.ID} {
		ok, err := s.TransitionJob(ctx, id, []model.JobStatus{model.JobPending},
			store.JobUpdate{Status: model.JobInFlight})
		require.NoError(t, err)
		require.True(t, ok)
	}

	retryAt := now.Add(time.Minute)
	ok, err := sched.Requeue(ctx, a.ID, retryAt, "smtp 421")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetJob(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, "smtp 421", got.LastError)

	// Not in flight any more.
	ok, err = sched.Requeue(ctx, a.ID, retryAt, "again")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := sched.RecoverStale(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = sched.RecoverStale(ctx, now.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.GetJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, "in-flight timeout", got.LastError)
}
