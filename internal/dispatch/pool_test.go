package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/notify-engine/internal/dispatch"
	"github.com/nhle/notify-engine/internal/model"
	"github.com/nhle/notify-engine/internal/scheduler"
)

func TestPoolExecutesSubmittedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.inFlight(t, model.ChannelEmail, 2*time.Hour)
	b := h.inFlight(t, model.ChannelEmail, time.Hour)

	pool := dispatch.NewPool(h.disp, 2)
	pool.Start(ctx)

	require.NoError(t, pool.Submit(ctx, scheduler.Claimed{JobID: a.ID}))
	require.NoError(t, pool.Submit(ctx, scheduler.Claimed{JobID: b.ID}))

	delivered := func(id string) bool {
		j, err := h.store.GetJob(ctx, id)
		return err == nil && j.Status == model.JobDelivered
	}
	assert.Eventually(t, func() bool {
		return delivered(a.ID) && delivered(b.ID)
	}, 5*time.Second, 20*time.Millisecond)

	pool.Stop()
	assert.ErrorIs(t, pool.Submit(ctx, scheduler.Claimed{JobID: a.ID}), dispatch.ErrPoolClosed)
	assert.Equal(t, 2, h.email.sends())
}

func TestPoolSubmitHonoursContext(t *testing.T) {
	h := newHarness(t)

	// No workers started, so Submit can only return through ctx.
	pool := dispatch.NewPool(h.disp, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pool.Submit(ctx, scheduler.Claimed{JobID: "job"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
