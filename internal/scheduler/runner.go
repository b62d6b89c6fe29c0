package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sink receives claimed jobs. Submit may block until a worker is free.
type Sink interface {
	Submit(ctx context.Context, job Claimed) error
}

// Claimed is a job the runner won the Due to InFlight transition for.
type Claimed struct {
	JobID string
}

// Pruner removes expired token nonces.
type Pruner interface {
	PruneNonces(ctx context.Context, now time.Time) (int64, error)
}

// Runner drives the scheduler on a cron schedule: every tick promotes due
// jobs, claims them and hands them to the sink. An hourly maintenance
// entry recovers stale in-flight jobs and prunes expired nonces.
type Runner struct {
	sched    *Scheduler
	sink     Sink
	pruner   Pruner
	tickSpec string
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	log      *logrus.Entry
}

// NewRunner creates a runner. pruner may be nil.
func NewRunner(sched *Scheduler, sink Sink, pruner Pruner, tickSpec string) *Runner {
	if tickSpec == "" {
		tickSpec = "@every 30s"
	}
	return &Runner{
		sched:    sched,
		sink:     sink,
		pruner:   pruner,
		tickSpec: tickSpec,
		log:      sched.log.WithField("component", "runner"),
	}
}

// Start registers the cron entries and starts the schedule. It returns
// once the schedule is running.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	logger := cron.PrintfLogger(r.log)
	r.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := r.cron.AddFunc(r.tickSpec, func() { r.RunOnce(r.ctx) }); err != nil {
		return fmt.Errorf("scheduling tick %q: %w", r.tickSpec, err)
	}
	if _, err := r.cron.AddFunc("@hourly", func() { r.maintain(r.ctx) }); err != nil {
		return fmt.Errorf("scheduling maintenance: %w", err)
	}

	r.cron.Start()
	r.log.WithField("spec", r.tickSpec).Info("scheduler runner started")
	return nil
}

// Stop stops the schedule and waits for a running tick to finish or ctx
// to expire.
func (r *Runner) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	r.cancel()
	r.log.Info("scheduler runner stopped")
}

// RunOnce performs a single tick: promote, then claim and submit every due
// job. Jobs promoted by an earlier crashed tick are picked up here too.
func (r *Runner) RunOnce(ctx context.Context) {
	now := r.sched.now()
	if _, err := r.sched.Tick(ctx, now); err != nil {
		r.log.WithError(err).Error("tick failed")
	}

	due, err := r.sched.Due(ctx)
	if err != nil {
		r.log.WithError(err).Error("listing due jobs")
		return
	}

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, ok, err := r.sched.Claim(ctx, job.ID)
		if err != nil {
			r.log.WithError(err).WithField("job_id", job.ID).Error("claiming job")
			continue
		}
		if !ok {
			// Another runner got it.
			continue
		}
		if err := r.sink.Submit(ctx, Claimed{JobID: claimed.ID}); err != nil {
			log := r.log.WithError(err).WithField("job_id", claimed.ID)
			// Nobody will run it; the next tick picks it up again.
			_, rerr := r.sched.Requeue(context.WithoutCancel(ctx), claimed.ID, now, "submit: "+err.Error())
			if rerr != nil {
				log.WithField("requeue_error", rerr.Error()).Error("submitting job, left in flight")
				continue
			}
			log.Warn("submitting job, requeued")
		}
	}
}

func (r *Runner) maintain(ctx context.Context) {
	now := r.sched.now()
	if n, err := r.sched.RecoverStale(ctx, now); err != nil {
		r.log.WithError(err).Error("recovering stale jobs")
	} else if n > 0 {
		r.log.WithField("count", n).Warn("stale in-flight jobs requeued")
	}

	if r.pruner == nil {
		return
	}
	if n, err := r.pruner.PruneNonces(ctx, now); err != nil {
		r.log.WithError(err).Error("pruning nonces")
	} else if n > 0 {
		r.log.WithField("count", n).Debug("expired nonces pruned")
	}
}
