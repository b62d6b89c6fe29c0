package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nhle/notify-engine/internal/scheduler"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("dispatch: pool closed")

// Pool runs claimed jobs on a fixed number of workers. Submit blocks while
// every worker is busy, which pushes back on the scheduler runner instead
// of queueing without bound.
type Pool struct {
	d       *Dispatcher
	workers int
	jobs    chan string
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	log     *logrus.Entry
}

// NewPool creates a pool of workers executing through d.
func NewPool(d *Dispatcher, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		d:       d,
		workers: workers,
		jobs:    make(chan string),
		done:    make(chan struct{}),
		log:     d.log.WithField("component", "pool"),
	}
}

// Start launches the workers. They run until Stop or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.log.WithField("workers", p.workers).Info("dispatch pool started")
}

// Submit implements scheduler.Sink.
func (p *Pool) Submit(ctx context.Context, c scheduler.Claimed) error {
	select {
	case p.jobs <- c.JobID:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting jobs and waits for running ones to finish.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case id := <-p.jobs:
			p.run(ctx, id)
		}
	}
}

func (p *Pool) run(ctx context.Context, jobID string) {
	log := p.log.WithField("job_id", jobID)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("delivery panicked")
		}
	}()

	job, err := p.d.store.GetJob(ctx, jobID)
	if err != nil {
		log.WithError(err).Error("loading claimed job")
		return
	}
	if _, err := p.d.Execute(ctx, *job); err != nil {
		log.WithError(err).Error("executing job")
	}
}
