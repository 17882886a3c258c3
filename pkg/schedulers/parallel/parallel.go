// Package parallel provides a parallel scheduler that will run work on a fixed number of workers
// Work is fed through a bounded queue: AddWork blocks while the queue is full, which is how
// slow workers push back on the producer
package parallel

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ericvolp12/postscraper/pkg/models"
	"github.com/ericvolp12/postscraper/pkg/schedulers"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrStopped is returned by AddWork once the scheduler has stopped accepting work
var ErrStopped = errors.New("scheduler is not accepting work")

// Scheduler is a parallel scheduler that will run work on a fixed number of workers
type Scheduler struct {
	numWorkers  int
	logger      *slog.Logger
	handleEvent func(context.Context, *models.CommitEvent) error
	ident       string

	feeder chan *models.CommitEvent
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopping  chan struct{}

	// lk guards closing the feeder against in-flight AddWork calls
	lk     sync.RWMutex
	closed bool

	// metrics
	itemsAdded     prometheus.Counter
	itemsRejected  prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Gauge
	workersActive  prometheus.Gauge
	queueDepth     prometheus.Gauge
}

// NewScheduler creates a new parallel scheduler with the given number of workers and queue capacity
// Workers are not started until Start is called
func NewScheduler(numWorkers, maxQueue int, ident string, logger *slog.Logger, handleEvent func(context.Context, *models.CommitEvent) error) *Scheduler {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}

	logger = logger.With("component", "parallel-scheduler", "ident", ident)
	return &Scheduler{
		numWorkers: numWorkers,

		logger: logger,

		handleEvent: handleEvent,

		feeder:   make(chan *models.CommitEvent, maxQueue),
		stopping: make(chan struct{}),

		ident: ident,

		itemsAdded:     schedulers.WorkItemsAdded.WithLabelValues(ident, "parallel"),
		itemsRejected:  schedulers.WorkItemsRejected.WithLabelValues(ident, "parallel"),
		itemsActive:    schedulers.WorkItemsActive.WithLabelValues(ident, "parallel"),
		itemsProcessed: schedulers.WorkItemsProcessed.WithLabelValues(ident, "parallel"),
		workersActive:  schedulers.WorkersActive.WithLabelValues(ident, "parallel"),
		queueDepth:     schedulers.QueueDepth.WithLabelValues(ident, "parallel"),
	}
}

// Start launches the workers. Workers run on a context detached from ctx's cancellation,
// so they only exit once Shutdown has closed the queue and it has drained
func (p *Scheduler) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)
		p.wg.Add(p.numWorkers)
		for i := 0; i < p.numWorkers; i++ {
			go p.worker(ctx)
		}
		p.workersActive.Set(float64(p.numWorkers))
		p.logger.Info("started parallel scheduler", "workers", p.numWorkers, "max_queue", cap(p.feeder))
	})
}

// AddWork adds work to the scheduler, blocking while the queue is full
func (p *Scheduler) AddWork(ctx context.Context, val *models.CommitEvent) error {
	select {
	case <-p.stopping:
		p.itemsRejected.Inc()
		return ErrStopped
	default:
	}

	p.lk.RLock()
	defer p.lk.RUnlock()
	if p.closed {
		p.itemsRejected.Inc()
		return ErrStopped
	}

	select {
	case p.feeder <- val:
		p.itemsAdded.Inc()
		p.queueDepth.Set(float64(len(p.feeder)))
		return nil
	case <-p.stopping:
		p.itemsRejected.Inc()
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued items not yet picked up by a worker
func (p *Scheduler) Len() int {
	return len(p.feeder)
}

// Stop stops accepting new work. Queued work is still processed by the workers
// Any AddWork call blocked on a full queue returns ErrStopped
func (p *Scheduler) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("parallel scheduler no longer accepting work")
		close(p.stopping)
	})
}

// Shutdown shuts down the scheduler, waiting for all workers to finish their current work
// The existing work queue will be processed, but no new work will be accepted
func (p *Scheduler) Shutdown() {
	p.logger.Debug("shutting down parallel scheduler", "ident", p.ident)

	p.Stop()

	p.lk.Lock()
	if !p.closed {
		p.closed = true
		close(p.feeder)
	}
	p.lk.Unlock()

	p.wg.Wait()
	p.workersActive.Set(0)

	p.logger.Debug("parallel scheduler shutdown complete")
}

func (p *Scheduler) worker(ctx context.Context) {
	defer p.wg.Done()
	for work := range p.feeder {
		p.queueDepth.Set(float64(len(p.feeder)))
		p.itemsActive.Inc()
		if err := p.handleEvent(ctx, work); err != nil {
			p.logger.Error("event handler failed", "error", err)
		}
		p.itemsActive.Dec()
		p.itemsProcessed.Inc()
	}
}
