package webhooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"webhookd/internal/model"
	"webhookd/internal/store"
)

const (
	DefaultRetryInterval = time.Minute
	defaultBatchSize     = 500
)

// Scheduler periodically resubmits deliveries whose retry is due, whose
// attempt lease expired, or that stayed PENDING longer than stalePending.
type Scheduler struct {
	store        store.Store
	queue        Enqueuer
	interval     time.Duration
	stalePending time.Duration
	batch        int
	clock        Clock
	log          logrus.FieldLogger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithInterval(d time.Duration) SchedulerOption { return func(s *Scheduler) { s.interval = d } }

// WithStalePending sets the age after which a PENDING delivery counts as
// dropped by the dispatcher. Zero disables the sweep.
func WithStalePending(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.stalePending = d }
}

func WithBatchSize(n int) SchedulerOption { return func(s *Scheduler) { s.batch = n } }

func WithSchedulerClock(c Clock) SchedulerOption { return func(s *Scheduler) { s.clock = c } }

func WithSchedulerLogger(l logrus.FieldLogger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

func NewScheduler(s store.Store, q Enqueuer, opts ...SchedulerOption) *Scheduler {
	sc := &Scheduler{
		store:        s,
		queue:        q,
		interval:     DefaultRetryInterval,
		stalePending: 5 * time.Minute,
		batch:        defaultBatchSize,
		clock:        SystemClock{},
		log:          logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(sc)
	}
	return sc
}

// Start runs an immediate sweep and then one every interval. Overlapping
// ticks are skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	logger := cron.PrintfLogger(s.log)
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.runTick(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule retry sweep: %w", err)
	}
	s.cron, s.ctx, s.cancel, s.running = c, ctx, cancel, true
	c.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTick(ctx)
	}()
	s.log.WithField("interval", s.interval).Info("retry scheduler started")
	return nil
}

// Stop halts future ticks and waits for running sweeps, the initial one
// included, or until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.mu.Unlock()

	stopped := c.Stop()
	idle := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	if _, err := s.Tick(tctx); err != nil {
		s.log.WithError(err).Error("retry sweep failed")
	}
}

// Tick lists due deliveries once and queues them, stopping early when the
// pool is full. It returns how many were queued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()
	q := model.DueQuery{Now: now, Limit: s.batch}
	if s.stalePending > 0 {
		q.PendingBefore = now.Add(-s.stalePending)
	}
	due, err := s.store.ListDueDeliveries(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}
	queued := 0
	for _, d := range due {
		if !s.queue.Enqueue(d.ID) {
			s.log.WithField("remaining", len(due)-queued).Warn("attempt queue full; deferring to next sweep")
			break
		}
		queued++
	}
	if queued > 0 {
		s.log.WithField("queued", queued).Debug("retry sweep queued deliveries")
	}
	return queued, nil
}
