package webhooks

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"webhookd/internal/metrics"
)

// Pool runs delivery attempts on a fixed set of goroutines fed by a bounded queue.
type Pool struct {
	tasks  chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queueSize int, log logrus.FieldLogger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan func(context.Context), queueSize),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// TrySubmit queues fn without blocking. It returns false when the queue is
// full or the pool is shutting down.
func (p *Pool) TrySubmit(fn func(context.Context)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.SubmissionsDropped.Inc()
		return false
	}
	select {
	case p.tasks <- fn:
		metrics.QueueDepth.Set(float64(len(p.tasks)))
		return true
	default:
		metrics.SubmissionsDropped.Inc()
		return false
	}
}

// Len is the number of queued tasks not yet picked up.
func (p *Pool) Len() int { return len(p.tasks) }

// Shutdown stops intake and lets workers drain the queue. When ctx ends first
// the pool context is cancelled, queued tasks are abandoned and in-flight
// attempts see cancellation; Shutdown then waits for workers to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for fn := range p.tasks {
		metrics.QueueDepth.Set(float64(len(p.tasks)))
		if p.ctx.Err() != nil {
			continue
		}
		p.run(id, fn)
	}
}

func (p *Pool) run(id int, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{"worker": id, "panic": r}).
				Errorf("delivery task panicked\n%s", debug.Stack())
		}
	}()
	fn(ctx)
}
