// Package pool runs the vault's background tasks. A small bounded pool (at
// least one worker, at most two) executes discrete cancellable tasks; every
// completion is delivered back to the owner through a single-consumer event
// queue so that all catalog mutation stays on one goroutine.
package pool

import (
	"runtime"
	"sync"

	"github.com/nats-io/nuid"

	"github.com/foilvault-io/foilvault/vault/logger"
)

const (
	// MaxWorkers caps the pool size. Most tasks are CPU-bound on crypto
	// and image decoding; the observer side must remain responsive.
	MaxWorkers = 2

	taskQueueLen  = 4096
	eventQueueLen = 1024
)

// Task is one discrete unit of background work. Perform must check
// Handle.Canceled at its cancellation points and abort promptly once it
// reports true.
type Task interface {
	Perform(h *Handle)
}

// Handle is passed to a running task. It carries the cancellation token and
// the progress channel back to the owner.
type Handle struct {
	sub *Submission
}

// ID returns the task's unique id, used for log correlation.
func (h *Handle) ID() string {
	return h.sub.id
}

// Canceled reports whether the task's result is no longer wanted, either
// because the owner released it or because the pool is shutting down.
func (h *Handle) Canceled() bool {
	return h.sub.canceled()
}

// Post delivers a progress event to the owner's event queue. It reports
// false, without delivering, when the task has been canceled; the task then
// owns whatever the event was carrying.
func (h *Handle) Post(fn func()) bool {
	return h.sub.pool.post(h.sub, fn)
}

// Submission tracks one submitted task. Its lifecycle flags are monotonic:
// submitted, started, released, done.
type Submission struct {
	id   string
	task Task
	pool *Pool
	done func()

	mu        sync.Mutex
	started   bool
	released  bool
	completed bool
}

// Task returns the submitted task.
func (s *Submission) Task() Task {
	return s.task
}

// ID returns the task's unique id.
func (s *Submission) ID() string {
	return s.id
}

// Started reports whether a worker has picked the task up.
func (s *Submission) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Done reports whether the task body has finished.
func (s *Submission) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Release marks the task's result as unwanted. The task still runs to
// completion in the background but its completion callback is dropped and
// Canceled reports true at the next cancellation point.
func (s *Submission) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (s *Submission) canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released || s.pool.quitting()
}

func (s *Submission) markStarted() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

// markDone reports whether the completion should still be delivered.
func (s *Submission) markDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	return !s.released
}

// Pool is a bounded worker pool.
type Pool struct {
	logger  logger.Logger
	size    int
	tasks   chan *Submission
	events  chan func()
	quit    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// New creates a pool sized clamp(NumCPU-1, 1, MaxWorkers) and starts its
// workers.
func New(l logger.Logger) *Pool {
	size := runtime.NumCPU() - 1
	if size < 1 {
		size = 1
	}
	if size > MaxWorkers {
		size = MaxWorkers
	}
	return newPool(l, size)
}

func newPool(l logger.Logger, size int) *Pool {
	if l == nil {
		l = logger.NewDiscardLogger()
	}
	p := &Pool{
		logger: l,
		size:   size,
		tasks:  make(chan *Submission, taskQueueLen),
		events: make(chan func(), eventQueueLen),
		quit:   make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Events is the single-consumer queue of completion and progress callbacks.
// The owner must drain it on its own goroutine.
func (p *Pool) Events() <-chan func() {
	return p.events
}

// Submit queues a task. The done callback is posted to the event queue when
// the task body finishes, unless the submission was released first. Returns
// nil if the pool has been shut down.
func (p *Pool) Submit(t Task, done func()) *Submission {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	sub := &Submission{id: nuid.Next(), task: t, pool: p, done: done}
	select {
	case p.tasks <- sub:
	case <-p.quit:
		return nil
	}
	return sub
}

// Shutdown flips the about-to-quit bit on every live task, stops accepting
// submissions and waits for the workers to drain.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.quit)
	p.wg.Wait()
}

func (p *Pool) quitting() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *Pool) post(sub *Submission, fn func()) bool {
	if sub.canceled() {
		return false
	}
	select {
	case p.events <- fn:
		return true
	case <-p.quit:
		return false
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case sub := <-p.tasks:
			sub.markStarted()
			p.run(sub)
		case <-p.quit:
			// Drain the queue so that no task is silently dropped.
			// Canceled bodies abort at their first cancellation point
			// but still get to run their cleanup.
			for {
				select {
				case sub := <-p.tasks:
					sub.markStarted()
					p.run(sub)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(sub *Submission) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("Task %s panicked: %v", sub.id, r)
		}
		if sub.markDone() && !p.quitting() && sub.done != nil {
			select {
			case p.events <- sub.done:
			case <-p.quit:
			}
		}
	}()
	sub.task.Perform(&Handle{sub: sub})
}
