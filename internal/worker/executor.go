package worker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Executor runs one-shot work items on a goroutine pinned to a CPU index.
// Items submitted for the same CPU run one at a time in submission order.
type Executor struct {
	logger *logrus.Logger
	queues []chan func()

	mu       sync.RWMutex
	stopped  bool
	stopChan chan struct{}

	inflight sync.WaitGroup
	workers  sync.WaitGroup
}

// NewExecutor starts one worker per CPU, each with room for depth pending
// items.
func NewExecutor(nrCPUs, depth int, logger *logrus.Logger) *Executor {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Executor{
		logger:   logger,
		queues:   make([]chan func(), nrCPUs),
		stopChan: make(chan struct{}),
	}
	for cpu := range e.queues {
		e.queues[cpu] = make(chan func(), depth)
		e.workers.Add(1)
		go e.run(cpu)
	}
	return e
}

func (e *Executor) run(cpu int) {
	defer e.workers.Done()
	e.logger.WithField("cpu", cpu).Trace("Worker started")
	for {
		select {
		case fn := <-e.queues[cpu]:
			e.exec(fn)
		case <-e.stopChan:
			// drain what was accepted before the stop
			for {
				select {
				case fn := <-e.queues[cpu]:
					e.exec(fn)
				default:
					e.logger.WithField("cpu", cpu).Trace("Worker stopped")
					return
				}
			}
		}
	}
}

func (e *Executor) exec(fn func()) {
	defer e.inflight.Done()
	fn()
}

// Submit queues fn on cpu's worker. It never blocks: it reports false when
// cpu is out of range, its queue is full or the executor is stopped.
func (e *Executor) Submit(cpu int, fn func()) bool {
	if cpu < 0 || cpu >= len(e.queues) || fn == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return false
	}
	e.inflight.Add(1)
	select {
	case e.queues[cpu] <- fn:
		return true
	default:
		e.inflight.Done()
		return false
	}
}

// Wait blocks until every accepted item has run.
func (e *Executor) Wait() {
	e.inflight.Wait()
}

// Stop runs what is already queued and shuts the workers down.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopChan)
	e.mu.Unlock()
	e.workers.Wait()
}
