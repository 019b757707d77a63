package runqueue

import (
	"sync"
	"sync/atomic"

	"ems-bench/internal/energy"
)

// RunQueue is the per-CPU queue of runnable tasks. Methods with the Locked
// suffix require the caller to hold the runqueue lock.
type RunQueue struct {
	cpu int
	mu  sync.Mutex

	curr       *Task
	currEntity *Entity
	queue      []*Task

	nrRunning atomic.Int32
	util      [energy.NumModes]atomic.Uint64

	activeBalance atomic.Bool
	receiving     atomic.Int32
	needResched   atomic.Bool
}

func newRunQueue(cpu int) *RunQueue {
	return &RunQueue{cpu: cpu}
}

func (rq *RunQueue) CPU() int { return rq.cpu }

func (rq *RunQueue) Lock() { rq.mu.Lock() }

func (rq *RunQueue) Unlock() { rq.mu.Unlock() }

// NrRunning counts the current task plus everything queued.
func (rq *RunQueue) NrRunning() int { return int(rq.nrRunning.Load()) }

func (rq *RunQueue) IsIdle() bool { return rq.nrRunning.Load() == 0 }

// Util returns the summed utilization of every task on the runqueue.
func (rq *RunQueue) Util() [energy.NumModes]uint64 {
	var out [energy.NumModes]uint64
	for m := range out {
		out[m] = rq.util[m].Load()
	}
	return out
}

// TrySetActiveBalance claims the source-side balance marker. Only one move
// may be pending per source CPU.
func (rq *RunQueue) TrySetActiveBalance() bool { return rq.activeBalance.CompareAndSwap(false, true) }

func (rq *RunQueue) ClearActiveBalance() { rq.activeBalance.Store(false) }

func (rq *RunQueue) ActiveBalance() bool { return rq.activeBalance.Load() }

// MarkReceiving flags the runqueue as the destination of a pending move.
func (rq *RunQueue) MarkReceiving() { rq.receiving.Add(1) }

func (rq *RunQueue) ClearReceiving() {
	for {
		cur := rq.receiving.Load()
		if cur <= 0 || rq.receiving.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (rq *RunQueue) Receiving() bool { return rq.receiving.Load() > 0 }

// NeedResched reports and clears a pending preemption request.
func (rq *RunQueue) NeedResched() bool { return rq.needResched.Swap(false) }

func (rq *RunQueue) CurrLocked() *Task { return rq.curr }

func (rq *RunQueue) CurrEntityLocked() *Entity { return rq.currEntity }

// QueuedLocked returns up to n waiting tasks in queue order.
func (rq *RunQueue) QueuedLocked(n int) []*Task {
	if n > len(rq.queue) {
		n = len(rq.queue)
	}
	return append([]*Task(nil), rq.queue[:n]...)
}

// ContainsLocked reports whether t is on this runqueue.
func (rq *RunQueue) ContainsLocked(t *Task) bool {
	if rq.curr == t {
		return true
	}
	for _, q := range rq.queue {
		if q == t {
			return true
		}
	}
	return false
}

func (rq *RunQueue) EnqueueLocked(t *Task) {
	if rq.ContainsLocked(t) {
		return
	}
	t.setCPU(rq.cpu)
	t.onRQ.Store(true)
	rq.queue = append(rq.queue, t)
	rq.nrRunning.Add(1)
	rq.refreshLocked()
	if rq.curr == nil {
		rq.PickNextLocked()
	}
}

// DequeueLocked removes t from the runqueue. It reports false when t was
// not queued here.
func (rq *RunQueue) DequeueLocked(t *Task) bool {
	switch {
	case rq.curr == t:
		rq.curr = nil
		rq.currEntity = nil
		t.onCPU.Store(false)
	default:
		idx := -1
		for i, q := range rq.queue {
			if q == t {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		rq.queue = append(rq.queue[:idx], rq.queue[idx+1:]...)
	}
	t.onRQ.Store(false)
	rq.nrRunning.Add(-1)
	rq.refreshLocked()
	return true
}

// PickNextLocked promotes the head of the queue when the CPU is free.
func (rq *RunQueue) PickNextLocked() *Task {
	if rq.curr != nil || len(rq.queue) == 0 {
		return rq.curr
	}
	rq.curr = rq.queue[0]
	rq.queue = rq.queue[1:]
	rq.curr.onCPU.Store(true)
	rq.currEntity = entityFor(rq.curr)
	return rq.curr
}

// PutPrevLocked preempts the current task back to the head of the queue,
// the way a stopper thread takes over the CPU.
func (rq *RunQueue) PutPrevLocked() {
	if rq.curr == nil {
		return
	}
	prev := rq.curr
	prev.onCPU.Store(false)
	rq.curr = nil
	rq.currEntity = nil
	rq.queue = append([]*Task{prev}, rq.queue...)
}

// RotateLocked moves the current task to the tail and runs the next one.
func (rq *RunQueue) RotateLocked() {
	if rq.curr == nil {
		rq.PickNextLocked()
		return
	}
	prev := rq.curr
	prev.onCPU.Store(false)
	rq.curr = nil
	rq.currEntity = nil
	rq.queue = append(rq.queue, prev)
	rq.PickNextLocked()
}

// CheckPreemptLocked runs t immediately on an idle CPU and otherwise asks
// for a reschedule when t is heavier than the current task.
func (rq *RunQueue) CheckPreemptLocked(t *Task) {
	if rq.curr == nil {
		rq.PickNextLocked()
		return
	}
	if rq.curr != t && t.TotalUtil() > rq.curr.TotalUtil() {
		rq.needResched.Store(true)
	}
}

// refreshLocked recomputes the utilization sums from the queued tasks.
func (rq *RunQueue) refreshLocked() {
	var sum [energy.NumModes]uint64
	add := func(t *Task) {
		u := t.Util()
		for m := range sum {
			sum[m] += u[m]
		}
	}
	if rq.curr != nil {
		add(rq.curr)
	}
	for _, t := range rq.queue {
		add(t)
	}
	for m := range sum {
		rq.util[m].Store(sum[m])
	}
}

// RefreshLocked is refreshLocked for callers that changed task signals.
func (rq *RunQueue) RefreshLocked() { rq.refreshLocked() }

// DoubleLock takes both runqueue locks in ascending CPU order.
func DoubleLock(a, b *RunQueue) {
	if a == b {
		a.Lock()
		return
	}
	if a.cpu < b.cpu {
		a.Lock()
		b.Lock()
		return
	}
	b.Lock()
	a.Lock()
}

func DoubleUnlock(a, b *RunQueue) {
	a.Unlock()
	if a != b {
		b.Unlock()
	}
}

// DoubleLockBalance acquires dst while src is already held, keeping the
// ascending CPU order. It reports true when src had to be dropped, in which
// case the caller must revalidate anything it checked under src.
func DoubleLockBalance(src, dst *RunQueue) bool {
	if src == dst {
		return false
	}
	if src.cpu < dst.cpu {
		dst.Lock()
		return false
	}
	src.Unlock()
	DoubleLock(src, dst)
	return true
}
