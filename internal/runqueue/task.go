package runqueue

import (
	"math"
	"sync/atomic"
	"time"

	"ems-bench/internal/energy"

	"k8s.io/utils/cpuset"
)

// utilHalfLife is the PELT decay half-life applied to a sleeping task.
const utilHalfLife = 32 * time.Millisecond

// Group carries the control-group derived flags of a task.
type Group struct {
	Name       string
	Parent     *Group
	PreferPerf bool
	PreferIdle bool
	Ontime     bool
}

// Task is a schedulable entity as seen by the placement engine.
//
// Scalar signals are atomics: the engine reads them without holding the
// runqueue lock and tolerates values one update old. Queue membership is
// owned by the runqueue lock.
type Task struct {
	PID   int
	Comm  string
	Group *Group

	allowed atomic.Pointer[cpuset.CPUSet]

	mode       atomic.Int32
	cpu        atomic.Int32
	util       [energy.NumModes]atomic.Uint64
	runnable   atomic.Uint64
	lastUpdate atomic.Int64

	onRQ      atomic.Bool
	onCPU     atomic.Bool
	exited    atomic.Bool
	migrating atomic.Bool
}

func NewTask(pid int, comm string, group *Group, allowed cpuset.CPUSet) *Task {
	t := &Task{PID: pid, Comm: comm, Group: group}
	t.allowed.Store(&allowed)
	t.cpu.Store(-1)
	return t
}

func (t *Task) Allowed() cpuset.CPUSet { return *t.allowed.Load() }

func (t *Task) SetAllowed(cpus cpuset.CPUSet) { t.allowed.Store(&cpus) }

// CPU is the CPU the task was last enqueued on, -1 before the first wakeup.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

func (t *Task) setCPU(cpu int) { t.cpu.Store(int32(cpu)) }

func (t *Task) Mode() energy.Mode { return energy.Mode(t.mode.Load()) }

func (t *Task) SetMode(m energy.Mode) { t.mode.Store(int32(m)) }

// Util returns the utilization signal of each execution-mode plane.
func (t *Task) Util() [energy.NumModes]uint64 {
	var out [energy.NumModes]uint64
	for m := range out {
		out[m] = t.util[m].Load()
	}
	return out
}

// TotalUtil sums the utilization of every plane.
func (t *Task) TotalUtil() uint64 {
	var sum uint64
	for m := range t.util {
		sum += t.util[m].Load()
	}
	return sum
}

func (t *Task) Runnable() uint64 { return t.runnable.Load() }

// SetSignals overwrites the tracked utilization and runnable signals.
// Use System.SetTaskSignals for a task that is enqueued so the runqueue
// sums follow.
func (t *Task) SetSignals(util [energy.NumModes]uint64, runnable uint64, now time.Time) {
	for m := range util {
		t.util[m].Store(util[m])
	}
	t.runnable.Store(runnable)
	t.lastUpdate.Store(now.UnixNano())
}

// SyncUtil applies the decay accumulated while the task slept. It is a
// no-op for a task that is on a runqueue.
func (t *Task) SyncUtil(now time.Time) {
	last := t.lastUpdate.Swap(now.UnixNano())
	if t.onRQ.Load() || last == 0 {
		return
	}
	elapsed := now.UnixNano() - last
	if elapsed <= 0 {
		return
	}
	factor := math.Exp2(-float64(elapsed) / float64(utilHalfLife))
	for m := range t.util {
		t.util[m].Store(uint64(float64(t.util[m].Load()) * factor))
	}
	t.runnable.Store(uint64(float64(t.runnable.Load()) * factor))
}

func (t *Task) OnRQ() bool { return t.onRQ.Load() }

// Running reports whether the task currently occupies a CPU.
func (t *Task) Running() bool { return t.onCPU.Load() }

func (t *Task) Exited() bool { return t.exited.Load() }

func (t *Task) Migrating() bool { return t.migrating.Load() }

// TryMarkMigrating sets the in-flight migration flag. It fails when a
// migration is already pending for the task.
func (t *Task) TryMarkMigrating() bool { return t.migrating.CompareAndSwap(false, true) }

func (t *Task) ClearMigrating() { t.migrating.Store(false) }

func (t *Task) PreferPerf() bool { return t.Group != nil && t.Group.PreferPerf }

func (t *Task) PreferIdle() bool { return t.Group != nil && t.Group.PreferIdle }

func (t *Task) OntimeEnabled() bool { return t.Group != nil && t.Group.Ontime }
