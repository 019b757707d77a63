package runqueue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"ems-bench/internal/energy"

	"k8s.io/utils/cpuset"
)

// System is the generic-scheduler side the engine consumes: runqueues,
// CPU masks and the task table.
type System struct {
	rqs []*RunQueue

	mu     sync.RWMutex
	active cpuset.CPUSet
	tasks  map[int]*Task
}

func NewSystem(nrCPUs int) *System {
	s := &System{
		rqs:   make([]*RunQueue, nrCPUs),
		tasks: make(map[int]*Task),
	}
	cpus := make([]int, 0, nrCPUs)
	for cpu := 0; cpu < nrCPUs; cpu++ {
		s.rqs[cpu] = newRunQueue(cpu)
		cpus = append(cpus, cpu)
	}
	s.active = cpuset.New(cpus...)
	return s
}

func (s *System) NumCPUs() int { return len(s.rqs) }

// RQ returns the runqueue of cpu, nil when out of range.
func (s *System) RQ(cpu int) *RunQueue {
	if cpu < 0 || cpu >= len(s.rqs) {
		return nil
	}
	return s.rqs[cpu]
}

func (s *System) ActiveCPUs() cpuset.CPUSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *System) SetActiveCPUs(cpus cpuset.CPUSet) {
	s.mu.Lock()
	s.active = cpus
	s.mu.Unlock()
}

func (s *System) AddTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.PID]; ok {
		return fmt.Errorf("task %d already exists", t.PID)
	}
	s.tasks[t.PID] = t
	return nil
}

func (s *System) Task(pid int) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[pid]
}

// Tasks returns every known task ordered by pid.
func (s *System) Tasks() []*Task {
	s.mu.RLock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// lockTaskRQ locks the runqueue t is on, retrying if it moves meanwhile.
func (s *System) lockTaskRQ(t *Task) *RunQueue {
	for {
		rq := s.RQ(t.CPU())
		if rq == nil {
			return nil
		}
		rq.Lock()
		if t.CPU() == rq.cpu {
			return rq
		}
		rq.Unlock()
	}
}

// Wake enqueues t on cpu.
func (s *System) Wake(t *Task, cpu int) error {
	rq := s.RQ(cpu)
	if rq == nil {
		return fmt.Errorf("wake task %d: invalid cpu %d", t.PID, cpu)
	}
	if t.OnRQ() {
		return fmt.Errorf("wake task %d: already runnable on cpu %d", t.PID, t.CPU())
	}
	rq.Lock()
	rq.EnqueueLocked(t)
	rq.Unlock()
	return nil
}

// Sleep dequeues t and starts its decay period.
func (s *System) Sleep(t *Task, now time.Time) {
	rq := s.lockTaskRQ(t)
	if rq == nil {
		return
	}
	if rq.DequeueLocked(t) {
		rq.PickNextLocked()
	}
	rq.Unlock()
	t.lastUpdate.Store(now.UnixNano())
}

// Exit dequeues t for good.
func (s *System) Exit(t *Task) {
	t.exited.Store(true)
	if rq := s.lockTaskRQ(t); rq != nil {
		if rq.DequeueLocked(t) {
			rq.PickNextLocked()
		}
		rq.Unlock()
	}
	s.mu.Lock()
	delete(s.tasks, t.PID)
	s.mu.Unlock()
}

// SetTaskSignals updates the signals of t and the sums of its runqueue.
func (s *System) SetTaskSignals(t *Task, util [energy.NumModes]uint64, runnable uint64, now time.Time) {
	if !t.OnRQ() {
		t.SetSignals(util, runnable, now)
		return
	}
	rq := s.lockTaskRQ(t)
	t.SetSignals(util, runnable, now)
	if rq != nil {
		rq.refreshLocked()
		rq.Unlock()
	}
}

// CPUUtil is the per-plane utilization of cpu.
func (s *System) CPUUtil(cpu int) [energy.NumModes]uint64 {
	rq := s.RQ(cpu)
	if rq == nil {
		return [energy.NumModes]uint64{}
	}
	return rq.Util()
}

// CPUUtilWithout is the utilization of cpu with t's contribution removed.
func (s *System) CPUUtilWithout(cpu int, t *Task) [energy.NumModes]uint64 {
	u := s.CPUUtil(cpu)
	if t == nil || !t.OnRQ() || t.CPU() != cpu {
		return u
	}
	tu := t.Util()
	for m := range u {
		if u[m] > tu[m] {
			u[m] -= tu[m]
		} else {
			u[m] = 0
		}
	}
	return u
}

func (s *System) IsIdle(cpu int) bool {
	rq := s.RQ(cpu)
	return rq != nil && rq.IsIdle()
}

// Tick rotates every runqueue once.
func (s *System) Tick() {
	for _, rq := range s.rqs {
		rq.Lock()
		rq.RotateLocked()
		rq.Unlock()
	}
}
