package placement

import (
	"ems-bench/internal/efficiency"
	"ems-bench/internal/energy"
	"ems-bench/internal/runqueue"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
	"k8s.io/utils/cpuset"
)

// NoDecision tells the caller to keep the task where it is.
const NoDecision = -1

type Flags uint8

const (
	FlagWakeup Flags = 1 << iota
	FlagFork
	FlagExec
)

func (f Flags) String() string {
	switch {
	case f&FlagFork != 0:
		return "fork"
	case f&FlagExec != 0:
		return "exec"
	case f&FlagWakeup != 0:
		return "wakeup"
	default:
		return "balance"
	}
}

// Request describes one CPU selection.
type Request struct {
	Task    *runqueue.Task
	PrevCPU int
	Flags   Flags

	// Sync is the sync-wakeup hint; WakerCPU is the CPU the waker runs on.
	Sync     bool
	WakerCPU int

	// Wakeup is false for a reassignment of a task that is already
	// runnable, as requested by the on-time engine.
	Wakeup bool

	// Boost treats the task as heavy in the fit filter.
	Boost bool
}

// FitFilter narrows the fit CPUs of a task. The on-time engine implements it.
type FitFilter interface {
	SelectFitCPUs(t *runqueue.Task, fit cpuset.CPUSet, boost bool) cpuset.CPUSet
}

// Evaluator picks the best CPU among candidates. efficiency.Evaluator
// implements it.
type Evaluator interface {
	FindBestCPU(t *runqueue.Task, candidates, idle cpuset.CPUSet, preferIdle bool) int
}

type Orchestrator struct {
	topo   *energy.Topology
	sys    *runqueue.System
	eval   Evaluator
	filter FitFilter
	clock  clock.PassiveClock
	logger *logrus.Logger
}

func New(topo *energy.Topology, sys *runqueue.System, eval Evaluator, clk clock.PassiveClock, logger *logrus.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		topo:   topo,
		sys:    sys,
		eval:   eval,
		clock:  clk,
		logger: logger,
	}
}

// SetFitFilter installs the boundary filter. nil disables filtering.
func (o *Orchestrator) SetFitFilter(f FitFilter) { o.filter = f }

// SelectTaskRq returns the CPU req.Task should run on, or NoDecision for a
// reassignment that would not reach a faster cluster.
func (o *Orchestrator) SelectTaskRq(req Request) int {
	t := req.Task
	if req.Flags&FlagFork == 0 {
		t.SyncUtil(o.clock.Now())
	}

	allowed := t.Allowed()
	if req.Wakeup && req.Sync && allowed.Contains(req.WakerCPU) {
		o.log(req, req.WakerCPU, "sync wakeup")
		return req.WakerCPU
	}

	fit := allowed.Intersection(o.sys.ActiveCPUs())
	if o.filter != nil && !fit.IsEmpty() {
		fit = o.filter.SelectFitCPUs(t, fit, req.Boost)
	}
	if fit.IsEmpty() {
		cpu := o.fallback(req)
		o.log(req, cpu, "no fit cpu")
		return cpu
	}

	if !req.Wakeup && !o.hasFasterOutsideCluster(fit, req.PrevCPU) {
		o.log(req, NoDecision, "no faster cluster")
		return NoDecision
	}

	candidates, idle := fit, cpuset.New()
	if t.PreferIdle() {
		var idleCPUs []int
		for _, cpu := range fit.List() {
			if o.sys.IsIdle(cpu) {
				idleCPUs = append(idleCPUs, cpu)
			}
		}
		idle = cpuset.New(idleCPUs...)
		candidates = fit.Difference(idle)
	}

	cpu := o.eval.FindBestCPU(t, candidates, idle, t.PreferIdle())
	if cpu == efficiency.NoCPU {
		cpu = o.fallback(req)
		o.log(req, cpu, "no efficient cpu")
		return cpu
	}
	o.log(req, cpu, "efficiency")
	return cpu
}

func (o *Orchestrator) hasFasterOutsideCluster(fit cpuset.CPUSet, prev int) bool {
	prevCap := o.topo.OrigCapacity(prev, energy.Normal)
	cluster := o.topo.Cluster(prev)
	for _, cpu := range fit.Difference(cluster).List() {
		if o.topo.OrigCapacity(cpu, energy.Normal) > prevCap {
			return true
		}
	}
	return false
}

// fallback is PrevCPU when it is a real CPU, otherwise the lowest allowed
// active CPU.
func (o *Orchestrator) fallback(req Request) int {
	if req.PrevCPU >= 0 && req.PrevCPU < o.sys.NumCPUs() {
		return req.PrevCPU
	}
	allowed := req.Task.Allowed()
	if cpus := allowed.Intersection(o.sys.ActiveCPUs()).List(); len(cpus) > 0 {
		return cpus[0]
	}
	if cpus := allowed.List(); len(cpus) > 0 {
		return cpus[0]
	}
	return NoDecision
}

func (o *Orchestrator) log(req Request, cpu int, reason string) {
	o.logger.WithFields(logrus.Fields{
		"pid":    req.Task.PID,
		"prev":   req.PrevCPU,
		"flags":  req.Flags.String(),
		"wakeup": req.Wakeup,
		"boost":  req.Boost,
		"cpu":    cpu,
		"reason": reason,
	}).Debug("Selected task runqueue")
}
