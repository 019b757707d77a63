package efficiency

import (
	"sync/atomic"

	"ems-bench/internal/energy"
	"ems-bench/internal/runqueue"
	"ems-bench/internal/trace"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
	"k8s.io/utils/cpuset"
)

// NoCPU is returned by FindBestCPU when no candidate scored above zero.
const NoCPU = -1

// scoreShift is 2*SchedCapacityShift: capacity is weighted quadratically
// against linearly weighted energy.
const scoreShift = 2 * energy.SchedCapacityShift

// Tunables are the knobs of the evaluator. Percentages are applied with
// integer arithmetic.
type Tunables struct {
	HeadroomPct  uint64
	IdleBoostPct uint64
}

func DefaultTunables() Tunables {
	return Tunables{HeadroomPct: 125, IdleBoostPct: 125}
}

func (t Tunables) normalize() Tunables {
	d := DefaultTunables()
	if t.HeadroomPct == 0 {
		t.HeadroomPct = d.HeadroomPct
	}
	if t.IdleBoostPct == 0 {
		t.IdleBoostPct = d.IdleBoostPct
	}
	return t
}

// UtilSource supplies runqueue utilization. runqueue.System implements it.
type UtilSource interface {
	CPUUtilWithout(cpu int, t *runqueue.Task) [energy.NumModes]uint64
	IsIdle(cpu int) bool
}

// Scorer computes the efficiency of running t on cpu.
type Scorer interface {
	ComputeEfficiency(t *runqueue.Task, cpu int, w energy.Weight) uint64
}

// Estimate is the breakdown behind one efficiency score.
type Estimate struct {
	Index    int
	Capacity uint64
	Energy   uint64
	Score    uint64
}

type Evaluator struct {
	topo     *energy.Topology
	util     UtilSource
	tracer   trace.Tracer
	tunables atomic.Pointer[Tunables]
	scorer   Scorer
	clock    clock.PassiveClock
	logger   *logrus.Logger
}

func NewEvaluator(topo *energy.Topology, util UtilSource, tunables Tunables, tracer trace.Tracer, logger *logrus.Logger) *Evaluator {
	if tracer == nil {
		tracer = trace.Nop
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Evaluator{
		topo:   topo,
		util:   util,
		tracer: tracer,
		clock:  clock.RealClock{},
		logger: logger,
	}
	e.scorer = e
	e.SetTunables(tunables)
	return e
}

// SetScorer replaces the scoring function used by FindBestCPU.
func (e *Evaluator) SetScorer(s Scorer) {
	if s == nil {
		s = e
	}
	e.scorer = s
}

// SetClock sets the time source stamped on select events.
func (e *Evaluator) SetClock(c clock.PassiveClock) {
	if c == nil {
		c = clock.RealClock{}
	}
	e.clock = c
}

func (e *Evaluator) Tunables() Tunables { return *e.tunables.Load() }

// SetTunables may be called while placements are running.
func (e *Evaluator) SetTunables(t Tunables) {
	t = t.normalize()
	e.tunables.Store(&t)
}

// Estimate projects t onto cpu and prices the operating point the cluster
// would have to run at. Score is 0 when cpu has no energy table or when the
// task alone does not fit the top row.
func (e *Evaluator) Estimate(t *runqueue.Task, cpu int, w energy.Weight) Estimate {
	if !e.topo.HasTable(cpu) {
		return Estimate{Index: -1}
	}
	// tables are refilled in place, never removed
	table := e.topo.Table(cpu)
	top := len(table.States) - 1
	mode := t.Mode()
	taskUtil := t.Util()
	if taskUtil[mode] > table.States[top].Capacity[mode] {
		return Estimate{Index: -1}
	}

	cluster := e.topo.Cluster(cpu)
	projected := make(map[int][energy.NumModes]uint64, cluster.Size())
	var maxUtil uint64
	for _, c := range cluster.List() {
		u := e.util.CPUUtilWithout(c, t)
		if c == cpu {
			for m := range u {
				u[m] += taskUtil[m]
			}
		}
		projected[c] = u
		maxUtil = max(maxUtil, e.topo.AdjustedUtil(c, u))
	}

	idx := table.CapIndex(energy.Normal, maxUtil*e.Tunables().HeadroomPct/100)
	if idx < 0 {
		idx = top
	}
	state := table.States[idx]

	var power uint64
	for _, c := range cluster.List() {
		u := projected[c]
		for m := energy.Mode(0); m < energy.NumModes; m++ {
			if state.Capacity[m] == 0 {
				continue
			}
			power += state.Power[m] * u[m] / state.Capacity[m]
		}
	}
	power += state.StaticPower
	if power == 0 {
		power = 1
	}

	w = weightOrOne(w)
	capacity := state.Capacity[mode]
	return Estimate{
		Index:    idx,
		Capacity: capacity,
		Energy:   power,
		Score:    (capacity * w.Capacity) << scoreShift / (power * w.Energy),
	}
}

// ComputeEfficiency scores cpu for t; higher is better.
func (e *Evaluator) ComputeEfficiency(t *runqueue.Task, cpu int, w energy.Weight) uint64 {
	return e.Estimate(t, cpu, w).Score
}

func weightOrOne(w energy.Weight) energy.Weight {
	if w.Capacity == 0 {
		w.Capacity = 1
	}
	if w.Energy == 0 {
		w.Energy = 1
	}
	return w
}

// best returns the highest scoring cpu of set, lowest id on ties.
func (e *Evaluator) best(t *runqueue.Task, set cpuset.CPUSet) (int, uint64) {
	bestCPU, bestScore := NoCPU, uint64(0)
	for _, cpu := range set.List() {
		score := e.scorer.ComputeEfficiency(t, cpu, e.topo.Weight(cpu, t.PreferPerf()))
		if bestCPU == NoCPU || score > bestScore {
			bestCPU, bestScore = cpu, score
		}
	}
	return bestCPU, bestScore
}

// FindBestCPU picks the most efficient cpu among candidates and idle. The
// idle set is only considered when preferIdle is set; its winner is boosted
// by IdleBoostPct and wins ties against the running winner.
func (e *Evaluator) FindBestCPU(t *runqueue.Task, candidates, idle cpuset.CPUSet, preferIdle bool) int {
	if !preferIdle {
		candidates = candidates.Union(idle)
		idle = cpuset.New()
	}

	runCPU, runScore := e.best(t, candidates)
	idleCPU, idleScore := e.best(t, idle)
	boosted := idleScore * e.Tunables().IdleBoostPct / 100

	ev := trace.Select{
		Time:       e.clock.Now(),
		PID:        t.PID,
		Comm:       t.Comm,
		Candidates: candidates,
		Idle:       idle,
		CPU:        NoCPU,
	}
	switch {
	case runScore == 0 && idleScore == 0:
		ev.Reason = "no efficient cpu"
	case idleCPU != NoCPU && boosted >= runScore:
		ev.CPU, ev.Score, ev.IdleWinner = idleCPU, boosted, true
	default:
		ev.CPU, ev.Score = runCPU, runScore
	}
	e.tracer.TraceSelect(ev)

	e.logger.WithFields(logrus.Fields{
		"pid":        t.PID,
		"candidates": candidates.String(),
		"idle":       idle.String(),
		"run_cpu":    runCPU,
		"run_score":  runScore,
		"idle_cpu":   idleCPU,
		"idle_score": boosted,
		"selected":   ev.CPU,
	}).Debug("Evaluated candidates")
	return ev.CPU
}
