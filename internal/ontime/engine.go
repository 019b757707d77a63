package ontime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"ems-bench/internal/energy"
	"ems-bench/internal/placement"
	"ems-bench/internal/runqueue"
	"ems-bench/internal/trace"
	"ems-bench/internal/worker"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
	"k8s.io/utils/cpuset"
)

// Placer chooses a target CPU. placement.Orchestrator implements it.
type Placer interface {
	SelectTaskRq(req placement.Request) int
}

// Observer is notified of scan and submission bookkeeping.
type Observer interface {
	ScanRan()
	ScanDropped()
	SubmitFailed()
}

type nopObserver struct{}

func (nopObserver) ScanRan()      {}
func (nopObserver) ScanDropped()  {}
func (nopObserver) SubmitFailed() {}

type Tunables struct {
	// ScanLookahead is how many queued tasks behind the current one a
	// scan inspects per runqueue.
	ScanLookahead int
}

func DefaultTunables() Tunables {
	return Tunables{ScanLookahead: 5}
}

// Env is the state of one migration attempt, handed from the scan to the
// move worker of the source CPU.
type Env struct {
	Src    *runqueue.RunQueue
	Dst    *runqueue.RunQueue
	SrcCPU int
	DstCPU int
	Task   *runqueue.Task
	Boost  bool
}

type Engine struct {
	topo   *energy.Topology
	sys    *runqueue.System
	placer Placer
	exec   *worker.Executor
	clock  clock.PassiveClock

	condMu sync.RWMutex
	conds  []*Condition

	scanMu    sync.Mutex
	boost     atomic.Bool
	lookahead atomic.Int32

	tracer   trace.Tracer
	observer Observer
	logger   *logrus.Logger
}

type Options struct {
	Tunables Tunables
	Clock    clock.PassiveClock
	Tracer   trace.Tracer
	Observer Observer
	Logger   *logrus.Logger
}

func New(topo *energy.Topology, sys *runqueue.System, placer Placer, exec *worker.Executor, conds []*Condition, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Tracer == nil {
		opts.Tracer = trace.Nop
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	e := &Engine{
		topo:     topo,
		sys:      sys,
		placer:   placer,
		exec:     exec,
		clock:    opts.Clock,
		conds:    conds,
		tracer:   opts.Tracer,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
	e.SetTunables(opts.Tunables)
	return e
}

func (e *Engine) SetTunables(t Tunables) {
	if t.ScanLookahead <= 0 {
		t.ScanLookahead = DefaultTunables().ScanLookahead
	}
	e.lookahead.Store(int32(t.ScanLookahead))
}

func (e *Engine) Tunables() Tunables {
	return Tunables{ScanLookahead: int(e.lookahead.Load())}
}

// SetBoost engages or releases the global boost. While engaged every
// inspected task is a migration candidate.
func (e *Engine) SetBoost(on bool) {
	e.boost.Store(on)
	e.logger.WithField("boost", on).Info("On-time boost changed")
}

func (e *Engine) Boost() bool { return e.boost.Load() }

// Conditions returns a snapshot of every cluster condition.
func (e *Engine) Conditions() []Condition {
	e.condMu.RLock()
	defer e.condMu.RUnlock()
	out := make([]Condition, len(e.conds))
	for i, c := range e.conds {
		out[i] = c.clone()
	}
	return out
}

// SetBoundary replaces the boundaries of one cluster in one mode and
// enables the cluster's condition. The other mode of a disabled condition
// starts at [0, MaxUint64).
func (e *Engine) SetBoundary(cluster int, mode energy.Mode, upper, lower uint64) error {
	if mode < 0 || mode >= energy.NumModes {
		return fmt.Errorf("invalid mode %d", mode)
	}
	e.condMu.Lock()
	defer e.condMu.Unlock()
	if cluster < 0 || cluster >= len(e.conds) {
		return fmt.Errorf("%w: %d", ErrUnknownCluster, cluster)
	}
	next := e.conds[cluster].clone()
	next.Upper[mode] = upper
	next.Lower[mode] = lower
	next.Enabled = true
	if err := next.validate(); err != nil {
		return err
	}
	e.conds[cluster] = &next
	e.logger.WithFields(logrus.Fields{
		"cluster": cluster,
		"cpus":    next.CPUs.String(),
		"mode":    mode.String(),
		"upper":   upper,
		"lower":   lower,
	}).Info("On-time boundary updated")
	return nil
}

// conditionOf returns the condition of cpu's cluster. Conditions are
// replaced, never mutated, so the pointer is safe to read unlocked.
func (e *Engine) conditionOf(cpu int) *Condition {
	e.condMu.RLock()
	defer e.condMu.RUnlock()
	for _, c := range e.conds {
		if c.CPUs.Contains(cpu) {
			return c
		}
	}
	return disabledCondition(cpuset.New(cpu))
}

// fasterClusters is the union of every cluster strictly faster than cpu's.
// It falls back to cpu's own cluster when none is faster.
func (e *Engine) fasterClusters(cpu int) cpuset.CPUSet {
	own := e.topo.Cluster(cpu)
	ownCap := e.topo.OrigCapacity(cpu, energy.Normal)
	out := cpuset.New()
	for _, cluster := range e.topo.Clusters() {
		if cluster.Equals(own) || cluster.IsEmpty() {
			continue
		}
		if e.topo.OrigCapacity(cluster.List()[0], energy.Normal) > ownCap {
			out = out.Union(cluster)
		}
	}
	if out.IsEmpty() {
		return own
	}
	return out
}

// SelectFitCPUs narrows fit by the boundaries of t's current cluster. A
// heavy (or boosted) task may only go to faster clusters, a task between
// the boundaries stays in its cluster, a light task is not filtered.
func (e *Engine) SelectFitCPUs(t *runqueue.Task, fit cpuset.CPUSet, boost bool) cpuset.CPUSet {
	cpu := t.CPU()
	if cpu < 0 || cpu >= e.topo.NumCPUs() {
		return fit
	}
	cond := e.conditionOf(cpu)
	if !cond.Enabled && !boost {
		return fit
	}
	mode := t.Mode()
	runnable := t.Runnable()
	switch {
	case boost || runnable >= cond.Upper[mode]:
		return fit.Intersection(e.fasterClusters(cpu))
	case runnable >= cond.Lower[mode]:
		return fit.Intersection(e.topo.Cluster(cpu))
	default:
		return fit
	}
}

type candidate struct {
	task  *runqueue.Task
	boost bool
}

// pickCandidate inspects tasks in order and returns the boost-eligible one
// first seen, or else the heavy on-time task with the highest
// runnable/capacity ratio.
func (e *Engine) pickCandidate(cpu int, tasks []*runqueue.Task) (candidate, bool) {
	globalBoost := e.boost.Load()
	cond := e.conditionOf(cpu)

	var best candidate
	var bestRatio uint64
	found := false
	for _, t := range tasks {
		if t == nil || t.Exited() || t.Migrating() {
			continue
		}
		if globalBoost || t.PreferPerf() {
			return candidate{task: t, boost: true}, true
		}
		if !t.OntimeEnabled() || !cond.Enabled {
			continue
		}
		mode := t.Mode()
		runnable := t.Runnable()
		if runnable < cond.Upper[mode] {
			continue
		}
		orig := e.topo.OrigCapacity(cpu, mode)
		if orig == 0 {
			continue
		}
		ratio := runnable * energy.SchedCapacityScale / orig
		if !found || ratio > bestRatio {
			best, bestRatio, found = candidate{task: t}, ratio, true
		}
	}
	return best, found
}

// Scan walks every active CPU and submits at most one move per source CPU.
// A scan that finds another one running is dropped. It returns the number
// of moves handed to the workers.
func (e *Engine) Scan(ctx context.Context) int {
	if !e.scanMu.TryLock() {
		e.observer.ScanDropped()
		e.logger.Trace("On-time scan already running, dropped")
		return 0
	}
	defer e.scanMu.Unlock()
	e.observer.ScanRan()

	lookahead := int(e.lookahead.Load())
	submitted := 0
	for _, cpu := range e.sys.ActiveCPUs().List() {
		if ctx.Err() != nil {
			break
		}
		rq := e.sys.RQ(cpu)
		if rq == nil || rq.ActiveBalance() {
			continue
		}

		rq.Lock()
		ent := rq.CurrEntityLocked()
		if ent == nil {
			rq.Unlock()
			continue
		}
		tasks := append([]*runqueue.Task{runqueue.LeafTask(ent)}, rq.QueuedLocked(lookahead)...)
		rq.Unlock()

		c, ok := e.pickCandidate(cpu, tasks)
		if !ok {
			continue
		}
		if e.tryMigrate(rq, c) {
			submitted++
		}
	}
	return submitted
}

func (e *Engine) tryMigrate(src *runqueue.RunQueue, c candidate) bool {
	t := c.task
	srcCPU := src.CPU()
	dstCPU := e.placer.SelectTaskRq(placement.Request{
		Task:    t,
		PrevCPU: srcCPU,
		Boost:   c.boost,
	})
	if dstCPU == placement.NoDecision || dstCPU == srcCPU {
		return false
	}
	if e.topo.OrigCapacity(dstCPU, energy.Normal) <= e.topo.OrigCapacity(srcCPU, energy.Normal) {
		return false
	}
	dst := e.sys.RQ(dstCPU)
	if dst == nil {
		return false
	}

	if !t.TryMarkMigrating() {
		return false
	}
	if !src.TrySetActiveBalance() {
		t.ClearMigrating()
		return false
	}
	dst.MarkReceiving()

	env := &Env{
		Src:    src,
		Dst:    dst,
		SrcCPU: srcCPU,
		DstCPU: dstCPU,
		Task:   t,
		Boost:  c.boost,
	}
	if !e.exec.Submit(srcCPU, func() { e.move(env) }) {
		e.observer.SubmitFailed()
		e.finish(env, trace.Aborted, "worker busy")
		return false
	}

	e.logger.WithFields(logrus.Fields{
		"pid":      t.PID,
		"comm":     t.Comm,
		"src":      srcCPU,
		"dst":      dstCPU,
		"runnable": t.Runnable(),
		"boost":    c.boost,
	}).Debug("On-time migration submitted")
	return true
}

// Flush waits for every submitted move to finish.
func (e *Engine) Flush() { e.exec.Wait() }

// Stop drains pending moves and stops the workers.
func (e *Engine) Stop() { e.exec.Stop() }
