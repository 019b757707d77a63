package ontime

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ems-bench/internal/efficiency"
	"ems-bench/internal/energy"
	"ems-bench/internal/placement"
	"ems-bench/internal/runqueue"
	"ems-bench/internal/trace"
	"ems-bench/internal/worker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"
	testclock "k8s.io/utils/clock/testing"
)

var epoch = time.Unix(5000, 0)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func u64(v uint64) *uint64 { return &v }

func boundary(cpus cpuset.CPUSet, upper, lower uint64) BoundarySpec {
	return BoundarySpec{
		CPUs:  cpus,
		Upper: [energy.NumModes]*uint64{u64(upper), u64(upper)},
		Lower: [energy.NumModes]*uint64{u64(lower), u64(lower)},
	}
}

// slowFastTopology has cluster {0} at capacity 300 and cluster {1} at 1024.
func slowFastTopology(t *testing.T) *energy.Topology {
	t.Helper()
	topo := energy.NewTopology(2, quietLogger())
	require.NoError(t, topo.RegisterDomain(energy.Domain{
		Name:   "slow",
		CPUs:   cpuset.New(0),
		OPPs:   []energy.OPP{{Frequency: 1000000, Voltage: 800000}},
		Params: energy.Params{MIPS: [energy.NumModes]uint64{300, 300}, Coefficient: [energy.NumModes]uint64{100, 100}},
	}))
	require.NoError(t, topo.RegisterDomain(energy.Domain{
		Name:   "fast",
		CPUs:   cpuset.New(1),
		OPPs:   []energy.OPP{{Frequency: 1000000, Voltage: 1000000}},
		Params: energy.Params{MIPS: [energy.NumModes]uint64{1024, 1024}, Coefficient: [energy.NumModes]uint64{400, 400}},
	}))
	require.Equal(t, uint64(300), topo.OrigCapacity(0, energy.Normal))
	require.Equal(t, uint64(1024), topo.OrigCapacity(1, energy.Normal))
	return topo
}

type fakePlacer struct {
	mu   sync.Mutex
	cpu  int
	reqs []placement.Request
}

func (f *fakePlacer) SelectTaskRq(req placement.Request) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.cpu
}

func (f *fakePlacer) requests() []placement.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placement.Request(nil), f.reqs...)
}

type countingObserver struct {
	ran, dropped, submitFailed atomic.Int32
}

func (c *countingObserver) ScanRan()      { c.ran.Add(1) }
func (c *countingObserver) ScanDropped()  { c.dropped.Add(1) }
func (c *countingObserver) SubmitFailed() { c.submitFailed.Add(1) }

type fixture struct {
	engine   *Engine
	sys      *runqueue.System
	topo     *energy.Topology
	rec      *trace.Recorder
	observer *countingObserver
	exec     *worker.Executor
}

func newFixture(t *testing.T, topo *energy.Topology, placer Placer, specs ...BoundarySpec) *fixture {
	t.Helper()
	f := &fixture{
		sys:      runqueue.NewSystem(topo.NumCPUs()),
		topo:     topo,
		rec:      &trace.Recorder{},
		observer: &countingObserver{},
		exec:     worker.NewExecutor(topo.NumCPUs(), 1, quietLogger()),
	}
	f.engine = New(topo, f.sys, placer, f.exec, NewConditions(topo, specs, quietLogger()), Options{
		Clock:    testclock.NewFakeClock(epoch),
		Tracer:   f.rec,
		Observer: f.observer,
		Logger:   quietLogger(),
	})
	t.Cleanup(f.engine.Stop)
	return f
}

func (f *fixture) wake(t *testing.T, pid, cpu int, group *runqueue.Group, util, runnable uint64) *runqueue.Task {
	t.Helper()
	task := runqueue.NewTask(pid, "task", group, cpuset.New(0, 1, 2, 3))
	task.SetSignals([energy.NumModes]uint64{util, 0}, runnable, epoch)
	require.NoError(t, f.sys.AddTask(task))
	require.NoError(t, f.sys.Wake(task, cpu))
	return task
}

var ontimeGroup = &runqueue.Group{Name: "background", Ontime: true}

func TestSelectFitCPUs_HeavyGoesToFasterCluster(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1}, boundary(cpuset.New(0), 700, 200))
	task := f.wake(t, 1, 0, ontimeGroup, 280, 900)

	fit := f.engine.SelectFitCPUs(task, cpuset.New(0, 1), false)
	assert.Equal(t, "1", fit.String())
	assert.True(t, f.engine.SelectFitCPUs(task, fit, false).Equals(fit), "filter must be idempotent")
}

func TestSelectFitCPUs_BetweenBoundariesKeepsOwnCluster(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1}, boundary(cpuset.New(0), 700, 200))
	task := f.wake(t, 1, 0, ontimeGroup, 280, 400)

	fit := f.engine.SelectFitCPUs(task, cpuset.New(0, 1), false)
	assert.True(t, fit.Contains(0))
	assert.Equal(t, "0", fit.String())
	assert.True(t, f.engine.SelectFitCPUs(task, cpuset.New(0), false).Equals(cpuset.New(0)))
}

func TestSelectFitCPUs_LightAndDisabled(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1}, boundary(cpuset.New(0), 700, 200))
	light := f.wake(t, 1, 0, ontimeGroup, 100, 100)
	assert.Equal(t, "0-1", f.engine.SelectFitCPUs(light, cpuset.New(0, 1), false).String())
	assert.Equal(t, "1", f.engine.SelectFitCPUs(light, cpuset.New(0, 1), true).String(), "boost treats the task as heavy")

	onFast := f.wake(t, 2, 1, ontimeGroup, 900, 900)
	assert.Equal(t, "0-1", f.engine.SelectFitCPUs(onFast, cpuset.New(0, 1), false).String(), "cluster {1} has no boundary")
	assert.Equal(t, "1", f.engine.SelectFitCPUs(onFast, cpuset.New(0, 1), true).String(), "fastest cluster falls back to itself")
}

func TestNewConditions_Degrades(t *testing.T) {
	topo := slowFastTopology(t)

	missing := boundary(cpuset.New(0), 700, 200)
	missing.Lower[energy.Secondary] = nil
	inverted := boundary(cpuset.New(1), 100, 200)
	stray := boundary(cpuset.New(0, 1), 700, 200)

	conds := NewConditions(topo, []BoundarySpec{missing, inverted, stray}, quietLogger())
	require.Len(t, conds, 2)
	for i, c := range conds {
		assert.False(t, c.Enabled, "cluster %d", i)
		for m := range c.Upper {
			assert.Zero(t, c.Lower[m])
			assert.Equal(t, ^uint64(0), c.Upper[m])
		}
	}

	conds = NewConditions(topo, []BoundarySpec{boundary(cpuset.New(1), 900, 300)}, quietLogger())
	assert.False(t, conds[0].Enabled)
	assert.True(t, conds[1].Enabled)
	assert.Equal(t, uint64(900), conds[1].Upper[energy.Secondary])
}

func TestSetBoundary(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1})

	require.ErrorIs(t, f.engine.SetBoundary(0, energy.Normal, 100, 200), ErrInvalidBoundary)
	require.ErrorIs(t, f.engine.SetBoundary(5, energy.Normal, 200, 100), ErrUnknownCluster)
	require.NoError(t, f.engine.SetBoundary(0, energy.Normal, 700, 200))

	conds := f.engine.Conditions()
	assert.True(t, conds[0].Enabled)
	assert.Equal(t, uint64(700), conds[0].Upper[energy.Normal])
	assert.Equal(t, ^uint64(0), conds[0].Upper[energy.Secondary])
	for _, c := range conds {
		for m := range c.Upper {
			assert.LessOrEqual(t, c.Lower[m], c.Upper[m])
		}
	}
}

func TestScan_HeaviestRatioWins(t *testing.T) {
	placer := &fakePlacer{cpu: 1}
	f := newFixture(t, slowFastTopology(t), placer, boundary(cpuset.New(0), 700, 200))
	f.wake(t, 1, 0, ontimeGroup, 200, 750)
	heavy := f.wake(t, 2, 0, ontimeGroup, 290, 950)
	f.wake(t, 3, 0, nil, 290, 990)

	assert.Equal(t, 1, f.engine.Scan(context.Background()))
	f.engine.Flush()

	reqs := placer.requests()
	require.Len(t, reqs, 1)
	assert.Same(t, heavy, reqs[0].Task)
	assert.False(t, reqs[0].Wakeup)
	assert.False(t, reqs[0].Boost)
	assert.Equal(t, 0, reqs[0].PrevCPU)

	assert.Equal(t, 1, heavy.CPU())
	assert.True(t, heavy.Running(), "idle destination runs the task at once")
	assert.False(t, heavy.Migrating())
	assert.False(t, f.sys.RQ(0).ActiveBalance())
	assert.False(t, f.sys.RQ(1).Receiving())
	assert.Equal(t, 2, f.sys.RQ(0).NrRunning())

	migs := f.rec.Migrations()
	require.Len(t, migs, 1)
	assert.Equal(t, trace.Moved, migs[0].Outcome)
	assert.Equal(t, epoch, migs[0].Time)
}

func TestScan_PreferPerfBypassesHeaviness(t *testing.T) {
	placer := &fakePlacer{cpu: 1}
	f := newFixture(t, slowFastTopology(t), placer, boundary(cpuset.New(0), 700, 200))
	f.wake(t, 1, 0, ontimeGroup, 290, 1000)
	perf := f.wake(t, 2, 0, &runqueue.Group{Name: "top-app", PreferPerf: true}, 20, 20)

	f.engine.Scan(context.Background())
	f.engine.Flush()

	reqs := placer.requests()
	require.NotEmpty(t, reqs)
	assert.Same(t, perf, reqs[0].Task)
	assert.True(t, reqs[0].Boost)
	assert.Equal(t, 1, perf.CPU())
}

func TestScan_GlobalBoost(t *testing.T) {
	placer := &fakePlacer{cpu: 1}
	f := newFixture(t, slowFastTopology(t), placer)
	first := f.wake(t, 1, 0, nil, 10, 10)
	f.wake(t, 2, 0, nil, 10, 10)

	assert.Equal(t, 0, f.engine.Scan(context.Background()), "nothing heavy, no boost")
	f.engine.SetBoost(true)
	assert.Equal(t, 1, f.engine.Scan(context.Background()))
	f.engine.Flush()
	assert.Equal(t, 1, first.CPU())
}

func TestScan_LookaheadLimit(t *testing.T) {
	placer := &fakePlacer{cpu: 1}
	f := newFixture(t, slowFastTopology(t), placer, boundary(cpuset.New(0), 700, 200))
	for pid := 1; pid <= 3; pid++ {
		f.wake(t, pid, 0, nil, 10, 10)
	}
	f.wake(t, 4, 0, ontimeGroup, 290, 900)

	f.engine.SetTunables(Tunables{ScanLookahead: 2})
	assert.Equal(t, 0, f.engine.Scan(context.Background()), "heavy task is fourth in line")
	f.engine.SetTunables(Tunables{})
	assert.Equal(t, 5, f.engine.Tunables().ScanLookahead)
	assert.Equal(t, 1, f.engine.Scan(context.Background()))
	f.engine.Flush()
}

func TestScan_SkipsMigratingTask(t *testing.T) {
	placer := &fakePlacer{cpu: 1}
	f := newFixture(t, slowFastTopology(t), placer, boundary(cpuset.New(0), 700, 200))
	heavy := f.wake(t, 1, 0, ontimeGroup, 290, 900)
	f.wake(t, 2, 0, nil, 10, 10)

	require.True(t, heavy.TryMarkMigrating())
	assert.Equal(t, 0, f.engine.Scan(context.Background()))
	assert.Empty(t, placer.requests())

	heavy.ClearMigrating()
	f.sys.RQ(0).TrySetActiveBalance()
	assert.Equal(t, 0, f.engine.Scan(context.Background()), "source already balancing")
	f.sys.RQ(0).ClearActiveBalance()

	assert.Equal(t, 1, f.engine.Scan(context.Background()))
	f.engine.Flush()
}

func TestScan_NoFasterTarget(t *testing.T) {
	placer := &fakePlacer{cpu: placement.NoDecision}
	f := newFixture(t, slowFastTopology(t), placer, boundary(cpuset.New(0), 700, 200))
	heavy := f.wake(t, 1, 0, ontimeGroup, 290, 900)
	f.wake(t, 2, 0, nil, 10, 10)

	assert.Equal(t, 0, f.engine.Scan(context.Background()))
	placer.cpu = 0
	assert.Equal(t, 0, f.engine.Scan(context.Background()))
	assert.False(t, heavy.Migrating())
	assert.False(t, f.sys.RQ(0).ActiveBalance())
}

func TestScan_DroppedWhileRunning(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1})
	f.engine.scanMu.Lock()
	assert.Equal(t, 0, f.engine.Scan(context.Background()))
	f.engine.scanMu.Unlock()

	f.engine.Scan(context.Background())
	assert.Equal(t, int32(1), f.observer.dropped.Load())
	assert.Equal(t, int32(1), f.observer.ran.Load())
}

func TestScan_SubmitFailureClearsMarkers(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1}, boundary(cpuset.New(0), 700, 200))
	heavy := f.wake(t, 1, 0, ontimeGroup, 290, 900)
	f.wake(t, 2, 0, nil, 10, 10)
	f.exec.Stop()

	assert.Equal(t, 0, f.engine.Scan(context.Background()))
	assert.Equal(t, int32(1), f.observer.submitFailed.Load())
	assert.False(t, heavy.Migrating())
	assert.False(t, f.sys.RQ(0).ActiveBalance())
	assert.False(t, f.sys.RQ(1).Receiving())
	assert.Equal(t, 0, heavy.CPU())
}

func (f *fixture) env(task *runqueue.Task, src, dst int) *Env {
	task.TryMarkMigrating()
	f.sys.RQ(src).TrySetActiveBalance()
	f.sys.RQ(dst).MarkReceiving()
	return &Env{Src: f.sys.RQ(src), Dst: f.sys.RQ(dst), SrcCPU: src, DstCPU: dst, Task: task}
}

func TestMove_Aborts(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(t *testing.T, f *fixture, task *runqueue.Task)
		reason string
	}{
		{"exited", func(t *testing.T, f *fixture, task *runqueue.Task) {
			f.wake(t, 2, 0, nil, 10, 10)
			f.sys.Exit(task)
		}, "exited"},
		{"alone", func(t *testing.T, f *fixture, task *runqueue.Task) {}, "source runqueue has one task"},
		{"affinity", func(t *testing.T, f *fixture, task *runqueue.Task) {
			f.wake(t, 2, 0, nil, 10, 10)
			task.SetAllowed(cpuset.New(0))
		}, "destination not allowed"},
		{"moved away", func(t *testing.T, f *fixture, task *runqueue.Task) {
			f.wake(t, 2, 0, nil, 10, 10)
			f.sys.Sleep(task, epoch)
			require.NoError(t, f.sys.Wake(task, 1))
		}, "left source runqueue"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1})
			task := f.wake(t, 1, 0, ontimeGroup, 290, 900)
			tc.setup(t, f, task)

			env := f.env(task, 0, 1)
			f.engine.move(env)

			migs := f.rec.Migrations()
			require.Len(t, migs, 1)
			assert.Equal(t, trace.Aborted, migs[0].Outcome)
			assert.Equal(t, tc.reason, migs[0].Reason)
			assert.False(t, task.Migrating())
			assert.False(t, f.sys.RQ(0).ActiveBalance())
			assert.False(t, f.sys.RQ(1).Receiving())
			if !f.sys.IsIdle(0) {
				f.sys.RQ(0).Lock()
				assert.NotNil(t, f.sys.RQ(0).CurrLocked(), "source cpu must run something again")
				f.sys.RQ(0).Unlock()
			}
		})
	}
}

func TestMove_HigherToLowerCPU(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 0})
	task := f.wake(t, 1, 1, nil, 100, 100)
	other := f.wake(t, 2, 1, nil, 100, 100)
	f.wake(t, 3, 0, nil, 500, 500)

	f.engine.move(f.env(task, 1, 0))

	assert.Equal(t, 0, task.CPU())
	assert.False(t, task.Running(), "destination keeps its heavier current task")
	assert.True(t, other.Running())
	assert.Equal(t, 2, f.sys.RQ(0).NrRunning())
	assert.Equal(t, 1, f.sys.RQ(1).NrRunning())
}

func TestCanMigrate(t *testing.T) {
	f := newFixture(t, slowFastTopology(t), &fakePlacer{cpu: 1}, boundary(cpuset.New(1), 900, 200))

	plain := f.wake(t, 1, 1, nil, 300, 300)
	assert.True(t, f.engine.CanMigrate(plain, 0), "not an on-time task")

	heavy := f.wake(t, 2, 1, ontimeGroup, 300, 300)
	assert.False(t, f.engine.CanMigrate(heavy, 0), "cpu1 util 600 is not overutilized")

	f.wake(t, 3, 1, nil, 300, 300)
	assert.True(t, f.engine.CanMigrate(heavy, 0), "util 900 overutilizes cpu1 and heavy is a third of it")

	big := f.wake(t, 4, 1, ontimeGroup, 300, 300)
	f.sys.SetTaskSignals(big, [energy.NumModes]uint64{1000, 0}, 1000, epoch)
	assert.False(t, f.engine.CanMigrate(big, 0), "task is more than half of the cpu")

	lightOntime := f.wake(t, 5, 0, ontimeGroup, 100, 100)
	assert.True(t, f.engine.CanMigrate(lightOntime, 1), "faster destination")

	f.sys.SetTaskSignals(heavy, [energy.NumModes]uint64{100, 0}, 100, epoch)
	assert.True(t, f.engine.CanMigrate(heavy, 0), "below the lower boundary")
}

func TestEngine_WithOrchestrator(t *testing.T) {
	topo := energy.NewTopology(4, quietLogger())
	require.NoError(t, topo.RegisterDomain(energy.Domain{
		Name:   "little",
		CPUs:   cpuset.New(0, 1),
		OPPs:   []energy.OPP{{Frequency: 800000, Voltage: 700000}, {Frequency: 1000000, Voltage: 800000}},
		Params: energy.Params{MIPS: [energy.NumModes]uint64{300, 300}, Coefficient: [energy.NumModes]uint64{100, 100}},
	}))
	require.NoError(t, topo.RegisterDomain(energy.Domain{
		Name:   "big",
		CPUs:   cpuset.New(2, 3),
		OPPs:   []energy.OPP{{Frequency: 500000, Voltage: 700000}, {Frequency: 1000000, Voltage: 1000000}},
		Params: energy.Params{MIPS: [energy.NumModes]uint64{1024, 1024}, Coefficient: [energy.NumModes]uint64{400, 400}},
	}))

	sys := runqueue.NewSystem(4)
	clk := testclock.NewFakeClock(epoch)
	eval := efficiency.NewEvaluator(topo, sys, efficiency.DefaultTunables(), nil, quietLogger())
	orch := placement.New(topo, sys, eval, clk, quietLogger())
	exec := worker.NewExecutor(4, 1, quietLogger())
	rec := &trace.Recorder{}
	engine := New(topo, sys, orch, exec,
		NewConditions(topo, []BoundarySpec{boundary(cpuset.New(0, 1), 700, 200)}, quietLogger()),
		Options{Clock: clk, Tracer: rec, Logger: quietLogger()})
	orch.SetFitFilter(engine)
	defer engine.Stop()

	heavy := runqueue.NewTask(1, "render", ontimeGroup, cpuset.New(0, 1, 2, 3))
	heavy.SetSignals([energy.NumModes]uint64{280, 0}, 900, epoch)
	light := runqueue.NewTask(2, "logger", nil, cpuset.New(0, 1, 2, 3))
	light.SetSignals([energy.NumModes]uint64{30, 0}, 30, epoch)
	require.NoError(t, sys.Wake(heavy, 0))
	require.NoError(t, sys.Wake(light, 0))

	assert.Equal(t, 1, engine.Scan(context.Background()))
	engine.Flush()

	assert.Contains(t, []int{2, 3}, heavy.CPU())
	assert.Equal(t, 0, light.CPU())
	assert.True(t, light.Running())
	require.Len(t, rec.Migrations(), 1)
	assert.Equal(t, trace.Moved, rec.Migrations()[0].Outcome)

	assert.Equal(t, 0, engine.Scan(context.Background()), "already on the fastest cluster")
}
