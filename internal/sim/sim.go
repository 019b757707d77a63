package sim

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ems-bench/internal/config"
	"ems-bench/internal/efficiency"
	"ems-bench/internal/energy"
	"ems-bench/internal/logging"
	"ems-bench/internal/ontime"
	"ems-bench/internal/placement"
	"ems-bench/internal/runqueue"
	"ems-bench/internal/trace"
	"ems-bench/internal/worker"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
	clocktesting "k8s.io/utils/clock/testing"
)

// Placement is one SelectTaskRq call made by the simulator.
type Placement struct {
	Tick  int    `json:"tick"`
	PID   int    `json:"pid"`
	Flags string `json:"flags"`
	Prev  int    `json:"prev"`
	CPU   int    `json:"cpu"`
}

// Balance is one idle-pull decision of the load balancer.
type Balance struct {
	Tick   int  `json:"tick"`
	PID    int  `json:"pid"`
	Src    int  `json:"src"`
	Dst    int  `json:"dst"`
	Vetoed bool `json:"vetoed"`
}

type Result struct {
	Name       string
	Checksum   string
	Ticks      int
	Started    time.Time
	Finished   time.Time
	Placements []Placement
	Balances   []Balance
	Selects    []trace.Select
	Migrations []trace.Migration
	// FinalCPU maps every live task to the CPU it ended on.
	FinalCPU map[int]int
}

// Moved counts the migrations that completed.
func (r *Result) Moved() int {
	n := 0
	for _, m := range r.Migrations {
		if m.Outcome == trace.Moved {
			n++
		}
	}
	return n
}

type Options struct {
	// Tracer receives every event in addition to the result recorder.
	Tracer   trace.Tracer
	Observer ontime.Observer
	Logger   *logrus.Logger

	// Balance enables an idle-pull load balancer that honours the
	// on-time veto.
	Balance bool

	// Start is the simulated wall time of tick 0, the Unix epoch if zero.
	Start time.Time
}

type taskState int

const (
	statePending taskState = iota
	stateRunnable
	stateSleeping
	stateExited
)

type simTask struct {
	cfg      config.TaskConfig
	mode     energy.Mode
	util     [energy.NumModes]uint64
	runnable uint64
	task     *runqueue.Task
	state    taskState
}

// Simulator drives the placement and on-time engines over a configured
// workload on a fake clock. A Simulator runs once.
type Simulator struct {
	cfg    *config.Config
	topo   *energy.Topology
	sys    *runqueue.System
	eval   *efficiency.Evaluator
	orch   *placement.Orchestrator
	engine *ontime.Engine
	clock  *clocktesting.FakeClock
	rec    *trace.Recorder
	groups map[string]*runqueue.Group
	tasks  []*simTask
	events map[int][]config.EventConfig

	balance bool
	logger  *logrus.Logger

	placements []Placement
	balances   []Balance
}

func New(cfg *config.Config, opts Options) (*Simulator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetSchedulerLogger()
	}
	start := opts.Start
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}

	topo, err := cfg.Platform.BuildTopology(logger)
	if err != nil {
		logger.WithError(err).Warn("Platform registered with errors, affected cpus keep default capacity")
	}

	s := &Simulator{
		cfg:     cfg,
		topo:    topo,
		sys:     runqueue.NewSystem(cfg.Platform.NrCPUs),
		clock:   clocktesting.NewFakeClock(start),
		rec:     &trace.Recorder{},
		groups:  cfg.BuildGroups(),
		events:  make(map[int][]config.EventConfig),
		balance: opts.Balance,
		logger:  logger,
	}
	tracer := trace.Multi(s.rec, opts.Tracer)

	s.eval = efficiency.NewEvaluator(topo, s.sys, cfg.Tunables.Evaluator(), tracer, logger)
	s.eval.SetClock(s.clock)
	s.orch = placement.New(topo, s.sys, s.eval, s.clock, logger)
	conds := ontime.NewConditions(topo, cfg.Platform.Boundaries(), logger)
	exec := worker.NewExecutor(cfg.Platform.NrCPUs, 1, logger)
	s.engine = ontime.New(topo, s.sys, s.orch, exec, conds, ontime.Options{
		Tunables: cfg.Tunables.Ontime(),
		Clock:    s.clock,
		Tracer:   tracer,
		Observer: opts.Observer,
		Logger:   logger,
	})
	s.orch.SetFitFilter(s.engine)
	if cfg.Tunables.Boost {
		s.engine.SetBoost(true)
	}

	for _, tc := range cfg.Workload.Tasks {
		mode, err := config.ParseMode(tc.Mode)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", tc.PID, err)
		}
		st := &simTask{
			cfg:  tc,
			mode: mode,
			util: [energy.NumModes]uint64{tc.Util, tc.UtilSecondary},
		}
		st.runnable = tc.Util + tc.UtilSecondary
		if tc.Runnable != nil {
			st.runnable = *tc.Runnable
		}
		s.tasks = append(s.tasks, st)
	}
	sort.Slice(s.tasks, func(i, j int) bool { return s.tasks[i].cfg.PID < s.tasks[j].cfg.PID })

	for _, ev := range cfg.Workload.Events {
		s.events[ev.Tick] = append(s.events[ev.Tick], ev)
	}
	return s, nil
}

func (s *Simulator) Topology() *energy.Topology { return s.topo }

func (s *Simulator) System() *runqueue.System { return s.sys }

func (s *Simulator) Engine() *ontime.Engine { return s.engine }

func (s *Simulator) Evaluator() *efficiency.Evaluator { return s.eval }

// Run plays every tick of the workload and stops the move workers. A
// cancelled context ends the run early with the partial result.
func (s *Simulator) Run(ctx context.Context) (*Result, error) {
	defer s.engine.Stop()

	w := s.cfg.Workload
	started := s.clock.Now()
	s.logger.WithFields(logrus.Fields{
		"name":  s.cfg.Name,
		"ticks": w.Ticks,
		"tasks": len(s.tasks),
	}).Info("Simulation started")

	var runErr error
	for tick := 0; tick < w.Ticks; tick++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if tick > 0 {
			s.clock.Step(w.TickDuration())
		}

		s.applyEvents(tick)
		for _, st := range s.tasks {
			s.stepTask(tick, st)
		}
		s.sys.Tick()

		if tick%w.ScanEvery == 0 {
			s.engine.Scan(ctx)
			s.engine.Flush()
		}
		if s.balance {
			s.balanceIdle(tick)
		}
	}

	result := s.result(started)
	s.logger.WithFields(logrus.Fields{
		"name":       s.cfg.Name,
		"placements": len(result.Placements),
		"migrations": len(result.Migrations),
		"moved":      result.Moved(),
		"balances":   len(result.Balances),
	}).Info("Simulation finished")
	return result, runErr
}

func (s *Simulator) result(started time.Time) *Result {
	checksum, err := config.WorkloadChecksum(s.cfg)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to compute workload checksum")
	}
	final := make(map[int]int)
	for _, st := range s.tasks {
		if st.task != nil && st.state != stateExited {
			final[st.cfg.PID] = st.task.CPU()
		}
	}
	return &Result{
		Name:       s.cfg.Name,
		Checksum:   checksum,
		Ticks:      s.cfg.Workload.Ticks,
		Started:    started,
		Finished:   s.clock.Now(),
		Placements: s.placements,
		Balances:   s.balances,
		Selects:    s.rec.Selects(),
		Migrations: s.rec.Migrations(),
		FinalCPU:   final,
	}
}

func (s *Simulator) applyEvents(tick int) {
	for _, ev := range s.events[tick] {
		var err error
		switch ev.Kind {
		case config.EventPolicyMax:
			err = s.topo.OnPolicyMaxChanged(ev.CPU, ev.MaxFreq)
		case config.EventQoS:
			err = s.topo.SetQoSRequest(ev.CPU, ev.MinFreq, ev.MaxFreq)
		case config.EventBoost:
			s.engine.SetBoost(ev.Boost)
		case config.EventBoundary:
			var mode energy.Mode
			if mode, err = config.ParseMode(ev.Mode); err == nil {
				err = s.engine.SetBoundary(ev.Cluster, mode, ev.Upper, ev.Lower)
			}
		case config.EventSignals:
			err = s.setSignals(ev)
		default:
			err = fmt.Errorf("unknown event kind %q", ev.Kind)
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"tick": tick,
				"kind": ev.Kind,
			}).WithError(err).Warn("Event failed")
		}
	}
}

func (s *Simulator) setSignals(ev config.EventConfig) error {
	for _, st := range s.tasks {
		if st.cfg.PID != ev.PID {
			continue
		}
		st.util = [energy.NumModes]uint64{ev.Util, ev.UtilSecondary}
		st.runnable = ev.Util + ev.UtilSecondary
		if ev.Runnable != nil {
			st.runnable = *ev.Runnable
		}
		if st.task != nil && st.state != stateExited {
			s.sys.SetTaskSignals(st.task, st.util, st.runnable, s.clock.Now())
		}
		return nil
	}
	return fmt.Errorf("unknown pid %d", ev.PID)
}

func (s *Simulator) stepTask(tick int, st *simTask) {
	tc := st.cfg
	if st.state == statePending {
		if tick < tc.Start {
			return
		}
		s.fork(tick, st)
		return
	}
	if st.state == stateExited {
		return
	}
	if tc.Stop > 0 && tick >= tc.Stop {
		s.sys.Exit(st.task)
		st.state = stateExited
		s.logger.WithFields(logrus.Fields{"tick": tick, "pid": tc.PID}).Debug("Task exited")
		return
	}
	if tc.Period == 0 {
		return
	}
	phase := (tick - tc.Start) % tc.Period
	switch {
	case st.state == stateRunnable && phase == tc.Busy:
		s.sys.Sleep(st.task, s.clock.Now())
		st.state = stateSleeping
	case st.state == stateSleeping && phase == 0:
		s.place(tick, st, placement.FlagWakeup)
	}
}

func (s *Simulator) fork(tick int, st *simTask) {
	tc := st.cfg
	t := runqueue.NewTask(tc.PID, tc.Comm, s.groups[tc.Group], tc.CPUSet)
	t.SetMode(st.mode)
	if err := s.sys.AddTask(t); err != nil {
		s.logger.WithField("pid", tc.PID).WithError(err).Warn("Failed to add task")
		st.state = stateExited
		return
	}
	s.sys.SetTaskSignals(t, st.util, st.runnable, s.clock.Now())
	st.task = t
	s.place(tick, st, placement.FlagFork)
}

// place selects a CPU for a waking task and enqueues it there. Running
// tasks get their configured signals back once enqueued.
func (s *Simulator) place(tick int, st *simTask, flags placement.Flags) {
	t := st.task
	prev := t.CPU()
	cpu := s.orch.SelectTaskRq(placement.Request{
		Task:    t,
		PrevCPU: prev,
		Flags:   flags,
		Wakeup:  true,
	})
	if cpu < 0 {
		s.logger.WithField("pid", t.PID).Warn("No cpu available, task stays asleep")
		st.state = stateSleeping
		return
	}
	s.placements = append(s.placements, Placement{
		Tick:  tick,
		PID:   t.PID,
		Flags: flags.String(),
		Prev:  prev,
		CPU:   cpu,
	})
	if err := s.sys.Wake(t, cpu); err != nil {
		s.logger.WithField("pid", t.PID).WithError(err).Warn("Wakeup failed")
		return
	}
	s.sys.SetTaskSignals(t, st.util, st.runnable, s.clock.Now())
	st.state = stateRunnable
}

// balanceIdle lets every idle CPU pull one queued task from the busiest
// runqueue, skipping tasks the on-time engine vetoes.
func (s *Simulator) balanceIdle(tick int) {
	active := s.sys.ActiveCPUs()
	for _, dstCPU := range active.List() {
		// an on-time move is already headed for dstCPU
		if !s.sys.IsIdle(dstCPU) || s.sys.RQ(dstCPU).Receiving() {
			continue
		}
		src := s.busiest(active, dstCPU)
		if src == nil {
			continue
		}

		src.Lock()
		queued := src.QueuedLocked(src.NrRunning())
		src.Unlock()

		for i := len(queued) - 1; i >= 0; i-- {
			t := queued[i]
			if !t.Allowed().Contains(dstCPU) || t.Migrating() {
				continue
			}
			b := Balance{Tick: tick, PID: t.PID, Src: src.CPU(), Dst: dstCPU}
			if !s.engine.CanMigrate(t, dstCPU) {
				b.Vetoed = true
				s.balances = append(s.balances, b)
				continue
			}
			if s.pull(src, s.sys.RQ(dstCPU), t) {
				s.balances = append(s.balances, b)
				break
			}
		}
	}
}

func (s *Simulator) busiest(active cpuset.CPUSet, dstCPU int) *runqueue.RunQueue {
	var out *runqueue.RunQueue
	for _, cpu := range active.List() {
		rq := s.sys.RQ(cpu)
		if cpu == dstCPU || rq.ActiveBalance() || rq.NrRunning() < 2 {
			continue
		}
		if out == nil || rq.NrRunning() > out.NrRunning() {
			out = rq
		}
	}
	return out
}

func (s *Simulator) pull(src, dst *runqueue.RunQueue, t *runqueue.Task) bool {
	src.Lock()
	runqueue.DoubleLockBalance(src, dst)
	defer runqueue.DoubleUnlock(src, dst)

	if !src.ContainsLocked(t) || t.Running() || t.Migrating() {
		return false
	}
	src.DequeueLocked(t)
	dst.EnqueueLocked(t)
	dst.CheckPreemptLocked(t)
	return true
}
