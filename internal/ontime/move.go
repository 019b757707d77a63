package ontime

import (
	"ems-bench/internal/runqueue"
	"ems-bench/internal/trace"
)

// abortReasonLocked returns why env can no longer be carried out, or "".
// The source runqueue lock must be held.
func abortReasonLocked(env *Env) string {
	t := env.Task
	switch {
	case t.Exited():
		return "exited"
	case t.CPU() != env.SrcCPU || !env.Src.ContainsLocked(t):
		return "left source runqueue"
	case env.Src.NrRunning() <= 1:
		return "source runqueue has one task"
	case !t.Allowed().Contains(env.DstCPU):
		return "destination not allowed"
	case t.Running():
		return "running"
	}
	return ""
}

// move runs on the source CPU's worker. Like a stopper it first takes the
// CPU from the running task, then moves the task if nothing changed since
// the scan.
func (e *Engine) move(env *Env) {
	src, dst, t := env.Src, env.Dst, env.Task

	src.Lock()
	src.PutPrevLocked()
	if reason := abortReasonLocked(env); reason != "" {
		src.PickNextLocked()
		src.Unlock()
		e.finish(env, trace.Aborted, reason)
		return
	}

	if runqueue.DoubleLockBalance(src, dst) {
		if reason := abortReasonLocked(env); reason != "" {
			src.PickNextLocked()
			runqueue.DoubleUnlock(src, dst)
			e.finish(env, trace.Aborted, reason)
			return
		}
	}

	src.DequeueLocked(t)
	dst.EnqueueLocked(t)
	dst.CheckPreemptLocked(t)
	src.PickNextLocked()
	runqueue.DoubleUnlock(src, dst)

	e.finish(env, trace.Moved, "")
}

// finish clears the in-flight markers of env and reports the outcome.
func (e *Engine) finish(env *Env, outcome trace.Outcome, reason string) {
	t := env.Task
	t.ClearMigrating()
	env.Src.ClearActiveBalance()
	env.Dst.ClearReceiving()

	e.tracer.TraceMigration(trace.Migration{
		Time:     e.clock.Now(),
		PID:      t.PID,
		Comm:     t.Comm,
		Src:      env.SrcCPU,
		Dst:      env.DstCPU,
		Runnable: t.Runnable(),
		Boost:    env.Boost,
		Outcome:  outcome,
		Reason:   reason,
	})
}
