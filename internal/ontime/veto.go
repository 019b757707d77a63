package ontime

import (
	"ems-bench/internal/energy"
	"ems-bench/internal/runqueue"

	"github.com/sirupsen/logrus"
)

// overutilized reports capacity*1024 < util*1280, i.e. util above 80%.
func overutilized(capacity, util uint64) bool {
	return capacity*energy.SchedCapacityScale < util*1280
}

// CanMigrate is consulted by the load balancer before it pulls t to
// dstCPU. It refuses to send an on-time task at or above its cluster's
// lower boundary to a slower CPU, unless the source CPU is overutilized and
// t contributes less than half of it.
func (e *Engine) CanMigrate(t *runqueue.Task, dstCPU int) bool {
	if !t.OntimeEnabled() {
		return true
	}
	srcCPU := t.CPU()
	if srcCPU < 0 || srcCPU == dstCPU {
		return true
	}
	if e.topo.OrigCapacity(dstCPU, energy.Normal) >= e.topo.OrigCapacity(srcCPU, energy.Normal) {
		return true
	}
	cond := e.conditionOf(srcCPU)
	mode := t.Mode()
	if !cond.Enabled || t.Runnable() < cond.Lower[mode] {
		return true
	}

	cpuUtil := e.topo.AdjustedUtil(srcCPU, e.sys.CPUUtil(srcCPU))
	taskUtil := e.topo.AdjustedUtil(srcCPU, t.Util())
	if overutilized(e.topo.Capacity(srcCPU, energy.Normal), cpuUtil) && taskUtil*2 < cpuUtil {
		return true
	}

	e.logger.WithFields(logrus.Fields{
		"pid":      t.PID,
		"src":      srcCPU,
		"dst":      dstCPU,
		"runnable": t.Runnable(),
		"cpu_util": cpuUtil,
	}).Debug("Vetoed migration to slower cpu")
	return false
}
