package ontime

import (
	"errors"
	"fmt"
	"math"

	"ems-bench/internal/energy"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
)

var (
	ErrInvalidBoundary = errors.New("lower boundary above upper boundary")
	ErrUnknownCluster  = errors.New("unknown cluster")
)

// Condition holds the migration boundaries of one cluster. A disabled
// condition spans [0, MaxUint64) and never marks a task heavy.
type Condition struct {
	CPUs    cpuset.CPUSet
	Upper   [energy.NumModes]uint64
	Lower   [energy.NumModes]uint64
	Enabled bool
}

func disabledCondition(cpus cpuset.CPUSet) *Condition {
	c := &Condition{CPUs: cpus}
	for m := range c.Upper {
		c.Upper[m] = math.MaxUint64
	}
	return c
}

// BoundarySpec is the configured boundary set of one cluster. A nil field
// means the value is missing.
type BoundarySpec struct {
	CPUs  cpuset.CPUSet
	Upper [energy.NumModes]*uint64
	Lower [energy.NumModes]*uint64
}

func (s BoundarySpec) complete() bool {
	for m := 0; m < int(energy.NumModes); m++ {
		if s.Upper[m] == nil || s.Lower[m] == nil {
			return false
		}
	}
	return true
}

// NewConditions builds one condition per cluster of topo. A cluster without
// a complete and consistent spec gets a disabled condition; a spec whose
// CPUs do not match a cluster is ignored.
func NewConditions(topo *energy.Topology, specs []BoundarySpec, logger *logrus.Logger) []*Condition {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clusters := topo.Clusters()
	conds := make([]*Condition, len(clusters))
	for i, cpus := range clusters {
		conds[i] = disabledCondition(cpus)
	}

	for _, spec := range specs {
		idx := -1
		for i, cpus := range clusters {
			if cpus.Equals(spec.CPUs) {
				idx = i
				break
			}
		}
		fields := logrus.Fields{"cpus": spec.CPUs.String()}
		if idx < 0 {
			logger.WithFields(fields).Warn("On-time boundary does not match a frequency domain, ignoring")
			continue
		}
		if !spec.complete() {
			logger.WithFields(fields).Warn("On-time boundary incomplete, cluster disabled")
			continue
		}
		c := &Condition{CPUs: clusters[idx], Enabled: true}
		for m := range c.Upper {
			c.Upper[m] = *spec.Upper[m]
			c.Lower[m] = *spec.Lower[m]
		}
		if err := c.validate(); err != nil {
			logger.WithFields(fields).WithError(err).Warn("On-time boundary rejected, cluster disabled")
			continue
		}
		conds[idx] = c
		logger.WithFields(logrus.Fields{
			"cpus":  c.CPUs.String(),
			"upper": c.Upper,
			"lower": c.Lower,
		}).Info("On-time boundary configured")
	}
	return conds
}

func (c *Condition) validate() error {
	for m := energy.Mode(0); m < energy.NumModes; m++ {
		if c.Lower[m] > c.Upper[m] {
			return fmt.Errorf("%w: %s lower %d upper %d", ErrInvalidBoundary, m, c.Lower[m], c.Upper[m])
		}
	}
	return nil
}

func (c *Condition) clone() Condition {
	return *c
}
