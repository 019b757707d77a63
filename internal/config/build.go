package config

import (
	"fmt"
	"strings"

	"ems-bench/internal/efficiency"
	"ems-bench/internal/energy"
	"ems-bench/internal/ontime"
	"ems-bench/internal/runqueue"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ParseMode maps "normal" (or "") and "secondary" to an execution mode.
func ParseMode(s string) (energy.Mode, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return energy.Normal, nil
	case "secondary":
		return energy.Secondary, nil
	}
	return energy.Normal, fmt.Errorf("unknown mode %q", s)
}

// Domain converts d into its registration form.
func (d DomainConfig) Domain() energy.Domain {
	params := energy.Params{
		MIPS:              [energy.NumModes]uint64{d.MIPS, d.MIPSSecondary},
		Coefficient:       [energy.NumModes]uint64{d.PowerCoefficient, d.PowerCoefficientSecondary},
		StaticCoefficient: d.StaticPowerCoefficient,
	}
	out := energy.Domain{
		Name:             d.Name,
		CPUs:             d.CPUSet,
		MinFreq:          d.MinFreq,
		MaxFreq:          d.MaxFreq,
		Params:           params,
		FallbackCapacity: d.FallbackCapacity,
	}
	for _, opp := range d.OPPs {
		out.OPPs = append(out.OPPs, energy.OPP{Frequency: opp.Freq, Voltage: opp.Volt})
	}
	if len(d.CPUMIPS) > 0 {
		out.CPUParams = make(map[int]energy.Params, len(d.CPUMIPS))
		for cpu, mips := range d.CPUMIPS {
			p := params
			p.MIPS[energy.Normal] = mips
			out.CPUParams[cpu] = p
		}
	}
	return out
}

func weightValue(v *uint64) uint64 {
	if v == nil {
		return 1
	}
	return *v
}

// BuildTopology registers every domain and installs the per-CPU weights.
// A domain the model rejects is logged and skipped; its CPUs keep the
// default capacity. A domain registered without energy tables keeps its
// fallback capacity. The returned error lists both kinds; the topology is
// usable either way.
func (p PlatformConfig) BuildTopology(logger *logrus.Logger) (*energy.Topology, error) {
	topo := energy.NewTopology(p.NrCPUs, logger)
	var result *multierror.Error
	for _, d := range p.Domains {
		if err := topo.RegisterDomain(d.Domain()); err != nil {
			logger.WithField("domain", d.Name).WithError(err).Warn("Skipping frequency domain")
			result = multierror.Append(result, fmt.Errorf("domain %s: %w", d.Name, err))
			continue
		}
		if cpus := d.CPUSet.List(); len(cpus) > 0 && !topo.HasTable(cpus[0]) {
			result = multierror.Append(result, fmt.Errorf("domain %s: cpus %s have no energy table", d.Name, d.CPUSet))
		}
	}
	for _, w := range p.Weights {
		normal := energy.Weight{Capacity: weightValue(w.CapacityWeight), Energy: weightValue(w.EnergyWeight)}
		perf := energy.Weight{Capacity: weightValue(w.CapacityWeightPerf), Energy: weightValue(w.EnergyWeightPerf)}
		for _, cpu := range w.CPUSet.List() {
			if err := topo.SetWeights(cpu, normal, perf); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return topo, result.ErrorOrNil()
}

// Boundaries converts the on-time section. Missing values stay nil so the
// engine disables the cluster.
func (p PlatformConfig) Boundaries() []ontime.BoundarySpec {
	out := make([]ontime.BoundarySpec, 0, len(p.Ontime))
	for _, o := range p.Ontime {
		out = append(out, ontime.BoundarySpec{
			CPUs:  o.CPUSet,
			Upper: [energy.NumModes]*uint64{o.UpperBoundary, o.UpperBoundarySecondary},
			Lower: [energy.NumModes]*uint64{o.LowerBoundary, o.LowerBoundarySecondary},
		})
	}
	return out
}

func (t TunablesConfig) Evaluator() efficiency.Tunables {
	return efficiency.Tunables{HeadroomPct: t.UtilHeadroomPct, IdleBoostPct: t.IdleBoostPct}
}

func (t TunablesConfig) Ontime() ontime.Tunables {
	return ontime.Tunables{ScanLookahead: t.ScanLookahead}
}

// BuildGroups resolves the group section into linked runqueue groups.
func (c *Config) BuildGroups() map[string]*runqueue.Group {
	out := make(map[string]*runqueue.Group, len(c.Groups))
	for name, g := range c.Groups {
		out[name] = &runqueue.Group{
			Name:       name,
			PreferPerf: g.PreferPerf,
			PreferIdle: g.PreferIdle,
			Ontime:     g.Ontime,
		}
	}
	for name, g := range c.Groups {
		if parent, ok := out[g.Parent]; ok {
			out[name].Parent = parent
		}
	}
	return out
}
