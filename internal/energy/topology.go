package energy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
)

var (
	ErrInvalidCPU    = errors.New("invalid cpu")
	ErrMIPSMismatch  = errors.New("cpus of one frequency domain report different mips")
	ErrNoStates      = errors.New("no operating point inside the valid frequency range")
	ErrNoMIPS        = errors.New("domain has no mips")
	ErrDomainExists  = errors.New("cpu already belongs to a frequency domain")
	ErrUnknownDomain = errors.New("unknown frequency domain")
)

// Weight biases the efficiency score of a CPU. Capacity is weighted
// quadratically against linearly weighted energy by the evaluator.
type Weight struct {
	Capacity uint64
	Energy   uint64
}

func (w Weight) normalize() Weight {
	if w.Capacity == 0 {
		w.Capacity = 1
	}
	if w.Energy == 0 {
		w.Energy = 1
	}
	return w
}

// Domain describes one frequency domain (a cluster) at registration time.
type Domain struct {
	Name    string
	CPUs    cpuset.CPUSet
	MinFreq uint64 // kHz, 0 = no lower bound
	MaxFreq uint64 // kHz, 0 = no upper bound
	OPPs    []OPP

	// Params applies to every CPU of the domain unless CPUParams has an
	// entry for it.
	Params    Params
	CPUParams map[int]Params

	// FallbackCapacity is reported for the domain's CPUs when no energy
	// table could be built. 0 means SchedCapacityScale.
	FallbackCapacity uint64
}

type domain struct {
	name     string
	cpus     cpuset.CPUSet
	params   Params
	maxFreq  uint64 // top row frequency, 0 when the domain has no states
	fallback uint64

	// writer-side clip inputs, guarded by Topology.mu
	policyMax uint64
	qosMin    uint64
	qosMax    uint64
}

type cpuCapacity struct {
	orig  [NumModes]atomic.Uint64
	live  [NumModes]atomic.Uint64
	ratio atomic.Uint64
}

// Topology owns every per-CPU energy table, capacity and weight. It is the
// only writer of that state; everything else goes through its methods.
//
// Registration and frequency notifications are serialised by mu. Capacity
// fields are atomics, so readers never block and may observe a value that
// is one notification old.
type Topology struct {
	logger *logrus.Logger
	nrCPUs int

	mu sync.Mutex

	// tableMu guards tables, weights, domains and cpuDomain for readers.
	tableMu   sync.RWMutex
	domains   []*domain
	cpuDomain []int
	tables    []*Table
	weights   [][2]Weight

	fastFreq uint64
	fastMIPS [NumModes]uint64

	caps []cpuCapacity
}

func NewTopology(nrCPUs int, logger *logrus.Logger) *Topology {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	t := &Topology{
		logger:    logger,
		nrCPUs:    nrCPUs,
		cpuDomain: make([]int, nrCPUs),
		tables:    make([]*Table, nrCPUs),
		weights:   make([][2]Weight, nrCPUs),
		caps:      make([]cpuCapacity, nrCPUs),
	}
	for cpu := 0; cpu < nrCPUs; cpu++ {
		t.cpuDomain[cpu] = -1
		t.weights[cpu] = [2]Weight{{1, 1}, {1, 1}}
		for m := Mode(0); m < NumModes; m++ {
			t.caps[cpu].orig[m].Store(SchedCapacityScale)
			t.caps[cpu].live[m].Store(SchedCapacityScale)
		}
		t.caps[cpu].ratio.Store(SchedCapacityScale)
	}
	return t
}

func (t *Topology) NumCPUs() int { return t.nrCPUs }

func (t *Topology) validCPU(cpu int) bool { return cpu >= 0 && cpu < t.nrCPUs }

func normalizeParams(p Params) Params {
	for m := Mode(1); m < NumModes; m++ {
		if p.MIPS[m] == 0 {
			p.MIPS[m] = p.MIPS[Normal]
		}
		if p.Coefficient[m] == 0 {
			p.Coefficient[m] = p.Coefficient[Normal]
		}
	}
	return p
}

// RegisterDomain builds the energy tables of one frequency domain. A domain
// whose CPUs disagree on MIPS is rejected without touching existing state.
// A domain without mips or without a single valid operating point is
// registered without tables; its CPUs keep the fallback capacity and drop
// out of scoring.
func (t *Topology) RegisterDomain(d Domain) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d.CPUs.IsEmpty() {
		return fmt.Errorf("domain %q: %w: empty cpu set", d.Name, ErrInvalidCPU)
	}

	params := make(map[int]Params, d.CPUs.Size())
	var ref *Params
	for _, cpu := range d.CPUs.List() {
		if !t.validCPU(cpu) {
			return fmt.Errorf("domain %q: %w: %d", d.Name, ErrInvalidCPU, cpu)
		}
		if t.cpuDomain[cpu] != -1 {
			return fmt.Errorf("domain %q: cpu %d: %w", d.Name, cpu, ErrDomainExists)
		}
		p := d.Params
		if override, ok := d.CPUParams[cpu]; ok {
			p = override
		}
		p = normalizeParams(p)
		if ref == nil {
			ref = &p
		} else if p.MIPS != ref.MIPS {
			return fmt.Errorf("domain %q: cpu %d mips %v, expected %v: %w", d.Name, cpu, p.MIPS, ref.MIPS, ErrMIPSMismatch)
		}
		params[cpu] = p
	}

	var states []State
	noTable := ErrNoMIPS
	if ref.MIPS[Normal] > 0 {
		states = buildStates(*ref, d.OPPs, d.MinFreq, d.MaxFreq)
		noTable = ErrNoStates
	}

	dom := &domain{
		name:     d.Name,
		cpus:     d.CPUs.Clone(),
		params:   *ref,
		fallback: d.FallbackCapacity,
	}
	if dom.fallback == 0 {
		dom.fallback = SchedCapacityScale
	}

	t.tableMu.Lock()
	idx := len(t.domains)
	t.domains = append(t.domains, dom)
	for _, cpu := range d.CPUs.List() {
		t.cpuDomain[cpu] = idx
	}

	if len(states) == 0 {
		t.tableMu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"domain":   d.Name,
			"cpus":     d.CPUs.String(),
			"min_freq": d.MinFreq,
			"max_freq": d.MaxFreq,
		}).WithError(noTable).Warn("Energy table not built, cpus excluded from efficiency scoring")
		for _, cpu := range d.CPUs.List() {
			for m := Mode(0); m < NumModes; m++ {
				t.caps[cpu].orig[m].Store(dom.fallback)
			}
		}
		t.refreshDomainLocked(dom)
		return nil
	}

	for _, cpu := range d.CPUs.List() {
		p := params[cpu]
		t.tables[cpu] = &Table{
			MIPS:              p.MIPS,
			Coefficient:       p.Coefficient,
			StaticCoefficient: p.StaticCoefficient,
			States:            buildStates(p, d.OPPs, d.MinFreq, d.MaxFreq),
		}
	}
	dom.maxFreq = states[len(states)-1].Frequency

	refillAll := false
	if dom.maxFreq*dom.params.MIPS[Normal] > t.fastFreq*t.fastMIPS[Normal] {
		t.fastFreq = dom.maxFreq
		t.fastMIPS = dom.params.MIPS
		refillAll = true
	}

	refreshed := make([]*domain, 0, len(t.domains))
	if refillAll {
		for cpu, table := range t.tables {
			if table != nil {
				fillCapacity(t.tables[cpu], t.fastFreq, t.fastMIPS)
			}
		}
		refreshed = append(refreshed, t.domains...)
	} else {
		for _, cpu := range d.CPUs.List() {
			fillCapacity(t.tables[cpu], t.fastFreq, t.fastMIPS)
		}
		refreshed = append(refreshed, dom)
	}
	t.tableMu.Unlock()

	for _, rd := range refreshed {
		t.refreshDomainLocked(rd)
	}

	t.logger.WithFields(logrus.Fields{
		"domain":      d.Name,
		"cpus":        d.CPUs.String(),
		"states":      len(states),
		"max_freq":    dom.maxFreq,
		"mips":        dom.params.MIPS,
		"refill_all":  refillAll,
		"fastest_khz": t.fastFreq,
	}).Info("Registered frequency domain")
	return nil
}

// refreshDomainLocked re-derives original and live capacity of every CPU in
// dom. Callers hold t.mu.
func (t *Topology) refreshDomainLocked(dom *domain) {
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()

	for _, cpu := range dom.cpus.List() {
		table := t.tables[cpu]
		c := &t.caps[cpu]

		if top := table.top(); top != nil {
			for m := Mode(0); m < NumModes; m++ {
				c.orig[m].Store(top.Capacity[m])
			}
		}

		var live [NumModes]uint64
		for m := Mode(0); m < NumModes; m++ {
			orig := c.orig[m].Load()
			freqClip := clipCapacity(table, m, dom.policyMax, orig)
			qosCeil := dom.qosMax
			if qosCeil != 0 && dom.qosMin > qosCeil {
				qosCeil = dom.qosMin
			}
			qosClip := clipCapacity(table, m, qosCeil, orig)
			live[m] = min(freqClip, qosClip)
			c.live[m].Store(live[m])
		}

		ratio := uint64(SchedCapacityScale)
		if live[Normal] != 0 {
			ratio = live[Secondary] * SchedCapacityScale / live[Normal]
		}
		c.ratio.Store(ratio)
	}
}

func clipCapacity(table *Table, m Mode, freq uint64, orig uint64) uint64 {
	idx := table.FreqIndex(freq)
	if idx < 0 {
		return orig
	}
	return table.States[idx].Capacity[m]
}

func (t *Topology) domainOf(cpu int) (*domain, error) {
	if !t.validCPU(cpu) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCPU, cpu)
	}
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()
	idx := t.cpuDomain[cpu]
	if idx < 0 {
		return nil, fmt.Errorf("cpu %d: %w", cpu, ErrUnknownDomain)
	}
	return t.domains[idx], nil
}

// OnPolicyMaxChanged handles a cpufreq policy-max notification for the
// domain containing cpu. maxFreq of 0 removes the clip.
func (t *Topology) OnPolicyMaxChanged(cpu int, maxFreq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dom, err := t.domainOf(cpu)
	if err != nil {
		return err
	}
	dom.policyMax = maxFreq
	t.refreshDomainLocked(dom)
	t.logger.WithFields(logrus.Fields{
		"domain":   dom.name,
		"max_freq": maxFreq,
		"capacity": t.Capacity(cpu, Normal),
	}).Debug("Applied cpufreq policy limit")
	return nil
}

// SetQoSRequest applies a frequency QoS floor/ceiling for the domain
// containing cpu. A ceiling below the floor is raised to the floor.
func (t *Topology) SetQoSRequest(cpu int, minFreq, maxFreq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dom, err := t.domainOf(cpu)
	if err != nil {
		return err
	}
	dom.qosMin = minFreq
	dom.qosMax = maxFreq
	t.refreshDomainLocked(dom)
	t.logger.WithFields(logrus.Fields{
		"domain":   dom.name,
		"qos_min":  minFreq,
		"qos_max":  maxFreq,
		"capacity": t.Capacity(cpu, Normal),
	}).Debug("Applied frequency QoS request")
	return nil
}

// OrigCapacity is the capacity of cpu at its highest operating point.
func (t *Topology) OrigCapacity(cpu int, mode Mode) uint64 {
	if !t.validCPU(cpu) {
		return 0
	}
	return t.caps[cpu].orig[mode].Load()
}

// Capacity is the live capacity of cpu after cpufreq and QoS clipping.
func (t *Topology) Capacity(cpu int, mode Mode) uint64 {
	if !t.validCPU(cpu) {
		return 0
	}
	return t.caps[cpu].live[mode].Load()
}

// CapacityRatio is the Secondary to Normal live capacity ratio in
// SchedCapacityScale units.
func (t *Topology) CapacityRatio(cpu int) uint64 {
	if !t.validCPU(cpu) {
		return SchedCapacityScale
	}
	return t.caps[cpu].ratio.Load()
}

// Table returns a copy of the energy table of cpu, or nil when none was built.
func (t *Topology) Table(cpu int) *Table {
	if !t.validCPU(cpu) {
		return nil
	}
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()
	return t.tables[cpu].clone()
}

// SetWeights installs the normal and prefer-performance weights of cpu.
// Zero fields default to 1.
func (t *Topology) SetWeights(cpu int, normal, perf Weight) error {
	if !t.validCPU(cpu) {
		return fmt.Errorf("%w: %d", ErrInvalidCPU, cpu)
	}
	t.tableMu.Lock()
	t.weights[cpu] = [2]Weight{normal.normalize(), perf.normalize()}
	t.tableMu.Unlock()
	return nil
}

// Weight returns the weight pair used to score cpu.
func (t *Topology) Weight(cpu int, preferPerf bool) Weight {
	if !t.validCPU(cpu) {
		return Weight{1, 1}
	}
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()
	if preferPerf {
		return t.weights[cpu][1]
	}
	return t.weights[cpu][0]
}

// Cluster returns the CPUs sharing cpu's frequency domain. A CPU outside any
// registered domain forms a cluster of its own.
func (t *Topology) Cluster(cpu int) cpuset.CPUSet {
	if !t.validCPU(cpu) {
		return cpuset.New()
	}
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()
	if idx := t.cpuDomain[cpu]; idx >= 0 {
		return t.domains[idx].cpus
	}
	return cpuset.New(cpu)
}

// Clusters lists every cluster, registered domains first, in registration
// order, followed by singleton clusters for unassigned CPUs.
func (t *Topology) Clusters() []cpuset.CPUSet {
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()
	out := make([]cpuset.CPUSet, 0, len(t.domains))
	for _, d := range t.domains {
		out = append(out, d.cpus)
	}
	for cpu := 0; cpu < t.nrCPUs; cpu++ {
		if t.cpuDomain[cpu] == -1 {
			out = append(out, cpuset.New(cpu))
		}
	}
	return out
}

// DomainName returns the name of the frequency domain containing cpu.
func (t *Topology) DomainName(cpu int) string {
	dom, err := t.domainOf(cpu)
	if err != nil {
		return ""
	}
	return dom.name
}

// HasTable reports whether cpu takes part in efficiency scoring.
func (t *Topology) HasTable(cpu int) bool {
	if !t.validCPU(cpu) {
		return false
	}
	t.tableMu.RLock()
	defer t.tableMu.RUnlock()
	return t.tables[cpu] != nil && len(t.tables[cpu].States) > 0
}

// AdjustedUtil folds the secondary plane of u into normal-plane units using
// the live capacity ratio of cpu.
func (t *Topology) AdjustedUtil(cpu int, u [NumModes]uint64) uint64 {
	ratio := t.CapacityRatio(cpu)
	if ratio == 0 {
		ratio = SchedCapacityScale
	}
	return u[Normal] + u[Secondary]*SchedCapacityScale/ratio
}
