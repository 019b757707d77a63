package energy

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func littleDomain() Domain {
	return Domain{
		Name: "little",
		CPUs: cpuset.New(0, 1, 2, 3),
		OPPs: []OPP{
			{Frequency: 1000000, Voltage: 800000},
			{Frequency: 400000, Voltage: 600000},
			{Frequency: 700000, Voltage: 700000},
		},
		Params: Params{
			MIPS:              [NumModes]uint64{500, 400},
			Coefficient:       [NumModes]uint64{500, 600},
			StaticCoefficient: 100,
		},
	}
}

func bigDomain() Domain {
	return Domain{
		Name: "big",
		CPUs: cpuset.New(4, 5),
		OPPs: []OPP{
			{Frequency: 1000000, Voltage: 700000},
			{Frequency: 1500000, Voltage: 850000},
			{Frequency: 2000000, Voltage: 1000000},
		},
		Params: Params{
			MIPS:              [NumModes]uint64{1000, 1000},
			Coefficient:       [NumModes]uint64{1200, 1500},
			StaticCoefficient: 250,
		},
	}
}

func newTwoClusterTopology(t *testing.T) *Topology {
	t.Helper()
	topo := NewTopology(6, quietLogger())
	if err := topo.RegisterDomain(littleDomain()); err != nil {
		t.Fatalf("register little: %v", err)
	}
	if err := topo.RegisterDomain(bigDomain()); err != nil {
		t.Fatalf("register big: %v", err)
	}
	return topo
}

func TestRegisterDomain_CapacityMonotonicAndTopIsOrig(t *testing.T) {
	topo := newTwoClusterTopology(t)

	for cpu := 0; cpu < topo.NumCPUs(); cpu++ {
		table := topo.Table(cpu)
		if table == nil {
			t.Fatalf("cpu %d: expected energy table", cpu)
		}
		for m := Mode(0); m < NumModes; m++ {
			for i := 1; i < len(table.States); i++ {
				if table.States[i].Capacity[m] < table.States[i-1].Capacity[m] {
					t.Fatalf("cpu %d mode %s: capacity decreases at row %d", cpu, m, i)
				}
			}
			top := table.States[len(table.States)-1].Capacity[m]
			if top != topo.OrigCapacity(cpu, m) {
				t.Fatalf("cpu %d mode %s: top row %d != orig %d", cpu, m, top, topo.OrigCapacity(cpu, m))
			}
		}
	}

	if got := topo.OrigCapacity(4, Normal); got != SchedCapacityScale {
		t.Fatalf("expected fastest cpu at %d, got %d", SchedCapacityScale, got)
	}
	// 1GHz * 500 * 1024 / (2GHz * 1000)
	if got := topo.OrigCapacity(0, Normal); got != 256 {
		t.Fatalf("expected little capacity 256, got %d", got)
	}
	// 1GHz * 400 * 1024 / (2GHz * 1000)
	if got := topo.OrigCapacity(0, Secondary); got != 204 {
		t.Fatalf("expected little secondary capacity 204, got %d", got)
	}
}

func TestRegisterDomain_PowerRows(t *testing.T) {
	topo := newTwoClusterTopology(t)
	table := topo.Table(0)

	// rows are sorted by frequency regardless of OPP order
	if table.States[0].Frequency != 400000 || table.States[2].Frequency != 1000000 {
		t.Fatalf("unexpected row order: %+v", table.States)
	}
	top := table.States[2]
	// 500 * 1000MHz * 800mV^2 / 1e9
	if top.Power[Normal] != 320 {
		t.Fatalf("expected power 320, got %d", top.Power[Normal])
	}
	// 600 * 1000MHz * 800mV^2 / 1e9
	if top.Power[Secondary] != 384 {
		t.Fatalf("expected secondary power 384, got %d", top.Power[Secondary])
	}
	// 100 * 800mV^2 / 1e6
	if top.StaticPower != 64 {
		t.Fatalf("expected static power 64, got %d", top.StaticPower)
	}
}

func TestRegisterDomain_FasterDomainRefillsExistingTables(t *testing.T) {
	topo := NewTopology(6, quietLogger())
	if err := topo.RegisterDomain(littleDomain()); err != nil {
		t.Fatalf("register little: %v", err)
	}
	if got := topo.OrigCapacity(0, Normal); got != SchedCapacityScale {
		t.Fatalf("little alone should be the fastest, got %d", got)
	}

	if err := topo.RegisterDomain(bigDomain()); err != nil {
		t.Fatalf("register big: %v", err)
	}
	if got := topo.OrigCapacity(0, Normal); got != 256 {
		t.Fatalf("little should be rescaled to 256, got %d", got)
	}
	if got := topo.Capacity(0, Normal); got != 256 {
		t.Fatalf("little live capacity should follow, got %d", got)
	}
}

func TestRegisterDomain_MIPSMismatchKeepsPriorState(t *testing.T) {
	topo := NewTopology(6, quietLogger())
	if err := topo.RegisterDomain(littleDomain()); err != nil {
		t.Fatalf("register little: %v", err)
	}
	before := topo.OrigCapacity(0, Normal)

	d := bigDomain()
	d.CPUParams = map[int]Params{
		5: {MIPS: [NumModes]uint64{900, 900}, Coefficient: [NumModes]uint64{1200, 1500}},
	}
	err := topo.RegisterDomain(d)
	if !errors.Is(err, ErrMIPSMismatch) {
		t.Fatalf("expected ErrMIPSMismatch, got %v", err)
	}
	if topo.HasTable(4) || topo.HasTable(5) {
		t.Fatalf("rejected domain must not get tables")
	}
	if topo.OrigCapacity(0, Normal) != before {
		t.Fatalf("existing capacities must be untouched")
	}
	if topo.DomainName(4) != "" {
		t.Fatalf("rejected domain must not be registered")
	}

	// A corrected domain can still be registered afterwards.
	if err := topo.RegisterDomain(bigDomain()); err != nil {
		t.Fatalf("register corrected big: %v", err)
	}
}

func TestRegisterDomain_NoStatesInRange(t *testing.T) {
	topo := NewTopology(6, quietLogger())
	d := littleDomain()
	d.MinFreq = 3000000
	d.FallbackCapacity = 128
	if err := topo.RegisterDomain(d); err != nil {
		t.Fatalf("empty domain should register: %v", err)
	}
	if topo.HasTable(0) {
		t.Fatalf("expected no energy table")
	}
	if got := topo.OrigCapacity(0, Normal); got != 128 {
		t.Fatalf("expected fallback capacity 128, got %d", got)
	}
	if err := topo.RegisterDomain(bigDomain()); err != nil {
		t.Fatalf("register big: %v", err)
	}
	if got := topo.OrigCapacity(4, Normal); got != SchedCapacityScale {
		t.Fatalf("expected big at full scale, got %d", got)
	}
}

func TestRegisterDomain_NoMIPSRegistersWithoutTables(t *testing.T) {
	topo := NewTopology(6, quietLogger())
	d := littleDomain()
	d.Params.MIPS = [NumModes]uint64{}
	if err := topo.RegisterDomain(d); err != nil {
		t.Fatalf("domain without mips should register: %v", err)
	}
	if topo.HasTable(0) || topo.Table(0) != nil {
		t.Fatalf("expected no energy table")
	}
	if got := topo.DomainName(0); got != d.Name {
		t.Fatalf("expected cpu 0 in domain %q, got %q", d.Name, got)
	}
	if got := topo.OrigCapacity(0, Normal); got != SchedCapacityScale {
		t.Fatalf("expected fallback capacity, got %d", got)
	}
	if err := topo.RegisterDomain(bigDomain()); err != nil {
		t.Fatalf("register big: %v", err)
	}
	if !topo.HasTable(4) {
		t.Fatalf("big domain must still get tables")
	}
}

func TestRegisterDomain_RejectsOverlap(t *testing.T) {
	topo := newTwoClusterTopology(t)
	d := bigDomain()
	d.Name = "dup"
	d.CPUs = cpuset.New(3)
	if err := topo.RegisterDomain(d); !errors.Is(err, ErrDomainExists) {
		t.Fatalf("expected ErrDomainExists, got %v", err)
	}
}

func TestLiveCapacity_PolicyAndQoSClip(t *testing.T) {
	topo := newTwoClusterTopology(t)

	if err := topo.OnPolicyMaxChanged(4, 1500000); err != nil {
		t.Fatalf("policy: %v", err)
	}
	// 1.5GHz * 1000 * 1024 / (2GHz * 1000)
	if got := topo.Capacity(5, Normal); got != 768 {
		t.Fatalf("expected policy clip to 768, got %d", got)
	}
	if got := topo.OrigCapacity(5, Normal); got != SchedCapacityScale {
		t.Fatalf("orig capacity must not be clipped, got %d", got)
	}

	if err := topo.SetQoSRequest(4, 0, 1000000); err != nil {
		t.Fatalf("qos: %v", err)
	}
	if got := topo.Capacity(4, Normal); got != 512 {
		t.Fatalf("expected min(policy, qos) = 512, got %d", got)
	}

	// a floor above the ceiling raises the ceiling
	if err := topo.SetQoSRequest(4, 2000000, 1000000); err != nil {
		t.Fatalf("qos: %v", err)
	}
	if got := topo.Capacity(4, Normal); got != 768 {
		t.Fatalf("expected policy clip to win again, got %d", got)
	}

	if err := topo.OnPolicyMaxChanged(4, 0); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if got := topo.Capacity(4, Normal); got != SchedCapacityScale {
		t.Fatalf("expected unclipped capacity, got %d", got)
	}
}

func TestCapacityRatio(t *testing.T) {
	topo := newTwoClusterTopology(t)
	// 204 * 1024 / 256
	if got := topo.CapacityRatio(0); got != 816 {
		t.Fatalf("expected ratio 816, got %d", got)
	}
	if got := topo.CapacityRatio(4); got != SchedCapacityScale {
		t.Fatalf("expected ratio 1024, got %d", got)
	}
}

func TestWeights_DefaultToOne(t *testing.T) {
	topo := newTwoClusterTopology(t)
	if w := topo.Weight(2, false); w != (Weight{1, 1}) {
		t.Fatalf("expected default weight, got %+v", w)
	}
	if err := topo.SetWeights(2, Weight{Capacity: 3}, Weight{Energy: 5}); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	if w := topo.Weight(2, false); w != (Weight{3, 1}) {
		t.Fatalf("unexpected normal weight %+v", w)
	}
	if w := topo.Weight(2, true); w != (Weight{1, 5}) {
		t.Fatalf("unexpected perf weight %+v", w)
	}
	if err := topo.SetWeights(42, Weight{}, Weight{}); !errors.Is(err, ErrInvalidCPU) {
		t.Fatalf("expected ErrInvalidCPU, got %v", err)
	}
}

func TestClusters(t *testing.T) {
	topo := NewTopology(7, quietLogger())
	if err := topo.RegisterDomain(littleDomain()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := topo.RegisterDomain(bigDomain()); err != nil {
		t.Fatalf("register: %v", err)
	}
	clusters := topo.Clusters()
	if len(clusters) != 3 {
		t.Fatalf("expected 3 clusters, got %v", clusters)
	}
	if !topo.Cluster(6).Equals(cpuset.New(6)) {
		t.Fatalf("unassigned cpu should form its own cluster")
	}
	if !topo.Cluster(5).Equals(cpuset.New(4, 5)) {
		t.Fatalf("unexpected cluster for cpu 5: %s", topo.Cluster(5))
	}
}

func TestTable_CapIndex(t *testing.T) {
	table := &Table{States: []State{
		{Frequency: 1000, Capacity: [NumModes]uint64{512, 512}, Power: [NumModes]uint64{10, 10}},
		{Frequency: 2000, Capacity: [NumModes]uint64{1024, 1024}, Power: [NumModes]uint64{40, 40}},
	}}
	if idx := table.CapIndex(Normal, 600); idx != 1 {
		t.Fatalf("expected row 1 for util 600, got %d", idx)
	}
	if idx := table.CapIndex(Normal, 512); idx != 0 {
		t.Fatalf("expected row 0 for util 512, got %d", idx)
	}
	if idx := table.CapIndex(Normal, 2000); idx != -1 {
		t.Fatalf("expected -1 above the top row, got %d", idx)
	}
}

func TestDumps(t *testing.T) {
	topo := newTwoClusterTopology(t)
	var buf bytes.Buffer
	if err := topo.DumpWeights(&buf); err != nil {
		t.Fatalf("dump weights: %v", err)
	}
	if !strings.Contains(buf.String(), "c_weight_perf") {
		t.Fatalf("missing header: %s", buf.String())
	}
	buf.Reset()
	if err := topo.DumpTopology(&buf); err != nil {
		t.Fatalf("dump topology: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "little") || !strings.Contains(out, "2000000") {
		t.Fatalf("unexpected topology dump:\n%s", out)
	}
}
