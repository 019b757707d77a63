package energy

import (
	"sort"
)

const (
	SchedCapacityShift = 10
	SchedCapacityScale = 1 << SchedCapacityShift
)

// Mode is an execution-mode accounting plane. A CPU runs the same
// frequency table in both planes but delivers different throughput and
// draws different power depending on the instruction mix.
type Mode int

const (
	Normal Mode = iota
	Secondary
	NumModes
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Secondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// OPP is one platform operating point as reported by the frequency driver.
type OPP struct {
	Frequency uint64 // kHz
	Voltage   uint64 // uV
}

// Params are the per-CPU energy coefficients read from platform data.
type Params struct {
	MIPS              [NumModes]uint64
	Coefficient       [NumModes]uint64
	StaticCoefficient uint64
}

// State is one row of an energy table.
type State struct {
	Frequency   uint64
	Capacity    [NumModes]uint64
	Power       [NumModes]uint64
	StaticPower uint64
}

// Table maps the operating points of one CPU to capacity and power.
// States are ordered by increasing frequency.
type Table struct {
	MIPS              [NumModes]uint64
	Coefficient       [NumModes]uint64
	StaticCoefficient uint64
	States            []State
}

func (t *Table) top() *State {
	if t == nil || len(t.States) == 0 {
		return nil
	}
	return &t.States[len(t.States)-1]
}

// MaxFrequency returns the frequency of the last row, or 0 for an empty table.
func (t *Table) MaxFrequency() uint64 {
	if s := t.top(); s != nil {
		return s.Frequency
	}
	return 0
}

// CapIndex returns the smallest row whose capacity in mode covers util,
// or -1 when even the top row is too small.
func (t *Table) CapIndex(mode Mode, util uint64) int {
	if t == nil {
		return -1
	}
	for i := range t.States {
		if t.States[i].Capacity[mode] >= util {
			return i
		}
	}
	return -1
}

// FreqIndex returns the highest row whose frequency does not exceed freq.
// A freq of 0 means unclipped. Frequencies below the first row clamp to 0.
func (t *Table) FreqIndex(freq uint64) int {
	if t == nil || len(t.States) == 0 {
		return -1
	}
	if freq == 0 {
		return len(t.States) - 1
	}
	idx := 0
	for i := range t.States {
		if t.States[i].Frequency <= freq {
			idx = i
		}
	}
	return idx
}

func (t *Table) clone() *Table {
	if t == nil {
		return nil
	}
	out := *t
	out.States = append([]State(nil), t.States...)
	return &out
}

// buildStates converts the platform operating points into energy rows,
// dropping rows outside [minFreq, maxFreq]. maxFreq of 0 disables the
// upper bound. Capacity is filled in later by fillCapacity once the
// fastest domain is known.
func buildStates(p Params, opps []OPP, minFreq, maxFreq uint64) []State {
	sorted := append([]OPP(nil), opps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Frequency < sorted[j].Frequency })

	states := make([]State, 0, len(sorted))
	for _, opp := range sorted {
		if opp.Frequency < minFreq || (maxFreq != 0 && opp.Frequency > maxFreq) {
			continue
		}
		fMHz := opp.Frequency / 1000
		vMV := opp.Voltage / 1000

		st := State{Frequency: opp.Frequency}
		for m := Mode(0); m < NumModes; m++ {
			// power = coefficient * f * v^2, scaled down to fit the
			// range the evaluator works in.
			st.Power[m] = p.Coefficient[m] * fMHz * vMV * vMV / 1000000000
		}
		st.StaticPower = p.StaticCoefficient * vMV * vMV / 1000000
		states = append(states, st)
	}
	return states
}

// fillCapacity recomputes every row's capacity against the fastest domain.
// Rows are rewritten in place; the slice is never reallocated.
func fillCapacity(t *Table, fastFreq uint64, fastMIPS [NumModes]uint64) {
	if t == nil {
		return
	}
	for i := range t.States {
		f := t.States[i].Frequency
		for m := Mode(0); m < NumModes; m++ {
			if fastFreq == 0 || fastMIPS[m] == 0 {
				t.States[i].Capacity[m] = 0
				continue
			}
			t.States[i].Capacity[m] = f * t.MIPS[m] * SchedCapacityScale / (fastFreq * fastMIPS[m])
		}
	}
}
