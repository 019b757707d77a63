package energy

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// DumpWeights writes the per-CPU weight table. Observability only.
func (t *Topology) DumpWeights(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "cpu\tc_weight\te_weight\tc_weight_perf\te_weight_perf")
	for cpu := 0; cpu < t.nrCPUs; cpu++ {
		n := t.Weight(cpu, false)
		p := t.Weight(cpu, true)
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", cpu, n.Capacity, n.Energy, p.Capacity, p.Energy)
	}
	return tw.Flush()
}

// DumpTopology writes clusters, capacities and energy tables.
func (t *Topology) DumpTopology(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "cpu\tdomain\tcluster\torig\torig_sec\tlive\tlive_sec\tratio\tstates")
	for cpu := 0; cpu < t.nrCPUs; cpu++ {
		states := 0
		if table := t.Table(cpu); table != nil {
			states = len(table.States)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			cpu,
			t.DomainName(cpu),
			t.Cluster(cpu).String(),
			t.OrigCapacity(cpu, Normal),
			t.OrigCapacity(cpu, Secondary),
			t.Capacity(cpu, Normal),
			t.Capacity(cpu, Secondary),
			t.CapacityRatio(cpu),
			states,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, cluster := range t.Clusters() {
		cpu := cluster.List()[0]
		table := t.Table(cpu)
		if table == nil {
			continue
		}
		fmt.Fprintf(w, "\ncluster %s (%s) mips=%v coefficient=%v static=%d\n",
			cluster.String(), t.DomainName(cpu), table.MIPS, table.Coefficient, table.StaticCoefficient)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "freq\tcap\tcap_sec\tpower\tpower_sec\tstatic")
		for _, st := range table.States {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n",
				st.Frequency, st.Capacity[Normal], st.Capacity[Secondary],
				st.Power[Normal], st.Power[Secondary], st.StaticPower)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
