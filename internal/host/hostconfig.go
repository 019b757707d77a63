package host

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ems-bench/internal/config"
	"ems-bench/internal/logging"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"
)

const (
	DefaultSysfsRoot = "/sys/devices/system/cpu"
	defaultProcRoot  = "/proc"

	// sysfs exposes no voltages; probed tables get a linear ramp between
	// these two values so the energy model still orders the rows.
	estimatedMinVolt = 600000
	estimatedMaxVolt = 1000000
)

// HostConfig describes the CPU layout of the machine as seen in sysfs.
type HostConfig struct {
	CPUVendor     string
	CPUModel      string
	TotalThreads  int
	Hostname      string
	OSInfo        string
	KernelVersion string

	Policies []Policy

	logger *logrus.Logger
}

// Policy is one cpufreq policy, i.e. one frequency domain.
type Policy struct {
	Name        string
	CPUs        cpuset.CPUSet
	MinFreq     uint64
	MaxFreq     uint64
	Frequencies []uint64
	// Capacity is the firmware cpu_capacity of the policy's CPUs, 0 if absent.
	Capacity uint64
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig probes the running machine once.
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = Probe(DefaultSysfsRoot, defaultProcRoot)
	})
	return globalHostConfig, err
}

// Probe reads the cpufreq policies below sysfsRoot and the CPU identity
// from procRoot. A missing procfs is not an error.
func Probe(sysfsRoot, procRoot string) (*HostConfig, error) {
	logger := logging.GetLogger()

	hc := &HostConfig{logger: logger}
	hc.initSystemInfo(procRoot)
	hc.initCPUInfo(procRoot)

	if err := hc.initPolicies(sysfsRoot); err != nil {
		return nil, fmt.Errorf("failed to read cpufreq policies: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"cpu_model": hc.CPUModel,
		"threads":   hc.TotalThreads,
		"policies":  len(hc.Policies),
	}).Info("Host configuration initialized")
	return hc, nil
}

func (hc *HostConfig) initSystemInfo(procRoot string) {
	if hostname, err := os.Hostname(); err == nil {
		hc.Hostname = hostname
	}
	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile(filepath.Join(procRoot, "version")); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			hc.KernelVersion = version[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}
}

func (hc *HostConfig) initCPUInfo(procRoot string) {
	hc.CPUVendor = "unknown"
	hc.CPUModel = "unknown"

	file, err := os.Open(filepath.Join(procRoot, "cpuinfo"))
	if err != nil {
		hc.TotalThreads = runtime.NumCPU()
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "processor":
			hc.TotalThreads++
		case "vendor_id", "CPU implementer":
			if hc.CPUVendor == "unknown" {
				hc.CPUVendor = value
			}
		case "model name", "Hardware":
			if hc.CPUModel == "unknown" {
				hc.CPUModel = value
			}
		}
	}
	if hc.TotalThreads == 0 {
		hc.TotalThreads = runtime.NumCPU()
	}
}

func (hc *HostConfig) initPolicies(root string) error {
	dirs, err := filepath.Glob(filepath.Join(root, "cpufreq", "policy*"))
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no cpufreq policies under %s", root)
	}

	for _, dir := range dirs {
		p, err := readPolicy(root, dir)
		if err != nil {
			hc.logger.WithField("policy", dir).WithError(err).Warn("Skipping cpufreq policy")
			continue
		}
		hc.Policies = append(hc.Policies, p)
	}
	if len(hc.Policies) == 0 {
		return fmt.Errorf("no readable cpufreq policies under %s", root)
	}
	sort.Slice(hc.Policies, func(i, j int) bool {
		return hc.Policies[i].CPUs.List()[0] < hc.Policies[j].CPUs.List()[0]
	})
	return nil
}

func readPolicy(root, dir string) (Policy, error) {
	p := Policy{Name: filepath.Base(dir)}

	related, err := readString(filepath.Join(dir, "related_cpus"))
	if err != nil {
		return p, err
	}
	// related_cpus is space separated, cpuset.Parse wants commas
	p.CPUs, err = cpuset.Parse(strings.Join(strings.Fields(related), ","))
	if err != nil {
		return p, fmt.Errorf("related_cpus: %w", err)
	}
	if p.CPUs.IsEmpty() {
		return p, fmt.Errorf("related_cpus is empty")
	}

	if p.MinFreq, err = readUint(filepath.Join(dir, "cpuinfo_min_freq")); err != nil {
		return p, err
	}
	if p.MaxFreq, err = readUint(filepath.Join(dir, "cpuinfo_max_freq")); err != nil {
		return p, err
	}

	if freqs, err := readString(filepath.Join(dir, "scaling_available_frequencies")); err == nil {
		for _, f := range strings.Fields(freqs) {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return p, fmt.Errorf("scaling_available_frequencies: %w", err)
			}
			p.Frequencies = append(p.Frequencies, v)
		}
	}
	if len(p.Frequencies) == 0 {
		p.Frequencies = []uint64{p.MinFreq, p.MaxFreq}
	}
	sort.Slice(p.Frequencies, func(i, j int) bool { return p.Frequencies[i] < p.Frequencies[j] })
	p.Frequencies = dedup(p.Frequencies)

	first := p.CPUs.List()[0]
	if c, err := readUint(filepath.Join(root, fmt.Sprintf("cpu%d", first), "cpu_capacity")); err == nil {
		p.Capacity = c
	}
	return p, nil
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return v, nil
}

func dedup(sorted []uint64) []uint64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// NumCPUs is one past the highest CPU of any policy.
func (hc *HostConfig) NumCPUs() int {
	n := 0
	for _, p := range hc.Policies {
		cpus := p.CPUs.List()
		n = max(n, cpus[len(cpus)-1]+1)
	}
	return n
}

// PlatformConfig turns the probed policies into a platform section. MIPS
// comes from cpu_capacity scaled to the policy's max frequency, so the
// fastest domain keeps its firmware capacity. Voltages are estimated.
func (hc *HostConfig) PlatformConfig() config.PlatformConfig {
	out := config.PlatformConfig{NrCPUs: hc.NumCPUs()}

	var topFreq uint64
	for _, p := range hc.Policies {
		topFreq = max(topFreq, p.MaxFreq)
	}

	for i, p := range hc.Policies {
		mips := uint64(1024)
		if p.Capacity > 0 && p.MaxFreq > 0 {
			// capacity = freq*mips/(topFreq*topMips); keep 1024 mips at topFreq
			mips = p.Capacity * topFreq / p.MaxFreq
		}
		d := config.DomainConfig{
			Name:             fmt.Sprintf("cluster%d", i),
			CPUs:             p.CPUs.String(),
			MinFreq:          p.MinFreq,
			MaxFreq:          p.MaxFreq,
			MIPS:             mips,
			PowerCoefficient: 100,
			CPUSet:           p.CPUs,
		}
		for j, f := range p.Frequencies {
			d.OPPs = append(d.OPPs, config.OPPConfig{Freq: f, Volt: estimateVolt(j, len(p.Frequencies))})
		}
		out.Domains = append(out.Domains, d)
	}
	return out
}

func estimateVolt(i, n int) uint64 {
	if n <= 1 {
		return estimatedMaxVolt
	}
	return estimatedMinVolt + uint64(i)*(estimatedMaxVolt-estimatedMinVolt)/uint64(n-1)
}
