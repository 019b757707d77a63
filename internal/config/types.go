package config

import (
	"strings"
	"time"

	"k8s.io/utils/cpuset"
)

type Config struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	LogLevel    string                 `yaml:"log_level"`
	Platform    PlatformConfig         `yaml:"platform"`
	Tunables    TunablesConfig         `yaml:"tunables"`
	Groups      map[string]GroupConfig `yaml:"groups"`
	Workload    WorkloadConfig         `yaml:"workload"`
	Data        DataConfig             `yaml:"data"`
}

type PlatformConfig struct {
	NrCPUs  int               `yaml:"nr_cpus"`
	Domains []DomainConfig    `yaml:"domains"`
	Weights []CPUWeightConfig `yaml:"weights"`
	Ontime  []OntimeConfig    `yaml:"ontime"`
}

// DomainConfig is one frequency domain. Frequencies are kHz, voltages uV.
type DomainConfig struct {
	Name                      string      `yaml:"name"`
	CPUs                      string      `yaml:"cpus"`
	MinFreq                   uint64      `yaml:"min_freq,omitempty"`
	MaxFreq                   uint64      `yaml:"max_freq,omitempty"`
	MIPS                      uint64      `yaml:"mips"`
	MIPSSecondary             uint64      `yaml:"mips_secondary,omitempty"`
	PowerCoefficient          uint64      `yaml:"power_coefficient"`
	PowerCoefficientSecondary uint64      `yaml:"power_coefficient_secondary,omitempty"`
	StaticPowerCoefficient    uint64      `yaml:"static_power_coefficient"`
	FallbackCapacity          uint64      `yaml:"fallback_capacity,omitempty"`
	OPPs                      []OPPConfig `yaml:"opps"`

	// CPUMIPS overrides MIPS for single CPUs, as reported by firmware.
	CPUMIPS map[int]uint64 `yaml:"cpu_mips,omitempty"`

	CPUSet cpuset.CPUSet `yaml:"-"`
}

type OPPConfig struct {
	Freq uint64 `yaml:"freq"`
	Volt uint64 `yaml:"volt"`
}

// CPUWeightConfig weights every CPU of CPUs. Missing values default to 1.
type CPUWeightConfig struct {
	CPUs               string  `yaml:"cpus"`
	CapacityWeight     *uint64 `yaml:"capacity_weight,omitempty"`
	EnergyWeight       *uint64 `yaml:"energy_weight,omitempty"`
	CapacityWeightPerf *uint64 `yaml:"capacity_weight_perf,omitempty"`
	EnergyWeightPerf   *uint64 `yaml:"energy_weight_perf,omitempty"`

	CPUSet cpuset.CPUSet `yaml:"-"`
}

// OntimeConfig holds the boundaries of one cluster. A missing value
// disables the cluster.
type OntimeConfig struct {
	CPUs                   string  `yaml:"cpus"`
	UpperBoundary          *uint64 `yaml:"upper_boundary,omitempty"`
	LowerBoundary          *uint64 `yaml:"lower_boundary,omitempty"`
	UpperBoundarySecondary *uint64 `yaml:"upper_boundary_secondary,omitempty"`
	LowerBoundarySecondary *uint64 `yaml:"lower_boundary_secondary,omitempty"`

	CPUSet cpuset.CPUSet `yaml:"-"`
}

type TunablesConfig struct {
	UtilHeadroomPct uint64 `yaml:"util_headroom_pct,omitempty"`
	IdleBoostPct    uint64 `yaml:"idle_boost_pct,omitempty"`
	ScanLookahead   int    `yaml:"scan_lookahead,omitempty"`
	Boost           bool   `yaml:"boost,omitempty"`
}

type GroupConfig struct {
	Parent     string `yaml:"parent,omitempty"`
	PreferPerf bool   `yaml:"prefer_perf,omitempty"`
	PreferIdle bool   `yaml:"prefer_idle,omitempty"`
	Ontime     bool   `yaml:"ontime,omitempty"`
}

// WorkloadConfig drives the simulator.
type WorkloadConfig struct {
	Ticks     int           `yaml:"ticks"`
	TickMS    int           `yaml:"tick_ms,omitempty"`
	ScanEvery int           `yaml:"scan_every,omitempty"`
	Tasks     []TaskConfig  `yaml:"tasks"`
	Events    []EventConfig `yaml:"events,omitempty"`
}

type TaskConfig struct {
	PID           int     `yaml:"pid"`
	Comm          string  `yaml:"comm"`
	Group         string  `yaml:"group,omitempty"`
	CPUs          string  `yaml:"cpus,omitempty"`
	Mode          string  `yaml:"mode,omitempty"`
	Util          uint64  `yaml:"util"`
	UtilSecondary uint64  `yaml:"util_secondary,omitempty"`
	Runnable      *uint64 `yaml:"runnable,omitempty"`
	Start         int     `yaml:"start,omitempty"`
	Stop          int     `yaml:"stop,omitempty"`

	// A task with a Period runs Busy ticks and then sleeps for the rest.
	Period int `yaml:"period,omitempty"`
	Busy   int `yaml:"busy,omitempty"`

	CPUSet cpuset.CPUSet `yaml:"-"`
}

const (
	EventPolicyMax = "policy_max"
	EventQoS       = "qos"
	EventBoost     = "boost"
	EventBoundary  = "boundary"
	EventSignals   = "signals"
)

type EventConfig struct {
	Tick    int    `yaml:"tick"`
	Kind    string `yaml:"kind"`
	CPU     int    `yaml:"cpu,omitempty"`
	MinFreq uint64 `yaml:"min_freq,omitempty"`
	MaxFreq uint64 `yaml:"max_freq,omitempty"`
	Boost   bool   `yaml:"boost,omitempty"`

	// boundary events
	Cluster int    `yaml:"cluster,omitempty"`
	Mode    string `yaml:"mode,omitempty"`
	Upper   uint64 `yaml:"upper,omitempty"`
	Lower   uint64 `yaml:"lower,omitempty"`

	// signals events replace the load signals of one task
	PID           int     `yaml:"pid,omitempty"`
	Util          uint64  `yaml:"util,omitempty"`
	UtilSecondary uint64  `yaml:"util_secondary,omitempty"`
	Runnable      *uint64 `yaml:"runnable,omitempty"`
}

type DataConfig struct {
	DB       DatabaseConfig `yaml:"db"`
	SpoolDir string         `yaml:"spool_dir,omitempty"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

// unset is true for empty values and ${VAR} references left unexpanded.
func unset(v string) bool {
	return v == "" || strings.HasPrefix(v, "${")
}

// Enabled reports whether any database field is set.
func (d DatabaseConfig) Enabled() bool {
	return !unset(d.Host) || !unset(d.Name) || !unset(d.User) || !unset(d.Password) || !unset(d.Org)
}

func (d DatabaseConfig) Complete() bool {
	return !unset(d.Host) && !unset(d.Name) && !unset(d.User) && !unset(d.Password) && !unset(d.Org)
}

func (w WorkloadConfig) TickDuration() time.Duration {
	return time.Duration(w.TickMS) * time.Millisecond
}
