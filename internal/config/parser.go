package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"ems-bench/internal/logging"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/cpuset"
)

const (
	defaultTickMS    = 4
	defaultScanEvery = 1
)

func LoadConfig(filepath string) (*Config, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*Config, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	config, err := Parse(data)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to load config file")
		return nil, "", err
	}
	return config, originalContent, nil
}

// Parse expands ${ENV} references, decodes the YAML, resolves cpu lists,
// applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := resolveCPUSets(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// parseCPUSpec parses cpu lists like "0", "0,2,4", "0-3" or "0-3, 6".
func parseCPUSpec(spec string) (cpuset.CPUSet, error) {
	cleaned := strings.ReplaceAll(spec, " ", "")
	if cleaned == "" {
		return cpuset.New(), fmt.Errorf("no CPUs specified")
	}
	cpus, err := cpuset.Parse(cleaned)
	if err != nil {
		return cpuset.New(), fmt.Errorf("invalid CPU specification '%s': %w", spec, err)
	}
	if cpus.IsEmpty() {
		return cpus, fmt.Errorf("no CPUs specified")
	}
	return cpus, nil
}

func resolveCPUSets(config *Config) error {
	var result *multierror.Error
	p := &config.Platform

	for i := range p.Domains {
		cpus, err := parseCPUSpec(p.Domains[i].CPUs)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("domain %s: %w", p.Domains[i].Name, err))
			continue
		}
		p.Domains[i].CPUSet = cpus
	}
	for i := range p.Weights {
		cpus, err := parseCPUSpec(p.Weights[i].CPUs)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("weights %d: %w", i, err))
			continue
		}
		p.Weights[i].CPUSet = cpus
	}
	for i := range p.Ontime {
		cpus, err := parseCPUSpec(p.Ontime[i].CPUs)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("ontime %d: %w", i, err))
			continue
		}
		p.Ontime[i].CPUSet = cpus
	}
	for i := range config.Workload.Tasks {
		task := &config.Workload.Tasks[i]
		if task.CPUs == "" {
			continue
		}
		cpus, err := parseCPUSpec(task.CPUs)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("task %d: %w", task.PID, err))
			continue
		}
		task.CPUSet = cpus
	}
	return result.ErrorOrNil()
}

func applyDefaults(config *Config) {
	p := &config.Platform
	if p.NrCPUs == 0 {
		for _, d := range p.Domains {
			if cpus := d.CPUSet.List(); len(cpus) > 0 {
				p.NrCPUs = max(p.NrCPUs, cpus[len(cpus)-1]+1)
			}
		}
	}

	w := &config.Workload
	if w.TickMS <= 0 {
		w.TickMS = defaultTickMS
	}
	if w.ScanEvery <= 0 {
		w.ScanEvery = defaultScanEvery
	}
	all := allCPUs(p.NrCPUs)
	for i := range w.Tasks {
		task := &w.Tasks[i]
		if task.CPUSet.IsEmpty() {
			task.CPUSet = all
		}
		if task.Comm == "" {
			task.Comm = fmt.Sprintf("task-%d", task.PID)
		}
		if task.Runnable == nil {
			r := task.Util + task.UtilSecondary
			task.Runnable = &r
		}
	}
	for i := range w.Events {
		ev := &w.Events[i]
		if ev.Kind == EventSignals && ev.Runnable == nil {
			r := ev.Util + ev.UtilSecondary
			ev.Runnable = &r
		}
	}
}

func allCPUs(n int) cpuset.CPUSet {
	cpus := make([]int, 0, n)
	for cpu := 0; cpu < n; cpu++ {
		cpus = append(cpus, cpu)
	}
	return cpuset.New(cpus...)
}

func validateConfig(config *Config) error {
	var result *multierror.Error
	p := config.Platform

	if p.NrCPUs <= 0 {
		result = multierror.Append(result, fmt.Errorf("nr_cpus must be greater than 0"))
	}
	all := allCPUs(p.NrCPUs)

	seen := cpuset.New()
	for _, d := range p.Domains {
		if d.Name == "" {
			result = multierror.Append(result, fmt.Errorf("domain %s: name is required", d.CPUs))
		}
		if !d.CPUSet.IsSubsetOf(all) {
			result = multierror.Append(result, fmt.Errorf("domain %s: cpus %s outside 0-%d", d.Name, d.CPUSet, p.NrCPUs-1))
		}
		if overlap := seen.Intersection(d.CPUSet); !overlap.IsEmpty() {
			result = multierror.Append(result, fmt.Errorf("domain %s: cpus %s already in another domain", d.Name, overlap))
		}
		seen = seen.Union(d.CPUSet)
		if d.MaxFreq != 0 && d.MinFreq > d.MaxFreq {
			result = multierror.Append(result, fmt.Errorf("domain %s: min_freq above max_freq", d.Name))
		}
	}
	for i, w := range p.Weights {
		if !w.CPUSet.IsSubsetOf(all) {
			result = multierror.Append(result, fmt.Errorf("weights %d: cpus %s outside 0-%d", i, w.CPUSet, p.NrCPUs-1))
		}
	}

	for name, g := range config.Groups {
		if g.Parent == "" {
			continue
		}
		if _, ok := config.Groups[g.Parent]; !ok {
			result = multierror.Append(result, fmt.Errorf("group %s: unknown parent %s", name, g.Parent))
		} else if groupCycle(config.Groups, name) {
			result = multierror.Append(result, fmt.Errorf("group %s: parent chain forms a cycle", name))
		}
	}

	if db := config.Data.DB; db.Enabled() && !db.Complete() {
		result = multierror.Append(result, fmt.Errorf("incomplete database configuration"))
	}

	pids := make(map[int]bool)
	for _, task := range config.Workload.Tasks {
		if task.PID <= 0 {
			result = multierror.Append(result, fmt.Errorf("task %s: pid must be greater than 0", task.Comm))
		}
		if pids[task.PID] {
			result = multierror.Append(result, fmt.Errorf("task %d: pid is already used", task.PID))
		}
		pids[task.PID] = true
		if task.Group != "" {
			if _, ok := config.Groups[task.Group]; !ok {
				result = multierror.Append(result, fmt.Errorf("task %d: unknown group %s", task.PID, task.Group))
			}
		}
		if _, err := ParseMode(task.Mode); err != nil {
			result = multierror.Append(result, fmt.Errorf("task %d: %w", task.PID, err))
		}
		if !task.CPUSet.IsSubsetOf(all) {
			result = multierror.Append(result, fmt.Errorf("task %d: cpus %s outside 0-%d", task.PID, task.CPUSet, p.NrCPUs-1))
		}
		if task.Period > 0 && (task.Busy <= 0 || task.Busy > task.Period) {
			result = multierror.Append(result, fmt.Errorf("task %d: busy must be within 1-%d", task.PID, task.Period))
		}
	}

	for i, ev := range config.Workload.Events {
		switch ev.Kind {
		case EventPolicyMax, EventQoS:
			if ev.CPU < 0 || ev.CPU >= p.NrCPUs {
				result = multierror.Append(result, fmt.Errorf("event %d: invalid cpu %d", i, ev.CPU))
			}
		case EventBoost:
		case EventSignals:
			if !pids[ev.PID] {
				result = multierror.Append(result, fmt.Errorf("event %d: unknown pid %d", i, ev.PID))
			}
		case EventBoundary:
			if _, err := ParseMode(ev.Mode); err != nil {
				result = multierror.Append(result, fmt.Errorf("event %d: %w", i, err))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("event %d: unknown kind %q", i, ev.Kind))
		}
	}

	if result != nil {
		// stable output for the validate command
		sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].Error() < result.Errors[j].Error() })
	}
	return result.ErrorOrNil()
}

func groupCycle(groups map[string]GroupConfig, start string) bool {
	visited := map[string]bool{start: true}
	for name := groups[start].Parent; name != ""; name = groups[name].Parent {
		if visited[name] {
			return true
		}
		visited[name] = true
	}
	return false
}
