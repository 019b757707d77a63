package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type workloadChecksumTask struct {
	PID      int    `json:"pid"`
	Group    string `json:"group,omitempty"`
	CPUs     string `json:"cpus"`
	Mode     string `json:"mode,omitempty"`
	Util     uint64 `json:"util"`
	UtilSec  uint64 `json:"util_secondary,omitempty"`
	Runnable uint64 `json:"runnable"`
	Start    int    `json:"start"`
	Stop     int    `json:"stop"`
	Period   int    `json:"period,omitempty"`
	Busy     int    `json:"busy,omitempty"`
}

type workloadChecksumPayload struct {
	Ticks  int                    `json:"ticks"`
	TickMS int                    `json:"tick_ms"`
	Tasks  []workloadChecksumTask `json:"tasks"`
	Events []EventConfig          `json:"events,omitempty"`
}

// WorkloadChecksum returns a short, stable checksum that identifies the
// simulated workload independent of platform and tunables, so runs of the
// same workload on different platforms can be grouped.
//
// It computes MD5 over a canonical JSON representation and returns the first
// 6 hex characters.
func WorkloadChecksum(cfg *Config) (string, error) {
	if cfg == nil {
		return "", nil
	}

	tasks := make([]workloadChecksumTask, 0, len(cfg.Workload.Tasks))
	for _, t := range cfg.Workload.Tasks {
		var runnable uint64
		if t.Runnable != nil {
			runnable = *t.Runnable
		}
		tasks = append(tasks, workloadChecksumTask{
			PID:      t.PID,
			Group:    t.Group,
			CPUs:     t.CPUSet.String(),
			Mode:     t.Mode,
			Util:     t.Util,
			UtilSec:  t.UtilSecondary,
			Runnable: runnable,
			Start:    t.Start,
			Stop:     t.Stop,
			Period:   t.Period,
			Busy:     t.Busy,
		})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].PID < tasks[j].PID })

	events := append([]EventConfig(nil), cfg.Workload.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Tick < events[j].Tick })

	payload := workloadChecksumPayload{
		Ticks:  cfg.Workload.Ticks,
		TickMS: cfg.Workload.TickMS,
		Tasks:  tasks,
		Events: events,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
