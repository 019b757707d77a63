package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ems-bench/internal/trace"
)

// SelectRecord is the on-disk form of a trace.Select.
type SelectRecord struct {
	Time       time.Time `json:"time"`
	PID        int       `json:"pid"`
	Comm       string    `json:"comm"`
	Candidates string    `json:"candidates"`
	Idle       string    `json:"idle"`
	CPU        int       `json:"cpu"`
	Score      uint64    `json:"score"`
	IdleWinner bool      `json:"idle_winner"`
	Reason     string    `json:"reason,omitempty"`
}

// MigrationRecord is the on-disk form of a trace.Migration.
type MigrationRecord struct {
	Time     time.Time `json:"time"`
	PID      int       `json:"pid"`
	Comm     string    `json:"comm"`
	Src      int       `json:"src"`
	Dst      int       `json:"dst"`
	Runnable uint64    `json:"runnable"`
	Boost    bool      `json:"boost"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
}

type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID            int    `json:"run_id"`
	Name             string `json:"name"`
	WorkloadChecksum string `json:"workload_checksum"`

	ConfigContent string `json:"config_content"`

	Metadata   *RunMetadata      `json:"metadata"`
	FinalCPU   map[int]int       `json:"final_cpu"`
	Selects    []SelectRecord    `json:"selects"`
	Migrations []MigrationRecord `json:"migrations"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("EMS_BENCH_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := artifact.WorkloadChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	name := fmt.Sprintf(
		"run_%d_%s_%s.json.gz",
		artifact.RunID,
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact loads an artifact written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &artifact, nil
}

// BuildSpoolArtifact constructs a spool artifact from a finished run.
func BuildSpoolArtifact(
	metadata *RunMetadata,
	configContent string,
	finalCPU map[int]int,
	selects []trace.Select,
	migrations []trace.Migration,
) *SpoolArtifact {
	artifact := &SpoolArtifact{
		Version:       1,
		CreatedAt:     time.Now(),
		ConfigContent: configContent,
		Metadata:      metadata,
		FinalCPU:      finalCPU,
		Selects:       make([]SelectRecord, 0, len(selects)),
		Migrations:    make([]MigrationRecord, 0, len(migrations)),
	}
	if metadata != nil {
		artifact.RunID = metadata.RunID
		artifact.Name = metadata.Name
		artifact.WorkloadChecksum = metadata.WorkloadChecksum
	}
	for _, ev := range selects {
		artifact.Selects = append(artifact.Selects, SelectRecord{
			Time:       ev.Time,
			PID:        ev.PID,
			Comm:       ev.Comm,
			Candidates: ev.Candidates.String(),
			Idle:       ev.Idle.String(),
			CPU:        ev.CPU,
			Score:      ev.Score,
			IdleWinner: ev.IdleWinner,
			Reason:     ev.Reason,
		})
	}
	for _, ev := range migrations {
		artifact.Migrations = append(artifact.Migrations, MigrationRecord{
			Time:     ev.Time,
			PID:      ev.PID,
			Comm:     ev.Comm,
			Src:      ev.Src,
			Dst:      ev.Dst,
			Runnable: ev.Runnable,
			Boost:    ev.Boost,
			Outcome:  string(ev.Outcome),
			Reason:   ev.Reason,
		})
	}
	return artifact
}
