package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ems-bench/internal/sim"

	log "github.com/sirupsen/logrus"
)

// ExportToCSV writes the metadata, placements, efficiency decisions and
// migrations of result as one CSV file each. It returns the written paths.
func ExportToCSV(exportPath string, result *sim.Result) ([]string, error) {
	if result == nil {
		return nil, fmt.Errorf("result is nil")
	}
	if err := os.MkdirAll(exportPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	prefix := result.Name
	if prefix == "" {
		prefix = "run"
	}
	if result.Checksum != "" {
		prefix += "_" + result.Checksum
	}

	tables := []struct {
		suffix string
		rows   [][]string
	}{
		{"metadata", metadataRows(result)},
		{"placements", placementRows(result)},
		{"selects", selectRows(result)},
		{"migrations", migrationRows(result)},
	}

	var paths []string
	for _, table := range tables {
		filename := filepath.Join(exportPath, fmt.Sprintf("%s_%s.csv", prefix, table.suffix))
		if err := writeCSV(filename, table.rows); err != nil {
			return paths, fmt.Errorf("failed to export %s: %w", table.suffix, err)
		}
		paths = append(paths, filename)
	}

	log.WithFields(log.Fields{
		"export_path": exportPath,
		"name":        result.Name,
		"files":       len(paths),
	}).Info("Exported run to CSV")
	return paths, nil
}

func writeCSV(filename string, rows [][]string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return file.Close()
}

func metadataRows(r *sim.Result) [][]string {
	return [][]string{
		{"property", "value"},
		{"name", r.Name},
		{"workload_checksum", r.Checksum},
		{"ticks", strconv.Itoa(r.Ticks)},
		{"started", r.Started.Format(time.RFC3339Nano)},
		{"finished", r.Finished.Format(time.RFC3339Nano)},
		{"placements", strconv.Itoa(len(r.Placements))},
		{"migrations_moved", strconv.Itoa(r.Moved())},
		{"migrations_total", strconv.Itoa(len(r.Migrations))},
		{"balances", strconv.Itoa(len(r.Balances))},
	}
}

func placementRows(r *sim.Result) [][]string {
	rows := [][]string{{"tick", "pid", "flags", "prev_cpu", "cpu"}}
	for _, p := range r.Placements {
		rows = append(rows, []string{
			strconv.Itoa(p.Tick),
			strconv.Itoa(p.PID),
			p.Flags,
			strconv.Itoa(p.Prev),
			strconv.Itoa(p.CPU),
		})
	}
	return rows
}

func selectRows(r *sim.Result) [][]string {
	rows := [][]string{{"relative_time_ms", "pid", "comm", "candidates", "idle", "cpu", "score", "idle_winner", "reason"}}
	for _, s := range r.Selects {
		rows = append(rows, []string{
			strconv.FormatInt(s.Time.Sub(r.Started).Milliseconds(), 10),
			strconv.Itoa(s.PID),
			s.Comm,
			s.Candidates.String(),
			s.Idle.String(),
			strconv.Itoa(s.CPU),
			strconv.FormatUint(s.Score, 10),
			strconv.FormatBool(s.IdleWinner),
			s.Reason,
		})
	}
	return rows
}

func migrationRows(r *sim.Result) [][]string {
	rows := [][]string{{"relative_time_ms", "pid", "comm", "src", "dst", "runnable", "boost", "outcome", "reason"}}
	for _, m := range r.Migrations {
		rows = append(rows, []string{
			strconv.FormatInt(m.Time.Sub(r.Started).Milliseconds(), 10),
			strconv.Itoa(m.PID),
			m.Comm,
			strconv.Itoa(m.Src),
			strconv.Itoa(m.Dst),
			strconv.FormatUint(m.Runnable, 10),
			strconv.FormatBool(m.Boost),
			string(m.Outcome),
			m.Reason,
		})
	}
	return rows
}
