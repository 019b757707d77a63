package storage

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ems-bench/internal/sim"
	"ems-bench/internal/trace"

	"k8s.io/utils/cpuset"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestExportToCSV(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	result := &sim.Result{
		Name:       "big-little",
		Checksum:   "abc123",
		Ticks:      10,
		Started:    start,
		Finished:   start.Add(40 * time.Millisecond),
		Placements: []sim.Placement{{Tick: 0, PID: 1, Flags: "fork", Prev: -1, CPU: 0}},
		Selects: []trace.Select{{
			Time:       start.Add(8 * time.Millisecond),
			PID:        1,
			Candidates: cpuset.New(0, 1, 2),
			Idle:       cpuset.New(),
			CPU:        0,
			Score:      42,
		}},
		Migrations: []trace.Migration{{Time: start.Add(12 * time.Millisecond), PID: 1, Src: 0, Dst: 4, Outcome: trace.Moved}},
	}

	dir := t.TempDir()
	paths, err := ExportToCSV(dir, result)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("expected 4 files, got %v", paths)
	}

	placements := readCSV(t, filepath.Join(dir, "big-little_abc123_placements.csv"))
	if len(placements) != 2 || placements[1][2] != "fork" || placements[1][3] != "-1" {
		t.Fatalf("unexpected placements %v", placements)
	}
	selects := readCSV(t, filepath.Join(dir, "big-little_abc123_selects.csv"))
	if selects[1][0] != "8" || selects[1][3] != "0-2" || selects[1][6] != "42" {
		t.Fatalf("unexpected selects %v", selects)
	}
	migrations := readCSV(t, filepath.Join(dir, "big-little_abc123_migrations.csv"))
	if migrations[1][0] != "12" || migrations[1][7] != "moved" {
		t.Fatalf("unexpected migrations %v", migrations)
	}
	meta := readCSV(t, filepath.Join(dir, "big-little_abc123_metadata.csv"))
	if meta[7][0] != "migrations_moved" || meta[7][1] != "1" {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestExportToCSV_Nil(t *testing.T) {
	if _, err := ExportToCSV(t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for nil result")
	}
}
