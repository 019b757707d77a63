package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ems-bench/internal/database"
)

const exampleConfig = "../configs/big-little.yml"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error", "--sched-log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	if _, err := execute(t, "validate", "-c", exampleConfig); err != nil {
		t.Fatalf("validate example config: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(bad, []byte("platform:\n  nr_cpus: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "validate", "-c", bad); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDump(t *testing.T) {
	out, err := execute(t, "dump", "weights", "-c", exampleConfig)
	if err != nil {
		t.Fatalf("dump weights: %v", err)
	}
	if !strings.HasPrefix(out, "cpu") || strings.Count(out, "\n") != 9 {
		t.Fatalf("expected header and 8 cpu rows, got:\n%s", out)
	}

	out, err = execute(t, "dump", "topology", "-c", exampleConfig)
	if err != nil {
		t.Fatalf("dump topology: %v", err)
	}
	if !strings.Contains(out, "little") || !strings.Contains(out, "big") {
		t.Fatalf("expected domain names in topology dump, got:\n%s", out)
	}

	if _, err := execute(t, "dump", "energy", "-c", exampleConfig); err == nil {
		t.Fatalf("expected error for unknown dump target")
	}
}

func TestRun_Spools(t *testing.T) {
	spool, csvDir := t.TempDir(), t.TempDir()
	out, err := execute(t, "run", "-c", exampleConfig, "--no-db", "--spool-dir", spool, "--csv-dir", csvDir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "big-little") || !strings.Contains(out, "placements") {
		t.Fatalf("unexpected summary:\n%s", out)
	}

	matches, err := filepath.Glob(filepath.Join(spool, "run_0_*.json.gz"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one spool artifact, got %v (%v)", matches, err)
	}
	artifact, err := database.ReadSpoolArtifact(matches[0])
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if artifact.Name != "big-little" || len(artifact.Selects) == 0 || len(artifact.FinalCPU) == 0 {
		t.Fatalf("unexpected artifact %+v", artifact.Metadata)
	}

	csvs, _ := filepath.Glob(filepath.Join(csvDir, "big-little_*.csv"))
	if len(csvs) != 4 {
		t.Fatalf("expected four CSV files, got %v", csvs)
	}
}

func TestProbeHost(t *testing.T) {
	root := t.TempDir()
	policy := filepath.Join(root, "cpufreq", "policy0")
	if err := os.MkdirAll(policy, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"related_cpus":     "0 1",
		"cpuinfo_min_freq": "300000",
		"cpuinfo_max_freq": "1800000",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(policy, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	out, err := execute(t, "probe-host", "--sysfs", root, "--proc", t.TempDir())
	if err != nil {
		t.Fatalf("probe-host: %v", err)
	}
	if !strings.Contains(out, "nr_cpus: 2") || !strings.Contains(out, "cpus: 0-1") {
		t.Fatalf("unexpected probe output:\n%s", out)
	}
}
