package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"pdxseg/internal/api"
	"pdxseg/internal/config"
	"pdxseg/internal/daemon"
	"pdxseg/internal/logging"
	"pdxseg/internal/results"
	"pdxseg/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	addr       string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cfg := testsupport.NewConfig(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, configPath, cfg)

	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	return &cliTestEnv{cfg: cfg, configPath: configPath, addr: d.Addr()}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	full := append([]string{"--config", e.configPath, "--addr", e.addr}, args...)
	return runCLI(t, full...)
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}

	out, _, err = runCLI(t, "--config", target, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
}

func TestSegmentWorkflowThroughCLI(t *testing.T) {
	env := setupCLITestEnv(t)
	dir := filepath.Join(t.TempDir(), "study")
	testsupport.WriteSliceStack(t, dir, 8, []bool{false, true, false})

	out, _, err := env.run(t, "--output", "json", "ingest", dir)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var study api.StudyResponse
	if err := json.Unmarshal([]byte(out), &study); err != nil {
		t.Fatalf("decode ingest output: %v\n%s", err, out)
	}
	if len(study.Files) != 3 {
		t.Fatalf("unexpected files %v", study.Files)
	}

	out, _, err = env.run(t, "--output", "json", "segment", study.StudyID, "--wait", "--poll", "10ms")
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	var result results.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode result: %v\n%s", err, out)
	}
	if result.StudyID != study.StudyID || result.TotalVolumeCC <= 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	out, _, err = env.run(t, "result", result.JobID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	requireContains(t, out, "total tumor volume")

	out, _, err = env.run(t, "jobs")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, result.JobID)
	requireContains(t, out, "Done")

	out, _, err = env.run(t, "--output", "yaml", "job", result.JobID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	var status map[string]any
	if err := yaml.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode yaml: %v\n%s", err, out)
	}
	if status["status"] != "done" || status["job_id"] != result.JobID {
		t.Fatalf("unexpected yaml status %v", status)
	}

	out, _, err = env.run(t, "resegment", study.StudyID, "2,3")
	if err != nil {
		t.Fatalf("resegment: %v", err)
	}
	requireContains(t, out, "Updated slices: 2, 3")

	outDir := t.TempDir()
	out, _, err = env.run(t, "export", study.StudyID, "csv", "--prefix", "mouse1", "--out", outDir)
	if err != nil {
		t.Fatalf("export csv: %v", err)
	}
	requireContains(t, out, "mouse1_volumes.csv")
	data, err := os.ReadFile(filepath.Join(outDir, "mouse1_volumes.csv"))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	requireContains(t, string(data), "Total tumor volume (cc)")

	if _, _, err := env.run(t, "export", study.StudyID, "images", "--kind", "masks", "--out", outDir); err != nil {
		t.Fatalf("export masks: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "masks.zip")); err != nil {
		t.Fatalf("expected masks.zip: %v", err)
	}

	out, _, err = env.run(t, "export", study.StudyID, "masks", "--format", "mat", "--prefix", "mouse1", "--out", outDir)
	if err != nil {
		t.Fatalf("export masks mat: %v", err)
	}
	requireContains(t, out, "mouse1_masks.mat")
	mat, err := os.ReadFile(filepath.Join(outDir, "mouse1_masks.mat"))
	if err != nil {
		t.Fatalf("read mat export: %v", err)
	}
	requireContains(t, string(mat[:20]), "MATLAB 5.0")

	if _, _, err := env.run(t, "export", study.StudyID, "xlsx", "--out", outDir); err != nil {
		t.Fatalf("export xlsx: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "volumes.xlsx")); err != nil {
		t.Fatalf("expected volumes.xlsx: %v", err)
	}
	if _, _, err := env.run(t, "export", study.StudyID, "masks", "--format", "h5", "--out", outDir); err == nil {
		t.Fatal("expected unknown mask format to fail")
	}
}

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := env.run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "running")
	requireContains(t, out, "Storage directory")
}

func TestCommandsReportUnreachableDaemon(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := testsupport.NewConfig(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, path, cfg)

	_, _, err := runCLI(t, "--config", path, "--addr", "127.0.0.1:1", "jobs")
	if err == nil || !strings.Contains(err.Error(), "pdxseg start") {
		t.Fatalf("expected start hint, got %v", err)
	}

	out, _, err := runCLI(t, "--config", path, "--addr", "127.0.0.1:1", "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "not running")
}

func TestRejectsUnknownOutputFormat(t *testing.T) {
	if _, _, err := runCLI(t, "--output", "xml", "config", "init", "--path", filepath.Join(t.TempDir(), "c.toml")); err == nil {
		t.Fatal("expected unsupported output format error")
	}
}

func TestParseSliceList(t *testing.T) {
	got, err := parseSliceList([]string{"3,1", "7"})
	if err != nil {
		t.Fatalf("parseSliceList: %v", err)
	}
	if joinInts(got) != "3, 1, 7" {
		t.Fatalf("unexpected slices %v", got)
	}
	for _, bad := range [][]string{{"0"}, {"x"}, {","}} {
		if _, err := parseSliceList(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestLogsCommandPrintsTail(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := testsupport.NewConfig(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeTestConfig(t, path, cfg)
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Paths.LogDir, "pdxsegd.log"), []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, "--config", path, "logs", "-n", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "two\nthree\n" {
		t.Fatalf("unexpected logs output %q", out)
	}
}
