package daemon_test

import (
	"context"
	"strings"
	"testing"

	"pdxseg/internal/api"
	"pdxseg/internal/daemon"
	"pdxseg/internal/logging"
	"pdxseg/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(ctx); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected already running error, got %v", err)
	}

	addr := d.Addr()
	if addr == "" {
		t.Fatal("expected listen address after start")
	}
	client := api.NewClient(addr)
	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health status %q", health.Status)
	}

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running status")
	}
	if status.Backend != "intensity" {
		t.Fatalf("unexpected backend %q", status.Backend)
	}
	if status.LockFilePath != cfg.LockPath() {
		t.Fatalf("lock path = %q, want %q", status.LockFilePath, cfg.LockPath())
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to report stopped")
	}
	if _, err := client.Health(ctx); !api.IsUnavailable(err) {
		t.Fatalf("expected unavailable after stop, got %v", err)
	}
}

func TestDaemonLockPreventsSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	first, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New first: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	second, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New second: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	if err := second.Start(ctx); err == nil || !strings.Contains(err.Error(), "another pdxsegd instance") {
		t.Fatalf("expected lock contention error, got %v", err)
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start second after release: %v", err)
	}
	second.Stop()
}

func TestDaemonRejectsBadBind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "256.0.0.1:99999"
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected listen failure")
	}
	if d.Status(context.Background()).Running {
		t.Fatal("daemon should not report running after failed start")
	}
}
