package daemonrun

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"pdxseg/internal/daemon"
	"pdxseg/internal/testsupport"
)

func TestRunWritesPIDAndStopsOnCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, Options{LogLevel: "error", Ready: func(d *daemon.Daemon) {
			ready <- d.Addr()
		}})
	}()

	select {
	case addr := <-ready:
		if addr == "" {
			t.Fatal("expected a listen address")
		}
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon never became ready")
	}

	data, err := os.ReadFile(PIDPath(cfg))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q", got)
	}
	if _, err := os.Lstat(CurrentLogPath(cfg)); err != nil {
		t.Fatalf("expected current log pointer: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if _, err := os.Stat(PIDPath(cfg)); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got %v", err)
	}
}

func TestEnsureCurrentLogPointerReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	current := dir + "/current.log"
	first := dir + "/a.log"
	second := dir + "/b.log"
	for _, p := range []string{first, second} {
		if err := os.WriteFile(p, []byte(p), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := ensureCurrentLogPointer(current, first); err != nil {
		t.Fatalf("first pointer: %v", err)
	}
	if err := ensureCurrentLogPointer(current, second); err != nil {
		t.Fatalf("second pointer: %v", err)
	}
	data, err := os.ReadFile(current)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != second {
		t.Fatalf("pointer resolves to %q", data)
	}
}
