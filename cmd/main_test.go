package main

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"buildsentry/config"
	"buildsentry/integrity"
	"buildsentry/logger"
	"buildsentry/output"
)

func TestHandleSignalEventCancelsContextAndSetsMetrics(t *testing.T) {
	logger.Init("error")

	cfg := config.Defaults()
	cfg.ProjectRoot = t.TempDir()
	cfg.ReportFileName = filepath.Join(t.TempDir(), "report.json")
	cfg.CollectSystemInfo = false

	metrics := &output.Metrics{StartTime: time.Now().UTC().Format(time.RFC3339)}
	w, err := output.New(cfg, nil, metrics)
	if err != nil {
		t.Fatalf("output init: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)

	done := make(chan struct{})
	go func() {
		handleSignalEvent(cfg, cancel, integrity.NewMonitor(cfg), metrics, w, sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected context to be canceled")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}

	if metrics.EndTime == "" {
		t.Fatal("expected EndTime to be set")
	}
	if _, err := time.Parse(time.RFC3339, metrics.EndTime); err != nil {
		t.Fatalf("invalid EndTime format: %v", err)
	}
}

func TestRunBackupsEmptyStore(t *testing.T) {
	logger.Init("error")

	cfg := config.Defaults()
	cfg.ProjectRoot = t.TempDir()

	if code := runBackups(integrity.NewMonitor(cfg)); code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}
}

func TestRunRestoreWithoutSnapshots(t *testing.T) {
	logger.Init("error")

	cfg := config.Defaults()
	cfg.ProjectRoot = t.TempDir()

	if code := runRestore(integrity.NewMonitor(cfg)); code != exitBuildFailure {
		t.Fatalf("exit code = %d, want %d", code, exitBuildFailure)
	}
}
