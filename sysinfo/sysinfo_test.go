package sysinfo

import (
	"testing"

	"buildsentry/logger"
)

func init() {
	logger.Init("error")
}

func TestCollect(t *testing.T) {
	snap, err := Collect(t.TempDir())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if snap.CollectedAt == "" {
		t.Fatal("missing collection timestamp")
	}
	if snap.Hostname == "" {
		t.Error("expected hostname")
	}
	if snap.TotalMemory == 0 {
		t.Error("expected total memory")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if err := CheckFreeSpace(dir, 1); err != nil {
		t.Fatalf("one byte should be available: %v", err)
	}
	if err := CheckFreeSpace(dir, ^uint64(0)); err == nil {
		t.Fatal("expected failure for absurd requirement")
	}
}
