package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"buildsentry/config"
)

func testProject(t *testing.T) (*config.Config, string) {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"package.json":                      `{"name":"demo","version":"1.0.0"}`,
		"stop-hook.js":                      "module.exports = function stopHook() {};\n",
		"task-store.js":                     "const tasks = [];\nmodule.exports = { tasks };\n",
		"node_modules/exit/lib/exit.js":     "module.exports = function exit(code) { process.exit(code); };\n",
		"node_modules/signal-exit/index.js": "module.exports = function onExit(cb) { return cb; };\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}

	cfg := config.Defaults()
	cfg.ProjectRoot = root
	cfg.ConcurrencyLevel = 2
	cfg.ConcurrencySet = true
	// exit-hook is deliberately absent so missing files are exercised.
	return cfg, root
}

// snapshotNow takes the session backup the orchestrator normally provides.
func snapshotNow(t *testing.T, m *Monitor) {
	t.Helper()
	if _, err := m.Backups().CreateSnapshot(m.CriticalFiles()); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
}

func TestStartMonitoringSkipsMissingFiles(t *testing.T) {
	cfg, _ := testProject(t)
	m := NewMonitor(cfg)

	count, err := m.StartMonitoring(context.Background())
	if err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	// 3 critical files + 2 of 3 exit handler shims exist.
	if count != 5 {
		t.Fatalf("baselined %d files, want 5", count)
	}
	if !m.Active() {
		t.Fatal("monitor should be active")
	}
}

func TestCheckIntegrityCleanAfterBaseline(t *testing.T) {
	cfg, _ := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	result, err := m.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected clean check, got violations %+v", result.Violations)
	}
	if result.FilesChecked != 5 {
		t.Fatalf("checked %d files, want 5", result.FilesChecked)
	}
}

func TestCheckIntegrityRequiresActiveSession(t *testing.T) {
	cfg, _ := testProject(t)
	m := NewMonitor(cfg)

	if _, err := m.CheckIntegrity(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestCheckIntegrityDetectsSingleMutation(t *testing.T) {
	cfg, root := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	target := filepath.Join(root, "stop-hook.js")
	if err := os.WriteFile(target, []byte("module.exports = null;\n"), 0644); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	result, err := m.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if result.Success {
		t.Fatal("mutation went undetected")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("got %d violations, want exactly 1: %+v", len(result.Violations), result.Violations)
	}
	v := result.Violations[0]
	if v.Type != ChecksumMismatch {
		t.Fatalf("violation type = %s, want %s", v.Type, ChecksumMismatch)
	}
	if v.File != target {
		t.Fatalf("violation file = %s, want %s", v.File, target)
	}
	if v.OriginalHash == "" || v.CurrentHash == "" || v.OriginalHash == v.CurrentHash {
		t.Fatalf("hashes not distinguished: %+v", v)
	}
}

func TestRestoreDeletedFileByteIdentical(t *testing.T) {
	cfg, root := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	snapshotNow(t, m)

	target := filepath.Join(root, "task-store.js")
	original, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read original: %v", err)
	}
	if err := os.Remove(target); err != nil {
		t.Fatalf("remove: %v", err)
	}

	result, err := m.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Type != FileDeleted {
		t.Fatalf("expected one FileDeleted violation, got %+v", result.Violations)
	}

	restored, err := m.RestoreCorrupted()
	if err != nil {
		t.Fatalf("RestoreCorrupted: %v", err)
	}
	if restored.RestoredCount != 1 {
		t.Fatalf("restored %d files, want 1", restored.RestoredCount)
	}

	after, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if string(after) != string(original) {
		t.Fatalf("restored content differs:\n%q\nwant\n%q", after, original)
	}

	check, err := m.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if !check.Success {
		t.Fatalf("check still failing after restore: %+v", check.Violations)
	}
}

func TestRestoreIsNoOpWhenClean(t *testing.T) {
	cfg, _ := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if _, err := m.CheckIntegrity(context.Background()); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}

	result, err := m.RestoreCorrupted()
	if err != nil {
		t.Fatalf("RestoreCorrupted: %v", err)
	}
	if result.RestoredCount != 0 || result.Disabled {
		t.Fatalf("clean restore should be a no-op, got %+v", result)
	}
}

func TestRestoreDisabledByConfig(t *testing.T) {
	cfg, root := testProject(t)
	cfg.RestoreEnabled = false
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	target := filepath.Join(root, "package.json")
	if err := os.WriteFile(target, []byte("{}"), 0644); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := m.CheckIntegrity(context.Background()); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}

	result, err := m.RestoreCorrupted()
	if err != nil {
		t.Fatalf("RestoreCorrupted: %v", err)
	}
	if !result.Disabled || result.RestoredCount != 0 {
		t.Fatalf("expected disabled result, got %+v", result)
	}
	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "{}" {
		t.Fatal("disabled restore must not touch disk")
	}
}

func TestCheckIntegrityFlagsUnexpectedSuspiciousFile(t *testing.T) {
	cfg, root := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	// Suspicious file in a monitored dependency directory.
	planted := filepath.Join(root, "node_modules", "exit", "lib", "payload.json")
	if err := os.WriteFile(planted, []byte(`{"tasks":[]}`), 0644); err != nil {
		t.Fatalf("plant: %v", err)
	}
	// Excluded name next to it must stay invisible.
	excluded := filepath.Join(root, "node_modules", "exit", "lib", "package.json")
	if err := os.WriteFile(excluded, []byte(`{"name":"exit"}`), 0644); err != nil {
		t.Fatalf("plant excluded: %v", err)
	}
	// Files outside monitored directories are never reported.
	outside := filepath.Join(root, "stray.json")
	if err := os.WriteFile(outside, []byte("{}"), 0644); err != nil {
		t.Fatalf("plant outside: %v", err)
	}

	result, err := m.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if len(result.UnexpectedFiles) != 1 || result.UnexpectedFiles[0] != planted {
		t.Fatalf("unexpected files = %v, want [%s]", result.UnexpectedFiles, planted)
	}
	if len(result.Violations) != 1 || result.Violations[0].Type != UnexpectedFile {
		t.Fatalf("violations = %+v, want one UnexpectedFile", result.Violations)
	}
}

func TestReportFuzzyHashesDamagedFiles(t *testing.T) {
	cfg, root := testProject(t)
	cfg.FuzzyHash = true
	cfg.FuzzyAlgorithms = []string{"tlsh"}

	// tlsh needs input length and variance, so seed the hook with a
	// deterministic pseudo-random body.
	body := make([]byte, 1024)
	state := uint32(2463534242)
	for i := range body {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		body[i] = byte(state)
	}
	target := filepath.Join(root, "stop-hook.js")
	if err := os.WriteFile(target, body, 0644); err != nil {
		t.Fatalf("seed hook: %v", err)
	}

	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	snapshotNow(t, m)

	damaged := append([]byte(nil), body...)
	for i := 0; i < len(damaged); i += 3 {
		damaged[i] ^= 0xff
	}
	if err := os.WriteFile(target, damaged, 0644); err != nil {
		t.Fatalf("damage hook: %v", err)
	}
	if _, err := m.CheckIntegrity(context.Background()); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}

	report := m.Report()
	var status FileStatus
	for _, file := range report.Files {
		if file.Path == target {
			status = file
		}
	}
	if status.Path == "" {
		t.Fatal("damaged file missing from report")
	}
	if status.FuzzyHash == "" {
		t.Error("expected fuzzy hash of the damaged live file")
	}
	if status.BackupFuzzyHash == "" {
		t.Error("expected fuzzy hash of the backup copy")
	}
	if status.FuzzyHash != "" && status.FuzzyHash == status.BackupFuzzyHash {
		t.Error("live and backup digests should differ after damage")
	}
}

func TestReportAttachesViolationStatus(t *testing.T) {
	cfg, root := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	report := m.Report()
	if report.Status != "clean" {
		t.Fatalf("status = %s, want clean before any violation", report.Status)
	}

	target := filepath.Join(root, "stop-hook.js")
	if err := os.WriteFile(target, []byte("corrupted"), 0644); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := m.CheckIntegrity(context.Background()); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}

	report = m.Report()
	if report.Status != "compromised" {
		t.Fatalf("status = %s, want compromised", report.Status)
	}
	var found bool
	for _, file := range report.Files {
		if file.Path == target {
			found = true
			if file.Status != string(ChecksumMismatch) {
				t.Fatalf("file status = %s, want %s", file.Status, ChecksumMismatch)
			}
		}
	}
	if !found {
		t.Fatalf("report missing %s", target)
	}
}

func TestStopMonitoringWritesSidecar(t *testing.T) {
	cfg, root := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if err := m.StopMonitoring(); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}
	if m.Active() {
		t.Fatal("monitor still active after stop")
	}

	data, err := os.ReadFile(filepath.Join(root, cfg.ChecksumFile))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var sidecar struct {
		Timestamp      string                       `json:"timestamp"`
		Algorithm      string                       `json:"algorithm"`
		Checksums      map[string]string            `json:"checksums"`
		FinalChecksums map[string]map[string]string `json:"final_checksums"`
	}
	if err := json.Unmarshal(data, &sidecar); err != nil {
		t.Fatalf("sidecar not valid JSON: %v", err)
	}
	if sidecar.Algorithm != "sha256" {
		t.Fatalf("algorithm = %s, want sha256", sidecar.Algorithm)
	}
	if len(sidecar.Checksums) != 5 {
		t.Fatalf("sidecar holds %d checksums, want 5", len(sidecar.Checksums))
	}
	if _, ok := sidecar.Checksums["package.json"]; !ok {
		t.Fatal("sidecar missing package.json entry")
	}
	// The file was untouched, so its shutdown digest must equal the baseline.
	final := sidecar.FinalChecksums["package.json"]
	if final["sha256"] != sidecar.Checksums["package.json"] {
		t.Fatalf("final sha256 %s does not match baseline %s", final["sha256"], sidecar.Checksums["package.json"])
	}
}

func TestStopMonitoringRecordsMutatedFinalState(t *testing.T) {
	cfg, root := testProject(t)
	cfg.HashAlgorithm = "xxh64"
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	target := filepath.Join(root, "stop-hook.js")
	if err := os.WriteFile(target, []byte("mutated after baseline\n"), 0644); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := m.StopMonitoring(); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, cfg.ChecksumFile))
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var sidecar struct {
		Checksums      map[string]string            `json:"checksums"`
		FinalChecksums map[string]map[string]string `json:"final_checksums"`
	}
	if err := json.Unmarshal(data, &sidecar); err != nil {
		t.Fatalf("sidecar not valid JSON: %v", err)
	}
	final := sidecar.FinalChecksums["stop-hook.js"]
	if final["xxh64"] == "" || final["sha256"] == "" {
		t.Fatalf("expected session and sha256 digests, got %v", final)
	}
	if final["xxh64"] == sidecar.Checksums["stop-hook.js"] {
		t.Fatal("mutated file should hash differently from its baseline")
	}
}

func TestStartMonitoringTakesNoSnapshot(t *testing.T) {
	cfg, _ := testProject(t)
	m := NewMonitor(cfg)
	if _, err := m.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	snapshots, err := m.Backups().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snapshots) != 0 {
		t.Fatalf("monitoring start created %d snapshots, want 0", len(snapshots))
	}
}
