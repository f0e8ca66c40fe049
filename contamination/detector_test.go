package contamination

import (
	"os"
	"path/filepath"
	"testing"

	"buildsentry/config"
	"buildsentry/integrity"
)

const cleanShim = "module.exports = function exit(code) { process.exit(code); };\n"

func testDetector(t *testing.T) (*Detector, *config.Config, string) {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"package.json":                  `{"name":"demo","version":"1.0.0"}`,
		"stop-hook.js":                  "module.exports = function stopHook() {};\n",
		"task-store.js":                 "const tasks = [];\nmodule.exports = { tasks };\n",
		"node_modules/exit/lib/exit.js": cleanShim,
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
	backups := integrity.NewBackupStore(filepath.Join(root, cfg.BackupDir), cfg.MaxBackups)
	return NewDetector(cfg, backups), cfg, root
}

func TestDetectCleanProject(t *testing.T) {
	d, _, _ := testDetector(t)

	detected, err := d.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(detected) != 0 {
		t.Fatalf("clean project flagged: %+v", detected)
	}
}

func TestDetectFullOverwrite(t *testing.T) {
	d, _, root := testDetector(t)

	// The sibling-process failure mode: an exit handler shim replaced
	// wholesale by a task-store payload.
	shim := filepath.Join(root, "node_modules", "exit", "lib", "exit.js")
	payload := `{"project":"demo","tasks":[{"id":1,"status":"pending"}]}`
	if err := os.WriteFile(shim, []byte(payload), 0644); err != nil {
		t.Fatalf("contaminate: %v", err)
	}

	detected, err := d.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(detected) != 1 {
		t.Fatalf("got %d detections, want 1: %+v", len(detected), detected)
	}
	if detected[0].Path != shim {
		t.Fatalf("detected %s, want %s", detected[0].Path, shim)
	}
	if detected[0].Signature != "full_overwrite" {
		t.Fatalf("signature = %s, want full_overwrite", detected[0].Signature)
	}
}

func TestDetectEmbeddedFragment(t *testing.T) {
	d, _, root := testDetector(t)

	hook := filepath.Join(root, "stop-hook.js")
	fragment := "module.exports = function stopHook() {};\n// leaked: \"tasks\": [{\"id\":1}]\n"
	if err := os.WriteFile(hook, []byte(fragment), 0644); err != nil {
		t.Fatalf("contaminate: %v", err)
	}

	detected, err := d.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(detected) != 1 || detected[0].Signature != "tasks_array" {
		t.Fatalf("got %+v, want one tasks_array detection", detected)
	}
}

func TestDetectIgnoresLegitimateManifest(t *testing.T) {
	d, _, root := testDetector(t)

	// package.json is data by nature; the full-overwrite rule must not
	// apply to it.
	manifest := filepath.Join(root, "package.json")
	if err := os.WriteFile(manifest, []byte(`{"name":"demo","scripts":{"test":"node t.js"}}`), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	detected, err := d.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(detected) != 0 {
		t.Fatalf("manifest flagged: %+v", detected)
	}
}

func TestCustomSignature(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "stop-hook.js"), []byte("// MARKER_XYZ payload\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := config.Defaults()
	cfg.ProjectRoot = root
	cfg.CustomSignatures = map[string]string{"marker": "MARKER_XYZ"}
	backups := integrity.NewBackupStore(filepath.Join(root, cfg.BackupDir), cfg.MaxBackups)
	d := NewDetector(cfg, backups)

	detected, err := d.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(detected) != 1 || detected[0].Signature != "marker" {
		t.Fatalf("got %+v, want one marker detection", detected)
	}
}

func TestRestoreFromStoredOriginals(t *testing.T) {
	d, _, root := testDetector(t)

	if _, err := d.StoreOriginals(); err != nil {
		t.Fatalf("StoreOriginals: %v", err)
	}

	shim := filepath.Join(root, "node_modules", "exit", "lib", "exit.js")
	if err := os.WriteFile(shim, []byte(`{"tasks":[]}`), 0644); err != nil {
		t.Fatalf("contaminate: %v", err)
	}
	if _, err := d.Detect(); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	outcome, err := d.RestoreContaminated()
	if err != nil {
		t.Fatalf("RestoreContaminated: %v", err)
	}
	if outcome.RestoredCount != 1 {
		t.Fatalf("restored %d, want 1", outcome.RestoredCount)
	}

	content, err := os.ReadFile(shim)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != cleanShim {
		t.Fatalf("restored %q, want original shim", content)
	}

	detected, err := d.Detect()
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if len(detected) != 0 {
		t.Fatalf("still contaminated after restore: %+v", detected)
	}
}

func TestRestoreFallsBackToBackups(t *testing.T) {
	d, _, root := testDetector(t)

	// Backups exist but no in-memory originals were stored.
	if err := d.CreateBackups(); err != nil {
		t.Fatalf("CreateBackups: %v", err)
	}

	shim := filepath.Join(root, "node_modules", "exit", "lib", "exit.js")
	if err := os.WriteFile(shim, []byte(`{"tasks":[]}`), 0644); err != nil {
		t.Fatalf("contaminate: %v", err)
	}
	if _, err := d.Detect(); err != nil {
		t.Fatalf("Detect: %v", err)
	}

	outcome, err := d.RestoreContaminated()
	if err != nil {
		t.Fatalf("RestoreContaminated: %v", err)
	}
	if outcome.RestoredCount != 1 {
		t.Fatalf("restored %d, want 1", outcome.RestoredCount)
	}
	content, err := os.ReadFile(shim)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != cleanShim {
		t.Fatalf("restored %q, want original shim", content)
	}
}

func TestStoreOriginalsSkipsContaminatedFiles(t *testing.T) {
	d, _, root := testDetector(t)

	shim := filepath.Join(root, "node_modules", "exit", "lib", "exit.js")
	if err := os.WriteFile(shim, []byte(`{"tasks":[]}`), 0644); err != nil {
		t.Fatalf("contaminate: %v", err)
	}

	stored, err := d.StoreOriginals()
	if err != nil {
		t.Fatalf("StoreOriginals: %v", err)
	}
	// Every watched file except the contaminated shim.
	if stored != 3 {
		t.Fatalf("stored %d originals, want 3", stored)
	}

	// A later restore must not rewrite the contaminated bytes.
	if _, err := d.Detect(); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	outcome, err := d.RestoreContaminated()
	if err != nil {
		t.Fatalf("RestoreContaminated: %v", err)
	}
	if outcome.RestoredCount != 0 {
		t.Fatalf("restored %d files from a poisoned original, want 0", outcome.RestoredCount)
	}
}

func TestCreateBackupsExcludesContaminatedFiles(t *testing.T) {
	d, _, root := testDetector(t)

	shim := filepath.Join(root, "node_modules", "exit", "lib", "exit.js")
	if err := os.WriteFile(shim, []byte(`{"tasks":[]}`), 0644); err != nil {
		t.Fatalf("contaminate: %v", err)
	}
	if err := d.CreateBackups(); err != nil {
		t.Fatalf("CreateBackups: %v", err)
	}

	if _, ok := d.backups.BackedUpCopy("node_modules/exit/lib/exit.js"); ok {
		t.Fatal("contaminated shim was snapshotted")
	}
	if _, ok := d.backups.BackedUpCopy("stop-hook.js"); !ok {
		t.Fatal("clean file missing from snapshot")
	}
}

func TestRestoreWithNothingDetected(t *testing.T) {
	d, _, _ := testDetector(t)

	outcome, err := d.RestoreContaminated()
	if err != nil {
		t.Fatalf("RestoreContaminated: %v", err)
	}
	if outcome.RestoredCount != 0 || len(outcome.Files) != 0 {
		t.Fatalf("expected empty outcome, got %+v", outcome)
	}
}
