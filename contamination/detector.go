package contamination

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/h2non/filetype"

	"buildsentry/config"
	"buildsentry/hasher"
	"buildsentry/integrity"
	"buildsentry/logger"
)

// Detected is one contaminated file with the signature that flagged it.
type Detected struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
}

// RestoreOutcome reports what a restoration pass accomplished.
type RestoreOutcome struct {
	RestoredCount int      `json:"restored_count"`
	Files         []string `json:"files"`
}

// Detector finds payload-in-module corruption by content patterns rather
// than checksums, so it catches damage done by processes that never ran
// under this session's integrity baseline.
type Detector struct {
	cfg        *config.Config
	backups    *integrity.BackupStore
	targets    []integrity.CriticalFile
	signatures []Signature
	gate       *tokenGate

	mu           sync.Mutex
	originals    map[string][]byte
	lastDetected []Detected
}

func NewDetector(cfg *config.Config, backups *integrity.BackupStore) *Detector {
	signatures := buildSignatures(cfg.CustomSignatures)
	return &Detector{
		cfg:        cfg,
		backups:    backups,
		targets:    watchTargets(cfg),
		signatures: signatures,
		gate:       newTokenGate(signatures),
		originals:  make(map[string][]byte),
	}
}

// watchTargets is the critical-file set plus any additionally watched paths.
func watchTargets(cfg *config.Config) []integrity.CriticalFile {
	targets := integrity.CriticalFilesFromConfig(cfg)
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		root = cfg.ProjectRoot
	}
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		seen[t.AbsPath] = struct{}{}
	}
	for _, rel := range cfg.WatchedPaths {
		rel = filepath.ToSlash(strings.TrimSpace(rel))
		if rel == "" {
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		targets = append(targets, integrity.CriticalFile{RelPath: rel, AbsPath: abs})
	}
	return targets
}

// Detect scans every watched file and records the contaminated ones for the
// next restoration pass. Missing files are skipped; an empty result means
// clean.
func (d *Detector) Detect() ([]Detected, error) {
	var detected []Detected
	for _, target := range d.targets {
		content, ok, err := d.readTarget(target.AbsPath)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if hit, sig, reason := d.inspect(target.AbsPath, content); hit {
			detected = append(detected, Detected{Path: target.AbsPath, Signature: sig, Reason: reason})
			logger.Warnf("Contamination in %s: %s", target.AbsPath, reason)
		}
	}

	d.mu.Lock()
	d.lastDetected = detected
	d.mu.Unlock()
	return detected, nil
}

func (d *Detector) readTarget(path string) ([]byte, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if info.IsDir() || info.Size() > d.cfg.MaxFileSize {
		return nil, false, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if isBinary(content) {
		return nil, false, nil
	}
	return content, true, nil
}

// isBinary skips known binary and archive types. Contamination targets are
// executable text modules; scanning a bundled binary wastes the regex pass.
func isBinary(content []byte) bool {
	head := content
	if len(head) > 261 {
		head = head[:261]
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return false
	}
	return true
}

func (d *Detector) inspect(path string, content []byte) (bool, string, string) {
	// A module file whose entire content is a data document is the
	// full-overwrite case and needs no signature match beyond the gate.
	trimmed := bytes.TrimSpace(content)
	if isModuleFile(path) && len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return true, "full_overwrite", "module file content is a complete data document"
	}

	allowed := d.gate.allowed(content, d.signatures)
	for _, sig := range d.signatures {
		if !allowed[sig.Name] {
			continue
		}
		if sig.Pattern.Match(content) {
			return true, sig.Name, "content matches signature " + sig.Name
		}
	}
	return false, "", ""
}

func isModuleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".cjs", ".mjs":
		return true
	}
	return false
}

// StoreOriginals snapshots the bytes of every watched file into memory for
// fast restoration. Files above MaxFileSize are left to the backup store, and
// files that already match a contamination signature are never stored: a
// poisoned original would make every later restoration rewrite the damage.
func (d *Detector) StoreOriginals() (int, error) {
	originals := make(map[string][]byte, len(d.targets))
	for _, target := range d.targets {
		content, ok, err := d.readTarget(target.AbsPath)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if hit, sig, _ := d.inspect(target.AbsPath, content); hit {
			logger.Warnf("Not storing contaminated content of %s (%s)", target.AbsPath, sig)
			continue
		}
		originals[target.AbsPath] = content
	}

	d.mu.Lock()
	d.originals = originals
	d.mu.Unlock()
	logger.Debugf("Stored original content for %d files", len(originals))
	return len(originals), nil
}

// CreateBackups writes a snapshot of the watched set to the backup store.
// Files currently flagged as contaminated are excluded so an older clean
// snapshot stays reachable as a restoration source.
func (d *Detector) CreateBackups() error {
	clean := make([]integrity.CriticalFile, 0, len(d.targets))
	for _, target := range d.targets {
		content, ok, err := d.readTarget(target.AbsPath)
		if err != nil {
			return err
		}
		if ok {
			if hit, sig, _ := d.inspect(target.AbsPath, content); hit {
				logger.Warnf("Excluding contaminated %s from snapshot (%s)", target.AbsPath, sig)
				continue
			}
		}
		clean = append(clean, target)
	}
	_, err := d.backups.CreateSnapshot(clean)
	return err
}

// RestoreContaminated repairs every file flagged by the most recent Detect.
// In-memory originals are the fast path; files without one fall back to the
// newest backup snapshot that holds them.
func (d *Detector) RestoreContaminated() (*RestoreOutcome, error) {
	d.mu.Lock()
	detected := d.lastDetected
	originals := d.originals
	d.mu.Unlock()

	outcome := &RestoreOutcome{}
	for _, entry := range detected {
		if original, ok := originals[entry.Path]; ok {
			if err := os.WriteFile(entry.Path, original, 0644); err != nil {
				logger.Errorf("Restore from memory failed for %s: %v", entry.Path, err)
				continue
			}
			if err := d.verifyRestored(entry.Path, original); err != nil {
				logger.Errorf("Restored %s but verification failed: %v", entry.Path, err)
				continue
			}
			outcome.RestoredCount++
			outcome.Files = append(outcome.Files, entry.Path)
			logger.Infof("Restored %s from stored original", entry.Path)
			continue
		}

		rel := d.relPath(entry.Path)
		if rel == "" {
			logger.Errorf("No restoration source for %s", entry.Path)
			continue
		}
		if err := d.backups.RestoreFile(rel, entry.Path); err != nil {
			logger.Errorf("Restore from backup failed for %s: %v", entry.Path, err)
			continue
		}
		outcome.RestoredCount++
		outcome.Files = append(outcome.Files, entry.Path)
		logger.Infof("Restored %s from backup", entry.Path)
	}
	return outcome, nil
}

// verifyRestored confirms the bytes on disk hash identically to the stored
// original before the file counts as restored.
func (d *Detector) verifyRestored(path string, original []byte) error {
	want, err := hasher.HashBytes(original, d.cfg.HashAlgorithm)
	if err != nil {
		return err
	}
	got, err := hasher.HashFile(path, d.cfg.HashAlgorithm)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("hash mismatch after rewrite: %s != %s", got, want)
	}
	return nil
}

func (d *Detector) relPath(abs string) string {
	for _, target := range d.targets {
		if target.AbsPath == abs {
			return target.RelPath
		}
	}
	return ""
}
