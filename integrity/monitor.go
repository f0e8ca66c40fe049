package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"buildsentry/config"
	"buildsentry/fuzzy"
	"buildsentry/hasher"
	"buildsentry/logger"
	"buildsentry/tracing"
	"buildsentry/utils"

	"github.com/djherbis/times"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"
)

// Monitor tracks a checksum baseline over the critical-file set and restores
// damage from backup snapshots. One monitor serves one monitoring session; a
// new StartMonitoring supersedes the previous baseline.
type Monitor struct {
	cfg        *config.Config
	files      []CriticalFile
	backups    *BackupStore
	suspicious *utils.PatternMatcher
	ioLimiter  *rate.Limiter

	mu        sync.Mutex
	active    bool
	baseline  map[string]baselineEntry
	lastCheck *CheckResult
}

// CriticalFilesFromConfig enumerates the protected set: the configured
// critical files plus the fragile exit-handler shims, deduplicated, rooted at
// the project root.
func CriticalFilesFromConfig(cfg *config.Config) []CriticalFile {
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		root = cfg.ProjectRoot
	}
	seen := make(map[string]struct{})
	var files []CriticalFile
	for _, rel := range append(append([]string{}, cfg.CriticalFiles...), cfg.ExitHandlerFiles...) {
		rel = filepath.ToSlash(strings.TrimSpace(rel))
		if rel == "" {
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		files = append(files, CriticalFile{RelPath: rel, AbsPath: abs})
	}
	return files
}

func NewMonitor(cfg *config.Config) *Monitor {
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		root = cfg.ProjectRoot
	}
	applyNiceTuning(cfg)
	var limiter *rate.Limiter
	if cfg.MaxIOPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxIOPerSecond), cfg.MaxIOPerSecond)
	}
	return &Monitor{
		cfg:        cfg,
		files:      CriticalFilesFromConfig(cfg),
		backups:    NewBackupStore(filepath.Join(root, cfg.BackupDir), cfg.MaxBackups),
		suspicious: utils.NewPatternMatcher(cfg.SuspiciousPatterns, cfg.SuspiciousExcludes),
		ioLimiter:  limiter,
	}
}

// Backups exposes the snapshot store for callers that list or restore
// without an active monitoring session.
func (m *Monitor) Backups() *BackupStore {
	return m.backups
}

// CriticalFiles returns the enumerated protected set.
func (m *Monitor) CriticalFiles() []CriticalFile {
	return append([]CriticalFile(nil), m.files...)
}

// StartMonitoring computes a fresh baseline over every critical file that
// currently exists and activates the monitor. Missing files are skipped
// silently; read failures are fatal. Backup snapshots are the caller's
// concern.
func (m *Monitor) StartMonitoring(ctx context.Context) (int, error) {
	ctx, endTask := tracing.StartTask(ctx, "start_monitoring")
	defer endTask()

	baseline, err := m.computeBaseline(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.baseline = baseline
	m.lastCheck = nil
	m.active = true
	m.mu.Unlock()

	logger.Infof("Integrity monitoring active: %d files baselined", len(baseline))
	return len(baseline), nil
}

func (m *Monitor) computeBaseline(ctx context.Context) (map[string]baselineEntry, error) {
	bar := progressbar.NewOptions(len(m.files),
		progressbar.OptionSetDescription("Baselining critical files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(progressVisible()),
	)

	type hashResult struct {
		path  string
		entry baselineEntry
		skip  bool
		err   error
	}

	tasks := make(chan CriticalFile)
	results := make(chan hashResult, len(m.files))
	var wg sync.WaitGroup

	workers := m.cfg.ConcurrencyLevel
	if workers > len(m.files) && len(m.files) > 0 {
		workers = len(m.files)
	}
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range tasks {
				if m.ioLimiter != nil {
					if err := m.ioLimiter.Wait(ctx); err != nil {
						results <- hashResult{path: file.AbsPath, err: err}
						continue
					}
				}
				entry, skip, err := m.baselineFile(file.AbsPath)
				results <- hashResult{path: file.AbsPath, entry: entry, skip: skip, err: err}
				_ = bar.Add(1)
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, file := range m.files {
			select {
			case <-ctx.Done():
				return
			case tasks <- file:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	baseline := make(map[string]baselineEntry, len(m.files))
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("baseline %s: %w", res.path, res.err)
			}
			continue
		}
		if res.skip {
			continue
		}
		baseline[res.path] = res.entry
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return baseline, nil
}

func (m *Monitor) baselineFile(path string) (baselineEntry, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return baselineEntry{}, true, nil
		}
		return baselineEntry{}, false, err
	}
	if info.IsDir() {
		return baselineEntry{}, true, nil
	}

	hash, err := hasher.HashFile(path, m.cfg.HashAlgorithm)
	if err != nil {
		return baselineEntry{}, false, err
	}
	entry := baselineEntry{
		Hash:    hash,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if ts, err := times.Stat(path); err == nil {
		if ts.HasChangeTime() {
			entry.ChangeTime = ts.ChangeTime().Format(time.RFC3339)
		}
		if ts.HasBirthTime() {
			entry.BirthTime = ts.BirthTime().Format(time.RFC3339)
		}
	}
	return entry, false, nil
}

// CheckIntegrity recomputes hashes over the baseline and scans monitored
// directories for suspicious files that were not baselined. Requires an
// active session.
func (m *Monitor) CheckIntegrity(ctx context.Context) (*CheckResult, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	baseline := m.baseline
	m.mu.Unlock()

	endRegion := tracing.StartRegion(ctx, "check_integrity")
	defer endRegion()

	result := &CheckResult{}
	paths := make([]string, 0, len(baseline))
	for path := range baseline {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := baseline[path]
		result.FilesChecked++

		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				result.Violations = append(result.Violations, Violation{
					Type:         FileDeleted,
					File:         path,
					OriginalHash: entry.Hash,
				})
				continue
			}
			return nil, err
		}

		current, err := hasher.HashFile(path, m.cfg.HashAlgorithm)
		if err != nil {
			return nil, err
		}
		if current != entry.Hash {
			result.Violations = append(result.Violations, Violation{
				Type:         ChecksumMismatch,
				File:         path,
				OriginalHash: entry.Hash,
				CurrentHash:  current,
			})
		}
	}

	unexpected, err := m.scanUnexpected(baseline)
	if err != nil {
		return nil, err
	}
	for _, path := range unexpected {
		result.UnexpectedFiles = append(result.UnexpectedFiles, path)
		result.Violations = append(result.Violations, Violation{
			Type: UnexpectedFile,
			File: path,
		})
	}

	result.Success = len(result.Violations) == 0

	m.mu.Lock()
	m.lastCheck = result
	m.mu.Unlock()
	return result, nil
}

// scanUnexpected walks only the directories that hold baselined files inside
// the dependency tree. Files elsewhere in the project are never reported.
func (m *Monitor) scanUnexpected(baseline map[string]baselineEntry) ([]string, error) {
	root, err := filepath.Abs(m.cfg.ProjectRoot)
	if err != nil {
		root = m.cfg.ProjectRoot
	}
	depRoot := filepath.Join(root, m.cfg.DependencyDir)

	dirs := make(map[string]struct{})
	for path := range baseline {
		dir := filepath.Dir(path)
		if utils.IsPathWithin(dir, []string{depRoot}) {
			dirs[dir] = struct{}{}
		}
	}

	var unexpected []string
	for dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if _, baselined := baseline[path]; baselined {
				continue
			}
			if m.suspicious.ShouldInclude(path) {
				unexpected = append(unexpected, path)
			}
		}
	}
	sort.Strings(unexpected)
	return unexpected, nil
}

// RestoreCorrupted copies every violated file back from the newest snapshot
// that holds it. A clean last check is a no-op success; a disabled restore
// configuration reports itself without touching disk.
func (m *Monitor) RestoreCorrupted() (*RestoreResult, error) {
	m.mu.Lock()
	lastCheck := m.lastCheck
	m.mu.Unlock()

	result := &RestoreResult{}
	if lastCheck == nil || lastCheck.Success {
		return result, nil
	}
	if !m.cfg.RestoreEnabled {
		result.Disabled = true
		logger.Warn("Restore requested but disabled by configuration")
		return result, nil
	}

	if _, ok, err := m.backups.Newest(); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNoBackups
	}

	for _, violation := range lastCheck.Violations {
		if violation.Type == UnexpectedFile {
			continue
		}
		rel := m.relPath(violation.File)
		if rel == "" {
			continue
		}
		if err := m.backups.RestoreFile(rel, violation.File); err != nil {
			return result, fmt.Errorf("restore %s: %w", violation.File, err)
		}
		result.RestoredCount++
		result.Files = append(result.Files, violation.File)
		logger.Infof("Restored %s from backup", violation.File)
	}
	return result, nil
}

func (m *Monitor) relPath(abs string) string {
	for _, file := range m.files {
		if file.AbsPath == abs {
			return file.RelPath
		}
	}
	return ""
}

// Report renders the last check without side effects.
func (m *Monitor) Report() *Report {
	m.mu.Lock()
	baseline := m.baseline
	lastCheck := m.lastCheck
	m.mu.Unlock()

	report := &Report{
		Status:         "clean",
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Algorithm:      m.cfg.HashAlgorithm,
		FilesMonitored: len(baseline),
	}

	violated := make(map[string]ViolationType)
	if lastCheck != nil {
		if !lastCheck.Success {
			report.Status = "compromised"
		}
		report.Violations = append(report.Violations, lastCheck.Violations...)
		report.UnexpectedFiles = append(report.UnexpectedFiles, lastCheck.UnexpectedFiles...)
		for _, violation := range lastCheck.Violations {
			violated[violation.File] = violation.Type
		}
	}

	paths := make([]string, 0, len(baseline))
	for path := range baseline {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		status := FileStatus{Path: path, Status: "ok", Hash: baseline[path].Hash}
		if vtype, ok := violated[path]; ok {
			status.Status = string(vtype)
			if vtype == ChecksumMismatch && m.cfg.FuzzyHash {
				status.FuzzyHash = m.fuzzyHash(path)
				if backup, ok := m.backups.BackedUpCopy(m.relPath(path)); ok {
					status.BackupFuzzyHash = m.fuzzyHash(backup)
				}
			}
		}
		report.Files = append(report.Files, status)
	}
	return report
}

func (m *Monitor) fuzzyHash(path string) string {
	for _, name := range m.cfg.FuzzyAlgorithms {
		fh, ok := fuzzy.Lookup(name)
		if !ok {
			continue
		}
		digest, err := fh.HashFile(path)
		if err != nil {
			logger.Debugf("Fuzzy hash %s failed for %s: %v", name, path, err)
			continue
		}
		return digest
	}
	return ""
}

// StopMonitoring writes the checksum sidecar for forensics and deactivates
// the monitor.
func (m *Monitor) StopMonitoring() error {
	m.mu.Lock()
	baseline := m.baseline
	wasActive := m.active
	m.active = false
	m.mu.Unlock()

	if !wasActive {
		return nil
	}

	root, err := filepath.Abs(m.cfg.ProjectRoot)
	if err != nil {
		root = m.cfg.ProjectRoot
	}
	// Recompute digests at shutdown so a post-mortem can diff the baseline
	// against the final state of each file. sha256 is always included for
	// comparison with external tooling.
	algorithms := []string{m.cfg.HashAlgorithm}
	if m.cfg.HashAlgorithm != "sha256" {
		algorithms = append(algorithms, "sha256")
	}
	sidecar := checksumSidecar{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Algorithm:      m.cfg.HashAlgorithm,
		Checksums:      make(map[string]string, len(baseline)),
		FinalChecksums: make(map[string]map[string]string, len(baseline)),
	}
	for path, entry := range baseline {
		rel := m.relPath(path)
		sidecar.Checksums[rel] = entry.Hash
		if _, err := os.Stat(path); err == nil {
			sidecar.FinalChecksums[rel] = hasher.ComputeHashes(path, algorithms)
		}
	}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, m.cfg.ChecksumFile), data, 0600)
}

// Active reports whether a monitoring session is in progress.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("BUILDSENTRY_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
