package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"buildsentry/buildexec"
	"buildsentry/config"
	"buildsentry/logger"
	"buildsentry/utils"
)

// ErrContaminationCleanup aborts setup when pre-build contamination could
// not be fully removed.
var ErrContaminationCleanup = errors.New("Unable to clean up contamination")

// Orchestrator coordinates the build-with-recovery session: environment
// setup, build attempts, and the six-step recovery sequence between failed
// attempts.
type Orchestrator struct {
	cfg      *config.Config
	store    IntegrityStore
	detector ContaminationDetector
	executor BuildExecutor
	sink     EventSink

	mu      sync.Mutex
	state   State
	history []RecoveryRun
}

func NewOrchestrator(cfg *config.Config, store IntegrityStore, detector ContaminationDetector, executor BuildExecutor, sink EventSink) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		detector: detector,
		executor: executor,
		sink:     sink,
		state:    StateIdle,
	}
}

// State returns the orchestrator's current position in the session.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	logger.Debugf("[recovery] state: %s", s)
}

// History returns a copy of the bounded recovery run log, newest last.
func (o *Orchestrator) History() []RecoveryRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]RecoveryRun(nil), o.history...)
}

func (o *Orchestrator) appendHistory(run RecoveryRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, run)
	limit := o.cfg.HistoryLimit
	if limit > 0 && len(o.history) > limit {
		o.history = o.history[len(o.history)-limit:]
	}
}

func (o *Orchestrator) emit(eventType string, data map[string]interface{}) {
	if o.sink != nil {
		o.sink.WriteEvent(eventType, data)
	}
}

// SetupBuildEnvironment prepares the session: detect pre-existing
// contamination, store original content and a backup snapshot of the clean
// files, restore whatever was contaminated, then start integrity monitoring.
// Detection runs first so contaminated bytes never become a restoration
// source. Any sub-step failure aborts before the first build attempt, with
// the sub-step's own error.
func (o *Orchestrator) SetupBuildEnvironment(ctx context.Context) error {
	o.setState(StateSettingUp)
	logger.Info("[recovery] Setting up build environment")

	detected, err := o.detector.Detect()
	if err != nil {
		o.setState(StateDoneFailure)
		return err
	}

	stored, err := o.detector.StoreOriginals()
	if err != nil {
		o.setState(StateDoneFailure)
		return err
	}
	if err := o.detector.CreateBackups(); err != nil {
		o.setState(StateDoneFailure)
		return err
	}

	if len(detected) > 0 {
		logger.Warnf("[recovery] Pre-build contamination in %d files, restoring", len(detected))
		outcome, err := o.detector.RestoreContaminated()
		if err != nil {
			o.setState(StateDoneFailure)
			return err
		}
		if outcome.RestoredCount < len(detected) {
			o.setState(StateDoneFailure)
			return ErrContaminationCleanup
		}
		remaining, err := o.detector.Detect()
		if err != nil {
			o.setState(StateDoneFailure)
			return err
		}
		if len(remaining) > 0 {
			o.setState(StateDoneFailure)
			logger.Errorf("[recovery] Contamination persists in %d files after setup restoration", len(remaining))
			return ErrContaminationCleanup
		}
	}

	if o.cfg.ProtectionEnv != "" {
		if err := os.Setenv(o.cfg.ProtectionEnv, "1"); err != nil {
			o.setState(StateDoneFailure)
			return err
		}
	}

	baselined, err := o.store.StartMonitoring(ctx)
	if err != nil {
		o.setState(StateDoneFailure)
		return err
	}

	o.emit("setup_complete", map[string]interface{}{
		"originals_stored": stored,
		"files_baselined":  baselined,
		"pre_build_contamination": len(detected),
	})
	logger.Infof("[recovery] Environment ready: %d files under protection", baselined)
	return nil
}

// ExecuteBuildWithRecovery runs the command for up to MaxRetries attempts,
// interleaving the recovery sequence between failures.
func (o *Orchestrator) ExecuteBuildWithRecovery(ctx context.Context, command string) *BuildResult {
	maxRetries := o.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	retryWait := o.retryBackOff()
	contaminationDetected := false

	for attempt := 1; attempt <= maxRetries; attempt++ {
		o.setState(StateBuilding)
		logger.Infof("[recovery] Build attempt %d/%d", attempt, maxRetries)
		result := o.executor.Execute(ctx, command)

		if !result.Spawned || buildexec.ContaminationIndicated(result) {
			contaminationDetected = true
		}
		o.emit("build_attempt", map[string]interface{}{
			"attempt":   attempt,
			"success":   result.Success,
			"exit_code": result.ExitCode,
			"spawned":   result.Spawned,
			"error":     result.Error,
		})

		if result.Success {
			o.setState(StateDoneSuccess)
			logger.Infof("[recovery] Build attempt %d completed successfully", attempt)
			return &BuildResult{
				Success: true,
				Attempt: attempt,
				Message: fmt.Sprintf("Build completed successfully on attempt %d", attempt),
				ContaminationDetected: contaminationDetected,
			}
		}

		logger.Warnf("[recovery] Build attempt %d failed: %s", attempt, result.Error)
		if attempt < maxRetries {
			o.setState(StateRecovering)
			run := o.PerformEnhancedBuildRecovery(ctx)
			if !run.Success {
				logger.Warn("[recovery] Recovery sequence reported critical step failures")
			}
			o.setState(StateRetrying)
			delay := retryWait.NextBackOff()
			logger.Infof("[recovery] Retrying in %s", delay)
			select {
			case <-ctx.Done():
				o.setState(StateDoneFailure)
				return &BuildResult{
					Success:  false,
					Attempts: attempt,
					Message:  "Build aborted: " + ctx.Err().Error(),
					ContaminationDetected: contaminationDetected,
				}
			case <-time.After(delay):
			}
		}
	}

	o.setState(StateDoneFailure)
	return &BuildResult{
		Success:  false,
		Attempts: maxRetries,
		Message:  fmt.Sprintf("Build failed after %d attempts", maxRetries),
		ContaminationDetected: contaminationDetected,
	}
}

func (o *Orchestrator) retryBackOff() backoff.BackOff {
	if o.cfg.RetryPolicy == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = o.cfg.RetryDelay
		return b
	}
	return backoff.NewConstantBackOff(o.cfg.RetryDelay)
}

// PerformEnhancedBuildRecovery runs the six recovery steps in fixed order.
// Steps 1, 2, 3 and 6 are critical; exit handler protection and cleanup are
// best-effort.
func (o *Orchestrator) PerformEnhancedBuildRecovery(ctx context.Context) RecoveryRun {
	logger.Info("[recovery] Running recovery sequence")
	run := RecoveryRun{Timestamp: time.Now().UTC()}

	steps := []struct {
		name     string
		critical bool
		fn       func(context.Context) (map[string]interface{}, error)
	}{
		{"deep_contamination_recovery", true, o.performDeepContaminationRecovery},
		{"critical_files", true, o.recoverCriticalFiles},
		{"node_modules_state", true, o.recoverNodeModulesState},
		{"exit_handler_protection", false, o.protectExitHandlers},
		{"cleanup", false, o.performEnhancedCleanup},
		{"verification", true, o.verifyRecoveryCompleteness},
	}

	run.Success = true
	run.AllStepsSuccessful = true
	for _, step := range steps {
		result := o.runStep(ctx, step.name, step.fn)
		run.Steps = append(run.Steps, result)
		if !result.Success {
			run.AllStepsSuccessful = false
			if step.critical {
				run.Success = false
			}
			logger.Warnf("[recovery] Step %s failed: %s", result.Name, result.Error)
		}
	}

	o.appendHistory(run)
	o.emit("recovery_run", map[string]interface{}{
		"success":              run.Success,
		"all_steps_successful": run.AllStepsSuccessful,
		"steps":                run.Steps,
	})
	return run
}

// runStep confines step failures, including panics, to the step's result.
func (o *Orchestrator) runStep(ctx context.Context, name string, fn func(context.Context) (map[string]interface{}, error)) (result StepResult) {
	result.Name = name
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("step panic: %v", r)
		}
	}()

	details, err := fn(ctx)
	result.Details = details
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// performDeepContaminationRecovery runs up to three detect-and-restore
// passes, stopping early once a pass comes back clean, then verifies with
// one final detection.
func (o *Orchestrator) performDeepContaminationRecovery(ctx context.Context) (map[string]interface{}, error) {
	totalRecovered := 0
	for pass := 1; pass <= 3; pass++ {
		detected, err := o.detector.Detect()
		if err != nil {
			return nil, err
		}
		if len(detected) == 0 {
			break
		}
		logger.Warnf("[recovery] Deep recovery pass %d: %d contaminated files", pass, len(detected))
		outcome, err := o.detector.RestoreContaminated()
		if err != nil {
			return nil, err
		}
		totalRecovered += outcome.RestoredCount
	}

	final, err := o.detector.Detect()
	if err != nil {
		return nil, err
	}
	details := map[string]interface{}{
		"total_recovered":     totalRecovered,
		"final_contamination": len(final),
	}
	if len(final) > 0 {
		return details, fmt.Errorf("contamination persists in %d files after deep recovery", len(final))
	}
	return details, nil
}

// recoverCriticalFiles verifies the minimal file set a build cannot run
// without.
func (o *Orchestrator) recoverCriticalFiles(ctx context.Context) (map[string]interface{}, error) {
	root := o.projectRoot()
	required := []string{o.cfg.ManifestFile, o.cfg.HookFile, o.cfg.StoreFile}

	fileStatus := make(map[string]interface{}, len(required))
	missing := 0
	for _, rel := range required {
		path := filepath.Join(root, filepath.FromSlash(rel))
		_, err := os.Stat(path)
		switch {
		case err == nil:
			fileStatus[rel] = "present"
		case os.IsNotExist(err):
			fileStatus[rel] = "missing"
			missing++
		default:
			return map[string]interface{}{"files": fileStatus}, err
		}
	}

	details := map[string]interface{}{"files": fileStatus}
	if missing > 0 {
		return details, fmt.Errorf("%d critical files missing", missing)
	}
	return details, nil
}

// recoverNodeModulesState checks the dependency tree is intact enough to
// build.
func (o *Orchestrator) recoverNodeModulesState(ctx context.Context) (map[string]interface{}, error) {
	root := o.projectRoot()
	depRoot := filepath.Join(root, o.cfg.DependencyDir)

	if _, err := os.Stat(depRoot); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dependency directory %s is missing; requires npm install", o.cfg.DependencyDir)
		}
		return nil, err
	}

	var missing []string
	for _, pkg := range o.cfg.CriticalPackages {
		if _, err := os.Stat(filepath.Join(depRoot, pkg)); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, pkg)
				continue
			}
			return nil, err
		}
	}

	details := map[string]interface{}{"missing_packages": missing}
	if len(missing) > 0 {
		return details, fmt.Errorf("critical packages missing from %s: %v", o.cfg.DependencyDir, missing)
	}
	return details, nil
}

// protectExitHandlers repairs the fragile dependency shims that are the
// historical contamination targets. Missing shims are nothing to protect.
func (o *Orchestrator) protectExitHandlers(ctx context.Context) (map[string]interface{}, error) {
	root := o.projectRoot()

	detected, err := o.detector.Detect()
	if err != nil {
		return nil, err
	}
	contaminated := make(map[string]bool, len(detected))
	for _, entry := range detected {
		contaminated[entry.Path] = true
	}

	var protected, failed []string
	var needsRestore bool
	for _, rel := range o.cfg.ExitHandlerFiles {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if contaminated[path] {
			needsRestore = true
		} else {
			protected = append(protected, rel)
		}
	}

	if needsRestore {
		outcome, err := o.detector.RestoreContaminated()
		if err != nil {
			return nil, err
		}
		restored := make(map[string]bool, len(outcome.Files))
		for _, path := range outcome.Files {
			restored[path] = true
		}
		for _, rel := range o.cfg.ExitHandlerFiles {
			path := filepath.Join(root, filepath.FromSlash(rel))
			if !contaminated[path] {
				continue
			}
			if restored[path] {
				protected = append(protected, rel)
			} else {
				failed = append(failed, rel)
			}
		}
	}

	details := map[string]interface{}{
		"protected_files": protected,
		"failed_files":    failed,
	}
	if len(failed) > 0 {
		return details, fmt.Errorf("%d exit handler files could not be protected", len(failed))
	}
	return details, nil
}

// performEnhancedCleanup removes ephemeral build artifacts, refusing to
// touch anything the critical-path predicate protects, then confirms the
// cleanup itself introduced no contamination.
func (o *Orchestrator) performEnhancedCleanup(ctx context.Context) (map[string]interface{}, error) {
	root := o.projectRoot()
	matcher := utils.NewPatternMatcher(o.cfg.EphemeralPatterns, nil)

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var deleted, protectedItems []string
	for _, entry := range entries {
		if !matcher.Matches(entry.Name()) {
			continue
		}
		match := filepath.Join(root, entry.Name())
		if o.isCriticalPath(match) {
			protectedItems = append(protectedItems, match)
			logger.Warnf("[recovery] Cleanup skipping protected path %s", match)
			continue
		}
		if err := os.RemoveAll(match); err != nil {
			return nil, err
		}
		deleted = append(deleted, match)
	}

	detected, err := o.detector.Detect()
	if err != nil {
		return nil, err
	}
	details := map[string]interface{}{
		"deleted":         deleted,
		"protected_items": protectedItems,
	}
	if len(detected) > 0 {
		details["contamination_introduced"] = true
		return details, fmt.Errorf("cleanup left %d contaminated files behind", len(detected))
	}
	return details, nil
}

// isCriticalPath must return false before cleanup may delete a path.
func (o *Orchestrator) isCriticalPath(path string) bool {
	root := o.projectRoot()
	abs, err := filepath.Abs(path)
	if err != nil {
		return true
	}
	if !utils.IsPathWithin(abs, []string{root}) {
		return true
	}
	if utils.IsSamePath(abs, root) {
		return true
	}
	for _, rel := range []string{
		o.cfg.ManifestFile,
		o.cfg.HookFile,
		o.cfg.StoreFile,
		o.cfg.DependencyDir,
		o.cfg.BackupDir,
	} {
		if utils.IsSamePath(abs, filepath.Join(root, filepath.FromSlash(rel))) {
			return true
		}
	}
	return false
}

// verifyRecoveryCompleteness is the final gate: no contamination, the
// must-stay-valid files intact, and the protection marker present in the
// environment.
func (o *Orchestrator) verifyRecoveryCompleteness(ctx context.Context) (map[string]interface{}, error) {
	root := o.projectRoot()
	var unmet []string

	detected, err := o.detector.Detect()
	if err != nil {
		return nil, err
	}
	if len(detected) > 0 {
		unmet = append(unmet, fmt.Sprintf("contamination present in %d files", len(detected)))
	}

	manifest, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(o.cfg.ManifestFile)))
	if err != nil || !json.Valid(manifest) {
		unmet = append(unmet, fmt.Sprintf("%s is not valid JSON", o.cfg.ManifestFile))
	}
	for _, rel := range []string{o.cfg.HookFile, o.cfg.StoreFile} {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil || info.Size() == 0 {
			unmet = append(unmet, fmt.Sprintf("%s is missing or empty", rel))
		}
	}

	if o.cfg.ProtectionEnv != "" && os.Getenv(o.cfg.ProtectionEnv) == "" {
		unmet = append(unmet, fmt.Sprintf("protection marker %s is not set", o.cfg.ProtectionEnv))
	}

	details := map[string]interface{}{"unmet": unmet}
	if len(unmet) > 0 {
		return details, fmt.Errorf("recovery incomplete: %v", unmet)
	}
	return details, nil
}

// ValidateBuildOutput is a standalone post-build contamination check.
func (o *Orchestrator) ValidateBuildOutput(ctx context.Context) (*ValidationResult, error) {
	detected, err := o.detector.Detect()
	if err != nil {
		return nil, err
	}
	result := &ValidationResult{
		Success:       len(detected) == 0,
		Contamination: len(detected),
	}
	if result.Success {
		result.Message = "Build output is clean"
	} else {
		result.Message = fmt.Sprintf("Contamination present in %d files", len(detected))
	}
	return result, nil
}

// Teardown stops integrity monitoring at session end.
func (o *Orchestrator) Teardown() error {
	return o.store.StopMonitoring()
}

func (o *Orchestrator) projectRoot() string {
	root, err := filepath.Abs(o.cfg.ProjectRoot)
	if err != nil {
		return o.cfg.ProjectRoot
	}
	return root
}
