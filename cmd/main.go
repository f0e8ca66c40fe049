package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildsentry/buildexec"
	"buildsentry/config"
	"buildsentry/contamination"
	"buildsentry/diag"
	"buildsentry/integrity"
	"buildsentry/logger"
	"buildsentry/output"
	"buildsentry/recovery"
	"buildsentry/sysinfo"
	"buildsentry/tracing"
	"buildsentry/update"
	"buildsentry/version"
)

const (
	exitOK           = 0
	exitBuildFailure = 1
	exitSetupFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := tracing.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start trace: %v\n", err)
	} else {
		defer tracing.Stop()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return exitSetupFailure
	}

	logger.Init(cfg.LogLevel)

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMax, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	if cfg.UpdateCheck {
		if check, err := update.CheckForUpdate(version.Version); err == nil && check.UpdateAvail {
			if check.SecurityFixes {
				logger.Warnf("Update available: %s -> %s (security fixes included)", version.Version, check.Latest)
			} else {
				logger.Infof("Update available: %s -> %s", version.Version, check.Latest)
			}
		}
	}

	metrics := output.Metrics{StartTime: time.Now().Format(time.RFC3339)}

	var snap *sysinfo.Snapshot
	if cfg.CollectSystemInfo {
		snap, err = sysinfo.Collect(cfg.ProjectRoot)
		if err != nil {
			logger.Errorf("Failed to gather system information: %v", err)
		}
	}

	// Construct the monitor first so the report header records the tuned
	// concurrency and I/O settings.
	monitor := integrity.NewMonitor(cfg)
	detector := contamination.NewDetector(cfg, monitor.Backups())
	executor := buildexec.NewExecutor(cfg)

	writer, err := output.New(cfg, snap, &metrics)
	if err != nil {
		logger.Errorf("Failed to initialize session report: %v", err)
		return exitSetupFailure
	}
	defer writer.Close()

	orchestrator := recovery.NewOrchestrator(cfg, monitor, detector, executor, writer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cfg, cancel, monitor, &metrics, writer)

	var code int
	switch cfg.Command {
	case config.CommandBuild:
		code = runBuild(ctx, cfg, monitor, executor, orchestrator, &metrics, writer)
	case config.CommandValidate:
		code = runValidate(ctx, orchestrator)
	case config.CommandBackups:
		code = runBackups(monitor)
	case config.CommandRestore:
		code = runRestore(monitor)
	default:
		logger.Errorf("Unknown command %q", cfg.Command)
		code = exitSetupFailure
	}

	metrics.EndTime = time.Now().Format(time.RFC3339)
	writer.SetMetrics(metrics)
	return code
}

func runBuild(ctx context.Context, cfg *config.Config, monitor *integrity.Monitor, executor *buildexec.Executor, orchestrator *recovery.Orchestrator, metrics *output.Metrics, writer *output.Writer) int {
	controller := diag.NewController(diag.Options{
		StallThreshold:     cfg.DiagStallThreshold,
		Dir:                cfg.DiagDir,
		GoroutineLeak:      cfg.DiagGoroutineLeak,
		ProgressFn:         executor.OutputBytes,
		DumpFlightRecorder: tracing.WriteFlightRecorder,
	})
	controller.Start(ctx)
	defer controller.Close()

	// Backups need at least as much free space as the files they copy.
	var required uint64
	for _, file := range monitor.CriticalFiles() {
		if info, err := os.Stat(file.AbsPath); err == nil {
			required += uint64(info.Size())
		}
	}
	if err := sysinfo.CheckFreeSpace(cfg.ProjectRoot, required); err != nil {
		logger.Errorf("Refusing to start: %v", err)
		return exitSetupFailure
	}

	if err := orchestrator.SetupBuildEnvironment(ctx); err != nil {
		logger.Errorf("Build environment setup failed: %v", err)
		writer.WriteEvent("setup_failed", map[string]interface{}{"error": err.Error()})
		return exitSetupFailure
	}
	defer func() {
		if err := orchestrator.Teardown(); err != nil {
			logger.Warnf("Failed to stop integrity monitoring: %v", err)
		}
	}()
	metrics.FilesMonitored = len(monitor.CriticalFiles())

	result := orchestrator.ExecuteBuildWithRecovery(ctx, cfg.BuildCommand)
	metrics.RecoveryRuns = len(orchestrator.History())
	if result.Success {
		metrics.BuildAttempts = result.Attempt
	} else {
		metrics.BuildAttempts = result.Attempts
	}

	if check, err := monitor.CheckIntegrity(ctx); err == nil {
		metrics.ViolationsFound = len(check.Violations)
		if !check.Success {
			logger.Warnf("Post-build integrity check found %d violations", len(check.Violations))
			writer.WriteEvent("integrity_violations", map[string]interface{}{
				"violations": check.Violations,
			})
			if restored, err := monitor.RestoreCorrupted(); err == nil {
				metrics.FilesRestored = restored.RestoredCount
			} else {
				logger.Errorf("Post-build restoration failed: %v", err)
			}
		}
	} else if !errors.Is(err, integrity.ErrNotActive) {
		logger.Errorf("Post-build integrity check failed: %v", err)
	}

	writer.WriteEvent("build_result", map[string]interface{}{
		"success":                result.Success,
		"message":                result.Message,
		"contamination_detected": result.ContaminationDetected,
		"stalls_observed":        controller.Stalls(),
	})

	if !result.Success {
		logger.Error(result.Message)
		return exitBuildFailure
	}
	logger.Info(result.Message)
	return exitOK
}

func runValidate(ctx context.Context, orchestrator *recovery.Orchestrator) int {
	result, err := orchestrator.ValidateBuildOutput(ctx)
	if err != nil {
		logger.Errorf("Validation failed: %v", err)
		return exitSetupFailure
	}
	if !result.Success {
		logger.Error(result.Message)
		return exitBuildFailure
	}
	logger.Info(result.Message)
	return exitOK
}

func runBackups(monitor *integrity.Monitor) int {
	snapshots, err := monitor.Backups().List()
	if err != nil {
		logger.Errorf("Failed to list backups: %v", err)
		return exitSetupFailure
	}
	if len(snapshots) == 0 {
		fmt.Println("No backup snapshots.")
		return exitOK
	}
	for _, snap := range snapshots {
		fmt.Printf("%s  %d files  %d bytes\n", snap.Name, snap.FileCount, snap.TotalSize)
	}
	return exitOK
}

func runRestore(monitor *integrity.Monitor) int {
	store := monitor.Backups()
	restored := 0
	for _, file := range monitor.CriticalFiles() {
		err := store.RestoreFile(file.RelPath, file.AbsPath)
		if errors.Is(err, integrity.ErrNoBackups) {
			continue
		}
		if err != nil {
			logger.Errorf("Failed to restore %s: %v", file.RelPath, err)
			return exitSetupFailure
		}
		restored++
		logger.Infof("Restored %s", file.RelPath)
	}
	if restored == 0 {
		logger.Warn("No files restored; no snapshots cover the critical set")
		return exitBuildFailure
	}
	logger.Infof("Restored %d files from backup", restored)
	return exitOK
}

func handleSignals(cfg *config.Config, cancelFunc context.CancelFunc, monitor *integrity.Monitor, metrics *output.Metrics, w *output.Writer) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	handleSignalEvent(cfg, cancelFunc, monitor, metrics, w, sigChan)
	os.Exit(exitBuildFailure)
}

func handleSignalEvent(cfg *config.Config, cancelFunc context.CancelFunc, monitor *integrity.Monitor, metrics *output.Metrics, w *output.Writer, sigChan <-chan os.Signal) {
	<-sigChan
	logger.Info("Interrupt signal received. Shutting down...")

	if err := monitor.StopMonitoring(); err != nil {
		logger.Warnf("Failed to write checksum sidecar: %v", err)
	}
	if cfg.TraceFlight {
		if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
	}
	metrics.EndTime = time.Now().Format(time.RFC3339)
	w.SetMetrics(*metrics)
	w.Close()
	cancelFunc()
}
