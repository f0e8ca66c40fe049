package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"buildsentry/version"
)

// Commands accepted as the first positional argument.
const (
	CommandBuild    = "build"
	CommandValidate = "validate"
	CommandBackups  = "backups"
	CommandRestore  = "restore"
)

type Config struct {
	ProjectRoot        string            `json:"project_root"`
	BuildCommand       string            `json:"build_command"`
	MaxRetries         int               `json:"max_retries"`
	RetryDelay         time.Duration     `json:"retry_delay"`
	RetryPolicy        string            `json:"retry_policy"`
	ManifestFile       string            `json:"manifest_file"`
	HookFile           string            `json:"hook_file"`
	StoreFile          string            `json:"store_file"`
	CriticalFiles      []string          `json:"critical_files"`
	ExitHandlerFiles   []string          `json:"exit_handler_files"`
	DependencyDir      string            `json:"dependency_dir"`
	CriticalPackages   []string          `json:"critical_packages"`
	WatchedPaths       []string          `json:"watched_paths"`
	SuspiciousPatterns []string          `json:"suspicious_patterns"`
	SuspiciousExcludes []string          `json:"suspicious_excludes"`
	EphemeralPatterns  []string          `json:"ephemeral_patterns"`
	CustomSignatures   map[string]string `json:"custom_signatures"`
	BackupDir          string            `json:"backup_dir"`
	MaxBackups         int               `json:"max_backups"`
	ChecksumFile       string            `json:"checksum_file"`
	HashAlgorithm      string            `json:"hash_algorithm"`
	RestoreEnabled     bool              `json:"restore_enabled"`
	FuzzyHash          bool              `json:"fuzzy_hash"`
	FuzzyAlgorithms    []string          `json:"fuzzy_algorithms"`
	MaxFileSize        int64             `json:"max_file_size"`
	ConcurrencyLevel   int               `json:"concurrency_level"`
	NiceLevel          string            `json:"nice_level"`
	MaxIOPerSecond     int               `json:"max_io_per_second"`
	LogLevel           string            `json:"log_level"`
	ProtectionEnv      string            `json:"protection_env"`
	ProductionEnv      bool              `json:"production_env"`
	CollectSystemInfo  bool              `json:"collect_system_info"`
	UpdateCheck        bool              `json:"update_check"`
	ReportFileName     string            `json:"report_file_name"`
	MaxReportFileSize  int64             `json:"max_report_file_size"`
	HistoryLimit       int               `json:"history_limit"`
	OtelEndpoint       string            `json:"otel_endpoint"`
	OtelFromEnv        bool              `json:"otel_from_env"`
	OtelHeaders        map[string]string `json:"otel_headers"`
	OtelServiceName    string            `json:"otel_service_name"`
	OtelTimeout        time.Duration     `json:"otel_timeout"`
	OtelExportPaths    bool              `json:"otel_export_paths"`
	DiagStallThreshold time.Duration     `json:"diag_stall_threshold"`
	DiagDir            string            `json:"diag_dir"`
	DiagGoroutineLeak  bool              `json:"diag_goroutine_leak"`
	TraceFlight        bool              `json:"trace_flight"`
	TraceFlightFile    string            `json:"trace_flight_file"`
	TraceFlightMax     uint64            `json:"trace_flight_max_bytes"`
	TraceFlightMinAge  time.Duration     `json:"trace_flight_min_age"`
	ConfigFile         string            `json:"config_file"`

	Command        string `json:"-"`
	ConcurrencySet bool   `json:"-"`
	MaxIOSet       bool   `json:"-"`
}

func Defaults() *Config {
	now := time.Now().UTC()
	timestamp := now.Format("20060102-150405")
	return &Config{
		ProjectRoot:  ".",
		BuildCommand: "npm test",
		MaxRetries:   3,
		RetryDelay:   2 * time.Second,
		RetryPolicy:  "constant",
		ManifestFile: "package.json",
		HookFile:     "stop-hook.js",
		StoreFile:    "task-store.js",
		CriticalFiles: []string{
			"package.json",
			"stop-hook.js",
			"task-store.js",
		},
		ExitHandlerFiles: []string{
			"node_modules/exit/lib/exit.js",
			"node_modules/signal-exit/index.js",
			"node_modules/exit-hook/index.js",
		},
		DependencyDir:      "node_modules",
		CriticalPackages:   []string{"exit", "signal-exit", "glob", "semver"},
		WatchedPaths:       []string{},
		SuspiciousPatterns: []string{"*.json"},
		SuspiciousExcludes: []string{"package.json", "package-lock.json"},
		EphemeralPatterns:  []string{"test-env-*", ".tmp-build-*"},
		CustomSignatures:   map[string]string{},
		BackupDir:          ".buildsentry-backups",
		MaxBackups:         3,
		ChecksumFile:       ".buildsentry-checksums.json",
		HashAlgorithm:      "sha256",
		RestoreEnabled:     true,
		FuzzyHash:          false,
		FuzzyAlgorithms:    []string{},
		MaxFileSize:        10485760,
		ConcurrencyLevel:   runtime.NumCPU(),
		NiceLevel:          "medium",
		MaxIOPerSecond:     0,
		LogLevel:           "info",
		ProtectionEnv:      "BUILD_PROTECTION_ACTIVE",
		ProductionEnv:      true,
		CollectSystemInfo:  true,
		UpdateCheck:        true,
		ReportFileName:     fmt.Sprintf("buildsentry-%s-%d.json", timestamp, now.Unix()),
		MaxReportFileSize:  104857600,
		HistoryLimit:       50,
		OtelEndpoint:       "",
		OtelFromEnv:        false,
		OtelHeaders:        map[string]string{},
		OtelServiceName:    "buildsentry",
		OtelTimeout:        5 * time.Second,
		OtelExportPaths:    false,
		DiagStallThreshold: 0,
		DiagDir:            ".",
		DiagGoroutineLeak:  false,
		TraceFlight:        false,
		TraceFlightFile:    "trace-flight.out",
		TraceFlightMax:     0,
		TraceFlightMinAge:  0,
	}
}

func LoadConfig() (*Config, error) {
	cfg := Defaults()

	projectRoot := flag.String("project-root", cfg.ProjectRoot, fmt.Sprintf("Project root directory to protect (default: %s).", cfg.ProjectRoot))
	buildCommand := flag.String("build-command", cfg.BuildCommand, fmt.Sprintf("Build or test command to run through the shell (default: %q).", cfg.BuildCommand))
	maxRetries := flag.Int("max-retries", cfg.MaxRetries, fmt.Sprintf("Maximum build attempts before giving up (default: %d).", cfg.MaxRetries))
	retryDelay := flag.Duration("retry-delay", cfg.RetryDelay, "Delay between build attempts (default: 2s).")
	retryPolicy := flag.String("retry-policy", cfg.RetryPolicy, "Retry pacing policy: constant or exponential (default: constant).")
	manifestFile := flag.String("manifest-file", cfg.ManifestFile, fmt.Sprintf("Project manifest file relative to the root (default: %s).", cfg.ManifestFile))
	hookFile := flag.String("hook-file", cfg.HookFile, fmt.Sprintf("Hook entry point relative to the root (default: %s).", cfg.HookFile))
	storeFile := flag.String("store-file", cfg.StoreFile, fmt.Sprintf("Task store module relative to the root (default: %s).", cfg.StoreFile))
	criticalFiles := flag.String("critical-files", "", "Comma-separated critical files relative to the root (default: manifest, hook, store).")
	exitHandlers := flag.String("exit-handler-files", "", "Comma-separated fragile dependency files to protect (default: common exit handler shims).")
	dependencyDir := flag.String("dependency-dir", cfg.DependencyDir, fmt.Sprintf("Dependency directory relative to the root (default: %s).", cfg.DependencyDir))
	criticalPackages := flag.String("critical-packages", "", "Comma-separated packages that must exist inside the dependency directory.")
	watchedPaths := flag.String("watched-paths", "", "Comma-separated additional paths scanned for contamination (default: none).")
	suspiciousPatterns := flag.String("suspicious-patterns", "", "Comma-separated patterns flagged as unexpected inside monitored directories (default: *.json).")
	suspiciousExcludes := flag.String("suspicious-excludes", "", "Comma-separated names exempt from the suspicious-pattern scan (default: package.json,package-lock.json).")
	ephemeralPatterns := flag.String("ephemeral-patterns", "", "Comma-separated ephemeral artifact directory patterns eligible for cleanup (default: test-env-*,.tmp-build-*).")
	customSignatures := flag.String("custom-signatures", "", "Custom contamination signatures as a JSON object mapping names to regexes (default: none).")
	backupDir := flag.String("backup-dir", cfg.BackupDir, fmt.Sprintf("Backup directory relative to the root (default: %s).", cfg.BackupDir))
	maxBackups := flag.Int("max-backups", cfg.MaxBackups, fmt.Sprintf("Backup snapshots kept before rotation (default: %d).", cfg.MaxBackups))
	checksumFile := flag.String("checksum-file", cfg.ChecksumFile, fmt.Sprintf("Checksum sidecar file relative to the root (default: %s).", cfg.ChecksumFile))
	hashAlgorithm := flag.String("hash-algorithm", cfg.HashAlgorithm, fmt.Sprintf("Baseline hash algorithm: md5, sha1, sha256, xxh64, or blake3 (default: %s).", cfg.HashAlgorithm))
	restoreEnabled := flag.Bool("restore", cfg.RestoreEnabled, fmt.Sprintf("Allow restoration of corrupted files from backups (default: %t).", cfg.RestoreEnabled))
	fuzzyHash := flag.Bool("fuzzy-hash", cfg.FuzzyHash, fmt.Sprintf("Attach fuzzy hashes to damage reports (default: %t).", cfg.FuzzyHash))
	fuzzyAlgorithms := flag.String("fuzzy-algorithms", strings.Join(cfg.FuzzyAlgorithms, ","), "Comma-separated fuzzy hash algorithms (default: tlsh when fuzzy hashing enabled).")
	maxFileSize := flag.Int64("max-file-size", cfg.MaxFileSize, fmt.Sprintf("Maximum file size in bytes for content scans and in-memory originals (default: %d).", cfg.MaxFileSize))
	concurrency := flag.Int("concurrency", cfg.ConcurrencyLevel, fmt.Sprintf("Concurrency level for baseline hashing (default: %d).", cfg.ConcurrencyLevel))
	nice := flag.String("nice", cfg.NiceLevel, fmt.Sprintf("Nice level: high, medium, or low (default: %s).", cfg.NiceLevel))
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, fmt.Sprintf("Maximum disk I/O operations per second, 0 for unlimited (default: %d).", cfg.MaxIOPerSecond))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	protectionEnv := flag.String("protection-env", cfg.ProtectionEnv, fmt.Sprintf("Environment variable marking protection active (default: %s).", cfg.ProtectionEnv))
	productionEnv := flag.Bool("production-env", cfg.ProductionEnv, fmt.Sprintf("Force NODE_ENV=production for the build command (default: %t).", cfg.ProductionEnv))
	collectSystemInfo := flag.Bool("collect-system-info", cfg.CollectSystemInfo, fmt.Sprintf("Attach a host snapshot to the session report (default: %t).", cfg.CollectSystemInfo))
	updateCheck := flag.Bool("update-check", cfg.UpdateCheck, fmt.Sprintf("Check for a newer release on startup (default: %t).", cfg.UpdateCheck))
	reportFile := flag.String("report", cfg.ReportFileName, "Session report file name (default: buildsentry-<timestamp>-<unix>.json).")
	maxReportFileSize := flag.Int64("max-report-file-size", cfg.MaxReportFileSize, fmt.Sprintf("Maximum report size before rotation in bytes (default: %d).", cfg.MaxReportFileSize))
	historyLimit := flag.Int("history-limit", cfg.HistoryLimit, fmt.Sprintf("Recovery runs retained in memory (default: %d).", cfg.HistoryLimit))
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: buildsentry).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	otelExportPaths := flag.Bool("otel-export-paths", cfg.OtelExportPaths, "Include raw file paths in OTEL payloads (default: false).")
	diagStallThreshold := flag.Duration(
		"diag-stall-threshold",
		cfg.DiagStallThreshold,
		"If positive, emit diagnostics when the build produces no output for this duration (default: 0/off).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Write goroutine leak profile on shutdown (default: false).",
	)
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMax := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMax, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	configFile := flag.String("config", "", "Path to JSON configuration file (default: none).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("buildsentry version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "project-root":
			cfg.ProjectRoot = *projectRoot
		case "build-command":
			cfg.BuildCommand = *buildCommand
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "retry-delay":
			cfg.RetryDelay = *retryDelay
		case "retry-policy":
			cfg.RetryPolicy = strings.ToLower(strings.TrimSpace(*retryPolicy))
		case "manifest-file":
			cfg.ManifestFile = *manifestFile
		case "hook-file":
			cfg.HookFile = *hookFile
		case "store-file":
			cfg.StoreFile = *storeFile
		case "critical-files":
			cfg.CriticalFiles = parseCommaSeparated(*criticalFiles)
		case "exit-handler-files":
			cfg.ExitHandlerFiles = parseCommaSeparated(*exitHandlers)
		case "dependency-dir":
			cfg.DependencyDir = *dependencyDir
		case "critical-packages":
			cfg.CriticalPackages = parseCommaSeparated(*criticalPackages)
		case "watched-paths":
			cfg.WatchedPaths = parseCommaSeparated(*watchedPaths)
		case "suspicious-patterns":
			cfg.SuspiciousPatterns = parseCommaSeparated(*suspiciousPatterns)
		case "suspicious-excludes":
			cfg.SuspiciousExcludes = parseCommaSeparated(*suspiciousExcludes)
		case "ephemeral-patterns":
			cfg.EphemeralPatterns = parseCommaSeparated(*ephemeralPatterns)
		case "custom-signatures":
			cfg.CustomSignatures = parseCustomSignatures(*customSignatures)
		case "backup-dir":
			cfg.BackupDir = *backupDir
		case "max-backups":
			cfg.MaxBackups = *maxBackups
		case "checksum-file":
			cfg.ChecksumFile = *checksumFile
		case "hash-algorithm":
			cfg.HashAlgorithm = strings.ToLower(strings.TrimSpace(*hashAlgorithm))
		case "restore":
			cfg.RestoreEnabled = *restoreEnabled
		case "fuzzy-hash":
			cfg.FuzzyHash = *fuzzyHash
		case "fuzzy-algorithms":
			cfg.FuzzyAlgorithms = parseCommaSeparated(*fuzzyAlgorithms)
		case "max-file-size":
			cfg.MaxFileSize = *maxFileSize
		case "concurrency":
			cfg.ConcurrencyLevel = *concurrency
			cfg.ConcurrencySet = true
		case "nice":
			cfg.NiceLevel = *nice
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
			cfg.MaxIOSet = true
		case "log-level":
			cfg.LogLevel = *logLevel
		case "protection-env":
			cfg.ProtectionEnv = strings.TrimSpace(*protectionEnv)
		case "production-env":
			cfg.ProductionEnv = *productionEnv
		case "collect-system-info":
			cfg.CollectSystemInfo = *collectSystemInfo
		case "update-check":
			cfg.UpdateCheck = *updateCheck
		case "report":
			cfg.ReportFileName = *reportFile
		case "max-report-file-size":
			cfg.MaxReportFileSize = *maxReportFileSize
		case "history-limit":
			cfg.HistoryLimit = *historyLimit
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *otelExportPaths
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStallThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMax = *traceFlightMax
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})

	args := flag.Args()
	if len(args) > 0 {
		cfg.Command = strings.ToLower(strings.TrimSpace(args[0]))
	} else {
		cfg.Command = CommandBuild
	}
	if len(args) > 1 {
		cfg.BuildCommand = strings.Join(args[1:], " ")
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("buildsentry - Build Environment Integrity & Recovery")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  buildsentry [options] <command> [build command...]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  build      Run the build command with integrity monitoring and recovery")
	fmt.Println("  validate   Run contamination detection only and report")
	fmt.Println("  backups    List backup snapshots")
	fmt.Println("  restore    Restore critical files from the newest snapshot")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  buildsentry build npm test")
	fmt.Println("  buildsentry --project-root /srv/app --max-retries 5 build npm run ci")
	fmt.Println("  buildsentry --project-root /srv/app validate")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	if _, ok := raw["concurrency_level"]; ok {
		cfg.ConcurrencySet = true
	}
	if _, ok := raw["max_io_per_second"]; ok {
		cfg.MaxIOSet = true
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.RetryPolicy = strings.ToLower(strings.TrimSpace(cfg.RetryPolicy))
	cfg.HashAlgorithm = strings.ToLower(strings.TrimSpace(cfg.HashAlgorithm))
	cfg.NiceLevel = strings.ToLower(strings.TrimSpace(cfg.NiceLevel))
	if cfg.RetryPolicy == "" {
		cfg.RetryPolicy = "constant"
	}
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = "sha256"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	cfg.FuzzyAlgorithms = normalizeAlgorithms(cfg.FuzzyAlgorithms)
	if cfg.FuzzyHash && len(cfg.FuzzyAlgorithms) == 0 {
		cfg.FuzzyAlgorithms = []string{"tlsh"}
	}
	if len(cfg.FuzzyAlgorithms) > 0 {
		cfg.FuzzyHash = true
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	if len(cfg.CriticalFiles) == 0 {
		cfg.CriticalFiles = []string{cfg.ManifestFile, cfg.HookFile, cfg.StoreFile}
	}
	if cfg.Command == "" {
		cfg.Command = CommandBuild
	}
}

func (cfg *Config) validate() error {
	switch cfg.Command {
	case CommandBuild, CommandValidate, CommandBackups, CommandRestore:
	default:
		return fmt.Errorf("unknown command: %s", cfg.Command)
	}
	if strings.TrimSpace(cfg.ProjectRoot) == "" {
		return fmt.Errorf("project root must not be empty")
	}
	if cfg.Command == CommandBuild && strings.TrimSpace(cfg.BuildCommand) == "" {
		return fmt.Errorf("build command must not be empty")
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be positive")
	}
	if cfg.RetryDelay < 0 {
		return fmt.Errorf("retry-delay must be zero or positive")
	}
	if cfg.RetryPolicy != "constant" && cfg.RetryPolicy != "exponential" {
		return fmt.Errorf("invalid retry-policy value: %s", cfg.RetryPolicy)
	}
	if cfg.MaxBackups <= 0 {
		return fmt.Errorf("max-backups must be positive")
	}
	if strings.TrimSpace(cfg.BackupDir) == "" {
		return fmt.Errorf("backup-dir must not be empty")
	}
	if strings.TrimSpace(cfg.ChecksumFile) == "" {
		return fmt.Errorf("checksum-file must not be empty")
	}
	switch cfg.HashAlgorithm {
	case "md5", "sha1", "sha256", "xxh64", "blake3":
	default:
		return fmt.Errorf("invalid hash-algorithm value: %s", cfg.HashAlgorithm)
	}
	if strings.TrimSpace(cfg.DependencyDir) == "" {
		return fmt.Errorf("dependency-dir must not be empty")
	}
	if strings.TrimSpace(cfg.ProtectionEnv) == "" {
		return fmt.Errorf("protection-env must not be empty")
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.NiceLevel != "high" && cfg.NiceLevel != "medium" && cfg.NiceLevel != "low" {
		return fmt.Errorf("invalid nice level: %s", cfg.NiceLevel)
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.HistoryLimit <= 0 {
		return fmt.Errorf("history-limit must be positive")
	}
	if cfg.MaxReportFileSize < 0 {
		return fmt.Errorf("max-report-file-size must be zero or positive")
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	for name, pattern := range cfg.CustomSignatures {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("custom signature with empty name")
		}
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("custom signature %q has an empty pattern", name)
		}
	}
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func parseCustomSignatures(input string) map[string]string {
	signatures := make(map[string]string)
	if input == "" {
		return signatures
	}
	if err := json.Unmarshal([]byte(input), &signatures); err != nil {
		fmt.Fprintf(os.Stderr, "invalid custom signatures: %v\n", err)
		return map[string]string{}
	}
	return signatures
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func normalizeAlgorithms(items []string) []string {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized
}
