package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"buildsentry/config"
	"buildsentry/sysinfo"
	"buildsentry/version"
)

// SchemaVersion identifies the session report layout.
const SchemaVersion = "1.1.0"

type Metrics struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	BuildAttempts   int    `json:"build_attempts"`
	RecoveryRuns    int    `json:"recovery_runs"`
	FilesMonitored  int    `json:"files_monitored"`
	ViolationsFound int    `json:"violations_found"`
	FilesRestored   int    `json:"files_restored"`
}

// Writer produces the session report: a JSON document with a header, an
// ordered event stream, and a metrics footer. Events are also exported over
// OTLP when configured.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	mu      sync.Mutex
	first   bool
	metrics *Metrics
	cfg     *config.Config
	snap    *sysinfo.Snapshot
	otel    *otelLogger
	base    string
	ext     string
	index   int
}

func New(cfg *config.Config, snap *sysinfo.Snapshot, m *Metrics) (*Writer, error) {
	ext := filepath.Ext(cfg.ReportFileName)
	base := strings.TrimSuffix(cfg.ReportFileName, ext)

	if snap == nil {
		snap = &sysinfo.Snapshot{}
	}

	w := &Writer{
		first:   true,
		metrics: m,
		cfg:     cfg,
		snap:    snap,
		base:    base,
		ext:     ext,
	}
	otel, err := newOtelLogger(cfg)
	if err != nil {
		return nil, err
	}
	w.otel = otel

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openFile() error {
	name := w.base + w.ext
	if w.index > 0 {
		name = fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	w.first = true

	if _, err := w.buf.WriteString("{\n"); err != nil {
		return err
	}
	if err := w.writeHeader(); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) writeHeader() error {
	header := []struct {
		key   string
		value interface{}
	}{
		{"schema_version", SchemaVersion},
		{"generator", "buildsentry " + version.Version},
		{"project_root", w.cfg.ProjectRoot},
		{"config", configSummary(w.cfg)},
		{"system_info", w.snap},
	}
	for _, field := range header {
		encoded, err := jsonMarshalIndent(field.value, "  ", "  ")
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w.buf, "  %q: %s,\n", field.key, encoded); err != nil {
			return err
		}
	}
	_, err := w.buf.WriteString("  \"events\": [\n")
	return err
}

// configSummary reports the settings that shaped this session. File paths
// other than the project root stay out; the redaction policy for events
// applies to the header too.
func configSummary(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"build_command":   cfg.BuildCommand,
		"max_retries":     cfg.MaxRetries,
		"retry_policy":    cfg.RetryPolicy,
		"hash_algorithm":  cfg.HashAlgorithm,
		"max_backups":     cfg.MaxBackups,
		"restore_enabled": cfg.RestoreEnabled,
		"fuzzy_hash":      cfg.FuzzyHash,
		"concurrency":     cfg.ConcurrencyLevel,
	}
}

// WriteEvent appends one event record to the report and mirrors it to the
// OTLP exporter when one is configured.
func (w *Writer) WriteEvent(eventType string, data map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return
	}

	record := map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range data {
		record[k] = v
	}

	if !w.first {
		_, _ = w.buf.WriteString(",\n")
	}
	encoded, err := jsonMarshalIndent(record, "    ", "  ")
	if err == nil {
		_, _ = w.buf.WriteString("    ")
		_, _ = w.buf.Write(encoded)
	}
	w.first = false

	if w.otel != nil {
		w.otel.Emit(eventType, record)
	}

	_ = w.buf.Flush()

	if w.cfg.MaxReportFileSize > 0 {
		if info, err := w.file.Stat(); err == nil && info.Size() >= w.cfg.MaxReportFileSize {
			w.rotate()
		}
	}
}

func (w *Writer) SetMetrics(m Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = &m
}

func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFile()
	if w.otel != nil {
		w.otel.Shutdown()
	}
}

func (w *Writer) rotate() {
	w.closeFile()
	w.index++
	if err := w.openFile(); err != nil {
		w.file = nil
		w.buf = nil
	}
}

func (w *Writer) closeFile() {
	if w.buf == nil || w.file == nil {
		return
	}
	_, _ = w.buf.WriteString("\n  ]")
	if w.metrics != nil {
		encoded, err := jsonMarshalIndent(w.metrics, "  ", "  ")
		if err == nil {
			_, _ = w.buf.WriteString(",\n  \"metrics\": ")
			_, _ = w.buf.Write(encoded)
		}
	}
	_, _ = w.buf.WriteString("\n}\n")
	_ = w.buf.Flush()
	_ = w.file.Sync()
	_ = w.file.Close()
	w.buf = nil
	w.file = nil
}

func jsonMarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent(prefix, indent)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
