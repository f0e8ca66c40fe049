package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"buildsentry/logger"
)

// Probe intervals are derived from the threshold but clamped so short
// thresholds don't spin and long ones still react within two seconds.
const (
	minProbeInterval = 250 * time.Millisecond
	maxProbeInterval = 2 * time.Second
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Options configure the stall watchdog. ProgressFn must be monotonic while
// the build is healthy; the usual source is the executor's output byte
// counter.
type Options struct {
	StallThreshold     time.Duration
	Dir                string
	GoroutineLeak      bool
	ProgressFn         func() int64
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

// Controller watches build progress and dumps diagnostic artifacts when a
// build stops producing output for longer than the configured threshold.
type Controller struct {
	stallThreshold     time.Duration
	dir                string
	goroutineLeak      bool
	progressFn         func() int64
	dumpFlightRecorder func(path string) error
	nowFn              func() time.Time
	profileLookupFn    func(name string) profileWriter

	mu             sync.Mutex
	lastProgressAt time.Time
	lastProgress   int64
	lastDumpAt     time.Time

	stallCount atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewController(opts Options) *Controller {
	c := &Controller{
		stallThreshold:     opts.StallThreshold,
		dir:                opts.Dir,
		goroutineLeak:      opts.GoroutineLeak,
		progressFn:         opts.ProgressFn,
		dumpFlightRecorder: opts.DumpFlightRecorder,
		nowFn:              opts.NowFn,
		profileLookupFn:    opts.ProfileLookupFn,
	}
	if c.nowFn == nil {
		c.nowFn = time.Now
	}
	if c.profileLookupFn == nil {
		c.profileLookupFn = func(name string) profileWriter {
			return pprof.Lookup(name)
		}
	}
	if c.dir == "" {
		c.dir = "."
	}
	return c
}

// Stalls reports how many stall events the watchdog has recorded so far.
func (c *Controller) Stalls() int64 {
	if c == nil {
		return 0
	}
	return c.stallCount.Load()
}

func (c *Controller) Start(ctx context.Context) {
	if c == nil || c.stallThreshold <= 0 || c.progressFn == nil || c.stopCh != nil {
		return
	}

	now := c.nowFn()
	c.mu.Lock()
	c.lastProgress = c.progressFn()
	c.lastProgressAt = now
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go func() {
		ticker := time.NewTicker(c.probeInterval())
		defer ticker.Stop()
		defer close(c.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.runProbe(c.nowFn())
			}
		}
	}()
}

func (c *Controller) probeInterval() time.Duration {
	interval := c.stallThreshold / 2
	if interval < minProbeInterval {
		return minProbeInterval
	}
	if interval > maxProbeInterval {
		return maxProbeInterval
	}
	return interval
}

func (c *Controller) Close() {
	if c == nil {
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
		if c.doneCh != nil {
			<-c.doneCh
		}
		c.stopCh = nil
		c.doneCh = nil
	}

	if c.goroutineLeak {
		if _, err := c.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

func (c *Controller) runProbe(now time.Time) {
	if c == nil || c.progressFn == nil || c.stallThreshold <= 0 {
		return
	}

	progress := c.progressFn()

	c.mu.Lock()
	if progress != c.lastProgress {
		c.lastProgress = progress
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	if c.lastProgressAt.IsZero() {
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.lastProgressAt)
	shouldDump := stalledFor >= c.stallThreshold &&
		(c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= c.stallThreshold)
	if shouldDump {
		c.lastDumpAt = now
	}
	c.mu.Unlock()

	if !shouldDump {
		return
	}
	stalls := c.stallCount.Add(1)
	if err := c.dumpStallArtifacts(now, progress, stalledFor, stalls); err != nil {
		logger.Warnf("Diagnostics stall dump failed: %v", err)
	}
}

func (c *Controller) dumpStallArtifacts(now time.Time, progress int64, stalledFor time.Duration, stalls int64) error {
	ts, err := c.prepareArtifactDir(now)
	if err != nil {
		return err
	}
	event := map[string]interface{}{
		"event":               "build_stall_threshold_exceeded",
		"timestamp":           now.UTC().Format(time.RFC3339Nano),
		"output_bytes":        progress,
		"stall_count":         stalls,
		"threshold_ms":        c.stallThreshold.Milliseconds(),
		"observed_stalled_ms": stalledFor.Milliseconds(),
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	eventPath := filepath.Join(c.dir, fmt.Sprintf("buildsentry-stalled-build-%s.json", ts))
	if err := os.WriteFile(eventPath, b, 0600); err != nil {
		return err
	}

	if c.dumpFlightRecorder != nil {
		tracePath := filepath.Join(c.dir, fmt.Sprintf("buildsentry-flight-%s.out", ts))
		if err := c.dumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		}
	}
	return nil
}

// prepareArtifactDir ensures the diagnostics directory exists and returns
// the timestamp fragment shared by all artifacts of one dump.
func (c *Controller) prepareArtifactDir(now time.Time) (string, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	return now.UTC().Format("20060102-150405.000"), nil
}

func (c *Controller) writeProfile(name string, debug int) (string, error) {
	if c == nil {
		return "", fmt.Errorf("diagnostics controller is nil")
	}
	profile := c.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	ts, err := c.prepareArtifactDir(c.nowFn())
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.dir, fmt.Sprintf("buildsentry-%s-profile-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
