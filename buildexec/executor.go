package buildexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"buildsentry/config"
	"buildsentry/logger"
)

// Result is the outcome of one build attempt. A spawn failure carries no
// exit code; a completed process always does.
type Result struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
	Spawned  bool   `json:"spawned"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// Executor runs build commands through the platform shell with the
// production mode and protection markers forced into the environment.
type Executor struct {
	cfg *config.Config

	outputBytes atomic.Int64
}

func NewExecutor(cfg *config.Config) *Executor {
	return &Executor{cfg: cfg}
}

// OutputBytes returns the total bytes of build output seen so far. It only
// grows while a build runs, which makes it a usable liveness probe.
func (e *Executor) OutputBytes() int64 {
	return e.outputBytes.Load()
}

// Execute runs command through the shell with the working directory pinned
// to the project root. It never returns a Go error for a failing build; both
// spawn failures and nonzero exits land in the Result.
func (e *Executor) Execute(ctx context.Context, command string) *Result {
	shell, flag := platformShell()
	cmd := exec.CommandContext(ctx, shell, flag, command)
	cmd.Dir = e.cfg.ProjectRoot
	cmd.Env = e.environment()

	var stdout, stderr bytes.Buffer
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{Error: err.Error()}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return &Result{Error: err.Error()}
	}

	logger.Infof("Running build command: %s", command)
	if err := cmd.Start(); err != nil {
		logger.Errorf("Build command failed to spawn: %v", err)
		return &Result{Error: err.Error()}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go e.drain(&wg, &stdout, stdoutPipe)
	go e.drain(&wg, &stderr, stderrPipe)
	wg.Wait()

	result := &Result{
		Spawned: true,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("build command exited with code %d", result.ExitCode)
		} else {
			result.Error = err.Error()
		}
		return result
	}
	result.Success = true
	return result
}

func (e *Executor) drain(wg *sync.WaitGroup, buf *bytes.Buffer, r io.Reader) {
	defer wg.Done()
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			e.outputBytes.Add(int64(n))
		}
		if err != nil {
			return
		}
	}
}

func (e *Executor) environment() []string {
	env := os.Environ()
	if e.cfg.ProductionEnv {
		env = append(env, "NODE_ENV=production")
	}
	if e.cfg.ProtectionEnv != "" {
		env = append(env, e.cfg.ProtectionEnv+"=1")
	}
	return env
}

func platformShell() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}

// contaminationIndicators are output fragments that contamination typically
// produces: a module file that no longer parses because data was written
// into it.
var contaminationIndicators = []string{
	"SyntaxError: Unexpected token",
	"SyntaxError: Unexpected end of JSON input",
	"Unexpected token ':'",
	"is not a function",
	"Cannot find module",
}

// ContaminationIndicated reports whether combined build output matches a
// failure shape that contaminated module files are known to cause.
func ContaminationIndicated(result *Result) bool {
	if result == nil || result.Success {
		return false
	}
	if !result.Spawned {
		return false
	}
	combined := result.Stdout + "\n" + result.Stderr
	for _, indicator := range contaminationIndicators {
		if strings.Contains(combined, indicator) {
			return true
		}
	}
	return false
}
