package buildexec

import (
	"context"
	"runtime"
	"strings"
	"testing"

	"buildsentry/config"
)

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell command fixtures assume a POSIX shell")
	}
	cfg := config.Defaults()
	cfg.ProjectRoot = t.TempDir()
	return NewExecutor(cfg)
}

func TestExecuteSuccess(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), "echo hello")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "hello") {
		t.Fatalf("stdout = %q, want hello", result.Stdout)
	}
	if e.OutputBytes() == 0 {
		t.Fatal("output byte counter never advanced")
	}
}

func TestExecuteNonzeroExit(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), "exit 3")
	if result.Success {
		t.Fatal("expected failure")
	}
	if !result.Spawned {
		t.Fatal("process did spawn; result must say so")
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Error, "3") {
		t.Fatalf("error %q should embed the exit code", result.Error)
	}
}

func TestExecuteCapturesStderr(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), "echo oops 1>&2; exit 1")
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Fatalf("stderr = %q, want oops", result.Stderr)
	}
}

func TestExecuteInjectsProtectionEnvironment(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), "echo $NODE_ENV $BUILD_PROTECTION_ACTIVE")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.Contains(result.Stdout, "production 1") {
		t.Fatalf("stdout = %q, want production mode and protection marker", result.Stdout)
	}
}

func TestExecuteRunsInProjectRoot(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), "pwd")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.Contains(result.Stdout, e.cfg.ProjectRoot) {
		t.Fatalf("pwd = %q, want project root %q", result.Stdout, e.cfg.ProjectRoot)
	}
}

func TestContaminationIndicated(t *testing.T) {
	cases := []struct {
		name   string
		result *Result
		want   bool
	}{
		{"nil", nil, false},
		{"success", &Result{Success: true, Spawned: true}, false},
		{"spawn failure", &Result{Error: "command not found"}, false},
		{
			"syntax error",
			&Result{Spawned: true, Stderr: "SyntaxError: Unexpected token ':' in exit.js"},
			true,
		},
		{
			"missing module",
			&Result{Spawned: true, Stdout: "Error: Cannot find module 'exit'"},
			true,
		},
		{
			"plain test failure",
			&Result{Spawned: true, Stderr: "AssertionError: expected 2 to equal 3"},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ContaminationIndicated(tc.result); got != tc.want {
				t.Fatalf("ContaminationIndicated = %v, want %v", got, tc.want)
			}
		})
	}
}
