package recovery

import (
	"context"
	"time"

	"buildsentry/buildexec"
	"buildsentry/contamination"
)

// State names the orchestrator's position in a build session.
type State string

const (
	StateIdle        State = "idle"
	StateSettingUp   State = "setting_up"
	StateBuilding    State = "building"
	StateRecovering  State = "recovering"
	StateRetrying    State = "retrying"
	StateDoneSuccess State = "done_success"
	StateDoneFailure State = "done_failure"
)

// IntegrityStore is the slice of the integrity monitor the orchestrator
// drives.
type IntegrityStore interface {
	StartMonitoring(ctx context.Context) (int, error)
	StopMonitoring() error
}

// ContaminationDetector finds and repairs payload-in-module damage.
type ContaminationDetector interface {
	StoreOriginals() (int, error)
	CreateBackups() error
	Detect() ([]contamination.Detected, error)
	RestoreContaminated() (*contamination.RestoreOutcome, error)
}

// BuildExecutor runs one build command to completion.
type BuildExecutor interface {
	Execute(ctx context.Context, command string) *buildexec.Result
}

// EventSink receives structured session events. output.Writer satisfies it.
type EventSink interface {
	WriteEvent(eventType string, data map[string]interface{})
}

// StepResult is the outcome of one recovery step.
type StepResult struct {
	Name    string                 `json:"name"`
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RecoveryRun records one pass of the six-step recovery sequence. Success
// requires every critical step; AllStepsSuccessful requires every step.
type RecoveryRun struct {
	Timestamp          time.Time    `json:"timestamp"`
	Steps              []StepResult `json:"steps"`
	Success            bool         `json:"success"`
	AllStepsSuccessful bool         `json:"all_steps_successful"`
}

// BuildResult is the outcome of ExecuteBuildWithRecovery.
type BuildResult struct {
	Success               bool   `json:"success"`
	Attempt               int    `json:"attempt,omitempty"`
	Attempts              int    `json:"attempts,omitempty"`
	Message               string `json:"message"`
	ContaminationDetected bool   `json:"contamination_detected"`
}

// ValidationResult is the outcome of ValidateBuildOutput.
type ValidationResult struct {
	Success       bool   `json:"success"`
	Contamination int    `json:"contamination"`
	Message       string `json:"message"`
}
