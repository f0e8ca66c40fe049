package integrity

import (
	"errors"
	"time"
)

type ViolationType string

const (
	ChecksumMismatch ViolationType = "checksum_mismatch"
	FileDeleted      ViolationType = "file_deleted"
	UnexpectedFile   ViolationType = "unexpected_file"
)

// ErrNotActive is returned when a check runs before StartMonitoring.
var ErrNotActive = errors.New("integrity monitoring is not active")

// ErrNoBackups is returned when restoration is requested but no snapshot
// exists.
var ErrNoBackups = errors.New("no backup snapshots available")

// CriticalFile is one member of the enumerated protected set. Identity is the
// absolute path; the relative path mirrors into backup snapshots.
type CriticalFile struct {
	RelPath string `json:"rel_path"`
	AbsPath string `json:"abs_path"`
}

type baselineEntry struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	ChangeTime string    `json:"change_time,omitempty"`
	BirthTime  string    `json:"birth_time,omitempty"`
}

type Violation struct {
	Type         ViolationType `json:"type"`
	File         string        `json:"file"`
	OriginalHash string        `json:"original_hash,omitempty"`
	CurrentHash  string        `json:"current_hash,omitempty"`
}

type CheckResult struct {
	Success         bool        `json:"success"`
	Violations      []Violation `json:"violations"`
	FilesChecked    int         `json:"files_checked"`
	UnexpectedFiles []string    `json:"unexpected_files"`
}

type RestoreResult struct {
	Disabled      bool     `json:"disabled"`
	RestoredCount int      `json:"restored_count"`
	Files         []string `json:"files"`
}

type FileStatus struct {
	Path            string `json:"path"`
	Status          string `json:"status"`
	Hash            string `json:"hash,omitempty"`
	FuzzyHash       string `json:"fuzzy_hash,omitempty"`
	BackupFuzzyHash string `json:"backup_fuzzy_hash,omitempty"`
}

// Report is a pure read of the last check. Status is "clean" until a check
// finds violations, then "compromised" until a clean check happens.
type Report struct {
	Status          string       `json:"status"`
	GeneratedAt     string       `json:"generated_at"`
	Algorithm       string       `json:"algorithm"`
	FilesMonitored  int          `json:"files_monitored"`
	Files           []FileStatus `json:"files"`
	Violations      []Violation  `json:"violations"`
	UnexpectedFiles []string     `json:"unexpected_files"`
}

// checksumSidecar is the forensic record written by StopMonitoring. Baseline
// checksums use the session algorithm; FinalChecksums carries multi-algorithm
// digests of each file as it stood at shutdown.
type checksumSidecar struct {
	Timestamp      string                       `json:"timestamp"`
	Algorithm      string                       `json:"algorithm"`
	Checksums      map[string]string            `json:"checksums"`
	FinalChecksums map[string]map[string]string `json:"final_checksums"`
}
