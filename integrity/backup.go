package integrity

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"buildsentry/logger"
)

// snapshotTimestampLayout keys snapshot directories. Microsecond precision
// keeps concurrent sessions from colliding on a name.
const snapshotTimestampLayout = "20060102-150405.000000"

// BackupStore owns the snapshot directory tree. Snapshots are written once
// and never mutated; restoration always copies backup to live.
type BackupStore struct {
	dir string
	max int
}

type Snapshot struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	FileCount int       `json:"file_count"`
	TotalSize int64     `json:"total_size"`
}

func NewBackupStore(dir string, maxBackups int) *BackupStore {
	return &BackupStore{dir: dir, max: maxBackups}
}

func (b *BackupStore) Dir() string {
	return b.dir
}

// CreateSnapshot copies every existing critical file into a fresh timestamped
// directory, then rotates old snapshots beyond the configured maximum.
// Missing files are skipped; copy errors abort the snapshot.
func (b *BackupStore) CreateSnapshot(files []CriticalFile) (string, error) {
	if err := os.MkdirAll(b.dir, 0700); err != nil {
		return "", err
	}
	var name, root string
	for {
		name = time.Now().UTC().Format(snapshotTimestampLayout)
		root = filepath.Join(b.dir, name)
		err := os.Mkdir(root, 0700)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return "", err
		}
	}

	for _, file := range files {
		if _, err := os.Stat(file.AbsPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		dest := filepath.Join(root, filepath.FromSlash(file.RelPath))
		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			return "", err
		}
		if err := copyFile(file.AbsPath, dest); err != nil {
			return "", err
		}
	}

	if err := b.rotate(); err != nil {
		logger.Warnf("Backup rotation failed: %v", err)
	}
	return name, nil
}

// List returns snapshots newest first. Entries that do not parse as snapshot
// timestamps are ignored.
func (b *BackupStore) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	snapshots := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		created, err := time.Parse(snapshotTimestampLayout, entry.Name())
		if err != nil {
			continue
		}
		snap := Snapshot{
			Name:      entry.Name(),
			Path:      filepath.Join(b.dir, entry.Name()),
			CreatedAt: created,
		}
		_ = filepath.Walk(snap.Path, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			snap.FileCount++
			snap.TotalSize += info.Size()
			return nil
		})
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name > snapshots[j].Name
	})
	return snapshots, nil
}

// Newest returns the most recent snapshot, or ok=false when none exist.
func (b *BackupStore) Newest() (Snapshot, bool, error) {
	snapshots, err := b.List()
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(snapshots) == 0 {
		return Snapshot{}, false, nil
	}
	return snapshots[0], true, nil
}

// RestoreFile copies a file from the newest snapshot that contains it over
// the live path. Returns ErrNoBackups when no snapshot holds the file.
func (b *BackupStore) RestoreFile(relPath, destAbs string) error {
	snapshots, err := b.List()
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return ErrNoBackups
	}
	for _, snap := range snapshots {
		source := filepath.Join(snap.Path, filepath.FromSlash(relPath))
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destAbs), 0755); err != nil {
			return err
		}
		return copyFile(source, destAbs)
	}
	return ErrNoBackups
}

// BackedUpCopy returns the path of the newest snapshot copy of relPath, or
// ok=false when no snapshot contains the file.
func (b *BackupStore) BackedUpCopy(relPath string) (string, bool) {
	snapshots, err := b.List()
	if err != nil {
		return "", false
	}
	for _, snap := range snapshots {
		source := filepath.Join(snap.Path, filepath.FromSlash(relPath))
		if _, err := os.Stat(source); err == nil {
			return source, true
		}
	}
	return "", false
}

func (b *BackupStore) rotate() error {
	snapshots, err := b.List()
	if err != nil {
		return err
	}
	if b.max <= 0 || len(snapshots) <= b.max {
		return nil
	}
	for _, snap := range snapshots[b.max:] {
		if err := os.RemoveAll(snap.Path); err != nil {
			return err
		}
		logger.Debugf("Evicted backup snapshot %s", snap.Name)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
