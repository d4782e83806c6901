package home

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	// DefaultDirName is the default name for the galley home directory.
	DefaultDirName = ".galley"

	// SnapshotsDirName is the subdirectory holding job state snapshots.
	SnapshotsDirName = "jobs"

	// WorkDirName is the subdirectory holding per-job working artifacts.
	WorkDirName = "work"

	// OutputsDirName is the subdirectory holding finished documents.
	OutputsDirName = "outputs"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the galley home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.galley).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// SnapshotsPath returns the directory where job snapshots are persisted.
func (d *Dir) SnapshotsPath() string {
	return filepath.Join(d.path, SnapshotsDirName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, p := range []string{d.SnapshotsPath(), filepath.Join(d.path, WorkDirName), filepath.Join(d.path, OutputsDirName)} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", p, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// JobWorkDir returns the working directory for a job.
func (d *Dir) JobWorkDir(jobID string) string {
	return filepath.Join(d.path, WorkDirName, jobID)
}

// JobInputPath returns the cached input document for a job.
func (d *Dir) JobInputPath(jobID string) string {
	return filepath.Join(d.JobWorkDir(jobID), "input.txt")
}

// PreChunkPath returns the normalized input unit for a chunk.
// Chunk indexes are 0-based.
func (d *Dir) PreChunkPath(jobID string, index int) string {
	return filepath.Join(d.JobWorkDir(jobID), "pre", fmt.Sprintf("%06d.txt", index))
}

// OutChunkPath returns the processed output unit for a chunk.
func (d *Dir) OutChunkPath(jobID string, index int) string {
	return filepath.Join(d.JobWorkDir(jobID), "out", fmt.Sprintf("%06d.txt", index))
}

// RequestSnapshotPath returns the request snapshot for an attempt at ts
// (unix milliseconds).
func (d *Dir) RequestSnapshotPath(jobID string, index int, ts int64) string {
	return filepath.Join(d.JobWorkDir(jobID), "req", fmt.Sprintf("%06d_%d.json", index, ts))
}

// RawResponsePath returns the unfiltered model response for an attempt.
func (d *Dir) RawResponsePath(jobID string, index int, ts int64) string {
	return filepath.Join(d.JobWorkDir(jobID), "resp", fmt.Sprintf("%06d_%d.txt", index, ts))
}

// ErrorSnapshotPath returns the failure diagnostic for an attempt.
func (d *Dir) ErrorSnapshotPath(jobID string, index int, ts int64) string {
	return filepath.Join(d.JobWorkDir(jobID), "error", fmt.Sprintf("%06d_%d.json", index, ts))
}

// OutputPath returns the final merged document for a job.
func (d *Dir) OutputPath(jobID, filename string) string {
	return filepath.Join(d.path, OutputsDirName, jobID, filename)
}

// EnsureJobDirs creates the working directory tree for a job.
func (d *Dir) EnsureJobDirs(jobID string) error {
	work := d.JobWorkDir(jobID)
	for _, sub := range []string{"pre", "out", "req", "resp", "error"} {
		if err := os.MkdirAll(filepath.Join(work, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create job directory %s: %w", sub, err)
		}
	}
	return nil
}

// RemoveJobDirs deletes a job's working directory and outputs.
func (d *Dir) RemoveJobDirs(jobID string) error {
	if err := os.RemoveAll(d.JobWorkDir(jobID)); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(d.path, OutputsDirName, jobID))
}

// WriteFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
