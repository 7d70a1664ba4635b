package services

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceManager owns the on-disk layout shared by the engine and the
// retention manager:
//
//	base/uploads/          caller-supplied DEM inputs (read-only to jobs)
//	base/results/<job>/    per-job output artifacts
//	base/temp/<job>/       per-job scratch, removed after the run
//	base/cache/            shared tile/climate cache
//	base/shared/           distributed file staging
type WorkspaceManager struct {
	baseDir string
}

func NewWorkspaceManager(baseDir string) (*WorkspaceManager, error) {
	ws := &WorkspaceManager{baseDir: baseDir}
	for _, dir := range []string{ws.UploadsDir(), ws.resultsRoot(), ws.tempRoot(), ws.CacheDir(), ws.SharedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir %s: %w", dir, err)
		}
	}
	return ws, nil
}

func (w *WorkspaceManager) BaseDir() string     { return w.baseDir }
func (w *WorkspaceManager) UploadsDir() string  { return filepath.Join(w.baseDir, "uploads") }
func (w *WorkspaceManager) CacheDir() string    { return filepath.Join(w.baseDir, "cache") }
func (w *WorkspaceManager) SharedDir() string   { return filepath.Join(w.baseDir, "shared") }
func (w *WorkspaceManager) resultsRoot() string { return filepath.Join(w.baseDir, "results") }
func (w *WorkspaceManager) tempRoot() string    { return filepath.Join(w.baseDir, "temp") }

func (w *WorkspaceManager) ResultsDir(jobID string) string {
	return filepath.Join(w.resultsRoot(), jobID)
}

func (w *WorkspaceManager) TempDir(jobID string) string {
	return filepath.Join(w.tempRoot(), jobID)
}

// PrepareJob creates the per-job output and scratch directories. The
// supervision goroutine owns them for the lifetime of the run.
func (w *WorkspaceManager) PrepareJob(jobID string) (resultsDir, tempDir string, err error) {
	resultsDir = w.ResultsDir(jobID)
	tempDir = w.TempDir(jobID)
	if err = os.MkdirAll(resultsDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create results dir: %w", err)
	}
	if err = os.MkdirAll(tempDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	return resultsDir, tempDir, nil
}

// CleanupTemp removes the job's scratch area. Always safe to call.
func (w *WorkspaceManager) CleanupTemp(jobID string) error {
	return os.RemoveAll(w.TempDir(jobID))
}

// RemoveResults deletes the job's output artifacts.
func (w *WorkspaceManager) RemoveResults(jobID string) error {
	return os.RemoveAll(w.ResultsDir(jobID))
}

// RemoveUpload deletes a caller-supplied input artifact.
func (w *WorkspaceManager) RemoveUpload(filename string) error {
	if filename == "" {
		return nil
	}
	err := os.Remove(filepath.Join(w.UploadsDir(), filename))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DirSize walks a directory and sums file sizes in bytes. Returns 0 for
// missing paths.
func DirSize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// FileSize returns the size of a single file, 0 if absent.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
