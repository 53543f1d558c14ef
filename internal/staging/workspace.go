package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"framereel/internal/fileutil"
	"framereel/internal/framegen"
	"framereel/internal/services"
)

// Workspace is the frame directory owned by a single run.
type Workspace struct {
	dir string

	mu      sync.Mutex
	cleaned bool
}

// Open creates <framesDir>/<runID> for a run. The directory must not already
// exist, so two runs never share frame storage.
func Open(framesDir, runID string) (*Workspace, error) {
	framesDir = strings.TrimSpace(framesDir)
	runID = strings.TrimSpace(runID)
	if framesDir == "" || runID == "" {
		return nil, errors.New("staging: frames dir and run id are required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("staging: invalid run id %q", runID)
	}
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create frames dir: %w", err)
	}
	dir := filepath.Join(framesDir, runID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("staging: create run dir: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string {
	return w.dir
}

// FramePath returns where the frame at ordinal is stored.
func (w *Workspace) FramePath(ordinal int, format string) string {
	ext := strings.TrimSpace(format)
	if ext == "" {
		ext = "png"
	}
	if ext == "jpeg" {
		ext = "jpg"
	}
	return filepath.Join(w.dir, fmt.Sprintf("frame_%03d.%s", ordinal, ext))
}

// SaveFrame persists the frame's encoded bytes.
func (w *Workspace) SaveFrame(frame framegen.Frame) (string, error) {
	if len(frame.Encoded) == 0 {
		return "", fmt.Errorf("staging: frame %d has no encoded data", frame.Ordinal)
	}
	w.mu.Lock()
	cleaned := w.cleaned
	w.mu.Unlock()
	if cleaned {
		return "", fmt.Errorf("staging: workspace %s already released", w.dir)
	}
	path := w.FramePath(frame.Ordinal, frame.Format)
	if err := fileutil.WriteFileAtomic(path, frame.Encoded, 0o600); err != nil {
		return "", fmt.Errorf("staging: save frame %d: %w", frame.Ordinal, err)
	}
	return path, nil
}

// Cleanup removes the workspace and everything in it. Only the first call
// touches the filesystem; later calls return nil.
func (w *Workspace) Cleanup() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cleaned {
		return nil
	}
	w.cleaned = true
	if err := os.RemoveAll(w.dir); err != nil {
		return services.Wrap(services.ErrCleanup, "cleanup", "remove frames", w.dir, err)
	}
	return nil
}
