package staging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"framereel/internal/framegen"
)

func TestWorkspaceSaveAndCleanupIsIdempotent(t *testing.T) {
	root := t.TempDir()
	ws, err := Open(root, "run-123")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	path, err := ws.SaveFrame(framegen.Frame{Ordinal: 2, Encoded: []byte("png"), Format: "png"})
	if err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if filepath.Base(path) != "frame_002.png" {
		t.Fatalf("unexpected frame path %s", path)
	}

	if err := ws.Cleanup(); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected workspace removed, stat err=%v", err)
	}
	before, _ := os.ReadDir(root)
	if err := ws.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	after, _ := os.ReadDir(root)
	if len(before) != len(after) {
		t.Fatalf("second cleanup changed on-disk state: %d -> %d entries", len(before), len(after))
	}
	if _, err := ws.SaveFrame(framegen.Frame{Ordinal: 0, Encoded: []byte("x")}); err == nil {
		t.Fatal("expected save after cleanup to fail")
	}
}

func TestOpenRejectsSharedOrInvalidRunDirs(t *testing.T) {
	root := t.TempDir()
	if _, err := Open(root, "run-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(root, "run-1"); err == nil {
		t.Fatal("expected error when the run directory already exists")
	}
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := Open(root, id); err == nil {
			t.Fatalf("expected error for run id %q", id)
		}
	}
}

func TestFramePathExtensions(t *testing.T) {
	ws := &Workspace{dir: "/frames/run"}
	if got := ws.FramePath(1, "jpeg"); got != "/frames/run/frame_001.jpg" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ws.FramePath(0, ""); got != "/frames/run/frame_000.png" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestNilWorkspaceCleanup(t *testing.T) {
	var ws *Workspace
	if err := ws.Cleanup(); err != nil {
		t.Fatalf("nil Cleanup: %v", err)
	}
}
