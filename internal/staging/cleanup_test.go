package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"framereel/internal/logging"
)

func mkdirAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if age > 0 {
		ts := time.Now().Add(-age)
		if err := os.Chtimes(path, ts, ts); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func TestCleanStaleInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanStale(context.Background(), dir, time.Hour, nil, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanStaleRemovesOldRunDirectories(t *testing.T) {
	root := t.TempDir()
	oldDir := filepath.Join(root, "run-old")
	recentDir := filepath.Join(root, "run-recent")
	activeDir := filepath.Join(root, "run-active")
	mkdirAged(t, oldDir, 2*time.Hour)
	mkdirAged(t, recentDir, 0)
	mkdirAged(t, activeDir, 3*time.Hour)

	result := CleanStale(context.Background(), root, time.Hour, map[string]struct{}{"run-active": {}}, logging.NewNop())
	if len(result.Removed) != 1 || result.Removed[0] != oldDir {
		t.Fatalf("expected only %s removed, got %v", oldDir, result.Removed)
	}
	if _, err := os.Stat(recentDir); err != nil {
		t.Error("recent directory should still exist")
	}
	if _, err := os.Stat(activeDir); err != nil {
		t.Error("active directory should still exist")
	}
}

func TestCleanStaleIgnoresFiles(t *testing.T) {
	root := t.TempDir()
	oldFile := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(oldFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(oldFile, ts, ts)

	result := CleanStale(context.Background(), root, time.Hour, nil, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("expected no removals, got %v", result.Removed)
	}
}

func TestCleanOrphanedKeepsActiveRuns(t *testing.T) {
	root := t.TempDir()
	known := filepath.Join(root, "run-a")
	unknown := filepath.Join(root, "run-b")
	mkdirAged(t, known, 0)
	mkdirAged(t, unknown, 0)

	result := CleanOrphaned(context.Background(), root, map[string]struct{}{"run-a": {}}, nil)
	if len(result.Removed) != 1 || result.Removed[0] != unknown {
		t.Fatalf("expected %s removed, got %v", unknown, result.Removed)
	}
	if _, err := os.Stat(known); err != nil {
		t.Error("active run directory should remain")
	}
}

func TestListDirectories(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/path/12345"} {
		dirs, err := ListDirectories(path)
		if err != nil || dirs != nil {
			t.Fatalf("ListDirectories(%q) = %v, %v", path, dirs, err)
		}
	}

	root := t.TempDir()
	run := filepath.Join(root, "run-1")
	mkdirAged(t, run, 0)
	if err := os.WriteFile(filepath.Join(run, "frame_000.png"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	dirs, err := ListDirectories(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 1 || dirs[0].Name != "run-1" || dirs[0].Size != 100 {
		t.Fatalf("unexpected listing %+v", dirs)
	}
}
