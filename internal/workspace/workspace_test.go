package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareAndCleanup(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := mgr.Prepare("d-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	again, err := mgr.Prepare("d-1")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if _, err := os.Stat(filepath.Join(again, "stale")); !os.IsNotExist(err) {
		t.Fatalf("expected prepare to reset leftovers, stat err=%v", err)
	}

	if err := mgr.Cleanup(again); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(again); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, stat err=%v", err)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outside := t.TempDir()
	if err := mgr.Cleanup(outside); err == nil {
		t.Fatal("expected cleanup outside root to fail")
	}
	if err := mgr.Cleanup(mgr.Root()); err == nil {
		t.Fatal("expected cleanup of the root itself to fail")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside dir should survive: %v", err)
	}
}

func TestPrepareRejectsTraversal(t *testing.T) {
	mgr, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := mgr.Prepare(id); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}
