package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/droverhq/drover/pkg/errdefs"
)

func TestWriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.pid")

	if err := Write(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("got pid %d, want %d", pid, os.Getpid())
	}

	if err := Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := Read(path); !errdefs.IsNotFound(err) {
		t.Fatalf("want not-found after remove, got %v", err)
	}
	// Removing twice is fine.
	if err := Remove(path); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestWriteRefusesLivePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.pid")
	if err := Write(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The file is held by this very process.
	if err := Write(path); !errdefs.IsInvalidState(err) {
		t.Fatalf("want invalid-state, got %v", err)
	}
}

func TestWriteReclaimsStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.pid")
	if err := os.WriteFile(path, []byte("999999999\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Write(path); err != nil {
		t.Fatalf("stale file not reclaimed: %v", err)
	}
	pid, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("got pid %d, want %d", pid, os.Getpid())
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.pid")
	if err := os.WriteFile(path, []byte("not a pid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); !errdefs.IsConfig(err) {
		t.Fatalf("want config error, got %v", err)
	}
}
