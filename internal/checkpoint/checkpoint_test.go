package checkpoint

import (
	"path/filepath"
	"testing"
)

func TestFileCheckpointCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.chk")

	cp, err := New(path, -1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v, _ := cp.Read(); v != -1 {
		t.Fatalf("initial value = %d, want -1", v)
	}
	if err := cp.Write(42); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v, _ := cp.Read(); v != 42 {
		t.Fatalf("after Write = %d, want 42", v)
	}
	if err := cp.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := cp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(path, -1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if v, _ := reopened.Read(); v != 42 {
		t.Fatalf("reopened value = %d, want 42", v)
	}
}

func TestMmapCheckpointCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaser.chk")

	cp, err := NewMmap(path, 0)
	if err != nil {
		t.Fatalf("NewMmap: %v", err)
	}
	if err := cp.Write(1000); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cp.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := cp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewMmap(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if v, _ := reopened.Read(); v != 1000 {
		t.Fatalf("reopened value = %d, want 1000", v)
	}
}

func TestCachedOnlyUpdatesReadAfterFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epoch.chk")
	backing, err := New(path, -1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer backing.Close()

	c, err := NewCached(backing)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}

	if v, _ := c.Read(); v != -1 {
		t.Fatalf("initial Read = %d, want -1", v)
	}

	if err := c.Write(7); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v, _ := c.Read(); v != -1 {
		t.Fatalf("Read before Flush = %d, want -1 (unflushed)", v)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if v, _ := c.Read(); v != 7 {
		t.Fatalf("Read after Flush = %d, want 7", v)
	}
}

func TestFlushWithoutWriteIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truncate.chk")
	backing, err := New(path, -1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer backing.Close()

	c, err := NewCached(backing)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
