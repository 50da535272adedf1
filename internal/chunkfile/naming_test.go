package chunkfile

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// TestVersionCollapse checks the selection half of scenario S5:
// LatestForEachStart picks the highest version for each start and ignores
// files that don't match the naming pattern. Deleting the lower versions
// is done by tfdb.Open, not by the naming strategy.
func TestVersionCollapse(t *testing.T) {
	dir := t.TempDir()
	n := VersionedNaming{Prefix: "chunk-"}

	for _, name := range []string{
		"chunk-000000.000000", "chunk-000000.000002", "chunk-000000.000005",
		"chunk-000001.000000", "chunk-000001.000001",
		"chunk-000002.000000",
		"chunk-000003.000007", "chunk-000003.000008",
		"foo", "bla",
	} {
		touch(t, dir, name)
	}

	latest, err := n.LatestForEachStart(dir)
	if err != nil {
		t.Fatalf("LatestForEachStart: %v", err)
	}
	want := map[int]int{0: 5, 1: 1, 2: 0, 3: 8}
	if len(latest) != len(want) {
		t.Fatalf("got %d starts, want %d: %+v", len(latest), len(want), latest)
	}
	for start, wantVersion := range want {
		got, ok := latest[start]
		if !ok {
			t.Fatalf("missing start %d", start)
		}
		if got.Version != wantVersion {
			t.Errorf("start %d: version = %d, want %d", start, got.Version, wantVersion)
		}
	}
}

func TestVersionedFilenameFor(t *testing.T) {
	n := VersionedNaming{Prefix: "chunk-"}
	if got := n.FilenameFor(3, 12); got != "chunk-000003.000012" {
		t.Errorf("FilenameFor = %q", got)
	}
}

func TestIsTransient(t *testing.T) {
	n := VersionedNaming{Prefix: "chunk-"}
	for _, name := range []string{"bla.tmp", "bla.scavenge.tmp"} {
		if !n.IsTransient(name) {
			t.Errorf("IsTransient(%q) = false, want true", name)
		}
	}
	if n.IsTransient("bla") {
		t.Error("IsTransient(\"bla\") = true, want false")
	}
}

func TestPrefixOnlyNaming(t *testing.T) {
	dir := t.TempDir()
	n := PrefixOnlyNaming{Prefix: "prefix.tf"}

	all, err := n.EnumerateAll(dir)
	if err != nil {
		t.Fatalf("EnumerateAll: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no files before creation, got %d", len(all))
	}

	touch(t, dir, "prefix.tf")
	all, err = n.EnumerateAll(dir)
	if err != nil {
		t.Fatalf("EnumerateAll: %v", err)
	}
	if len(all) != 1 || all[0].Start != 0 {
		t.Fatalf("EnumerateAll = %+v", all)
	}
}
