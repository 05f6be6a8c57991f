package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bhuvanprakash/jhol/jholerr"
)

func makeTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		hdr := &tar.Header{
			Name: "package/" + name,
			Mode: 0o600,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

func maliciousTarball(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	hdr := &tar.Header{
		Name: "package/../../../etc/evil",
		Mode: 0o600,
		Size: 4,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte("evil")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	tw.Close()
	gw.Close()
	return buf.Bytes()
}

func TestInsertFromTarballAndReadPath(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{"index.js": "console.log('hi')", "package.json": "{}"})

	hash, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertFromTarball: %v", err)
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash))
	}

	dir, err := s.ReadPath(hash)
	if err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "index.js"))
	if err != nil {
		t.Fatalf("read unpacked file: %v", err)
	}
	if string(content) != "console.log('hi')" {
		t.Errorf("unpacked content mismatch: %q", content)
	}
}

func TestInsertFromTarballIdempotent(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{"a.js": "1"})

	h1, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	h2, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash changed across inserts: %s vs %s", h1, h2)
	}
}

func TestInsertFromTarballRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = s.InsertFromTarball(context.Background(), maliciousTarball(t))
	if err == nil {
		t.Fatal("want error for path-traversing tarball, got nil")
	}
}

func TestReadPathNotCached(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = s.ReadPath(strings.Repeat("0", 64))
	if !errors.Is(err, jholerr.ErrNotCached) {
		t.Errorf("want ErrNotCached, got %v", err)
	}
}

func TestRecordAndHas(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{"a.js": "1"})
	hash, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertFromTarball: %v", err)
	}
	if err := s.Record("left-pad", "1.0.0", hash, "sha256-abc"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, ok := s.Has("left-pad", "1.0.0")
	if !ok {
		t.Fatal("Has returned false after Record")
	}
	if got != hash {
		t.Errorf("Has hash = %s, want %s", got, hash)
	}
	if _, ok := s.Has("left-pad", "2.0.0"); ok {
		t.Error("Has returned true for unrecorded version")
	}
}

func TestHasSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{"a.js": "1"})
	hash, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertFromTarball: %v", err)
	}
	if err := s.Record("left-pad", "1.0.0", hash, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reopened, err := Open(root, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Has("left-pad", "1.0.0"); !ok {
		t.Error("index did not survive reopen")
	}
}

func TestOpenRebuildsFromCorruptIndex(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{
		"a.js":         "1",
		"package.json": `{"name":"left-pad","version":"1.0.0"}`,
	})
	hash, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertFromTarball: %v", err)
	}
	if err := s.Record("left-pad", "1.0.0", hash, "sha256-abc"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := os.WriteFile(indexPath(root), []byte("not a valid index"), 0o644); err != nil {
		t.Fatalf("corrupt index: %v", err)
	}

	reopened, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open after corruption: %v", err)
	}
	// The rebuild scans unpacked/ and reads each hash's package.json, so
	// the (name, version) -> hash mapping survives the corrupt index
	// instead of forcing a needless re-fetch.
	got, ok := reopened.Has("left-pad", "1.0.0")
	if !ok {
		t.Fatal("expected index rebuild to recover the name/version mapping from unpacked content")
	}
	if got != hash {
		t.Errorf("rebuilt hash = %s, want %s", got, hash)
	}
	if _, err := reopened.ReadPath(hash); err != nil {
		t.Errorf("unpacked content lost after index rebuild: %v", err)
	}
}

// TestOpenRebuildSkipsContentWithoutPackageJSON covers unpacked content
// a rebuild can't attribute to any (name, version): it's silently
// excluded from the rebuilt index (still readable by hash through
// ReadPath) rather than failing the whole rebuild.
func TestOpenRebuildSkipsContentWithoutPackageJSON(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{"a.js": "1"})
	hash, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertFromTarball: %v", err)
	}
	if err := s.Record("left-pad", "1.0.0", hash, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := os.WriteFile(indexPath(root), []byte("not a valid index"), 0o644); err != nil {
		t.Fatalf("corrupt index: %v", err)
	}

	reopened, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open after corruption: %v", err)
	}
	if _, ok := reopened.Has("left-pad", "1.0.0"); ok {
		t.Fatal("expected rebuild to skip content with no package.json to key by")
	}
	if _, err := reopened.ReadPath(hash); err != nil {
		t.Errorf("unpacked content lost after index rebuild: %v", err)
	}
}

// TestOpenFailsWithStoreCorruptionWhenRebuildFails covers the fatal
// path: if scanning unpacked/ itself fails, Open must surface
// ErrStoreCorruption rather than silently starting with an empty
// index.
func TestOpenFailsWithStoreCorruptionWhenRebuildFails(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.WriteFile(indexPath(root), []byte("not a valid index"), 0o644); err != nil {
		t.Fatalf("corrupt index: %v", err)
	}
	unpackedRoot := filepath.Join(root, "unpacked")
	if err := os.Chmod(unpackedRoot, 0o000); err != nil {
		t.Fatalf("chmod unpacked: %v", err)
	}
	defer os.Chmod(unpackedRoot, 0o755)

	_, err = Open(root, nil)
	if !errors.Is(err, jholerr.ErrStoreCorruption) {
		t.Errorf("want ErrStoreCorruption, got %v", err)
	}
	_ = s
}

func TestPruneRemovesOrphaned(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{"a.js": "1"})
	hash, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertFromTarball: %v", err)
	}
	// Never recorded, so it is orphaned from the index's perspective.
	removed, err := s.Prune(PruneOptions{OrphanedOnly: true})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.ReadPath(hash); err == nil {
		t.Error("orphaned content should have been removed")
	}
}

func TestPruneKeepsReferenced(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := makeTarball(t, map[string]string{"a.js": "1"})
	hash, err := s.InsertFromTarball(context.Background(), data)
	if err != nil {
		t.Fatalf("InsertFromTarball: %v", err)
	}
	if err := s.Record("left-pad", "1.0.0", hash, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	removed, err := s.Prune(PruneOptions{OrphanedOnly: true})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 (referenced content kept)", removed)
	}
	if _, ok := s.Has("left-pad", "1.0.0"); !ok {
		t.Error("Has should still report the referenced package")
	}
}

func TestPruneKeepNEvictsLeastRecentlyUsed(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h1, err := s.InsertFromTarball(context.Background(), makeTarball(t, map[string]string{"a.js": "1"}))
	if err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if err := s.Record("a", "1.0.0", h1, ""); err != nil {
		t.Fatalf("record 1: %v", err)
	}

	h2, err := s.InsertFromTarball(context.Background(), makeTarball(t, map[string]string{"b.js": "2"}))
	if err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if err := s.Record("b", "1.0.0", h2, ""); err != nil {
		t.Fatalf("record 2: %v", err)
	}

	removed, err := s.Prune(PruneOptions{KeepN: 1})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := s.Has("a", "1.0.0"); ok {
		t.Error("older entry 'a' should have been evicted")
	}
	if _, ok := s.Has("b", "1.0.0"); !ok {
		t.Error("newer entry 'b' should have survived")
	}
}
