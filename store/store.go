// Package store implements a content-addressed local package cache:
// tarballs are unpacked once under a hash of their raw bytes, keyed by
// an on-disk index, and reused across every project that resolves to
// the same (name, version, content).
package store

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bhuvanprakash/jhol/jholerr"
)

// Store is the on-disk content-addressed cache rooted at CacheRoot.
// One Store should be shared by every collaborator in a process; its
// in-memory index is protected by mu and flushed to disk after every
// mutation.
type Store struct {
	cacheRoot string
	log       *slog.Logger

	mu    sync.RWMutex
	index map[pkgKey]indexEntry
}

// Open loads (or initializes) the store rooted at cacheRoot (the
// canonical default is ~/.jhol-cache, resolved by the caller). An index
// decode failure is recovered by rebuilding the index from the content
// actually unpacked on disk (rebuildIndexFromDisk), not by discarding
// every recorded (name, version) -> hash mapping: the unpacked content
// those mappings point at is still there, and is worth keeping
// reachable without a needless re-fetch. Only a failed rebuild is
// fatal, wrapped in ErrStoreCorruption.
func Open(cacheRoot string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, dir := range []string{"unpacked", "tarball", "packuments", "locks"} {
		if err := os.MkdirAll(filepath.Join(cacheRoot, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to initialize cache dir %s: %w", dir, err)
		}
	}
	idx, err := loadIndexFile(indexPath(cacheRoot))
	if err != nil {
		log.Warn("store index corrupt, rebuilding from unpacked content", "path", indexPath(cacheRoot), "error", err)
		rebuilt, rebuildErr := rebuildIndexFromDisk(cacheRoot, log)
		if rebuildErr != nil {
			return nil, fmt.Errorf("%w: %v", jholerr.ErrStoreCorruption, rebuildErr)
		}
		idx = rebuilt
		if saveErr := saveIndexFile(indexPath(cacheRoot), idx); saveErr != nil {
			log.Warn("failed to persist rebuilt index", "error", saveErr)
		}
	}
	return &Store{cacheRoot: cacheRoot, log: log, index: idx}, nil
}

func indexPath(cacheRoot string) string {
	return filepath.Join(cacheRoot, "index")
}

func (s *Store) flushLocked() error {
	return saveIndexFile(indexPath(s.cacheRoot), s.index)
}

// Has reports whether the index has a recorded hash for (name,
// version) and that hash's unpacked directory still exists on disk.
func (s *Store) Has(name, version string) (hash string, ok bool) {
	s.mu.RLock()
	entry, found := s.index[pkgKey{Name: name, Version: version}]
	s.mu.RUnlock()
	if !found {
		return "", false
	}
	h := hashToHex(entry.Hash)
	if _, err := os.Stat(s.unpackedDir(h)); err != nil {
		return "", false
	}
	return h, true
}

func (s *Store) unpackedDir(hash string) string {
	return filepath.Join(s.cacheRoot, "unpacked", hash)
}

func (s *Store) tarballPath(hash string) string {
	return filepath.Join(s.cacheRoot, "tarball", hash+".tgz")
}

// InsertFromTarball hashes raw gzip-compressed tarball bytes, unpacks
// them under unpacked/<H>/package if not already present, and returns
// H. A per-hash advisory lock (lock.go) serializes concurrent
// unpacking of the same content; a winning rename makes the unpack
// visible to other goroutines/processes atomically.
func (s *Store) InsertFromTarball(ctx context.Context, data []byte) (hash string, err error) {
	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])

	destDir := s.unpackedDir(hash)
	if _, err := os.Stat(filepath.Join(destDir, "package")); err == nil {
		return hash, nil
	}

	release, err := acquireHashLock(s.cacheRoot, hash)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", hash, err)
	}
	defer release()

	// Re-check: a concurrent writer may have won the race while we
	// waited for the lock.
	if _, err := os.Stat(filepath.Join(destDir, "package")); err == nil {
		return hash, nil
	}

	stagingDir, err := os.MkdirTemp(filepath.Join(s.cacheRoot, "unpacked"), hash+"-staging-*")
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", hash, err)
	}
	defer os.RemoveAll(stagingDir)

	packageDir := filepath.Join(stagingDir, "package")
	if err := extractTarball(ctx, data, packageDir); err != nil {
		return "", fmt.Errorf("insert %s: %w", hash, err)
	}

	if err := os.Rename(stagingDir, destDir); err != nil {
		if _, statErr := os.Stat(filepath.Join(destDir, "package")); statErr == nil {
			return hash, nil
		}
		return "", fmt.Errorf("insert %s: failed to finalize unpack: %w", hash, err)
	}

	if err := writeStagedFile(s.tarballPath(hash), data); err != nil {
		s.log.Warn("failed to persist tarball sidecar", "hash", hash, "error", err)
	}
	return hash, nil
}

func writeStagedFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// extractTarball decompresses and unpacks a gzip tarball into dest,
// rejecting any entry whose resolved path escapes dest and widening
// file modes below 0o700 so the owner can always write/delete the
// content it owns.
func extractTarball(ctx context.Context, data []byte, dest string) error {
	gz, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("not a gzip tarball: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt tarball: %w", err)
		}

		// npm tarballs always nest content under a single top-level
		// "package/" directory; strip it so dest IS that directory.
		name := hdr.Name
		if idx := strings.IndexByte(name, '/'); idx >= 0 {
			name = name[idx+1:]
		} else {
			continue
		}
		if name == "" {
			continue
		}

		target := filepath.Join(dest, name)
		if !isWithinDir(dest, target) {
			return jholerr.ErrPathTraversal
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, widenMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeEntry(target, tr, widenMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		case tar.TypeSymlink:
			linkTarget := filepath.Join(filepath.Dir(target), hdr.Linkname)
			if filepath.IsAbs(hdr.Linkname) || !isWithinDir(dest, linkTarget) {
				continue // drop symlinks that escape the package
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Symlink(hdr.Linkname, target)
		default:
			// Skip device nodes, fifos, and other npm-irrelevant entries.
		}
	}
}

func widenMode(mode os.FileMode) os.FileMode {
	if mode&0o700 != 0o700 {
		mode |= 0o700
	}
	return mode
}

func isWithinDir(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

// ReadPath returns the unpacked package directory for a content hash,
// erroring with ErrNotCached if it is absent.
func (s *Store) ReadPath(hash string) (string, error) {
	dir := filepath.Join(s.unpackedDir(hash), "package")
	if _, err := os.Stat(dir); err != nil {
		return "", jholerr.NotCached(jholerr.PackageRef{Name: hash})
	}
	return dir, nil
}

// Record pins (name, version) to hash in the index with a fresh
// last-used timestamp, for Has/Prune bookkeeping.
func (s *Store) Record(name, version, hash, integrity string) error {
	h, err := hexToHash(hash)
	if err != nil {
		return fmt.Errorf("record %s@%s: %w", name, version, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[pkgKey{Name: name, Version: version}] = indexEntry{
		Hash:      h,
		Integrity: integrity,
		LastUsed:  time.Now(),
	}
	return s.flushLocked()
}

// PruneOptions configures Prune.
type PruneOptions struct {
	// KeepN caps the number of distinct content hashes retained,
	// evicting the least-recently-used first. Zero means unlimited.
	KeepN int
	// OrphanedOnly restricts eviction to hashes with unpacked content
	// on disk but no referencing index entry, regardless of KeepN.
	OrphanedOnly bool
}

type agedHash struct {
	hash     string
	lastUsed time.Time
}

// Prune evicts unpacked/ and tarball/ content no longer referenced by
// the index, plus (unless OrphanedOnly) the least-recently-used
// hashes beyond KeepN, and returns the number of hashes removed.
func (s *Store) Prune(opts PruneOptions) (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := map[string]time.Time{}
	for _, entry := range s.index {
		h := hashToHex(entry.Hash)
		if cur, ok := referenced[h]; !ok || entry.LastUsed.After(cur) {
			referenced[h] = entry.LastUsed
		}
	}

	onDisk, err := s.listUnpackedHashes()
	if err != nil {
		return 0, err
	}

	toRemove := map[string]bool{}
	for _, h := range onDisk {
		if _, ok := referenced[h]; !ok {
			toRemove[h] = true
		}
	}

	if !opts.OrphanedOnly && opts.KeepN > 0 && len(referenced) > opts.KeepN {
		aged := make([]agedHash, 0, len(referenced))
		for h, t := range referenced {
			aged = append(aged, agedHash{h, t})
		}
		sortAgedHashesAscending(aged)
		excess := len(aged) - opts.KeepN
		for i := 0; i < excess; i++ {
			toRemove[aged[i].hash] = true
		}
	}

	for h := range toRemove {
		if err := os.RemoveAll(s.unpackedDir(h)); err != nil {
			return removed, fmt.Errorf("prune %s: %w", h, err)
		}
		_ = os.Remove(s.tarballPath(h))
		removed++
	}

	if !opts.OrphanedOnly {
		for key, entry := range s.index {
			if toRemove[hashToHex(entry.Hash)] {
				delete(s.index, key)
			}
		}
		if err := s.flushLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) listUnpackedHashes() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.cacheRoot, "unpacked"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.Contains(e.Name(), "-staging-") {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

func sortAgedHashesAscending(aged []agedHash) {
	for i := 1; i < len(aged); i++ {
		for j := i; j > 0 && aged[j].lastUsed.Before(aged[j-1].lastUsed); j-- {
			aged[j], aged[j-1] = aged[j-1], aged[j]
		}
	}
}
