package store

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// ExportColdStorage writes unpacked/<H>/package directories into a
// single xz-compressed tar archive, for archiving a cache generation to
// cold storage before Prune reclaims it. hashes restricts the export to
// those content hashes; a nil or empty slice exports every hash the
// index currently references. The caller owns w (typically an
// *os.File opened for this one export) and ctx, so a long export over
// a large store can be cancelled between files.
func (s *Store) ExportColdStorage(ctx context.Context, w io.Writer, hashes []string) (exported int, err error) {
	if len(hashes) == 0 {
		hashes = s.allReferencedHashes()
	}

	xw, err := xz.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("export cold storage: %w", err)
	}
	defer xw.Close()

	tw := tar.NewWriter(xw)
	defer tw.Close()

	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return exported, err
		}
		packageDir := filepath.Join(s.unpackedDir(hash), "package")
		if _, err := os.Stat(packageDir); err != nil {
			continue
		}
		if err := addDirToTar(tw, hash, s.unpackedDir(hash)); err != nil {
			return exported, fmt.Errorf("export cold storage %s: %w", hash, err)
		}
		exported++
	}
	return exported, nil
}

func (s *Store) allReferencedHashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	hashes := make([]string, 0, len(s.index))
	for _, entry := range s.index {
		h := hashToHex(entry.Hash)
		if !seen[h] {
			seen[h] = true
			hashes = append(hashes, h)
		}
	}
	return hashes
}

func addDirToTar(tw *tar.Writer, hash, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.Join(hash, rel)
		if info.IsDir() {
			if rel == "." {
				return nil
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			return tw.WriteHeader(hdr)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

// ImportColdStorage reverses ExportColdStorage: it unpacks an
// xz-compressed tar archive directly into unpacked/, without touching
// the index (the caller is expected to Record each restored (name,
// version) afterward, since the archive only carries hashes).
func ImportColdStorage(ctx context.Context, cacheRoot string, r io.Reader) (imported int, err error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("import cold storage: %w", err)
	}

	tr := tar.NewReader(xr)
	seen := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("import cold storage: %w", err)
		}
		parts := splitFirstComponent(hdr.Name)
		if parts.hash == "" {
			continue
		}
		if !seen[parts.hash] {
			seen[parts.hash] = true
			imported++
		}
		target := filepath.Join(cacheRoot, "unpacked", parts.hash, parts.rest)
		if !isWithinDir(filepath.Join(cacheRoot, "unpacked"), target) {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, widenMode(hdr.FileInfo().Mode())); err != nil {
				return imported, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return imported, err
			}
			if err := writeEntry(target, tr, widenMode(hdr.FileInfo().Mode())); err != nil {
				return imported, err
			}
		}
	}
	return imported, nil
}

type splitName struct {
	hash string
	rest string
}

func splitFirstComponent(name string) splitName {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return splitName{hash: name[:i], rest: name[i+1:]}
		}
	}
	return splitName{hash: name, rest: ""}
}
