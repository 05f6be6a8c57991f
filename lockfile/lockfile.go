// Package lockfile implements a canonical, deterministic lockfile
// codec: a JSON serialization of the resolved graph with sorted keys,
// normalized full semver, \n line endings, and no trailing whitespace,
// plus a lockfile_hash usable as a cache key.
package lockfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/bhuvanprakash/jhol/models"
)

const schemaVersion = 1

// Lockfile is the canonical, deterministic serialization of a resolved
// dependency graph.
type Lockfile struct {
	LockfileVersion int                      `json:"lockfileVersion"`
	Name            string                   `json:"name,omitempty"`
	Packages        map[string]PinnedPackage `json:"packages"`
}

// PinnedPackage is one pinned (name, version) node, with everything the
// install pipeline needs to re-fetch and re-verify it without a
// resolve: resolved tarball URL, integrity, and the unresolved
// requirements that produced it.
type PinnedPackage struct {
	Name                 string                             `json:"name"`
	Version              string                             `json:"version"`
	Resolved             string                             `json:"resolved"`
	Integrity            string                             `json:"integrity,omitempty"`
	Dependencies         map[string]string                  `json:"dependencies,omitempty"`
	PeerDependencies     map[string]string                  `json:"peerDependencies,omitempty"`
	PeerDependenciesMeta map[string]models.PeerDepMetaEntry `json:"peerDependenciesMeta,omitempty"`
	OptionalDependencies map[string]string                  `json:"optionalDependencies,omitempty"`
}

// New builds a Lockfile from pinned packages, normalizing every version
// string to its full semver form and every empty dependency map to nil
// (the form Decode yields for an omitted field).
func New(projectName string, packages map[string]PinnedPackage) (Lockfile, error) {
	normalized := make(map[string]PinnedPackage, len(packages))
	for name, p := range packages {
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			return Lockfile{}, fmt.Errorf("invalid version for %s: %w", name, err)
		}
		p.Name = name
		p.Version = v.String()
		if len(p.Dependencies) == 0 {
			p.Dependencies = nil
		}
		if len(p.PeerDependencies) == 0 {
			p.PeerDependencies = nil
		}
		if len(p.PeerDependenciesMeta) == 0 {
			p.PeerDependenciesMeta = nil
		}
		if len(p.OptionalDependencies) == 0 {
			p.OptionalDependencies = nil
		}
		normalized[name] = p
	}
	return Lockfile{LockfileVersion: schemaVersion, Name: projectName, Packages: normalized}, nil
}

// Encode renders the lockfile to its canonical byte form: map keys sort
// alphabetically (encoding/json's own behavior for map[string]T), two
// space indent, \n line endings, single trailing newline, no trailing
// whitespace on any line.
func Encode(l Lockfile) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("failed to encode lockfile: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses canonical lockfile bytes.
func Decode(data []byte) (Lockfile, error) {
	var l Lockfile
	if err := json.Unmarshal(data, &l); err != nil {
		return Lockfile{}, fmt.Errorf("failed to decode lockfile: %w", err)
	}
	return l, nil
}

// Load reads a lockfile from disk.
func Load(path string) (Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lockfile{}, fmt.Errorf("failed to read lockfile %s: %w", path, err)
	}
	return Decode(data)
}

// Write encodes and writes a lockfile to disk atomically (temp file,
// rename), matching the store's staging discipline elsewhere in the
// core.
func Write(path string, l Lockfile) error {
	data, err := Encode(l)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize lockfile: %w", err)
	}
	return nil
}

// Hash returns the sha256 of the lockfile's canonical bytes, usable as
// a cache key.
func Hash(l Lockfile) (string, error) {
	data, err := Encode(l)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteTo is a convenience wrapper for streaming callers.
func WriteTo(w io.Writer, l Lockfile) error {
	data, err := Encode(l)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// sortedNames returns a lockfile's package names in their canonical
// sorted order.
func sortedNames(l Lockfile) []string {
	names := make([]string, 0, len(l.Packages))
	for name := range l.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
