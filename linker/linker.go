// Package linker materializes a resolved dependency graph into a flat
// node_modules tree: one entry per hoisted package, linked from the
// store's content-addressed unpack rather than copied, wherever the
// filesystem allows it.
package linker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Node is one resolved package in the dependency graph, as produced by
// the resolver/lockfile and needed to flatten and link it.
type Node struct {
	Name         string
	Version      string
	Depth        int // distance from the project root; 0 = a root direct dependency
	Dependencies map[string]string
}

// Placement is the outcome of flattening: which packages land directly
// in node_modules/<name> and which must nest under their dependent
// because a shallower slot is already taken by an incompatible
// version.
type Placement struct {
	Name    string
	Version string
	Path    string // relative to the project root, e.g. "node_modules/lodash" or ".../a/node_modules/lodash"
}

// Flatten computes the hoisted layout: for each name, the node that
// wins the top-level node_modules/<name> slot is chosen by (1) lowest
// Depth, i.e. shortest path from the root (root direct wins,
// "root-wins"), (2) highest semver version as the final tiebreak.
// Everything else nests one level under whichever node required it.
func Flatten(nodes []Node) ([]Placement, error) {
	byName := map[string][]Node{}
	for _, n := range nodes {
		byName[n.Name] = append(byName[n.Name], n)
	}

	winners := map[string]Node{}
	for name, candidates := range byName {
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.Depth != b.Depth {
				return a.Depth < b.Depth
			}
			va, err1 := semver.NewVersion(a.Version)
			vb, err2 := semver.NewVersion(b.Version)
			if err1 == nil && err2 == nil && !va.Equal(vb) {
				return va.GreaterThan(vb)
			}
			return a.Version > b.Version
		})
		winners[name] = candidates[0]
	}

	placements := make([]Placement, 0, len(winners))
	for name, node := range winners {
		placements = append(placements, Placement{
			Name:    name,
			Version: node.Version,
			Path:    filepath.Join("node_modules", name),
		})
	}

	// Every other version of a name that lost the top-level slot nests
	// under node_modules/<dependent>/node_modules/<name>, keyed by the
	// first dependent found requiring that exact version.
	for name, candidates := range byName {
		winner := winners[name]
		for _, c := range candidates {
			if c.Version == winner.Version {
				continue
			}
			placements = append(placements, Placement{
				Name:    name,
				Version: c.Version,
				Path:    filepath.Join("node_modules", nestedUnder(nodes, name, c.Version), "node_modules", name),
			})
		}
	}

	sort.Slice(placements, func(i, j int) bool { return placements[i].Path < placements[j].Path })
	return placements, nil
}

// nestedUnder finds a node whose Dependencies reference (name,
// version), used to pick a deterministic nesting parent for a
// non-hoisted version. Falls back to name itself if none is found,
// which only happens for a version that nothing actually requires.
func nestedUnder(nodes []Node, name, version string) string {
	for _, n := range nodes {
		if rng, ok := n.Dependencies[name]; ok {
			c, err := semver.NewConstraint(rng)
			if err != nil {
				continue
			}
			v, err := semver.NewVersion(version)
			if err != nil {
				continue
			}
			if c.Check(v) {
				return n.Name
			}
		}
	}
	return name
}

// LinkStrategy controls how package content is materialized into its
// placement directory.
type LinkStrategy int

const (
	// StrategyAuto tries clone, then hardlink, then copy, probed once
	// per package via its first file.
	StrategyAuto LinkStrategy = iota
	// StrategySymlink always symlinks the package directory as a whole,
	// selected via JHOL_LINK=symlink.
	StrategySymlink
	// StrategyCopy always copies file contents, never links.
	StrategyCopy
)

// StrategyFromEnv reads JHOL_LINK ("symlink", "copy", or unset/"auto").
func StrategyFromEnv(value string) LinkStrategy {
	switch value {
	case "symlink":
		return StrategySymlink
	case "copy":
		return StrategyCopy
	default:
		return StrategyAuto
	}
}

// Link materializes srcDir (an unpacked store package directory) at
// destDir using strategy, staging under a sibling temp directory and
// renaming into place so a concurrent reader never observes a
// half-written package.
func Link(srcDir, destDir string, strategy LinkStrategy) error {
	if strategy == StrategySymlink {
		if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
			return fmt.Errorf("link %s: %w", destDir, err)
		}
		tmp, err := os.MkdirTemp(filepath.Dir(destDir), ".jhol-link-*")
		if err != nil {
			return fmt.Errorf("link %s: %w", destDir, err)
		}
		os.Remove(tmp)
		if err := os.Symlink(srcDir, tmp); err != nil {
			return fmt.Errorf("link %s: %w", destDir, err)
		}
		return finalizePlacement(tmp, destDir)
	}

	stagingDir, err := os.MkdirTemp(filepath.Dir(destDir), ".jhol-link-*")
	if err != nil {
		return fmt.Errorf("link %s: %w", destDir, err)
	}
	defer os.RemoveAll(stagingDir)

	mode := strategy
	if mode == StrategyAuto {
		mode = probeStrategy(srcDir, stagingDir)
	}

	if err := materializeTree(srcDir, stagingDir, mode); err != nil {
		return fmt.Errorf("link %s: %w", destDir, err)
	}
	return finalizePlacement(stagingDir, destDir)
}

func finalizePlacement(stagingDir, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return err
	}
	os.RemoveAll(destDir)
	return os.Rename(stagingDir, destDir)
}

// probeStrategy materializes srcDir's first regular file into probeDir
// to find the strongest strategy the filesystem pair supports: clone,
// then hardlink, then copy.
func probeStrategy(srcDir, probeDir string) LinkStrategy {
	first := firstRegularFile(srcDir)
	if first == "" {
		return StrategyCopy
	}
	probeTarget := filepath.Join(probeDir, ".jhol-probe")
	defer os.Remove(probeTarget)

	if cloneFile(first, probeTarget) == nil {
		return StrategyAuto // clone worked; materializeTree will clone every file
	}
	os.Remove(probeTarget)
	if os.Link(first, probeTarget) == nil {
		return strategyHardlink
	}
	return StrategyCopy
}

// strategyHardlink is an internal refinement of StrategyAuto once
// probeStrategy has determined clone is unavailable but hardlink is.
const strategyHardlink = LinkStrategy(100)

func firstRegularFile(dir string) string {
	var found string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if info.Mode().IsRegular() {
			found = path
			return io.EOF
		}
		return nil
	})
	return found
}

func materializeTree(srcDir, destDir string, mode LinkStrategy) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return materializeFile(path, target, mode, info.Mode())
	})
}

func materializeFile(src, dest string, mode LinkStrategy, perm os.FileMode) error {
	switch mode {
	case StrategyAuto:
		if cloneFile(src, dest) == nil {
			return nil
		}
		fallthrough
	case strategyHardlink:
		if os.Link(src, dest) == nil {
			return nil
		}
		fallthrough
	default:
		return copyFile(src, dest, perm)
	}
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
