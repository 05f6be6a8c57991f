package install

import (
	"context"
	"fmt"

	"github.com/bhuvanprakash/jhol/lockfile"
	"github.com/bhuvanprakash/jhol/models"
	"github.com/bhuvanprakash/jhol/resolver"
)

// graphNode is one resolved package, carrying everything both the
// linker (Depth, Dependencies) and the lockfile writer (Tarball,
// Integrity, the full dependency maps) need.
type graphNode struct {
	Name                 string
	Version              string
	Depth                int
	Tarball              string
	Integrity            string
	Dependencies         map[string]string
	PeerDependencies     map[string]string
	PeerDependenciesMeta map[string]models.PeerDepMetaEntry
	OptionalDependencies map[string]string
}

// buildGraph turns a flat resolver.Assignment back into the graph the
// linker and lockfile need: per-node dependency edges (refetched
// through src; with the registry client each refetch is a conditional
// request that its on-disk ETag cache answers on a 304, so bodies are
// not downloaded again, but one round trip per package is still made)
// and each node's Depth, computed as the shortest path from a root
// requirement.
func buildGraph(ctx context.Context, assignment resolver.Assignment, rootReqs []models.Requirement, src resolver.PackumentSource) ([]graphNode, error) {
	nodes := make(map[string]*graphNode, len(assignment))
	for name, version := range assignment {
		pkg, err := src.FetchPackument(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("build graph: refetch %s: %w", name, err)
		}
		rec, ok := pkg.Versions[version]
		if !ok {
			return nil, fmt.Errorf("build graph: %s has no version record for %s", name, version)
		}
		n := &graphNode{
			Name:                 name,
			Version:              version,
			Dependencies:         rec.Dependencies,
			PeerDependencies:     rec.PeerDependencies,
			PeerDependenciesMeta: rec.PeerDependenciesMeta,
			OptionalDependencies: rec.OptionalDependencies,
			Depth:                -1,
		}
		if rec.Dist != nil {
			n.Tarball = rec.Dist.Tarball
			n.Integrity = rec.Dist.Integrity
			if n.Integrity == "" {
				n.Integrity = rec.Dist.Shasum
			}
		}
		nodes[name] = n
	}

	// BFS from the root requirements assigns each name the shortest
	// distance reachable through the assignment's own dependency edges,
	// matching linker.Node.Depth's root-wins contract.
	queue := make([]string, 0, len(rootReqs))
	for _, req := range rootReqs {
		if req.Kind == models.KindPeer || req.Kind == models.KindOptionalPeer {
			continue
		}
		if n, ok := nodes[req.Name]; ok && n.Depth == -1 {
			n.Depth = 0
			queue = append(queue, req.Name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		n := nodes[name]
		for depName := range n.Dependencies {
			dep, ok := nodes[depName]
			if !ok || dep.Depth != -1 {
				continue
			}
			dep.Depth = n.Depth + 1
			queue = append(queue, depName)
		}
	}
	// Anything never reached by the BFS (optional/peer-only edges that
	// were satisfied incidentally) still needs a placement; give it the
	// deepest possible depth so it never wins a root-wins tie it wasn't
	// actually a root dependency of.
	for _, n := range nodes {
		if n.Depth == -1 {
			n.Depth = len(nodes) + 1
		}
	}

	out := make([]graphNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n)
	}
	return out, nil
}

// graphFromLockfile rebuilds the graph frozen mode operates on directly
// from the pinned lockfile, with no registry access: Depth is
// recomputed the same way buildGraph does, rooted at every pinned
// package nothing else in the lockfile depends on (an approximation of
// "root direct dependency" that's exact whenever the lockfile was
// itself produced by this pipeline).
func graphFromLockfile(lf lockfile.Lockfile) []graphNode {
	nodes := make(map[string]*graphNode, len(lf.Packages))
	referenced := map[string]bool{}
	for name, p := range lf.Packages {
		nodes[name] = &graphNode{
			Name:                 name,
			Version:              p.Version,
			Tarball:              p.Resolved,
			Integrity:            p.Integrity,
			Dependencies:         p.Dependencies,
			PeerDependencies:     p.PeerDependencies,
			PeerDependenciesMeta: p.PeerDependenciesMeta,
			OptionalDependencies: p.OptionalDependencies,
			Depth:                -1,
		}
		for dep := range p.Dependencies {
			referenced[dep] = true
		}
	}

	var queue []string
	for name, n := range nodes {
		if !referenced[name] {
			n.Depth = 0
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		n := nodes[name]
		for depName := range n.Dependencies {
			dep, ok := nodes[depName]
			if !ok || dep.Depth != -1 {
				continue
			}
			dep.Depth = n.Depth + 1
			queue = append(queue, depName)
		}
	}
	for _, n := range nodes {
		if n.Depth == -1 {
			n.Depth = len(nodes) + 1
		}
	}

	out := make([]graphNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n)
	}
	return out
}
