// Package greedy implements a simpler, non-backtracking resolution
// strategy: always pick the highest version satisfying whatever ranges
// are currently active, never reconsider a choice. It runs in place of
// JAGR when JHOL_RESOLVER_FALLBACK=greedy selects it at startup; it is
// not run automatically after JAGR reports Unsolvable. Greedy may
// produce a graph JAGR would have rejected, since
// it never checks peer compatibility against a choice already locked
// in.
package greedy

import (
	"context"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/bhuvanprakash/jhol/jholerr"
	"github.com/bhuvanprakash/jhol/models"
	"github.com/bhuvanprakash/jhol/resolver"
)

// Solver implements resolver.Strategy with highest-satisfying-version,
// no-backtracking selection.
type Solver struct{}

// New returns a greedy solver.
func New() *Solver { return &Solver{} }

type rangeEntry struct {
	constraint *semver.Constraints
}

func (s *Solver) Solve(ctx context.Context, rootReqs []models.Requirement, src resolver.PackumentSource, opts resolver.Options) (resolver.Result, error) {
	ranges := map[string][]rangeEntry{}
	known := map[string]bool{}
	queue := []string{}
	peerTargets := map[string]bool{}
	peerOptional := map[string]bool{}

	addRange := func(name, raw string) error {
		c, err := semver.NewConstraint(raw)
		if err != nil {
			return fmt.Errorf("invalid range %s for %s: %w", raw, name, err)
		}
		if !known[name] {
			known[name] = true
			queue = append(queue, name)
		}
		ranges[name] = append(ranges[name], rangeEntry{constraint: c})
		return nil
	}

	for _, req := range rootReqs {
		switch req.Kind {
		case models.KindPeer, models.KindOptionalPeer:
			peerTargets[req.Name] = true
			if req.Kind == models.KindOptionalPeer {
				peerOptional[req.Name] = true
			}
			if err := addRange(req.Name, req.Range); err != nil {
				return resolver.Result{}, err
			}
		default:
			if err := addRange(req.Name, req.Range); err != nil {
				return resolver.Result{}, err
			}
		}
	}

	assigned := map[string]*semver.Version{}
	var stats resolver.SolveStats
	packuments := map[string]models.AbbreviatedPackage{}

	for i := 0; i < len(queue); i++ {
		name := queue[i]
		if _, done := assigned[name]; done {
			continue
		}
		stats.NodesVisited++

		pkg, ok := packuments[name]
		if !ok {
			fetched, err := src.FetchPackument(ctx, name)
			if err != nil {
				return resolver.Result{}, err
			}
			pkg = fetched
			packuments[name] = pkg
		}

		var versions []*semver.Version
		for verStr := range pkg.Versions {
			v, err := semver.NewVersion(verStr)
			if err != nil {
				continue
			}
			ok := true
			for _, r := range ranges[name] {
				if !r.constraint.Check(v) {
					ok = false
					break
				}
			}
			if ok {
				versions = append(versions, v)
			}
		}
		sort.Sort(sort.Reverse(semver.Collection(versions)))
		if len(versions) == 0 {
			if peerTargets[name] && peerOptional[name] {
				stats.OptionalPeerSkipped++
				continue
			}
			return resolver.Result{}, fmt.Errorf("%w: no version of %s satisfies the active ranges", jholerr.ErrResolveConflict, name)
		}

		chosen := versions[0]
		assigned[name] = chosen

		rec, ok := pkg.Versions[chosen.Original()]
		if !ok {
			rec = pkg.Versions[chosen.String()]
		}
		for depName, depRange := range rec.Dependencies {
			if err := addRange(depName, depRange); err != nil {
				return resolver.Result{}, err
			}
		}
		for peerName, peerRange := range rec.PeerDependencies {
			peerTargets[peerName] = true
			if rec.PeerDependenciesMeta != nil {
				if meta, has := rec.PeerDependenciesMeta[peerName]; has && meta.Optional {
					peerOptional[peerName] = true
				}
			}
			if err := addRange(peerName, peerRange); err != nil {
				return resolver.Result{}, err
			}
		}
	}

	out := make(resolver.Assignment, len(assigned))
	for name, v := range assigned {
		out[name] = v.Original()
	}
	return resolver.Result{Assignment: out, Stats: stats}, nil
}
