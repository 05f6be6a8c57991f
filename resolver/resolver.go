// Package resolver defines the shared contract the two resolution
// strategies implement: JAGR (backtracking, package resolver/jagr) and
// greedy (package resolver/greedy). Both consume a PackumentSource and
// the root manifest's requirements and produce an Assignment plus
// SolveStats.
package resolver

import (
	"context"

	"github.com/bhuvanprakash/jhol/models"
)

// PackumentSource fetches packument metadata on demand. The install
// pipeline passes its *registry.Client directly; each solver keeps its
// own per-solve packument map, so it never fetches the same name twice.
type PackumentSource interface {
	FetchPackument(ctx context.Context, name string) (models.AbbreviatedPackage, error)
}

// Assignment maps a package name to its selected version string.
type Assignment map[string]string

// SolveStats is the instrumentation every solve result carries.
type SolveStats struct {
	NodesVisited        int
	UnsatCacheHits       int
	LearnedForbidHits    int
	PeerDeferrals        int
	DomainCapHits        int
	OptionalPeerSkipped int
}

// PeerConflict describes one unsatisfied mandatory peer edge, surfaced
// in a PeerUnsatisfied error.
type PeerConflict struct {
	FromName    string
	FromVersion string
	ToName      string
	Range       string
	ToAssigned  string // empty if To was never selected
}

// Options configures a solve.
type Options struct {
	// DomainCap bounds the number of candidate versions considered per
	// variable. Zero selects the default of 64.
	DomainCap int
}

// DefaultDomainCap is the default per-variable candidate bound.
const DefaultDomainCap = 64

// Result is what a Strategy produces.
type Result struct {
	Assignment Assignment
	Stats      SolveStats
}

// Strategy is the polymorphic resolver interface both JAGR and greedy
// implement; the install pipeline selects one at construction.
type Strategy interface {
	Solve(ctx context.Context, rootReqs []models.Requirement, src PackumentSource, opts Options) (Result, error)
}
