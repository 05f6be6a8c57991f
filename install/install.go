// Package install implements the fetch-resolve-download-extract-link
// state machine: three reconciliation modes (normal, frozen, offline),
// a worker pool that downloads and unpacks concurrently while linking
// proceeds per-package, and a structured Result document written to
// stdout by the thin CLI. Collaborators are constructed and wired the
// way the registry server's own command wires its dependencies; the
// download worker pool uses golang.org/x/sync/errgroup in place of a
// hand-rolled WaitGroup and semaphore channel.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bhuvanprakash/jhol/jholerr"
	"github.com/bhuvanprakash/jhol/linker"
	"github.com/bhuvanprakash/jhol/lockfile"
	"github.com/bhuvanprakash/jhol/manifest"
	"github.com/bhuvanprakash/jhol/metrics"
	"github.com/bhuvanprakash/jhol/models"
	"github.com/bhuvanprakash/jhol/registry"
	"github.com/bhuvanprakash/jhol/resolver"
	"github.com/bhuvanprakash/jhol/store"

	"github.com/Masterminds/semver/v3"
)

// Mode selects how the pipeline reconciles the manifest, the lockfile,
// and the store.
type Mode int

const (
	// ModeNormal reuses an existing lockfile that still satisfies the
	// manifest, resolves against the registry otherwise, and writes the
	// lockfile after a successful run.
	ModeNormal Mode = iota
	// ModeFrozen refuses to resolve: the existing lockfile must already
	// satisfy the manifest exactly, or the run fails with
	// ErrLockfileOutOfSync.
	ModeFrozen
	// ModeOffline reuses the lockfile (or resolves) but never dials the
	// registry; every tarball must already be in the store.
	ModeOffline
)

// Options configures one install run.
type Options struct {
	Mode               Mode
	ProjectDir         string // directory containing package.json and node_modules
	CacheRoot          string
	NetworkConcurrency int // download+unpack concurrency (pool is also capped at 2×CPU cores); 0 selects the default
	LinkStrategy       linker.LinkStrategy
	ResolverFallback   string // "", "jagr" or "greedy"; the Pipeline does not read it and runs the strategy passed to New
}

// Pipeline is the install state machine, wired with every collaborator
// an install run needs: registry client, content-addressed store, a
// resolver strategy, the linker, and the lockfile codec.
type Pipeline struct {
	log      *slog.Logger
	registry *registry.Client
	store    *store.Store
	remote   *store.RemoteMirror // nil when JHOL_REMOTE_CACHE is unset
	strategy resolver.Strategy
	metrics  metrics.Metrics
	opts     Options
}

// maxNetworkConcurrency caps the download worker pool regardless of
// what a caller configures: past this width the registry and any
// remote mirror see no further throughput gain, only more concurrent
// sockets to manage.
const maxNetworkConcurrency = 32

// defaultNetworkConcurrency is the worker pool width used when a
// caller leaves NetworkConcurrency unset.
const defaultNetworkConcurrency = 16

// New constructs a Pipeline from its collaborators. The install
// pipeline owns none of their lifecycles beyond this run.
func New(log *slog.Logger, reg *registry.Client, st *store.Store, strategy resolver.Strategy, m metrics.Metrics, opts Options) *Pipeline {
	if opts.NetworkConcurrency <= 0 {
		opts.NetworkConcurrency = defaultConcurrency()
	}
	if opts.NetworkConcurrency > maxNetworkConcurrency {
		opts.NetworkConcurrency = maxNetworkConcurrency
	}
	return &Pipeline{log: log, registry: reg, store: st, strategy: strategy, metrics: m, opts: opts}
}

// WithRemoteMirror attaches an S3-compatible mirror the fetch stage
// publishes to after every successful download. Nothing in the
// pipeline reads from the mirror: it is keyed by the store's content
// hash, which isn't known until the tarball bytes are in hand.
func (p *Pipeline) WithRemoteMirror(remote *store.RemoteMirror) *Pipeline {
	p.remote = remote
	return p
}

func defaultConcurrency() int {
	return defaultNetworkConcurrency
}

// PackageStatus is one package's outcome in the install Result.
type PackageStatus struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Hash      string `json:"hash"`
	FromCache bool   `json:"fromCache"`
	Error     string `json:"error,omitempty"`
}

// Result is the structured JSON document written to stdout: the
// resolved graph summary, the resolver's own instrumentation, and one
// status entry per package.
type Result struct {
	Mode       string                   `json:"mode"`
	Packages   map[string]PackageStatus `json:"packages"`
	SolveStats resolver.SolveStats      `json:"solveStats"`
	Duration   time.Duration            `json:"durationNanos"`
}

// Run executes one install end to end: resolve (or reuse) the graph,
// download and unpack every package into the store, then flatten and
// link node_modules. Cancellation (ctx.Done, or the first fatal
// download/unpack failure) stops new work and returns the first
// observed failure.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Mode: p.modeName(), Packages: map[string]PackageStatus{}}

	release, err := acquireProjectLock(p.opts.ProjectDir)
	if err != nil {
		return res, fmt.Errorf("acquiring project lock: %w", err)
	}
	defer release()

	m, err := manifest.Load(filepath.Join(p.opts.ProjectDir, "package.json"))
	if err != nil {
		return res, err
	}

	lockPath := filepath.Join(p.opts.ProjectDir, "jhol-lock.json")
	graph, stats, err := p.resolveGraph(ctx, m, lockPath)
	if err != nil {
		return res, err
	}
	res.SolveStats = stats

	statuses, err := p.fetchAll(ctx, graph)
	for name, st := range statuses {
		res.Packages[name] = st
	}
	if err != nil {
		res.Duration = time.Since(start)
		return res, err
	}

	if err := p.link(graph, statuses); err != nil {
		res.Duration = time.Since(start)
		return res, err
	}

	if p.opts.Mode != ModeFrozen {
		if err := p.writeLockfile(m, graph); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (p *Pipeline) modeName() string {
	switch p.opts.Mode {
	case ModeFrozen:
		return "frozen"
	case ModeOffline:
		return "offline"
	default:
		return "normal"
	}
}

// resolveGraph implements the three modes' exact reconciliation
// semantics: frozen trusts the lockfile and only checks it against the
// manifest; normal and offline reuse a lockfile that passes the same
// check, and resolve via the strategy only when there is none or it
// fails the check (offline's registry.Client.Offline flag makes any
// packument fetch fail fast with ErrOffline rather than silently
// falling back).
func (p *Pipeline) resolveGraph(ctx context.Context, m manifest.Manifest, lockPath string) ([]graphNode, resolver.SolveStats, error) {
	reqs := m.Requirements()

	if p.opts.Mode == ModeFrozen {
		lf, err := lockfile.Load(lockPath)
		if err != nil {
			return nil, resolver.SolveStats{}, fmt.Errorf("%w: %v", jholerr.ErrLockfileOutOfSync, err)
		}
		if err := checkLockSatisfiesManifest(lf, reqs); err != nil {
			return nil, resolver.SolveStats{}, err
		}
		return graphFromLockfile(lf), resolver.SolveStats{}, nil
	}

	if lf, err := lockfile.Load(lockPath); err == nil && checkLockSatisfiesManifest(lf, reqs) == nil {
		return graphFromLockfile(lf), resolver.SolveStats{}, nil
	}

	result, err := p.strategy.Solve(ctx, reqs, p.registry, resolver.Options{})
	if err != nil {
		return nil, resolver.SolveStats{}, err
	}

	graph, err := buildGraph(ctx, result.Assignment, reqs, p.registry)
	if err != nil {
		return nil, resolver.SolveStats{}, err
	}
	return graph, result.Stats, nil
}

// checkLockSatisfiesManifest implements frozen mode's exact check: every
// root requirement must name a package the lockfile pinned, at a
// version the requirement's range accepts. It does not re-verify
// transitive ranges; those were already checked when the lockfile was
// written.
func checkLockSatisfiesManifest(lf lockfile.Lockfile, reqs []models.Requirement) error {
	for _, req := range reqs {
		if req.Kind == models.KindOptionalPeer {
			continue
		}
		pinned, ok := lf.Packages[req.Name]
		if !ok {
			return fmt.Errorf("%w: %s is required but not in the lockfile", jholerr.ErrLockfileOutOfSync, req.Name)
		}
		if req.Kind == models.KindPeer {
			continue
		}
		if !rangeAccepts(req.Range, pinned.Version) {
			return fmt.Errorf("%w: %s@%s in the lockfile does not satisfy %q", jholerr.ErrLockfileOutOfSync, req.Name, pinned.Version, req.Range)
		}
	}
	return nil
}

func (p *Pipeline) writeLockfile(m manifest.Manifest, graph []graphNode) error {
	pkgs := make(map[string]lockfile.PinnedPackage, len(graph))
	for _, n := range graph {
		pkgs[n.Name] = lockfile.PinnedPackage{
			Name:                 n.Name,
			Version:              n.Version,
			Resolved:             n.Tarball,
			Integrity:            n.Integrity,
			Dependencies:         n.Dependencies,
			PeerDependencies:     n.PeerDependencies,
			PeerDependenciesMeta: n.PeerDependenciesMeta,
			OptionalDependencies: n.OptionalDependencies,
		}
	}
	lf, err := lockfile.New(m.Name, pkgs)
	if err != nil {
		return err
	}
	return lockfile.Write(filepath.Join(p.opts.ProjectDir, "jhol-lock.json"), lf)
}

func (p *Pipeline) link(graph []graphNode, statuses map[string]PackageStatus) error {
	nodes := make([]linker.Node, 0, len(graph))
	for _, n := range graph {
		nodes = append(nodes, linker.Node{Name: n.Name, Version: n.Version, Depth: n.Depth, Dependencies: n.Dependencies})
	}
	placements, err := linker.Flatten(nodes)
	if err != nil {
		return err
	}

	for _, placement := range placements {
		// placement.Name is keyed per top-level slot in Flatten's first
		// pass but repeats for nested placements of the same name at a
		// different version; match on (name, version) to find its status.
		st, ok := statusFor(statuses, placement.Name, placement.Version)
		if !ok || st.Error != "" {
			continue // already recorded as a per-package failure
		}
		srcDir, err := p.store.ReadPath(st.Hash)
		if err != nil {
			return fmt.Errorf("link %s@%s: %w", placement.Name, placement.Version, err)
		}
		dest := filepath.Join(p.opts.ProjectDir, placement.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("link %s@%s: %w", placement.Name, placement.Version, err)
		}
		if err := linker.Link(srcDir, dest, p.opts.LinkStrategy); err != nil {
			return fmt.Errorf("link %s@%s: %w", placement.Name, placement.Version, err)
		}
	}
	return nil
}

// statusFor looks up a package's fetch status by (name, version). The
// fetch stage keys statuses by name@version, matching graphNode's own
// key so a name with several nested versions doesn't collide.
func statusFor(statuses map[string]PackageStatus, name, version string) (PackageStatus, bool) {
	st, ok := statuses[name+"@"+version]
	return st, ok
}

func rangeAccepts(raw, version string) bool {
	c, err := semver.NewConstraint(raw)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}
