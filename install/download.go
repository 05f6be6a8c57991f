package install

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/bhuvanprakash/jhol/jholerr"
)

// fetchAll downloads, verifies, and unpacks every graph node into the
// store, bounded to min(configured network concurrency, 2×CPU cores),
// using errgroup.Group's SetLimit for the bounded-worker-pool-awaited-
// at-a-barrier shape with built-in first-error propagation and context
// cancellation.
func (p *Pipeline) fetchAll(ctx context.Context, graph []graphNode) (map[string]PackageStatus, error) {
	statuses := make(map[string]PackageStatus, len(graph))
	statusCh := make(chan PackageStatus, len(graph))

	g, gctx := errgroup.WithContext(ctx)
	limit := p.opts.NetworkConcurrency
	if cores := 2 * runtime.NumCPU(); cores < limit {
		limit = cores
	}
	g.SetLimit(limit)

	for _, n := range graph {
		n := n
		g.Go(func() error {
			st, err := p.fetchOne(gctx, n)
			statusCh <- st
			return err
		})
	}

	err := g.Wait()
	close(statusCh)
	for st := range statusCh {
		statuses[st.Name+"@"+st.Version] = st
	}
	if err != nil {
		p.metrics.IncrementInstallError(ctx, errorKind(err))
	}
	return statuses, err
}

// fetchOne resolves a single node to a store hash: reuse the store's
// content-addressed copy if one is already recorded for (name,
// version), otherwise download the tarball (or fail fast with
// ErrNotCached in offline mode) and insert it.
func (p *Pipeline) fetchOne(ctx context.Context, n graphNode) (PackageStatus, error) {
	status := PackageStatus{Name: n.Name, Version: n.Version}

	if hash, ok := p.store.Has(n.Name, n.Version); ok {
		status.Hash = hash
		status.FromCache = true
		p.metrics.IncrementStoreOutcome(ctx, true)
		return status, nil
	}
	p.metrics.IncrementStoreOutcome(ctx, false)

	if p.opts.Mode == ModeOffline {
		err := jholerr.NotCached(jholerr.PackageRef{Name: n.Name, Version: n.Version})
		status.Error = err.Error()
		return status, err
	}

	data, err := p.registry.FetchTarball(ctx, n.Tarball, n.Integrity)
	if err != nil {
		status.Error = err.Error()
		return status, fmt.Errorf("fetch %s@%s: %w", n.Name, n.Version, err)
	}
	p.metrics.IncrementTarballDownload(ctx, int64(len(data)))

	hash, err := p.store.InsertFromTarball(ctx, data)
	if err != nil {
		status.Error = err.Error()
		return status, fmt.Errorf("unpack %s@%s: %w", n.Name, n.Version, err)
	}
	if err := p.store.Record(n.Name, n.Version, hash, n.Integrity); err != nil {
		status.Error = err.Error()
		return status, fmt.Errorf("record %s@%s: %w", n.Name, n.Version, err)
	}

	// Publish the tarball bytes to the remote mirror under their
	// content hash. Nothing in jhol reads them back. Failure here never
	// fails the install; it is only logged.
	if p.remote != nil {
		if err := p.remote.Publish(ctx, hash, data); err != nil {
			p.log.Warn("remote mirror publish failed", "package", n.Name, "version", n.Version, "error", err.Error())
		}
	}

	status.Hash = hash
	return status, nil
}

// errorKind maps a pipeline failure to the error-kind label used for
// the install_errors_total metric's "kind" attribute.
func errorKind(err error) string {
	switch {
	case errors.Is(err, jholerr.ErrNotCached):
		return "not_cached"
	case errors.Is(err, jholerr.ErrIntegrityMismatch):
		return "integrity_mismatch"
	case errors.Is(err, jholerr.ErrNetworkError):
		return "network_error"
	case errors.Is(err, jholerr.ErrRegistryNotFound):
		return "registry_not_found"
	case errors.Is(err, jholerr.ErrOffline):
		return "offline"
	case errors.Is(err, jholerr.ErrResolveConflict):
		return "resolve_conflict"
	case errors.Is(err, jholerr.ErrPeerUnsatisfied):
		return "peer_unsatisfied"
	case errors.Is(err, jholerr.ErrLockfileOutOfSync):
		return "lockfile_out_of_sync"
	default:
		return "unknown"
	}
}
