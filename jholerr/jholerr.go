// Package jholerr defines the error kinds surfaced across jhol's
// subsystems. Components wrap a sentinel with fmt.Errorf("...: %w",
// err) so callers can recover the kind with errors.Is/errors.As while
// the message keeps whatever detail the raising component wants to
// add.
package jholerr

import "errors"

// Sentinel kinds. Compare with errors.Is, not equality, since every
// raise site wraps one of these with additional context.
var (
	// ErrResolveConflict: JAGR exhausted its search with the root
	// constraints unsatisfiable.
	ErrResolveConflict = errors.New("resolve conflict")

	// ErrPeerUnsatisfied: a mandatory peer dependency could not be
	// satisfied by the final assignment.
	ErrPeerUnsatisfied = errors.New("peer dependency unsatisfied")

	// ErrNotCached: offline mode needed a (name, version) the store
	// doesn't have.
	ErrNotCached = errors.New("package not cached")

	// ErrLockfileOutOfSync: frozen mode found the manifest and lockfile
	// disagree.
	ErrLockfileOutOfSync = errors.New("lockfile out of sync with manifest")

	// ErrIntegrityMismatch: downloaded tarball bytes didn't match the
	// expected integrity hash.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrNetworkError: transport failure, 5xx, or timeout.
	ErrNetworkError = errors.New("network error")

	// ErrRegistryNotFound: registry returned 404 for a packument or
	// tarball.
	ErrRegistryNotFound = errors.New("registry resource not found")

	// ErrStoreCorruption: the store index disagrees with what's on
	// disk.
	ErrStoreCorruption = errors.New("store corruption")

	// ErrPathTraversal: a tar entry would have escaped package/.
	ErrPathTraversal = errors.New("path traversal in tarball")

	// ErrLockTimeout: a per-hash advisory lock wasn't acquired within
	// budget.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrOffline: offline mode refused a network operation.
	ErrOffline = errors.New("operation requires network access but offline mode is set")
)

// PackageRef identifies a (name, version) pair in error messages.
type PackageRef struct {
	Name    string
	Version string
}

func (p PackageRef) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "@" + p.Version
}

// NotCached builds an ErrNotCached-wrapping error naming the missing
// package, as required by the NotCached(name@version) error kind.
func NotCached(ref PackageRef) error {
	return &wrappedRef{kind: ErrNotCached, ref: ref}
}

// IntegrityMismatch builds an ErrIntegrityMismatch-wrapping error naming
// the offending package.
func IntegrityMismatch(ref PackageRef) error {
	return &wrappedRef{kind: ErrIntegrityMismatch, ref: ref}
}

type wrappedRef struct {
	kind error
	ref  PackageRef
}

func (w *wrappedRef) Error() string {
	return w.kind.Error() + ": " + w.ref.String()
}

func (w *wrappedRef) Unwrap() error {
	return w.kind
}

// FailureList holds a first fatal error and any later ones from
// cancelled concurrent work. The install pipeline does not build one:
// its errgroup-based worker pool returns only the first observed
// failure, and later failures appear only in their packages'
// PackageStatus.Error.
type FailureList struct {
	First  error
	Others []error
}

func (f *FailureList) Error() string {
	if f.First == nil {
		return "no failures"
	}
	if len(f.Others) == 0 {
		return f.First.Error()
	}
	return f.First.Error() + " (and other errors)"
}

func (f *FailureList) Unwrap() error {
	return f.First
}

// Add records an error, keeping the first one as the canonical cause.
func (f *FailureList) Add(err error) {
	if err == nil {
		return
	}
	if f.First == nil {
		f.First = err
		return
	}
	f.Others = append(f.Others, err)
}

// Err returns nil if nothing was recorded, otherwise the FailureList.
func (f *FailureList) Err() error {
	if f.First == nil {
		return nil
	}
	return f
}
