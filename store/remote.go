package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bhuvanprakash/jhol/storage"
)

// RemoteCacheEnv names the environment variable that, when set, makes
// RemoteMirrorFromEnv build a mirror for that S3-compatible bucket to
// publish downloaded tarballs to, keyed by their store content hash.
const RemoteCacheEnv = "JHOL_REMOTE_CACHE"

// RemoteMirror publishes downloaded tarball bytes to a
// storage.RemoteStore, keyed by content hash.
// It is publish-only: a machine with an empty local store has no way
// to know a package's content hash ahead of downloading and hashing
// the tarball itself (the packument's Dist.Integrity is typically
// sha512, a different algorithm from the store's sha256 content hash),
// so there is no pre-download read-through path to wire.
type RemoteMirror struct {
	backend storage.RemoteStore
	log     *slog.Logger
}

// NewRemoteMirror wraps an already-constructed remote store. Callers
// typically build backend with storage.NewS3 using config sourced from
// JHOL_REMOTE_CACHE.
func NewRemoteMirror(backend storage.RemoteStore, log *slog.Logger) *RemoteMirror {
	if log == nil {
		log = slog.Default()
	}
	return &RemoteMirror{backend: backend, log: log}
}

func objectKey(hash string) string {
	return "tarball/" + hash + ".tgz"
}

// Publish uploads tarball bytes already known to hash under
// tarball/<hash>.tgz. No code path in jhol reads these objects back.
// The install pipeline logs Publish failures and does not fail the
// install on them.
func (m *RemoteMirror) Publish(ctx context.Context, hash string, data []byte) error {
	w, err := m.backend.Put(ctx, objectKey(hash))
	if err != nil {
		return fmt.Errorf("remote mirror publish %s: %w", hash, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("remote mirror publish %s: %w", hash, err)
	}
	return w.Close()
}

// RemoteMirrorFromEnv builds a RemoteMirror from JHOL_REMOTE_CACHE_*
// environment variables, returning (nil, nil) when the feature is not
// configured so callers can treat a nil mirror as "skip this step".
func RemoteMirrorFromEnv(ctx context.Context, log *slog.Logger) (*RemoteMirror, error) {
	bucket := os.Getenv(RemoteCacheEnv)
	if bucket == "" {
		return nil, nil
	}
	backend, err := storage.NewS3(ctx, storage.S3Config{
		Bucket:          bucket,
		Prefix:          os.Getenv("JHOL_REMOTE_CACHE_PREFIX"),
		Region:          os.Getenv("JHOL_REMOTE_CACHE_REGION"),
		Endpoint:        os.Getenv("JHOL_REMOTE_CACHE_ENDPOINT"),
		AccessKeyID:     os.Getenv("JHOL_REMOTE_CACHE_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("JHOL_REMOTE_CACHE_SECRET_ACCESS_KEY"),
		ForcePathStyle:  os.Getenv("JHOL_REMOTE_CACHE_ENDPOINT") != "",
	})
	if err != nil {
		return nil, fmt.Errorf("configuring remote cache mirror: %w", err)
	}
	return NewRemoteMirror(backend, log), nil
}
