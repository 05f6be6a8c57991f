// Package storage abstracts the remote cache mirror an install run can
// optionally publish downloaded tarballs to, configured via
// JHOL_REMOTE_CACHE.
package storage

import (
	"context"
	"io"
)

// RemoteStore is the shape the store package needs from a mirror: stat
// to check for an object without downloading it, get to stream one
// down, put to stream one up.
type RemoteStore interface {
	Stat(ctx context.Context, key string) (size int64, exists bool, err error)
	Get(ctx context.Context, key string) (r io.ReadCloser, exists bool, err error)
	Put(ctx context.Context, key string) (w io.WriteCloser, err error)
}
