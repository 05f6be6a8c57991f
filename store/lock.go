package store

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/bhuvanprakash/jhol/jholerr"
)

// lockTimeout bounds how long a contender waits for a per-hash
// advisory lock before giving up: at most one concurrent unpack per
// content hash, with other contenders blocking up to this timeout.
const lockTimeout = 60 * time.Second

const (
	lockBackoffBase = 25 * time.Millisecond
	lockBackoffCap  = 1 * time.Second
)

// acquireHashLock serializes work against a single content hash using
// an O_EXCL-created sentinel file under cacheRoot/locks. The payload
// (pid + acquisition time) is informational only; staleness is never
// inferred from it, only from the overall lockTimeout budget.
func acquireHashLock(cacheRoot, hash string) (release func(), err error) {
	locksDir := filepath.Join(cacheRoot, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create locks dir: %w", err)
	}
	lockPath := filepath.Join(locksDir, hash+".lock")
	payload := []byte(fmt.Sprintf("pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano)))

	deadline := time.Now().Add(lockTimeout)
	attempt := 0
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(payload)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				if werr != nil {
					return nil, werr
				}
				return nil, cerr
			}
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, jholerr.ErrLockTimeout
		}
		time.Sleep(backoffWithJitter(attempt))
		attempt++
	}
}

func backoffWithJitter(attempt int) time.Duration {
	d := lockBackoffBase << attempt
	if d <= 0 || d > lockBackoffCap {
		d = lockBackoffCap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
