package install

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/bhuvanprakash/jhol/jholerr"
)

// projectLockTimeout bounds how long Run waits for the project-level
// lock before giving up. One process installs a given project at a
// time; a second concurrent install blocks here rather than racing the
// first into node_modules.
const projectLockTimeout = 60 * time.Second

const (
	projectLockBackoffBase = 25 * time.Millisecond
	projectLockBackoffCap  = 1 * time.Second
)

// acquireProjectLock serializes installs against one project root using
// an O_EXCL-created sentinel file at node_modules/.jhol-lock, the same
// idiom store's per-hash lock uses: the payload is informational only,
// and staleness is judged solely by projectLockTimeout, never by
// inspecting or trusting the recorded pid.
func acquireProjectLock(projectDir string) (release func(), err error) {
	nodeModules := filepath.Join(projectDir, "node_modules")
	if err := os.MkdirAll(nodeModules, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create node_modules: %w", err)
	}
	lockPath := filepath.Join(nodeModules, ".jhol-lock")
	payload := []byte(fmt.Sprintf("pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano)))

	deadline := time.Now().Add(projectLockTimeout)
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
		time.Sleep(projectLockBackoffWithJitter(attempt))
		attempt++
	}
}

func projectLockBackoffWithJitter(attempt int) time.Duration {
	d := projectLockBackoffBase << attempt
	if d <= 0 || d > projectLockBackoffCap {
		d = projectLockBackoffCap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
