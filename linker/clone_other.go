//go:build !linux

package linker

import "errors"

// cloneFile has no portable reflink primitive outside Linux; the
// caller falls through to the hardlink tier.
func cloneFile(src, dest string) error {
	return errors.New("clone not supported on this platform")
}
