//go:build linux

package linker

import (
	"os"

	"golang.org/x/sys/unix"
)

// cloneFile attempts a copy-on-write reflink via the FICLONE ioctl,
// available on btrfs/xfs/overlayfs-with-reflink. Any failure (cross
// device, unsupported filesystem, src is a directory) falls through
// to the hardlink tier in the caller.
func cloneFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}
