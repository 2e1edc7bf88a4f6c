// +build !windows

package tuf

import (
	"os"

	"github.com/pkg/errors"
)

// fsyncDir fsyncs the containing directory of a just-renamed file so the
// rename itself survives a crash, not just the file contents. This only
// makes sense on POSIX filesystems; Windows has no equivalent directory
// handle to sync (see platform_windows.go).
func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "opening directory to fsync")
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "fsyncing directory")
	}
	return nil
}

// atomicRename renames oldPath over newPath. On POSIX, rename(2) already
// atomically replaces an existing destination, so this is a thin wrapper
// kept for symmetry with platform_windows.go.
func atomicRename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}
