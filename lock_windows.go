//go:build windows

package segkv

import (
	"os"
)

// acquireLock is a no-op on Windows; the open LOCK handle is the only guard.
func acquireLock(f *os.File) error {
	return nil
}

// releaseLockFile releases the lock on the given file.
func releaseLockFile(f *os.File) {}

// Windows cannot fsync directory handles.
func isUnsupportedSync(err error) bool {
	return true
}
