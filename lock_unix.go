//go:build !windows

package segkv

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// acquireLock takes an exclusive, non-blocking lock on f.
func acquireLock(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return ErrStoreLocked
	}
	return err
}

// releaseLockFile releases the lock on the given file.
func releaseLockFile(f *os.File) {
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

func isUnsupportedSync(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP)
}
