//go:build !windows

package logstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory exclusive flock on f, blocking until granted.
// flock locks belong to the open file description, so two Stores (or two
// processes) on the same directory exclude each other.
func lockFile(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
