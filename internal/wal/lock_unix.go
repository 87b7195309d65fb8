//go:build unix

package wal

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive flock without blocking.
func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
