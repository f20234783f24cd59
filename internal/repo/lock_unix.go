//go:build unix
// +build unix

package repo

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// acquireLock opens the lock file and takes an exclusive flock on it.
// The kernel drops the lock when the descriptor closes, so a crashed
// process never leaves the repository locked.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrRepoLocked
		}
		return nil, fmt.Errorf("lock repository: %w", err)
	}

	// The recorded PID is advisory, for inspecting a stuck lock by hand.
	_ = f.Truncate(0)
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return f, nil
}

// releaseLock drops the flock. The lock file itself stays behind;
// removing it would race a concurrent acquirer holding the same inode.
func releaseLock(path string, f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlock repository: %w", err)
	}
	return f.Close()
}
