//go:build !unix
// +build !unix

package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// acquireLock creates the lock file exclusively. Without flock semantics
// the file's existence is the lock; a crashed process leaves it behind
// until removed by hand.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrRepoLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return f, nil
}

// releaseLock closes and removes the lock file.
func releaseLock(path string, f *os.File) error {
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return os.Remove(path)
}
