//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package storage

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// Lock acquires an exclusive advisory lock over the Directory, held for
// its lifetime in the active set. It fails if another process holds the
// lock.
func (d *Directory) Lock() error {
	if d.lock != nil {
		return nil
	}
	var path = filepath.Join(d.Root, lockFileName)
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening lock file of %s", d.Root)
	}
	if err = setFileLock(f, true); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "locking %s", d.Root)
	}
	d.lock = f
	return nil
}

// Unlock releases the Directory's advisory lock.
func (d *Directory) Unlock() error {
	if d.lock == nil {
		return nil
	}
	if err := setFileLock(d.lock, false); err != nil {
		return errors.Wrapf(err, "unlocking %s", d.Root)
	}
	var err = d.lock.Close()
	d.lock = nil
	return err
}

func setFileLock(f *os.File, lock bool) error {
	var how = syscall.LOCK_UN
	if lock {
		how = syscall.LOCK_EX
	}
	return syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
}
