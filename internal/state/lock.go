package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// staleLockAge is how old a lock file must be before it is considered
// abandoned by a dead process.
const staleLockAge = 10 * time.Minute

// Lock acquires an exclusive lock on the state file. Acquisition is an
// O_EXCL create, so two processes racing for the lock cannot both win; a
// lock older than staleLockAge is reclaimed once.
func (f *FileStore) Lock() error {
	lockPath := f.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if err := f.tryLock(lockPath); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	info, err := os.Stat(lockPath)
	if err == nil && time.Since(info.ModTime()) > staleLockAge {
		os.Remove(lockPath)
		if err := f.tryLock(lockPath); err == nil {
			return nil
		}
	}

	return fmt.Errorf("state is locked by another process (lock file: %s). "+
		"If this is an error, remove the lock file manually", lockPath)
}

func (f *FileStore) tryLock(lockPath string) error {
	file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	fmt.Fprintf(file, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return file.Close()
}

// Unlock releases the state lock.
func (f *FileStore) Unlock() error {
	if err := os.Remove(f.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (f *FileStore) lockPath() string {
	return f.path + ".lock"
}
