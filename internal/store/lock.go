package store

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// Lock is the process-wide advisory lock on $HOME/lock, grounded on
// mux_server.go's acquireLock: open-or-create the file, flock it
// exclusive+non-blocking, and record our pid for diagnostics.
type Lock struct {
	f *os.File
}

// AcquireLock takes the exclusive advisory lock at path. It returns an
// error if another process already holds it.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	path := l.f.Name()
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	os.Remove(path)
	return err
}
