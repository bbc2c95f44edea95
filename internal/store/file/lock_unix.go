//go:build !windows

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

// flock is the unix advisory lock: a blocking, process-wide, exclusive
// flock(2) on the open file descriptor. Released by closing the file.
type flock struct {
	f *os.File
}

func lockFile(path string) (*flock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return &flock{f: f}, nil
}

func (l *flock) Close() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
