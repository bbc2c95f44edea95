//go:build windows

package file

import (
	"os"

	"golang.org/x/sys/windows"
)

// flock is the windows advisory lock: a blocking, process-wide,
// exclusive LockFileEx on the open file handle. Released by closing
// the file.
type flock struct {
	f *os.File
}

func lockFile(path string) (*flock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	ol := new(windows.Overlapped)
	const lockfileExclusiveLock = 0x2
	if err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		lockfileExclusiveLock,
		0,
		1, 0,
		ol,
	); err != nil {
		f.Close()
		return nil, err
	}
	return &flock{f: f}, nil
}

func (l *flock) Close() error {
	ol := new(windows.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, 1, 0, ol)
	return l.f.Close()
}
