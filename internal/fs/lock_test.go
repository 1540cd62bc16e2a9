package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func ledgerLockPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), ".locks", "ledger.toml.lock")
}

func Test_Locker_TryLock_Returns_ErrWouldBlock_When_Ledger_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	held, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = held.Close() })

	second, err := locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock(%q) while locked: err=%v, want %v", path, err, ErrWouldBlock)
	}

	if second != nil {
		_ = second.Close()
		t.Fatalf("TryLock(%q) while locked: want lock=nil, got non-nil", path)
	}

	if err := held.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	again, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q) after release: %v", path, err)
	}

	if err := again.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_Lock_Creates_Lock_Directory_When_Missing(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	lock, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer lock.Close()

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Stat(%q): %v", filepath.Dir(path), err)
	}

	if !info.IsDir() {
		t.Fatalf("%q: want directory", filepath.Dir(path))
	}
}

func Test_Locker_LockWithTimeout_Returns_ErrWouldBlock_When_Ledger_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	defer held.Close()

	_, err = locker.LockWithTimeout(path, 50*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout(%q): err=%v, want %v", path, err, ErrWouldBlock)
	}

	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("LockWithTimeout(%q): err=%q, want substring %q", path, err.Error(), "timed out")
	}
}

func Test_Locker_LockWithTimeout_Succeeds_When_Holder_Releases_In_Time(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	held, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Close()
	}()

	lock, err := locker.LockWithTimeout(path, 2*time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(%q): %v", path, err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_Timeouts_Return_ErrInvalidTimeout_When_Non_Positive(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	if _, err := locker.LockWithTimeout(path, 0); !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("LockWithTimeout(%q, 0): err=%v, want %v", path, err, ErrInvalidTimeout)
	}

	if _, err := locker.RLockWithTimeout(path, -time.Second); !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("RLockWithTimeout(%q, -1s): err=%v, want %v", path, err, ErrInvalidTimeout)
	}
}

func Test_Locker_RLock_Allows_Multiple_Readers_And_Blocks_Writer(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	r1, err := locker.RLock(path)
	if err != nil {
		t.Fatalf("RLock(%q): %v", path, err)
	}
	defer r1.Close()

	r2, err := locker.TryRLock(path)
	if err != nil {
		t.Fatalf("TryRLock(%q) second reader: %v", path, err)
	}
	defer r2.Close()

	_, err = locker.TryLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock(%q) while read-locked: err=%v, want %v", path, err, ErrWouldBlock)
	}
}

func Test_Locker_TryRLock_Returns_ErrWouldBlock_When_Exclusively_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	w, err := locker.Lock(path)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = w.Close() })

	_, err = locker.TryRLock(path)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryRLock(%q) while exclusively locked: err=%v, want %v", path, err, ErrWouldBlock)
	}
}

func Test_Locker_Locks_Do_Not_Interfere_Across_Archives(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path1 := ledgerLockPath(t)
	path2 := ledgerLockPath(t)

	l1, err := locker.Lock(path1)
	if err != nil {
		t.Fatalf("Lock(%q): %v", path1, err)
	}
	t.Cleanup(func() { _ = l1.Close() })

	l2, err := locker.TryLock(path2)
	if err != nil {
		t.Fatalf("TryLock(%q) while holding %q: %v", path2, path1, err)
	}

	if err := l2.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := ledgerLockPath(t)

	lock, err := locker.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock(%q): %v", path, err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close() second: %v", err)
	}
}

func Test_Locker_TryLock_Returns_ErrWouldBlock_When_Flock_WouldBlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "EWOULDBLOCK", err: unix.EWOULDBLOCK},
		{name: "EAGAIN", err: unix.EAGAIN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			locker := NewLocker(stubLockFS{
				openFile: func(string, int, os.FileMode) (File, error) {
					return &stubLockFile{fd: 123}, nil
				},
			})
			locker.flock = func(int, int) error { return tt.err }

			lock, err := locker.TryLock("ledger.toml.lock")
			if !errors.Is(err, ErrWouldBlock) {
				t.Fatalf("TryLock(): err=%v, want %v", err, ErrWouldBlock)
			}

			if lock != nil {
				_ = lock.Close()
				t.Fatalf("TryLock(): want lock=nil, got non-nil")
			}
		})
	}
}

func Test_Locker_TryLock_Returns_Flock_Error_When_Not_WouldBlock(t *testing.T) {
	t.Parallel()

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			return &stubLockFile{fd: 123}, nil
		},
	})
	locker.flock = func(int, int) error { return unix.ENOLCK }

	_, err := locker.TryLock("ledger.toml.lock")
	if !errors.Is(err, unix.ENOLCK) {
		t.Fatalf("TryLock(): err=%v, want %v", err, unix.ENOLCK)
	}

	if errors.Is(err, ErrWouldBlock) {
		t.Fatalf("TryLock(): err=%v must not be %v", err, ErrWouldBlock)
	}
}

func Test_Locker_LockWithTimeout_Reports_Replacement_When_LockFile_Kept_Being_Replaced(t *testing.T) {
	t.Parallel()

	openInfo := &syscall.Stat_t{Dev: 1, Ino: 1}
	pathInfo := &syscall.Stat_t{Dev: 1, Ino: 2}

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			return &stubLockFile{
				fd:   123,
				stat: func() (os.FileInfo, error) { return stubFileInfo{sys: openInfo}, nil },
			}, nil
		},
		stat: func(string) (os.FileInfo, error) {
			return stubFileInfo{sys: pathInfo}, nil
		},
	})
	locker.flock = func(int, int) error { return nil }

	_, err := locker.LockWithTimeout("ledger.toml.lock", 20*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout(): err=%v, want %v", err, ErrWouldBlock)
	}

	if !strings.Contains(err.Error(), "lock file was replaced") {
		t.Fatalf("LockWithTimeout(): err=%q, want substring %q", err.Error(), "lock file was replaced")
	}
}

func Test_Locker_Lock_Retries_When_LockFile_Was_Replaced_During_Acquire(t *testing.T) {
	t.Parallel()

	first := &syscall.Stat_t{Dev: 1, Ino: 1}
	current := &syscall.Stat_t{Dev: 1, Ino: 2}

	var opens int

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			opens++

			sys := current
			if opens == 1 {
				sys = first
			}

			return &stubLockFile{
				fd:   uintptr(100 + opens),
				stat: func() (os.FileInfo, error) { return stubFileInfo{sys: sys}, nil },
			}, nil
		},
		stat: func(string) (os.FileInfo, error) {
			return stubFileInfo{sys: current}, nil
		},
	})
	locker.flock = func(int, int) error { return nil }

	lock, err := locker.Lock("ledger.toml.lock")
	if err != nil {
		t.Fatalf("Lock(): %v", err)
	}
	t.Cleanup(func() { _ = lock.Close() })

	if opens != 2 {
		t.Fatalf("Lock(): want 2 open attempts, got %d", opens)
	}
}

type stubLockFS struct {
	openFile func(path string, flag int, perm os.FileMode) (File, error)
	stat     func(path string) (os.FileInfo, error)
}

func (stubLockFS) Open(string) (File, error)       { panic("stubLockFS.Open: not implemented") }
func (stubLockFS) ReadFile(string) ([]byte, error) { panic("stubLockFS.ReadFile: not implemented") }
func (stubLockFS) WriteFileAtomic(string, io.Reader, os.FileMode) error {
	panic("stubLockFS.WriteFileAtomic: not implemented")
}
func (stubLockFS) ReadDir(string) ([]os.DirEntry, error) {
	panic("stubLockFS.ReadDir: not implemented")
}
func (stubLockFS) Exists(string) (bool, error)       { panic("stubLockFS.Exists: not implemented") }
func (stubLockFS) Remove(string) error               { panic("stubLockFS.Remove: not implemented") }
func (stubLockFS) RemoveAll(string) error            { panic("stubLockFS.RemoveAll: not implemented") }
func (stubLockFS) MkdirAll(string, os.FileMode) error {
	return nil
}

func (s stubLockFS) Stat(path string) (os.FileInfo, error) {
	if s.stat == nil {
		panic("stubLockFS.Stat: not implemented")
	}

	return s.stat(path)
}

func (s stubLockFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return s.openFile(path, flag, perm)
}

type stubLockFile struct {
	fd   uintptr
	stat func() (os.FileInfo, error)
}

func (*stubLockFile) Read([]byte) (int, error)       { panic("stubLockFile.Read: not implemented") }
func (*stubLockFile) Write([]byte) (int, error)      { panic("stubLockFile.Write: not implemented") }
func (*stubLockFile) Seek(int64, int) (int64, error) { panic("stubLockFile.Seek: not implemented") }
func (*stubLockFile) Sync() error                    { panic("stubLockFile.Sync: not implemented") }

func (*stubLockFile) Close() error  { return nil }
func (f *stubLockFile) Fd() uintptr { return f.fd }

func (f *stubLockFile) Stat() (os.FileInfo, error) {
	if f.stat == nil {
		panic("stubLockFile.Stat: not implemented")
	}

	return f.stat()
}

type stubFileInfo struct{ sys any }

func (stubFileInfo) Name() string       { return "stub" }
func (stubFileInfo) Size() int64        { return 0 }
func (stubFileInfo) Mode() os.FileMode  { return 0 }
func (stubFileInfo) ModTime() time.Time { return time.Time{} }
func (stubFileInfo) IsDir() bool        { return false }
func (fi stubFileInfo) Sys() any        { return fi.sys }

var (
	_ FS   = stubLockFS{}
	_ File = (*stubLockFile)(nil)
)
