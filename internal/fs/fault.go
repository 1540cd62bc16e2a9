package fs

import (
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// Op names a filesystem operation that [Faulty] can fail.
type Op string

// Operations understood by [Faulty]. OpRead applies to reads on files opened
// through the wrapper; the others apply to the [FS] method of the same name.
const (
	OpOpen            Op = "open"
	OpOpenFile        Op = "openfile"
	OpRead            Op = "read"
	OpReadFile        Op = "readfile"
	OpWriteFileAtomic Op = "writefileatomic"
	OpReadDir         Op = "readdir"
	OpMkdirAll        Op = "mkdirall"
	OpStat            Op = "stat"
	OpRemove          Op = "remove"
	OpRemoveAll       Op = "removeall"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps an *[iofs.PathError] carrying a [syscall.Errno], so errors.Is
// against errno values and os.IsNotExist/os.IsPermission keep working.
type InjectedError struct {
	Err error
}

func (e *InjectedError) Error() string { return e.Err.Error() }

func (e *InjectedError) Unwrap() error { return e.Err }

// IsInjected reports whether err (or any wrapped error) was injected by
// [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faulty wraps an [FS] and fails selected operations deterministically.
//
// Rules match an [Op] and a path predicate. The first matching rule wins.
// Unmatched calls pass through to the wrapped FS. Faulty is safe for
// concurrent use; pipelines under test call it from many workers.
type Faulty struct {
	fs FS

	mu    sync.RWMutex
	rules []faultRule

	injected atomic.Int64
}

type faultRule struct {
	op        Op
	match     func(path string) bool
	errno     syscall.Errno
	remaining int // <0 means unlimited
}

// NewFaulty returns a [Faulty] passing through to fs until rules are added.
func NewFaulty(fs FS) *Faulty {
	return &Faulty{fs: fs}
}

// Fail makes every op on a path for which match returns true fail with errno.
func (f *Faulty) Fail(op Op, match func(path string) bool, errno syscall.Errno) {
	f.addRule(faultRule{op: op, match: match, errno: errno, remaining: -1})
}

// FailOnce is like [Faulty.Fail] but the rule is consumed by its first hit.
func (f *Faulty) FailOnce(op Op, match func(path string) bool, errno syscall.Errno) {
	f.addRule(faultRule{op: op, match: match, errno: errno, remaining: 1})
}

// Reset removes all rules.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
}

// Injected returns how many errors have been injected so far.
func (f *Faulty) Injected() int64 {
	return f.injected.Load()
}

// PathSuffix matches paths ending in suffix.
func PathSuffix(suffix string) func(string) bool {
	return func(path string) bool { return strings.HasSuffix(path, suffix) }
}

// PathContains matches paths containing sub.
func PathContains(sub string) func(string) bool {
	return func(path string) bool { return strings.Contains(path, sub) }
}

func (f *Faulty) addRule(r faultRule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, r)
}

// check returns an injected error if a rule matches op and path.
func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.rules {
		r := &f.rules[i]
		if r.op != op || r.remaining == 0 || !r.match(path) {
			continue
		}

		if r.remaining > 0 {
			r.remaining--
		}

		f.injected.Add(1)

		return &InjectedError{Err: &iofs.PathError{Op: string(op), Path: path, Err: r.errno}}
	}

	return nil
}

func (f *Faulty) Open(path string) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}

	file, err := f.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, faulty: f, path: path}, nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &faultyFile{File: file, faulty: f, path: path}, nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

// WriteFileAtomic fails before anything reaches disk, matching a failed
// temp-file write: the destination keeps its previous content.
func (f *Faulty) WriteFileAtomic(path string, r io.Reader, perm os.FileMode) error {
	if err := f.check(OpWriteFileAtomic, path); err != nil {
		return err
	}

	return f.fs.WriteFileAtomic(path, r, perm)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.fs.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdirAll, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	if err := f.check(OpStat, path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

func (f *Faulty) RemoveAll(path string) error {
	if err := f.check(OpRemoveAll, path); err != nil {
		return err
	}

	return f.fs.RemoveAll(path)
}

// faultyFile fails reads when an [OpRead] rule matches its path.
type faultyFile struct {
	File

	faulty *Faulty
	path   string
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if err := ff.faulty.check(OpRead, ff.path); err != nil {
		return 0, err
	}

	return ff.File.Read(p)
}

var _ FS = (*Faulty)(nil)
