package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/calvinalkan/bkupman/internal/fs"
)

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// StoreOptions configures a [Store].
type StoreOptions struct {
	// FS defaults to [fs.NewReal].
	FS fs.FS

	// LockTimeout bounds how long to wait for the ledger lock. Zero fails
	// immediately with [ErrLockContention] when the lock is held; negative
	// waits until the lock is free.
	LockTimeout time.Duration

	// Now defaults to [time.Now]. Used for updated_at.
	Now func() time.Time
}

// Store gives locked access to the ledger of one base directory.
type Store struct {
	layout      Layout
	fs          fs.FS
	locker      *fs.Locker
	lockTimeout time.Duration
	now         func() time.Time
}

// NewStore returns a Store for the archive rooted at base.
func NewStore(base string, opts StoreOptions) *Store {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		layout:      Layout{Base: base},
		fs:          fsys,
		locker:      fs.NewLocker(fsys),
		lockTimeout: opts.LockTimeout,
		now:         now,
	}
}

// Layout returns the paths of the archive.
func (s *Store) Layout() Layout { return s.layout }

// FS returns the filesystem the store operates on.
func (s *Store) FS() fs.FS { return s.fs }

// WithLocked runs fn with the ledger while holding the exclusive ledger lock.
//
// If fn returns changed=true and no error, the ledger is touched and written
// back atomically before the lock is released. Otherwise the file is left
// untouched. Any error leaves the previous ledger in place.
func (s *Store) WithLocked(fn func(l *Ledger) (changed bool, err error)) error {
	lock, err := s.lock(false)
	if err != nil {
		return err
	}

	defer func() { _ = lock.Close() }()

	l, err := s.load()
	if err != nil {
		return err
	}

	changed, err := fn(l)
	if err != nil {
		return err
	}

	if !changed {
		return nil
	}

	l.Touch(s.now())

	return s.save(l)
}

// Read returns a snapshot of the ledger taken under a shared lock.
func (s *Store) Read() (*Ledger, error) {
	lock, err := s.lock(true)
	if err != nil {
		return nil, err
	}

	defer func() { _ = lock.Close() }()

	return s.load()
}

// Create writes a fresh, empty ledger. Returns [ErrAlreadyInitialized] if
// one exists.
func (s *Store) Create() (*Ledger, error) {
	lock, err := s.lock(false)
	if err != nil {
		return nil, err
	}

	defer func() { _ = lock.Close() }()

	exists, err := s.fs.Exists(s.layout.Ledger())
	if err != nil {
		return nil, fmt.Errorf("checking ledger: %w", err)
	}

	if exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, s.layout.Ledger())
	}

	l := New(s.now())

	if err := s.save(l); err != nil {
		return nil, err
	}

	return l, nil
}

func (s *Store) lock(shared bool) (*fs.Lock, error) {
	path := s.layout.Lock()

	var (
		lock *fs.Lock
		err  error
	)

	switch {
	case shared && s.lockTimeout < 0:
		lock, err = s.locker.RLock(path)
	case s.lockTimeout < 0:
		lock, err = s.locker.Lock(path)
	case shared && s.lockTimeout > 0:
		lock, err = s.locker.RLockWithTimeout(path, s.lockTimeout)
	case shared:
		lock, err = s.locker.TryRLock(path)
	case s.lockTimeout > 0:
		lock, err = s.locker.LockWithTimeout(path, s.lockTimeout)
	default:
		lock, err = s.locker.TryLock(path)
	}

	if errors.Is(err, fs.ErrWouldBlock) {
		return nil, fmt.Errorf("%w: %w", ErrLockContention, err)
	}

	if err != nil {
		return nil, fmt.Errorf("acquiring ledger lock: %w", err)
	}

	return lock, nil
}

func (s *Store) load() (*Ledger, error) {
	data, err := s.fs.ReadFile(s.layout.Ledger())
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, s.layout.Base)
	}

	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}

	l, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", s.layout.Ledger(), err)
	}

	return l, nil
}

func (s *Store) save(l *Ledger) error {
	data, err := Encode(l)
	if err != nil {
		return err
	}

	if err := s.fs.WriteFileAtomic(s.layout.Ledger(), bytes.NewReader(data), filePerm); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}

	return nil
}

// EnsureDirs creates the inbox, repo and crypt directories.
func (s *Store) EnsureDirs() error {
	for _, dir := range s.layout.Dirs() {
		if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	return nil
}
