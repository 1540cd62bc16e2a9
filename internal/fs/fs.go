// Package fs provides the filesystem abstraction used by the backup pipelines.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//   - [Locker]: advisory flock(2) locks used to guard the ledger
//
// Pipelines receive an [FS] rather than calling [os] directly so tests can
// substitute an implementation that fails selected operations.
//
// Example usage:
//
//	fsys := fs.NewReal()
//	f, err := fsys.Open("inbox/report-20240601.txt")
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	h := md5.New()
//	io.Copy(h, f)
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File] and works with all standard
// library functions that accept [io.Reader], [io.Writer], [io.Seeker], or
// [io.Closer].
//
// [File.Fd] must return a valid OS file descriptor usable with flock until the
// file is closed.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines filesystem operations for reading, writing, and managing files.
//
// All methods mirror their [os] package equivalents. Paths use OS semantics.
//
// Implementations must be safe for concurrent use by multiple goroutines:
// ingestion and crypt units call into the same FS from many workers.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	// Payloads are large; prefer [FS.Open] with streaming reads for them.
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic streams r into a temp file next to path and renames it
	// over path. Readers see either the old content or the complete new
	// content, never a partial write.
	WriteFileAtomic(path string, r io.Reader, perm os.FileMode) error

	// ReadDir reads a directory and returns its entries sorted by name.
	// See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// RemoveAll deletes a path and any children. See [os.RemoveAll].
	// No error if path doesn't exist.
	RemoveAll(path string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
