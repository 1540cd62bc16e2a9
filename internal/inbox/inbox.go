// Package inbox ingests files dropped into the inbox directory.
//
// Every payload must come with a "{name}.md5sum" sidecar. A payload whose
// digest matches is copied to repo/<tag>/<tag>_<timestamp>.<ext> together
// with a fresh sidecar, removed from the inbox and recorded in the ledger.
// Anything else stays in the inbox and is reported as a failure.
package inbox

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/bkupman/internal/fs"
	"github.com/calvinalkan/bkupman/internal/ledger"
	"github.com/calvinalkan/bkupman/internal/naming"
	"github.com/calvinalkan/bkupman/internal/workpool"
)

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// Options configures [Run].
type Options struct {
	// FS defaults to the store's filesystem.
	FS fs.FS

	// Workers bounds concurrent files. <= 0 means runtime.NumCPU().
	Workers int

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Summary reports the outcome of a run.
type Summary struct {
	Processed int
	Failed    int

	// Failures are sorted by Name.
	Failures []Failure

	// Archived lists recorded versions in tag order.
	Archived []Archived

	// Warnings are problems that did not fail a file, such as an inbox
	// original that could not be removed after archiving.
	Warnings []string
}

// Failure is one file that was not ingested.
type Failure struct {
	Name string
	Err  error
}

// Archived is one ingested file.
type Archived struct {
	Source  string
	Tag     string
	Version ledger.FileVersion
}

// candidate is a classified inbox payload scheduled as a unit.
type candidate struct {
	name   string
	parts  naming.Parts
	stored string
}

type result struct {
	archived Archived
	warning  string
}

// Run ingests the inbox of store's archive under the ledger lock.
//
// The returned error is non-nil only when the run as a whole failed (lock,
// ledger load or commit, unreadable inbox). Per-file failures are in the
// summary; files that succeeded are committed regardless.
func Run(ctx context.Context, store *ledger.Store, opts Options) (Summary, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = store.FS()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.With(zap.String("run_id", uuid.NewString()), zap.String("pipeline", "inbox"))

	var summary Summary

	err := store.WithLocked(func(l *ledger.Ledger) (bool, error) {
		summary = Summary{}

		layout := store.Layout()

		entries, err := fsys.ReadDir(layout.Inbox())
		if err != nil {
			return false, fmt.Errorf("reading inbox: %w", err)
		}

		candidates, failures := plan(entries, l)
		summary.Failures = failures

		logger.Info("inbox scanned", zap.Int("entries", len(entries)), zap.Int("candidates", len(candidates)))

		ing := ingester{fs: fsys, layout: layout, logger: logger}

		outcomes := workpool.Run(ctx, opts.Workers, candidates, ing.ingest)

		var results []result

		for i, o := range outcomes {
			if o.Err != nil {
				logger.Warn("file not ingested", zap.String("file", candidates[i].name), zap.Error(o.Err))
				summary.Failures = append(summary.Failures, Failure{Name: candidates[i].name, Err: o.Err})

				continue
			}

			results = append(results, o.Value)
		}

		sort.Slice(results, func(i, j int) bool {
			a, b := results[i].archived, results[j].archived
			if a.Tag != b.Tag {
				return a.Tag < b.Tag
			}

			return a.Version.StoredName < b.Version.StoredName
		})

		for _, r := range results {
			if err := l.Insert(r.archived.Tag, r.archived.Version); err != nil {
				// plan rejects known names, so this means the ledger and
				// the repo disagree; fail the file rather than the run.
				summary.Failures = append(summary.Failures, Failure{Name: r.archived.Source, Err: err})

				continue
			}

			summary.Archived = append(summary.Archived, r.archived)

			if r.warning != "" {
				summary.Warnings = append(summary.Warnings, r.warning)
			}
		}

		sort.Slice(summary.Failures, func(i, j int) bool {
			return summary.Failures[i].Name < summary.Failures[j].Name
		})

		summary.Processed = len(summary.Archived)
		summary.Failed = len(summary.Failures)

		return summary.Processed > 0, nil
	})
	if err != nil {
		return summary, err
	}

	logger.Info("inbox done", zap.Int("processed", summary.Processed), zap.Int("failed", summary.Failed))

	return summary, nil
}

// plan filters inbox entries into units. Entries that can be rejected
// without I/O fail here; sidecars are skipped.
func plan(entries []os.DirEntry, l *ledger.Ledger) ([]candidate, []Failure) {
	var (
		candidates []candidate
		failures   []Failure
	)

	seen := make(map[string]string)

	for _, entry := range entries {
		name := entry.Name()

		if naming.IsSidecar(name) {
			continue
		}

		// Hidden entries stay in the inbox but are reported.
		if strings.HasPrefix(name, ".") {
			failures = append(failures, Failure{Name: name, Err: fmt.Errorf("%w: %s: hidden", naming.ErrInvalidFilename, name)})

			continue
		}

		if !entry.Type().IsRegular() {
			failures = append(failures, Failure{Name: name, Err: fmt.Errorf("%w: %s", ErrNotRegularFile, entry.Type())})

			continue
		}

		parts, err := naming.Classify(name)
		if err != nil {
			failures = append(failures, Failure{Name: name, Err: err})

			continue
		}

		stored := naming.StoredName(parts)

		if l.Has(parts.Tag, stored) {
			failures = append(failures, Failure{Name: name, Err: fmt.Errorf("%w: %s/%s is in the ledger", ErrAlreadyArchived, parts.Tag, stored)})

			continue
		}

		// "x-20240101.bin" and "x_20240101.bin" share a stored name.
		if other, dup := seen[stored]; dup {
			failures = append(failures, Failure{Name: name, Err: fmt.Errorf("%w: %s also maps to %s", ErrAlreadyArchived, other, stored)})

			continue
		}

		seen[stored] = name

		candidates = append(candidates, candidate{name: name, parts: parts, stored: stored})
	}

	return candidates, failures
}

type ingester struct {
	fs     fs.FS
	layout ledger.Layout
	logger *zap.Logger
}

// ingest verifies one payload, archives it and clears it from the inbox.
func (ing ingester) ingest(_ context.Context, c candidate) (result, error) {
	src := filepath.Join(ing.layout.Inbox(), c.name)
	srcSidecar := naming.SidecarName(src)

	sum, err := ing.readSidecar(srcSidecar)
	if err != nil {
		return result{}, err
	}

	actual, err := ing.digest(src)
	if err != nil {
		return result{}, err
	}

	if actual != sum {
		return result{}, fmt.Errorf("%w: sidecar %s, content %s", ErrIntegrity, sum, actual)
	}

	destDir := ing.layout.RepoTag(c.parts.Tag)
	dest := filepath.Join(destDir, c.stored)

	exists, err := ing.fs.Exists(dest)
	if err != nil {
		return result{}, fmt.Errorf("checking %s: %w", dest, err)
	}

	if exists {
		return result{}, fmt.Errorf("%w: %s exists", ErrAlreadyArchived, dest)
	}

	if err := ing.fs.MkdirAll(destDir, dirPerm); err != nil {
		return result{}, fmt.Errorf("creating %s: %w", destDir, err)
	}

	if err := ing.copyVerified(src, dest, sum); err != nil {
		return result{}, err
	}

	destSidecar := naming.SidecarName(dest)

	if err := ing.fs.WriteFileAtomic(destSidecar, strings.NewReader(sum), filePerm); err != nil {
		_ = ing.fs.Remove(dest)

		return result{}, fmt.Errorf("writing %s: %w", destSidecar, err)
	}

	res := result{archived: Archived{
		Source: c.name,
		Tag:    c.parts.Tag,
		Version: ledger.FileVersion{
			StoredName:          c.stored,
			ChecksumSidecarName: filepath.Base(destSidecar),
		},
	}}

	if err := errors.Join(ing.fs.Remove(src), ing.fs.Remove(srcSidecar)); err != nil {
		res.warning = fmt.Sprintf("%s archived but not removed from inbox: %v", c.name, err)
	}

	ing.logger.Info("archived", zap.String("file", c.name), zap.String("tag", c.parts.Tag), zap.String("stored_name", c.stored))

	return res, nil
}

// readSidecar returns the lowercase digest from a sidecar. The first
// whitespace-separated field is used, so "md5sum" output is accepted.
func (ing ingester) readSidecar(path string) (string, error) {
	data, err := ing.fs.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrMissingSidecar, filepath.Base(path))
	}

	if err != nil {
		return "", fmt.Errorf("reading sidecar: %w", err)
	}

	return ParseChecksum(data)
}

// ParseChecksum extracts a 32-hex MD5 digest from sidecar content.
func ParseChecksum(data []byte) (string, error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalidChecksum)
	}

	sum := strings.ToLower(fields[0])

	if len(sum) != 2*md5.Size {
		return "", fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidChecksum, 2*md5.Size, len(sum))
	}

	if _, err := hex.DecodeString(sum); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidChecksum, err)
	}

	return sum, nil
}

func (ing ingester) digest(path string) (string, error) {
	f, err := ing.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening payload: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading payload: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyVerified copies src to dest atomically, hashing what was copied. If
// the payload changed since verification the copy is removed.
func (ing ingester) copyVerified(src, dest, sum string) error {
	f, err := ing.fs.Open(src)
	if err != nil {
		return fmt.Errorf("opening payload: %w", err)
	}
	defer f.Close()

	h := md5.New()

	if err := ing.fs.WriteFileAtomic(dest, io.TeeReader(f, h), filePerm); err != nil {
		return fmt.Errorf("copying to %s: %w", dest, err)
	}

	if copied := hex.EncodeToString(h.Sum(nil)); copied != sum {
		_ = ing.fs.Remove(dest)

		return fmt.Errorf("%w: payload changed while copying", ErrIntegrity)
	}

	return nil
}
