// Package crypt fragments and encrypts the newest unencrypted version of
// every tag.
//
// For a selected tag the crypt/<tag> directory is cleared and refilled with
// fragment files "{stored_name}.{seq:06}", each a fixed header followed by
// AES-256-GCM ciphertext of one FragmentSize chunk, and a crypt.toml
// describing them. Only tags whose unit fully succeeded get an encryption
// record in the ledger.
package crypt

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
	"github.com/calvinalkan/bkupman/internal/fs"
	"github.com/calvinalkan/bkupman/internal/ledger"
	"github.com/calvinalkan/bkupman/internal/workpool"
)

// Accepted fragment sizes. The upper bound keeps one fragment well inside
// memory and below the GCM per-message limit.
const (
	MinFragmentSize = 1 << 20
	MaxFragmentSize = 1 << 30
)

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// Options configures [Run].
type Options struct {
	// FS defaults to the store's filesystem.
	FS fs.FS

	// Workers bounds concurrent tags. <= 0 means runtime.NumCPU().
	Workers int

	// FragmentSize is the plaintext size of every fragment but the last.
	FragmentSize uint64

	// Key is the unlocked key of the ledger's policy. Required when the
	// policy encrypts; see keys.Unlock.
	Key *cryptutil.Key

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Summary reports the outcome of a run.
type Summary struct {
	// Selected counts tags whose newest version was unencrypted.
	Selected int

	// Encrypted counts tags that got an encryption record.
	Encrypted int

	// Skipped counts units that succeeded without output (plaintext policy).
	Skipped int

	Failed   int
	Failures []Failure
}

// Failure is one tag that was not encrypted.
type Failure struct {
	Tag string
	Err error
}

type unit struct {
	tag     string
	version ledger.FileVersion
}

type outcome struct {
	record *ledger.EncryptionRecord
}

// Run encrypts every tag whose newest version has no encryption record, under
// the ledger lock.
//
// Partial successes are committed. If any tag failed, the summary is returned
// together with [ErrUnitsFailed].
func Run(ctx context.Context, store *ledger.Store, opts Options) (Summary, error) {
	if opts.FragmentSize < MinFragmentSize {
		return Summary{}, fmt.Errorf("%w: %d < %d", ErrFragmentSize, opts.FragmentSize, MinFragmentSize)
	}

	if opts.FragmentSize > MaxFragmentSize {
		return Summary{}, fmt.Errorf("%w: %d > %d", ErrFragmentTooLarge, opts.FragmentSize, MaxFragmentSize)
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = store.FS()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.With(zap.String("run_id", uuid.NewString()), zap.String("pipeline", "crypt"))

	var summary Summary

	err := store.WithLocked(func(l *ledger.Ledger) (bool, error) {
		summary = Summary{}

		policy := l.CryptPolicy
		if opts.Key != nil {
			if !keyMatches(policy, *opts.Key) {
				return false, ErrWrongKey
			}

			policy = policy.WithKey(*opts.Key)
		}

		var units []unit

		for _, tag := range l.Tags() {
			latest, ok := l.Latest(tag)
			if ok && !latest.IsEncrypted() {
				units = append(units, unit{tag: tag, version: latest})
			}
		}

		summary.Selected = len(units)

		logger.Info("crypt selected", zap.Int("tags", len(units)), zap.String("policy", string(policy.Metadata().Kind)))

		enc := encrypter{
			fs:           fsys,
			layout:       store.Layout(),
			policy:       policy,
			fragmentSize: opts.FragmentSize,
			logger:       logger,
		}

		outcomes := workpool.Run(ctx, opts.Workers, units, enc.run)

		changed := false

		// units are in tag order, so folding is deterministic.
		for i, o := range outcomes {
			u := units[i]

			if o.Err != nil {
				logger.Warn("tag not encrypted", zap.String("tag", u.tag), zap.Error(o.Err))
				summary.Failures = append(summary.Failures, Failure{Tag: u.tag, Err: o.Err})

				continue
			}

			if o.Value.record == nil {
				summary.Skipped++

				continue
			}

			if err := l.SetEncryption(u.tag, u.version.StoredName, *o.Value.record); err != nil {
				summary.Failures = append(summary.Failures, Failure{Tag: u.tag, Err: err})

				continue
			}

			summary.Encrypted++
			changed = true
		}

		summary.Failed = len(summary.Failures)

		return changed, nil
	})
	if err != nil {
		return summary, err
	}

	logger.Info("crypt done",
		zap.Int("encrypted", summary.Encrypted), zap.Int("skipped", summary.Skipped), zap.Int("failed", summary.Failed))

	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d", ErrUnitsFailed, summary.Failed, summary.Selected)
	}

	return summary, nil
}

// keyMatches checks key against the policy's key check. Policies without a
// key check accept any key.
func keyMatches(policy ledger.CryptType, key cryptutil.Key) bool {
	if policy.IsPlainText() || len(policy.KeyCheck) == 0 {
		return true
	}

	return subtle.ConstantTimeCompare(policy.KeyCheck, cryptutil.KeyCheck(key)) == 1
}

type encrypter struct {
	fs           fs.FS
	layout       ledger.Layout
	policy       ledger.CryptType
	fragmentSize uint64
	logger       *zap.Logger
}

// run dispatches one tag on the policy kind.
func (e encrypter) run(_ context.Context, u unit) (outcome, error) {
	switch {
	case e.policy.IsPlainText():
		return outcome{}, nil
	case e.policy.Kind == ledger.KindAESArgon2 && !e.policy.HasKey():
		return outcome{}, ErrMissingKey
	case e.policy.Kind == ledger.KindAESArgon2:
		rec, err := e.encrypt(u)
		if err != nil {
			return outcome{}, err
		}

		return outcome{record: &rec}, nil
	default:
		return outcome{}, fmt.Errorf("%w %q", ledger.ErrUnknownCryptKind, e.policy.Kind)
	}
}

func (e encrypter) encrypt(u unit) (ledger.EncryptionRecord, error) {
	dir := e.layout.CryptTag(u.tag)

	// Output of an earlier failed attempt must not survive. RemoveAll
	// already treats a missing dir as success.
	if err := e.fs.RemoveAll(dir); err != nil {
		return ledger.EncryptionRecord{}, fmt.Errorf("clearing %s: %w", dir, err)
	}

	if err := e.fs.MkdirAll(dir, dirPerm); err != nil {
		return ledger.EncryptionRecord{}, fmt.Errorf("creating %s: %w", dir, err)
	}

	src := filepath.Join(e.layout.RepoTag(u.tag), u.version.StoredName)

	f, err := e.fs.Open(src)
	if err != nil {
		return ledger.EncryptionRecord{}, fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()

	meta := Metadata{
		StoredName:   u.version.StoredName,
		CryptType:    e.policy.Metadata(),
		FragmentSize: e.fragmentSize,
	}

	st, err := f.Stat()
	if err != nil {
		return ledger.EncryptionRecord{}, fmt.Errorf("stat %s: %w", src, err)
	}

	// A payload smaller than one fragment gets a buffer one byte past its
	// size so the first read reports EOF.
	bufSize := e.fragmentSize
	if size := uint64(max(st.Size(), 0)); size < bufSize {
		bufSize = size + 1
	}

	chunk := make([]byte, bufSize)

	for seq := 0; ; seq++ {
		n, readErr := io.ReadFull(f, chunk)
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return ledger.EncryptionRecord{}, fmt.Errorf("reading %s: %w", src, readErr)
		}

		if readErr == nil && bufSize < e.fragmentSize {
			return ledger.EncryptionRecord{}, fmt.Errorf("reading %s: payload grew while encrypting", src)
		}

		if n > 0 {
			info, err := e.writeFragment(dir, FragmentName(u.version.StoredName, seq), chunk[:n])
			if err != nil {
				return ledger.EncryptionRecord{}, err
			}

			meta.Fragments = append(meta.Fragments, info)
			meta.TotalPlaintextSize += uint64(n)
		}

		if readErr != nil {
			break
		}
	}

	if err := WriteMetadata(e.fs, dir, meta); err != nil {
		return ledger.EncryptionRecord{}, err
	}

	e.logger.Info("encrypted",
		zap.String("tag", u.tag),
		zap.String("stored_name", u.version.StoredName),
		zap.Int("fragments", len(meta.Fragments)),
		zap.Uint64("bytes", meta.TotalPlaintextSize))

	return ledger.EncryptionRecord{
		CryptType:          e.policy.Metadata(),
		TotalPlaintextSize: meta.TotalPlaintextSize,
		FragmentSize:       e.fragmentSize,
	}, nil
}

func (e encrypter) writeFragment(dir, name string, chunk []byte) (FragmentInfo, error) {
	body, err := SealFragment(*e.policy.Key, e.policy.Salt, e.policy.Params, chunk)
	if err != nil {
		return FragmentInfo{}, fmt.Errorf("sealing %s: %w", name, err)
	}

	path := filepath.Join(dir, name)

	if err := e.fs.WriteFileAtomic(path, bytes.NewReader(body), filePerm); err != nil {
		return FragmentInfo{}, fmt.Errorf("writing %s: %w", path, err)
	}

	return FragmentInfo{Name: name, Size: uint64(len(body)), Digest: cryptutil.Digest(body)}, nil
}
