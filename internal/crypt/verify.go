package crypt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
	"github.com/calvinalkan/bkupman/internal/fs"
	"github.com/calvinalkan/bkupman/internal/ledger"
	"github.com/calvinalkan/bkupman/internal/workpool"
)

// VerifyOptions configures [Verify].
type VerifyOptions struct {
	FS      fs.FS
	Workers int

	// Key is the unlocked key of the ledger's policy. With Key or Passphrase
	// set, fragments are also authenticated; otherwise only digests, sizes,
	// and headers are checked.
	Key *cryptutil.Key

	// Passphrase opens versions encrypted under an earlier policy, whose
	// salt or costs differ from the current one. Keys are derived once per
	// salt and cost combination.
	Passphrase []byte

	Logger *zap.Logger
}

// VerifyReport lists the result per checked tag, in tag order.
type VerifyReport struct {
	Tags []TagReport
}

// Failed counts tags with an error.
func (r VerifyReport) Failed() int {
	n := 0

	for _, t := range r.Tags {
		if t.Err != nil {
			n++
		}
	}

	return n
}

// TagReport is the verification result of the newest encrypted version of
// one tag.
type TagReport struct {
	Tag        string
	StoredName string
	Fragments  int
	Decrypted  bool

	// NotDecrypted says why decryption was skipped in decrypt mode.
	NotDecrypted string

	// Pending is set when a newer version of the tag awaits encryption.
	Pending bool

	// Replaced is set when crypt already cleared this version's fragments
	// while encrypting the pending newer version. Nothing was checked.
	Replaced bool

	Err error
}

// Verify checks crypt output against crypt.toml and the ledger for every tag
// that has an encrypted version. It only reads; plaintext never leaves
// memory.
//
// Verify takes a snapshot of the ledger under a shared lock and does not hold
// it while checking.
func Verify(ctx context.Context, store *ledger.Store, opts VerifyOptions) (VerifyReport, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = store.FS()
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.With(zap.String("run_id", uuid.NewString()), zap.String("pipeline", "verify"))

	l, err := store.Read()
	if err != nil {
		return VerifyReport{}, err
	}

	if opts.Key != nil && !keyMatches(l.CryptPolicy, *opts.Key) {
		return VerifyReport{}, ErrWrongKey
	}

	var units []verifyUnit

	for _, tag := range l.Tags() {
		for i, v := range l.Versions(tag) {
			if v.IsEncrypted() {
				units = append(units, verifyUnit{unit: unit{tag: tag, version: v}, pending: i > 0})

				break
			}
		}
	}

	keys := newKeyring(l.CryptPolicy, opts.Key, opts.Passphrase)
	defer keys.zero()

	v := verifier{fs: fsys, layout: store.Layout(), keys: keys}

	outcomes := workpool.Run(ctx, opts.Workers, units, v.run)

	report := VerifyReport{Tags: make([]TagReport, 0, len(units))}

	for i, o := range outcomes {
		r := o.Value
		r.Tag = units[i].tag
		r.StoredName = units[i].version.StoredName
		r.Pending = units[i].pending
		r.Err = o.Err

		if r.Err != nil {
			logger.Warn("verify failed", zap.String("tag", r.Tag), zap.Error(r.Err))
		} else {
			logger.Info("verified",
				zap.String("tag", r.Tag),
				zap.Int("fragments", r.Fragments),
				zap.Bool("decrypted", r.Decrypted),
				zap.Bool("replaced", r.Replaced))
		}

		report.Tags = append(report.Tags, r)
	}

	if n := report.Failed(); n > 0 {
		return report, fmt.Errorf("%w: %d of %d tags", ErrVerifyFailed, n, len(report.Tags))
	}

	return report, nil
}

type verifyUnit struct {
	unit

	// pending: the tag's newest version is not encrypted yet.
	pending bool
}

// keyring hands out decryption keys per crypt type.
type keyring struct {
	policy     ledger.CryptType
	policyKey  *cryptutil.Key
	passphrase []byte

	mu      sync.Mutex
	derived map[kdfInput]*cryptutil.Key
}

type kdfInput struct {
	salt   cryptutil.Salt
	params cryptutil.Params
}

func newKeyring(policy ledger.CryptType, key *cryptutil.Key, passphrase []byte) *keyring {
	return &keyring{
		policy:     policy,
		policyKey:  key,
		passphrase: passphrase,
		derived:    map[kdfInput]*cryptutil.Key{},
	}
}

func (k *keyring) enabled() bool {
	return k.policyKey != nil || len(k.passphrase) > 0
}

// keyFor returns the key for data encrypted under ct, or nil if it cannot be
// had. earlier reports that ct is not the current policy, so the key is
// unchecked: there is no key check for earlier policies.
func (k *keyring) keyFor(ct ledger.CryptType) (key *cryptutil.Key, earlier bool, err error) {
	current := !k.policy.IsPlainText() && ct.Salt == k.policy.Salt && ct.Params == k.policy.Params
	if current && k.policyKey != nil {
		return k.policyKey, false, nil
	}

	if len(k.passphrase) == 0 {
		return nil, !current, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	in := kdfInput{salt: ct.Salt, params: ct.Params}
	if key, ok := k.derived[in]; ok {
		return key, !current, nil
	}

	derived, err := cryptutil.DeriveKey(k.passphrase, ct.Salt, ct.Params)
	if err != nil {
		return nil, !current, fmt.Errorf("deriving key: %w", err)
	}

	k.derived[in] = &derived

	return &derived, !current, nil
}

func (k *keyring) zero() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range k.derived {
		cryptutil.Zero(key[:])
	}
}

type verifier struct {
	fs     fs.FS
	layout ledger.Layout
	keys   *keyring
}

func (v verifier) run(_ context.Context, u verifyUnit) (TagReport, error) {
	rec := u.version.Encryption
	dir := v.layout.CryptTag(u.tag)

	meta, err := ReadMetadata(v.fs, dir)

	// Encrypting the pending version starts by clearing crypt/<tag>.
	if u.pending && (errors.Is(err, os.ErrNotExist) || (err == nil && meta.StoredName != u.version.StoredName)) {
		return TagReport{Replaced: true}, nil
	}

	if err != nil {
		return TagReport{}, err
	}

	if meta.StoredName != u.version.StoredName {
		return TagReport{}, fmt.Errorf("%w: crypt.toml describes %s, ledger has %s", ErrMetadataMismatch, meta.StoredName, u.version.StoredName)
	}

	if meta.TotalPlaintextSize != rec.TotalPlaintextSize || meta.FragmentSize != rec.FragmentSize {
		return TagReport{}, fmt.Errorf("%w: sizes differ from ledger", ErrMetadataMismatch)
	}

	if uint64(len(meta.Fragments)) != rec.FragmentCount() {
		return TagReport{}, fmt.Errorf("%w: %d fragments, want %d", ErrMetadataMismatch, len(meta.Fragments), rec.FragmentCount())
	}

	report := TagReport{Fragments: len(meta.Fragments)}

	var key *cryptutil.Key

	earlier := false

	if v.keys.enabled() {
		key, earlier, err = v.keys.keyFor(rec.CryptType)
		if err != nil {
			return TagReport{}, err
		}

		if key == nil {
			report.NotDecrypted = "encrypted under an earlier policy, passphrase needed"
		}
	}

	var plainTotal uint64

	for seq, info := range meta.Fragments {
		if want := FragmentName(meta.StoredName, seq); info.Name != want {
			return TagReport{}, fmt.Errorf("%w: fragment %d named %s, want %s", ErrMetadataMismatch, seq, info.Name, want)
		}

		data, err := v.fs.ReadFile(filepath.Join(dir, info.Name))
		if err != nil {
			return TagReport{}, fmt.Errorf("reading fragment: %w", err)
		}

		if uint64(len(data)) != info.Size || cryptutil.Digest(data) != info.Digest {
			return TagReport{}, fmt.Errorf("%w: %s digest mismatch", ErrMetadataMismatch, info.Name)
		}

		h, _, err := ReadHeader(data)
		if err != nil {
			return TagReport{}, fmt.Errorf("%s: %w", info.Name, err)
		}

		if h.Salt != rec.CryptType.Salt || h.Params != rec.CryptType.Params {
			return TagReport{}, fmt.Errorf("%w: %s header does not match crypt type", ErrMetadataMismatch, info.Name)
		}

		if key == nil {
			continue
		}

		plain, _, err := OpenFragment(*key, data)

		// An earlier policy has no key check; a passphrase that fails on
		// the first fragment is the wrong one, not evidence of tampering.
		if err != nil && earlier && seq == 0 && IsAuthFailure(err) {
			key = nil
			report.NotDecrypted = "passphrase does not open this earlier policy"

			continue
		}

		if err != nil {
			return TagReport{}, fmt.Errorf("%s: %w", info.Name, err)
		}

		plainTotal += uint64(len(plain))
		cryptutil.Zero(plain)

		last := seq == len(meta.Fragments)-1
		if !last && uint64(len(plain)) != meta.FragmentSize {
			return TagReport{}, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrMetadataMismatch, info.Name, len(plain), meta.FragmentSize)
		}
	}

	if key != nil {
		if plainTotal != meta.TotalPlaintextSize {
			return TagReport{}, fmt.Errorf("%w: decrypted %d bytes, want %d", ErrMetadataMismatch, plainTotal, meta.TotalPlaintextSize)
		}

		report.Decrypted = true
	}

	return report, nil
}

// IsAuthFailure reports whether err came from a fragment failing
// authentication.
func IsAuthFailure(err error) bool {
	return errors.Is(err, cryptutil.ErrAuthentication)
}
