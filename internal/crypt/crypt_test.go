package crypt_test

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bkupman/internal/crypt"
	"github.com/calvinalkan/bkupman/internal/cryptutil"
	"github.com/calvinalkan/bkupman/internal/fs"
	"github.com/calvinalkan/bkupman/internal/ledger"
	"github.com/calvinalkan/bkupman/internal/naming"
)

const mib = 1 << 20

var testParams = cryptutil.Params{MCost: 64, TCost: 1, PCost: 1}

func newArchive(t *testing.T, fsys fs.FS) *ledger.Store {
	t.Helper()

	store := ledger.NewStore(t.TempDir(), ledger.StoreOptions{
		FS:  fsys,
		Now: func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	})

	_, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, store.EnsureDirs())

	return store
}

// withAESPolicy sets an AES policy on the ledger and returns its key.
func withAESPolicy(t *testing.T, store *ledger.Store) cryptutil.Key {
	t.Helper()

	salt, err := cryptutil.GenerateSalt()
	require.NoError(t, err)

	key, err := cryptutil.DeriveKey([]byte("hunter2"), salt, testParams)
	require.NoError(t, err)

	require.NoError(t, store.WithLocked(func(l *ledger.Ledger) (bool, error) {
		l.CryptPolicy = ledger.AESArgon2(salt, testParams, cryptutil.KeyCheck(key))

		return true, nil
	}))

	return key
}

// archive ingests payload as if it arrived in the inbox under name: it is
// stored under repo/<tag> with the name ingestion would give it and recorded
// in the ledger. Returns the stored name.
func archive(t *testing.T, store *ledger.Store, name string, payload []byte) string {
	t.Helper()

	parts, err := naming.Classify(name)
	require.NoError(t, err)

	stored := naming.StoredName(parts)
	dir := store.Layout().RepoTag(parts.Tag)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, stored), payload, 0o644))

	require.NoError(t, store.WithLocked(func(l *ledger.Ledger) (bool, error) {
		return true, l.Insert(parts.Tag, ledger.FileVersion{StoredName: stored, ChecksumSidecarName: naming.SidecarName(stored)})
	}))

	return stored
}

func randomPayload(seed uint64, size int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(r.Uint32())
	}

	return buf
}

// decryptTag reassembles the plaintext of the fragments listed in crypt.toml.
func decryptTag(t *testing.T, store *ledger.Store, tag string, key cryptutil.Key) ([]byte, crypt.Metadata) {
	t.Helper()

	dir := store.Layout().CryptTag(tag)

	meta, err := crypt.ReadMetadata(fs.NewReal(), dir)
	require.NoError(t, err)

	var out bytes.Buffer

	for _, info := range meta.Fragments {
		data, err := os.ReadFile(filepath.Join(dir, info.Name))
		require.NoError(t, err)

		plain, _, err := crypt.OpenFragment(key, data)
		require.NoError(t, err)

		out.Write(plain)
	}

	return out.Bytes(), meta
}

func Test_Run_Splits_Payload_Into_Fragments_When_Policy_Is_AES(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	payload := randomPayload(1, 10*mib)
	archive(t, store, "db-20240601.tar", payload)

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: 4 * mib, Key: &key})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Selected)
	require.Equal(t, 1, summary.Encrypted)

	got, meta := decryptTag(t, store, "db", key)
	require.True(t, bytes.Equal(payload, got), "decrypted payload differs")
	require.Len(t, meta.Fragments, 3)
	require.Equal(t, "db_20240601.tar.000000", meta.Fragments[0].Name)
	require.Equal(t, "db_20240601.tar.000002", meta.Fragments[2].Name)
	require.Equal(t, uint64(10*mib), meta.TotalPlaintextSize)
	require.False(t, meta.CryptType.HasKey())
	require.Empty(t, meta.CryptType.KeyCheck)

	l, err := store.Read()
	require.NoError(t, err)

	latest, _ := l.Latest("db")
	require.NotNil(t, latest.Encryption)
	require.Equal(t, uint64(10*mib), latest.Encryption.TotalPlaintextSize)
	require.Equal(t, uint64(4*mib), latest.Encryption.FragmentSize)
	require.Equal(t, uint64(3), latest.Encryption.FragmentCount())
}

func Test_Run_Writes_Fragments_With_Header_When_Encrypting(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	archive(t, store, "db-20240601.tar", []byte("small"))

	_, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(store.Layout().CryptTag("db"), "db_20240601.tar.000000"))
	require.NoError(t, err)
	require.Len(t, data, crypt.HeaderSize+len("small")+cryptutil.TagSize)

	l, err := store.Read()
	require.NoError(t, err)

	h, _, err := crypt.ReadHeader(data)
	require.NoError(t, err)
	require.Equal(t, l.CryptPolicy.Salt, h.Salt)
	require.Equal(t, testParams, h.Params)
}

func Test_Run_Does_Nothing_When_Latest_Version_Is_Encrypted(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	archive(t, store, "db-20240601.tar", []byte("payload"))

	_, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)

	before, err := os.ReadFile(store.Layout().Ledger())
	require.NoError(t, err)

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)
	require.Equal(t, 0, summary.Selected)

	after, err := os.ReadFile(store.Layout().Ledger())
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func Test_Run_Reselects_Tag_When_Newer_Version_Is_Archived(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	archive(t, store, "db-20240601.tar", []byte("old"))

	_, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)

	archive(t, store, "db-20240602.tar", []byte("newer payload"))

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Encrypted)

	got, meta := decryptTag(t, store, "db", key)
	require.Equal(t, "db_20240602.tar", meta.StoredName)
	require.Equal(t, "newer payload", string(got))

	// The older fragments were cleared with the directory.
	_, err = os.Stat(filepath.Join(store.Layout().CryptTag("db"), "db_20240601.tar.000000"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Run_Removes_Stale_Output_When_Reencrypting_Tag(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	archive(t, store, "db-20240601.tar", []byte("payload"))

	dir := store.Layout().CryptTag("db")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover.000007"), []byte("junk"), 0o644))

	_, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "leftover.000007"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func Test_Run_Records_Empty_Payload_Without_Fragments(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	archive(t, store, "empty-20240601.bin", nil)

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Encrypted)

	_, meta := decryptTag(t, store, "empty", key)
	require.Empty(t, meta.Fragments)
	require.Equal(t, uint64(0), meta.TotalPlaintextSize)
}

func Test_Run_Fails_Units_With_ErrMissingKey_When_No_Key_Given(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	withAESPolicy(t, store)
	archive(t, store, "a-20240601.bin", []byte("a"))
	archive(t, store, "b-20240601.bin", []byte("b"))

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib})
	require.ErrorIs(t, err, crypt.ErrUnitsFailed)
	require.Equal(t, 2, summary.Failed)

	for _, f := range summary.Failures {
		require.ErrorIs(t, f.Err, crypt.ErrMissingKey)
	}

	l, err := store.Read()
	require.NoError(t, err)

	latest, _ := l.Latest("a")
	require.Nil(t, latest.Encryption)
}

func Test_Run_Returns_ErrWrongKey_When_Key_Does_Not_Match_Policy(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	withAESPolicy(t, store)
	archive(t, store, "a-20240601.bin", []byte("a"))

	other, err := cryptutil.GenerateKey()
	require.NoError(t, err)

	_, err = crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &other})
	require.ErrorIs(t, err, crypt.ErrWrongKey)
}

func Test_Run_Writes_Nothing_When_Policy_Is_PlainText(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	archive(t, store, "a-20240601.bin", []byte("a"))

	before, err := os.ReadFile(store.Layout().Ledger())
	require.NoError(t, err)

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Selected)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 0, summary.Encrypted)

	entries, err := os.ReadDir(store.Layout().Crypt())
	require.NoError(t, err)
	require.Empty(t, entries)

	after, err := os.ReadFile(store.Layout().Ledger())
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func Test_Run_Returns_ErrFragmentSize_When_Below_Minimum(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)

	_, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib - 1})
	require.ErrorIs(t, err, crypt.ErrFragmentSize)
}

func Test_Run_Returns_ErrFragmentTooLarge_When_Above_Maximum(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	archive(t, store, "db-20240601.tar", []byte("small"))

	before, err := os.ReadFile(store.Layout().Ledger())
	require.NoError(t, err)

	_, err = crypt.Run(context.Background(), store, crypt.Options{FragmentSize: 1 << 52, Key: &key})
	require.ErrorIs(t, err, crypt.ErrFragmentTooLarge)

	_, err = os.Stat(store.Layout().CryptTag("db"))
	require.ErrorIs(t, err, os.ErrNotExist)

	after, err := os.ReadFile(store.Layout().Ledger())
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func Test_Run_Encrypts_Small_Payload_When_Fragment_Size_At_Maximum(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)
	archive(t, store, "db-20240601.tar", []byte("small"))

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: crypt.MaxFragmentSize, Key: &key})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Encrypted)

	got, meta := decryptTag(t, store, "db", key)
	require.Equal(t, "small", string(got))
	require.Len(t, meta.Fragments, 1)
	require.Equal(t, uint64(crypt.MaxFragmentSize), meta.FragmentSize)
}

func Test_Run_Commits_Successes_When_One_Tag_Fails(t *testing.T) {
	t.Parallel()

	faulty := fs.NewFaulty(fs.NewReal())
	store := newArchive(t, faulty)
	key := withAESPolicy(t, store)
	archive(t, store, "a-20240601.bin", []byte("alpha"))
	archive(t, store, "b-20240601.bin", []byte("bravo"))

	faulty.Fail(fs.OpWriteFileAtomic, fs.PathContains("b_20240601.bin.000000"), syscall.ENOSPC)

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.ErrorIs(t, err, crypt.ErrUnitsFailed)
	require.Equal(t, 1, summary.Encrypted)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, "b", summary.Failures[0].Tag)
	require.ErrorIs(t, summary.Failures[0].Err, syscall.ENOSPC)

	l, err := store.Read()
	require.NoError(t, err)

	a, _ := l.Latest("a")
	b, _ := l.Latest("b")
	require.NotNil(t, a.Encryption)
	require.Nil(t, b.Encryption)

	// A retry after the fault clears picks up only the failed tag.
	faulty.Reset()

	summary, err = crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Selected)
	require.Equal(t, 1, summary.Encrypted)
}

func Test_Run_Encrypts_All_Tags_When_Many_Run_Concurrently(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)
	key := withAESPolicy(t, store)

	for i := range 12 {
		tag := string(rune('a' + i))
		archive(t, store, tag+"-20240601.bin", randomPayload(uint64(i), 1000+i))
	}

	summary, err := crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib, Key: &key, Workers: 4})
	require.NoError(t, err)
	require.Equal(t, 12, summary.Encrypted)

	for i := range 12 {
		tag := string(rune('a' + i))
		got, _ := decryptTag(t, store, tag, key)
		require.Equal(t, randomPayload(uint64(i), 1000+i), got)
	}
}

func Test_Run_Returns_ErrLockContention_When_Ledger_Locked(t *testing.T) {
	t.Parallel()

	store := newArchive(t, nil)

	lock, err := fs.NewLocker(fs.NewReal()).Lock(store.Layout().Lock())
	require.NoError(t, err)

	defer lock.Close()

	_, err = crypt.Run(context.Background(), store, crypt.Options{FragmentSize: mib})
	require.ErrorIs(t, err, ledger.ErrLockContention)
}
