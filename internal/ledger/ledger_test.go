package ledger_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
	"github.com/calvinalkan/bkupman/internal/ledger"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func version(name string) ledger.FileVersion {
	return ledger.FileVersion{StoredName: name, ChecksumSidecarName: name + ".md5sum"}
}

func aesPolicy(t *testing.T) ledger.CryptType {
	t.Helper()

	var salt cryptutil.Salt
	copy(salt[:], "saltsaltsaltsalt")

	key, err := cryptutil.GenerateKey()
	require.NoError(t, err)

	ct := ledger.AESArgon2(salt, cryptutil.Params{MCost: 64, TCost: 1, PCost: 1}, cryptutil.KeyCheck(key))

	return ct.WithKey(key)
}

func Test_Ledger_Insert_Keeps_Newest_First_When_Inserted_Out_Of_Order(t *testing.T) {
	t.Parallel()

	l := ledger.New(fixedNow)

	for _, name := range []string{"db_20240102.sql", "db_20240301.sql", "db_20231231.sql", "db_20240201.sql"} {
		require.NoError(t, l.Insert("db", version(name)))
	}

	var got []string
	for _, v := range l.Versions("db") {
		got = append(got, v.StoredName)
	}

	want := []string{"db_20240301.sql", "db_20240201.sql", "db_20240102.sql", "db_20231231.sql"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("versions mismatch (-want +got):\n%s", diff)
	}

	latest, ok := l.Latest("db")
	require.True(t, ok)
	require.Equal(t, "db_20240301.sql", latest.StoredName)

	_, ok = l.Latest("missing")
	require.False(t, ok)
}

func Test_Ledger_Insert_Returns_ErrDuplicateVersion_When_Stored_Name_Exists(t *testing.T) {
	t.Parallel()

	l := ledger.New(fixedNow)
	require.NoError(t, l.Insert("db", version("db_20240102.sql")))

	err := l.Insert("db", version("db_20240102.sql"))
	require.ErrorIs(t, err, ledger.ErrDuplicateVersion)
	require.Len(t, l.Versions("db"), 1)

	// Same stored name under another tag is a different version.
	require.NoError(t, l.Insert("other", version("db_20240102.sql")))
	require.True(t, l.Has("other", "db_20240102.sql"))
}

func Test_Ledger_Tags_Are_Sorted(t *testing.T) {
	t.Parallel()

	l := ledger.New(fixedNow)
	for _, tag := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, l.Insert(tag, version(tag+"_20240101.bin")))
	}

	require.Equal(t, []string{"alpha", "mid", "zeta"}, l.Tags())
}

func Test_Ledger_SetEncryption_Strips_Key_And_Is_Monotonic(t *testing.T) {
	t.Parallel()

	l := ledger.New(fixedNow)
	require.NoError(t, l.Insert("db", version("db_20240102.sql")))

	policy := aesPolicy(t)
	rec := ledger.EncryptionRecord{CryptType: policy, TotalPlaintextSize: 10, FragmentSize: 4}

	require.NoError(t, l.SetEncryption("db", "db_20240102.sql", rec))

	latest, _ := l.Latest("db")
	require.True(t, latest.IsEncrypted())
	require.False(t, latest.Encryption.CryptType.HasKey())
	require.Empty(t, latest.Encryption.CryptType.KeyCheck)
	require.Equal(t, uint64(3), latest.Encryption.FragmentCount())

	err := l.SetEncryption("db", "db_20240102.sql", rec)
	require.ErrorIs(t, err, ledger.ErrAlreadyEncrypted)

	err = l.SetEncryption("db", "db_20990101.sql", rec)
	require.ErrorIs(t, err, ledger.ErrUnknownVersion)
}

func Test_EncryptionRecord_FragmentCount_Rounds_Up(t *testing.T) {
	t.Parallel()

	tests := []struct {
		total, size, want uint64
	}{
		{0, 4, 0},
		{1, 4, 1},
		{4, 4, 1},
		{5, 4, 2},
		{10 << 20, 4 << 20, 3},
	}

	for _, tt := range tests {
		rec := ledger.EncryptionRecord{TotalPlaintextSize: tt.total, FragmentSize: tt.size}
		require.Equal(t, tt.want, rec.FragmentCount(), "total=%d size=%d", tt.total, tt.size)
	}
}

func Test_Encode_Is_Byte_Identical_When_Ledger_Is_Unchanged(t *testing.T) {
	t.Parallel()

	l := ledger.New(fixedNow)
	l.CryptPolicy = aesPolicy(t)

	for _, tag := range []string{"b", "a", "c"} {
		require.NoError(t, l.Insert(tag, version(tag+"_20240101.bin")))
		require.NoError(t, l.Insert(tag, version(tag+"_20240202.bin")))
	}

	require.NoError(t, l.SetEncryption("a", "a_20240202.bin", ledger.EncryptionRecord{
		CryptType: l.CryptPolicy, TotalPlaintextSize: 5 << 20, FragmentSize: 1 << 20,
	}))

	first, err := ledger.Encode(l)
	require.NoError(t, err)

	for range 5 {
		again, err := ledger.Encode(l)
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}
}

func Test_Decode_Restores_Ledger_When_Encoded(t *testing.T) {
	t.Parallel()

	l := ledger.New(fixedNow)
	l.CryptPolicy = aesPolicy(t)

	require.NoError(t, l.Insert("report", version("report_20240601.txt")))
	require.NoError(t, l.Insert("report", version("report_20240701.txt")))
	require.NoError(t, l.SetEncryption("report", "report_20240601.txt", ledger.EncryptionRecord{
		CryptType: l.CryptPolicy, TotalPlaintextSize: 123, FragmentSize: 1 << 20,
	}))

	data, err := ledger.Encode(l)
	require.NoError(t, err)

	got, err := ledger.Decode(data)
	require.NoError(t, err)

	// The key never reaches disk; the key check does.
	want := *l
	want.CryptPolicy = l.CryptPolicy.Policy()

	if diff := cmp.Diff(&want, got); diff != "" {
		t.Fatalf("decoded ledger mismatch (-want +got):\n%s", diff)
	}
}

func Test_Encode_Never_Writes_Key_When_Policy_Has_Key(t *testing.T) {
	t.Parallel()

	l := ledger.New(fixedNow)
	l.CryptPolicy = aesPolicy(t)

	data, err := ledger.Encode(l)
	require.NoError(t, err)

	text := string(data)
	require.Contains(t, text, `kind = "aes256gcm-argon2"`)
	require.Contains(t, text, "key_check")
	require.NotContains(t, text, "key =")
	require.NotContains(t, text, strings.ToLower(hexKey(*l.CryptPolicy.Key)))
}

func hexKey(k cryptutil.Key) string {
	const digits = "0123456789abcdef"

	out := make([]byte, 0, len(k)*2)
	for _, b := range k {
		out = append(out, digits[b>>4], digits[b&0xf])
	}

	return string(out)
}

func Test_Decode_Returns_ErrUnsupportedSchema_When_Version_Differs(t *testing.T) {
	t.Parallel()

	data := []byte("schema_version = 2\nupdated_at = 2024-06-01T12:00:00Z\n[crypt_policy]\nkind = \"plaintext\"\n")

	_, err := ledger.Decode(data)
	require.ErrorIs(t, err, ledger.ErrUnsupportedSchema)
}

func Test_Decode_Returns_ErrCorrupt_When_Content_Is_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"syntax": "schema_version = \n",
		"kind":   "schema_version = 1\n[crypt_policy]\nkind = \"rot13\"\n",
		"salt":   "schema_version = 1\n[crypt_policy]\nkind = \"aes256gcm-argon2\"\nsalt = \"abcd\"\nm_cost = 64\nt_cost = 1\np_cost = 1\n",
		"duplicate": "schema_version = 1\n[crypt_policy]\nkind = \"plaintext\"\n" +
			"[[repository.db]]\nstored_name = \"db_20240101.sql\"\nchecksum_sidecar_name = \"x\"\n" +
			"[[repository.db]]\nstored_name = \"db_20240101.sql\"\nchecksum_sidecar_name = \"x\"\n",
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := ledger.Decode([]byte(data))
			require.ErrorIs(t, err, ledger.ErrCorrupt)
		})
	}
}

func Test_Decode_Sorts_Versions_When_File_Was_Edited_By_Hand(t *testing.T) {
	t.Parallel()

	data := "schema_version = 1\n[crypt_policy]\nkind = \"plaintext\"\n" +
		"[[repository.db]]\nstored_name = \"db_20240101.sql\"\nchecksum_sidecar_name = \"a\"\n" +
		"[[repository.db]]\nstored_name = \"db_20240505.sql\"\nchecksum_sidecar_name = \"b\"\n"

	l, err := ledger.Decode([]byte(data))
	require.NoError(t, err)

	latest, ok := l.Latest("db")
	require.True(t, ok)
	require.Equal(t, "db_20240505.sql", latest.StoredName)
}

func Test_ParseCryptKind_Lists_Valid_Options_When_Name_Is_Unknown(t *testing.T) {
	t.Parallel()

	kind, err := ledger.ParseCryptKind("aes256gcm-argon2")
	require.NoError(t, err)
	require.Equal(t, ledger.KindAESArgon2, kind)

	_, err = ledger.ParseCryptKind("AES")
	require.ErrorIs(t, err, ledger.ErrUnknownCryptKind)
	require.Contains(t, err.Error(), "plaintext, aes256gcm-argon2")
}

func Test_CryptType_String_Describes_Policy(t *testing.T) {
	t.Parallel()

	require.Equal(t, "PlainText (no encryption)", ledger.PlainText().String())

	policy := aesPolicy(t)
	text := policy.String()

	require.Contains(t, text, "salt  : 73616c7473616c7473616c7473616c74")
	require.Contains(t, text, "m_cost: 64")
	require.Contains(t, text, "key   : CHECK SAVED")

	require.Contains(t, policy.Metadata().String(), "key   : NODATA (passphrase needed)")
}
