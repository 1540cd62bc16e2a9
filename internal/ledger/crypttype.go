package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
)

// CryptKind names a [CryptType] variant.
type CryptKind string

// Crypt kinds. The string values are persisted.
const (
	KindPlainText CryptKind = "plaintext"
	KindAESArgon2 CryptKind = "aes256gcm-argon2"
)

// cryptKinds is the complete mapping from persisted name to kind.
var cryptKinds = map[string]CryptKind{
	string(KindPlainText): KindPlainText,
	string(KindAESArgon2): KindAESArgon2,
}

// CryptKinds returns the valid kind names in display order.
func CryptKinds() []string {
	return []string{string(KindPlainText), string(KindAESArgon2)}
}

// ParseCryptKind maps a name to its kind. Unknown names fail with
// [ErrUnknownCryptKind] and the list of valid names.
func ParseCryptKind(name string) (CryptKind, error) {
	kind, ok := cryptKinds[name]
	if !ok {
		return "", fmt.Errorf("%w %q (valid: %s)", ErrUnknownCryptKind, name, strings.Join(CryptKinds(), ", "))
	}

	return kind, nil
}

// CryptType is the encryption policy: plaintext, or AES-256-GCM with a key
// derived from a passphrase by Argon2id.
//
// Key is only ever held in memory. KeyCheck is persisted on the ledger policy
// so a passphrase can be verified; [CryptType.Metadata] strips both.
type CryptType struct {
	Kind CryptKind

	Salt     cryptutil.Salt
	Params   cryptutil.Params
	KeyCheck []byte

	Key *cryptutil.Key
}

// PlainText returns the no-encryption policy.
func PlainText() CryptType {
	return CryptType{Kind: KindPlainText}
}

// AESArgon2 returns a passphrase-derived AES policy without key material.
func AESArgon2(salt cryptutil.Salt, params cryptutil.Params, keyCheck []byte) CryptType {
	return CryptType{Kind: KindAESArgon2, Salt: salt, Params: params, KeyCheck: keyCheck}
}

// IsPlainText reports whether ct performs no encryption. The zero value is
// plaintext.
func (ct CryptType) IsPlainText() bool {
	return ct.Kind == "" || ct.Kind == KindPlainText
}

// HasKey reports whether raw key material is available in memory.
func (ct CryptType) HasKey() bool {
	return ct.Key != nil
}

// WithKey returns a copy of ct carrying key.
func (ct CryptType) WithKey(key cryptutil.Key) CryptType {
	ct.Key = &key

	return ct
}

// Metadata returns ct as recorded next to encrypted data: no key and no key
// check, only what is needed to re-derive the key from a passphrase.
func (ct CryptType) Metadata() CryptType {
	if ct.IsPlainText() {
		return PlainText()
	}

	return CryptType{Kind: ct.Kind, Salt: ct.Salt, Params: ct.Params}
}

// Policy returns ct as persisted on the ledger: the key is dropped, the key
// check kept.
func (ct CryptType) Policy() CryptType {
	ct.Key = nil
	ct.KeyCheck = append([]byte(nil), ct.KeyCheck...)

	return ct
}

// String renders the policy for `key --show`.
func (ct CryptType) String() string {
	if ct.IsPlainText() {
		return "PlainText (no encryption)"
	}

	var b strings.Builder

	b.WriteString("AES-256-GCM key derived from passphrase by Argon2id\n")
	fmt.Fprintf(&b, "salt  : %s\n", hex.EncodeToString(ct.Salt[:]))
	fmt.Fprintf(&b, "m_cost: %d\n", ct.Params.MCost)
	fmt.Fprintf(&b, "t_cost: %d\n", ct.Params.TCost)
	fmt.Fprintf(&b, "p_cost: %d\n", ct.Params.PCost)

	if len(ct.KeyCheck) > 0 {
		b.WriteString("key   : CHECK SAVED (able to check passphrase)")
	} else {
		b.WriteString("key   : NODATA (passphrase needed)")
	}

	return b.String()
}
