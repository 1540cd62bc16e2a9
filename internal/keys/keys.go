// Package keys sets the ledger's crypt policy and unlocks its key from a
// passphrase.
//
// The derived key never touches disk. The ledger keeps the salt, the Argon2id
// costs and a keyed digest of the key so a passphrase can be checked before
// any data is encrypted with it.
package keys

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
	"github.com/calvinalkan/bkupman/internal/ledger"
)

var (
	// ErrWrongPassphrase is returned when a passphrase does not derive the
	// key recorded by the policy's key check.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrEmptyPassphrase is returned when an encrypting policy is set or
	// unlocked without a passphrase.
	ErrEmptyPassphrase = errors.New("empty passphrase")

	// ErrNoKeyCheck is returned by [Check] for policies without a stored
	// key check.
	ErrNoKeyCheck = errors.New("policy has no key check")
)

// SetOptions configures [Set].
type SetOptions struct {
	Kind       ledger.CryptKind
	Passphrase []byte

	// Params defaults to [cryptutil.DefaultParams].
	Params *cryptutil.Params
}

// Set replaces the ledger's crypt policy and returns it with the key
// attached.
//
// Versions already encrypted keep their recorded crypt type; the new policy
// only applies to later crypt runs.
func Set(store *ledger.Store, opts SetOptions) (ledger.CryptType, error) {
	policy, err := newPolicy(opts)
	if err != nil {
		return ledger.CryptType{}, err
	}

	err = store.WithLocked(func(l *ledger.Ledger) (bool, error) {
		l.CryptPolicy = policy.Policy()

		return true, nil
	})
	if err != nil {
		return ledger.CryptType{}, err
	}

	return policy, nil
}

func newPolicy(opts SetOptions) (ledger.CryptType, error) {
	switch opts.Kind {
	case ledger.KindPlainText:
		return ledger.PlainText(), nil
	case ledger.KindAESArgon2:
	default:
		_, err := ledger.ParseCryptKind(string(opts.Kind))

		return ledger.CryptType{}, err
	}

	if len(opts.Passphrase) == 0 {
		return ledger.CryptType{}, ErrEmptyPassphrase
	}

	params := cryptutil.DefaultParams()
	if opts.Params != nil {
		params = *opts.Params
	}

	salt, err := cryptutil.GenerateSalt()
	if err != nil {
		return ledger.CryptType{}, err
	}

	key, err := cryptutil.DeriveKey(opts.Passphrase, salt, params)
	if err != nil {
		return ledger.CryptType{}, fmt.Errorf("deriving key: %w", err)
	}

	return ledger.AESArgon2(salt, params, cryptutil.KeyCheck(key)).WithKey(key), nil
}

// Unlock derives the key of policy from passphrase. A plaintext policy is
// returned unchanged.
//
// If the policy has a key check, a passphrase deriving a different key fails
// with [ErrWrongPassphrase]. Without a key check any passphrase is accepted.
func Unlock(policy ledger.CryptType, passphrase []byte) (ledger.CryptType, error) {
	if policy.IsPlainText() {
		return policy, nil
	}

	if policy.Kind != ledger.KindAESArgon2 {
		return ledger.CryptType{}, fmt.Errorf("%w %q", ledger.ErrUnknownCryptKind, policy.Kind)
	}

	if len(passphrase) == 0 {
		return ledger.CryptType{}, ErrEmptyPassphrase
	}

	key, err := cryptutil.DeriveKey(passphrase, policy.Salt, policy.Params)
	if err != nil {
		return ledger.CryptType{}, fmt.Errorf("deriving key: %w", err)
	}

	if len(policy.KeyCheck) > 0 && subtle.ConstantTimeCompare(policy.KeyCheck, cryptutil.KeyCheck(key)) != 1 {
		return ledger.CryptType{}, ErrWrongPassphrase
	}

	return policy.WithKey(key), nil
}

// Check reports whether passphrase matches policy.
func Check(policy ledger.CryptType, passphrase []byte) (bool, error) {
	if policy.IsPlainText() || len(policy.KeyCheck) == 0 {
		return false, ErrNoKeyCheck
	}

	_, err := Unlock(policy, passphrase)
	if errors.Is(err, ErrWrongPassphrase) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
