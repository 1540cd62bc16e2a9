// Package cryptutil holds the cryptographic primitives of the archive:
// Argon2id key derivation, AES-256-GCM sealing and the passphrase verifier.
//
// Nothing here touches the filesystem. Callers own key lifetimes and should
// [Zero] key material once a run is over.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
)

// Sizes of the fixed-width values used by the fragment format.
const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
	SaltSize  = 16
)

// Argon2id defaults: 19 MiB memory, 2 passes, 1 lane.
const (
	DefaultMCost uint32 = 19 * 1024
	DefaultTCost uint32 = 2
	DefaultPCost uint32 = 1
)

var (
	// ErrAuthentication is returned by [Open] when the ciphertext, tag or
	// nonce was altered, or the key is wrong.
	ErrAuthentication = errors.New("authentication failed")

	// ErrInvalidParams is returned when Argon2id parameters are out of range.
	ErrInvalidParams = errors.New("invalid key derivation parameters")
)

type (
	// Key is a 256-bit AES key.
	Key [KeySize]byte

	// Nonce is a 96-bit GCM nonce.
	Nonce [NonceSize]byte

	// Salt is the Argon2id salt persisted alongside the cost parameters.
	Salt [SaltSize]byte
)

// Params are the Argon2id cost parameters. MCost is in KiB.
type Params struct {
	MCost uint32
	TCost uint32
	PCost uint32
}

// DefaultParams returns the default Argon2id parameters.
func DefaultParams() Params {
	return Params{MCost: DefaultMCost, TCost: DefaultTCost, PCost: DefaultPCost}
}

// Validate checks the ranges Argon2id accepts.
func (p Params) Validate() error {
	switch {
	case p.TCost < 1:
		return fmt.Errorf("%w: t_cost must be >= 1, got %d", ErrInvalidParams, p.TCost)
	case p.PCost < 1 || p.PCost > 255:
		return fmt.Errorf("%w: p_cost must be in 1..255, got %d", ErrInvalidParams, p.PCost)
	case uint64(p.MCost) < 8*uint64(p.PCost):
		return fmt.Errorf("%w: m_cost must be >= 8*p_cost (%d), got %d", ErrInvalidParams, 8*p.PCost, p.MCost)
	}

	return nil
}

// DeriveKey derives a 256-bit key from passphrase with Argon2id.
// Identical inputs always yield the identical key.
func DeriveKey(passphrase []byte, salt Salt, params Params) (Key, error) {
	if err := params.Validate(); err != nil {
		return Key{}, err
	}

	derived := argon2.IDKey(passphrase, salt[:], params.TCost, params.MCost, uint8(params.PCost), KeySize)
	defer Zero(derived)

	var key Key

	copy(key[:], derived)

	return key, nil
}

// GenerateSalt draws a fresh salt from crypto/rand.
func GenerateSalt() (Salt, error) {
	var salt Salt
	if _, err := rand.Read(salt[:]); err != nil {
		return Salt{}, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// GenerateKey draws random key material from crypto/rand.
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("generating key: %w", err)
	}

	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
// The returned ciphertext carries the 16-byte tag at its end.
//
// Every call draws its own nonce, so concurrent callers sharing a key never
// reuse one.
func Seal(key Key, plaintext []byte) (Nonce, []byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Nonce{}, nil, err
	}

	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open authenticates and decrypts ciphertext produced by [Seal].
// Any mismatch yields [ErrAuthentication], never partial plaintext.
func Open(key Key, nonce Nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	return aead, nil
}

var keyCheckDomain = []byte("bkupman key check v1")

// KeyCheck returns a BLAKE3 keyed digest of a fixed domain string under key.
//
// The digest is persisted in place of the key. Re-deriving the key from a
// passphrase and comparing digests tells whether the passphrase is right
// without the key ever reaching disk.
func KeyCheck(key Key) []byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic("cryptutil: blake3 keyed hash: " + err.Error())
	}

	_, _ = hasher.Write(keyCheckDomain)

	return hasher.Sum(nil)
}

// Digest returns the unkeyed BLAKE3-256 digest of data.
func Digest(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	clear(b)
}
