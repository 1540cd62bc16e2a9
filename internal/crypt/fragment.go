package crypt

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
)

// HeaderSize is the fixed fragment header length:
//
//	[salt 16][m_cost u32 LE][t_cost u32 LE][p_cost u32 LE][nonce 12]
const HeaderSize = cryptutil.SaltSize + 3*4 + cryptutil.NonceSize

// Header is the self-describing prefix of every fragment. It carries what is
// needed to re-derive the key from a passphrase and to open the ciphertext.
type Header struct {
	Salt   cryptutil.Salt
	Params cryptutil.Params
	Nonce  cryptutil.Nonce
}

// AppendHeader appends the encoded header to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = append(dst, h.Salt[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, h.Params.MCost)
	dst = binary.LittleEndian.AppendUint32(dst, h.Params.TCost)
	dst = binary.LittleEndian.AppendUint32(dst, h.Params.PCost)

	return append(dst, h.Nonce[:]...)
}

// ReadHeader decodes the header of a fragment and returns the ciphertext
// that follows it.
func ReadHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize+cryptutil.TagSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFragment, len(data), HeaderSize+cryptutil.TagSize)
	}

	var h Header

	off := copy(h.Salt[:], data)

	h.Params.MCost = binary.LittleEndian.Uint32(data[off:])
	h.Params.TCost = binary.LittleEndian.Uint32(data[off+4:])
	h.Params.PCost = binary.LittleEndian.Uint32(data[off+8:])
	off += 12

	copy(h.Nonce[:], data[off:])

	return h, data[HeaderSize:], nil
}

// SealFragment encrypts one chunk under key and returns the complete
// fragment body.
func SealFragment(key cryptutil.Key, salt cryptutil.Salt, params cryptutil.Params, chunk []byte) ([]byte, error) {
	nonce, ciphertext, err := cryptutil.Seal(key, chunk)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderSize+len(ciphertext))
	out = AppendHeader(out, Header{Salt: salt, Params: params, Nonce: nonce})

	return append(out, ciphertext...), nil
}

// OpenFragment authenticates and decrypts a fragment body.
// Tampering anywhere after the header yields [cryptutil.ErrAuthentication].
func OpenFragment(key cryptutil.Key, data []byte) ([]byte, Header, error) {
	h, ciphertext, err := ReadHeader(data)
	if err != nil {
		return nil, Header{}, err
	}

	plaintext, err := cryptutil.Open(key, h.Nonce, ciphertext)
	if err != nil {
		return nil, h, err
	}

	return plaintext, h, nil
}

// FragmentName is the file name of fragment seq of storedName.
func FragmentName(storedName string, seq int) string {
	return fmt.Sprintf("%s.%06d", storedName, seq)
}
