package crypt

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/calvinalkan/bkupman/internal/fs"
	"github.com/calvinalkan/bkupman/internal/ledger"
)

// MetadataFileName is the per-tag description written after all fragments.
const MetadataFileName = "crypt.toml"

// Metadata describes the fragments of one encrypted version.
type Metadata struct {
	StoredName         string
	CryptType          ledger.CryptType
	TotalPlaintextSize uint64
	FragmentSize       uint64
	Fragments          []FragmentInfo
}

// FragmentInfo is one fragment file. Digest is the BLAKE3-256 of the whole
// file, header included.
type FragmentInfo struct {
	Name   string
	Size   uint64
	Digest [32]byte
}

type metadataFile struct {
	StoredName         string               `toml:"stored_name"`
	TotalPlaintextSize uint64               `toml:"total_plaintext_size"`
	FragmentSize       uint64               `toml:"fragment_size"`
	CryptType          ledger.CryptTypeFile `toml:"crypt_type"`
	Fragments          []fragmentFile       `toml:"fragments"`
}

type fragmentFile struct {
	Name   string `toml:"name"`
	Size   uint64 `toml:"size"`
	BLAKE3 string `toml:"blake3"`
}

// WriteMetadata writes m to dir/crypt.toml atomically.
func WriteMetadata(fsys fs.FS, dir string, m Metadata) error {
	file := metadataFile{
		StoredName:         m.StoredName,
		TotalPlaintextSize: m.TotalPlaintextSize,
		FragmentSize:       m.FragmentSize,
		CryptType:          ledger.EncodeCryptType(m.CryptType),
		Fragments:          make([]fragmentFile, 0, len(m.Fragments)),
	}

	for _, f := range m.Fragments {
		file.Fragments = append(file.Fragments, fragmentFile{Name: f.Name, Size: f.Size, BLAKE3: hex.EncodeToString(f.Digest[:])})
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	path := filepath.Join(dir, MetadataFileName)

	if err := fsys.WriteFileAtomic(path, &buf, filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// ReadMetadata reads dir/crypt.toml.
func ReadMetadata(fsys fs.FS, dir string) (Metadata, error) {
	path := filepath.Join(dir, MetadataFileName)

	data, err := fsys.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var file metadataFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return Metadata{}, fmt.Errorf("decoding %s: %w", path, err)
	}

	ct, err := ledger.DecodeCryptType(file.CryptType)
	if err != nil {
		return Metadata{}, fmt.Errorf("decoding %s: crypt_type: %w", path, err)
	}

	m := Metadata{
		StoredName:         file.StoredName,
		CryptType:          ct,
		TotalPlaintextSize: file.TotalPlaintextSize,
		FragmentSize:       file.FragmentSize,
		Fragments:          make([]FragmentInfo, 0, len(file.Fragments)),
	}

	for _, f := range file.Fragments {
		raw, err := hex.DecodeString(f.BLAKE3)
		if err != nil || len(raw) != 32 {
			return Metadata{}, fmt.Errorf("decoding %s: %s: bad blake3 digest", path, f.Name)
		}

		info := FragmentInfo{Name: f.Name, Size: f.Size}
		copy(info.Digest[:], raw)

		m.Fragments = append(m.Fragments, info)
	}

	return m, nil
}
