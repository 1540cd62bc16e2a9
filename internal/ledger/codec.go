package ledger

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/calvinalkan/bkupman/internal/cryptutil"
)

// On-disk shapes. Kept separate from the model so the key can never be
// encoded by accident and the byte layout stays stable.
type (
	ledgerFile struct {
		SchemaVersion int                      `toml:"schema_version"`
		UpdatedAt     time.Time                `toml:"updated_at"`
		CryptPolicy   CryptTypeFile            `toml:"crypt_policy"`
		Repository    map[string][]versionFile `toml:"repository"`
	}

	versionFile struct {
		StoredName          string          `toml:"stored_name"`
		ChecksumSidecarName string          `toml:"checksum_sidecar_name"`
		Encryption          *encryptionFile `toml:"encryption,omitempty"`
	}

	encryptionFile struct {
		CryptType          CryptTypeFile `toml:"crypt_type"`
		TotalPlaintextSize uint64        `toml:"total_plaintext_size"`
		FragmentSize       uint64        `toml:"fragment_size"`
	}

	// CryptTypeFile is the persisted form of a [CryptType].
	CryptTypeFile struct {
		Kind     string `toml:"kind"`
		Salt     string `toml:"salt,omitempty"`
		MCost    uint32 `toml:"m_cost,omitempty"`
		TCost    uint32 `toml:"t_cost,omitempty"`
		PCost    uint32 `toml:"p_cost,omitempty"`
		KeyCheck string `toml:"key_check,omitempty"`
	}
)

// Encode serializes l. Identical ledgers encode to identical bytes.
func Encode(l *Ledger) ([]byte, error) {
	file := ledgerFile{
		SchemaVersion: l.SchemaVersion,
		UpdatedAt:     l.UpdatedAt.UTC(),
		CryptPolicy:   encodeCryptType(l.CryptPolicy.Policy()),
		Repository:    make(map[string][]versionFile, len(l.Repository)),
	}

	for tag, versions := range l.Repository {
		out := make([]versionFile, 0, len(versions))

		for _, v := range versions {
			vf := versionFile{StoredName: v.StoredName, ChecksumSidecarName: v.ChecksumSidecarName}

			if v.Encryption != nil {
				vf.Encryption = &encryptionFile{
					CryptType:          encodeCryptType(v.Encryption.CryptType.Metadata()),
					TotalPlaintextSize: v.Encryption.TotalPlaintextSize,
					FragmentSize:       v.Encryption.FragmentSize,
				}
			}

			out = append(out, vf)
		}

		file.Repository[tag] = out
	}

	var buf bytes.Buffer

	// The encoder sorts map keys, which is what makes the output stable.
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return nil, fmt.Errorf("encoding ledger: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses data and checks the schema version and invariants.
func Decode(data []byte) (*Ledger, error) {
	var file ledgerFile

	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	if file.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %d (supported: %d)", ErrUnsupportedSchema, file.SchemaVersion, SchemaVersion)
	}

	policy, err := decodeCryptType(file.CryptPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: crypt_policy: %w", ErrCorrupt, err)
	}

	l := &Ledger{
		SchemaVersion: file.SchemaVersion,
		UpdatedAt:     file.UpdatedAt,
		CryptPolicy:   policy,
		Repository:    make(map[string][]FileVersion, len(file.Repository)),
	}

	for tag, versions := range file.Repository {
		out := make([]FileVersion, 0, len(versions))

		for _, vf := range versions {
			v := FileVersion{StoredName: vf.StoredName, ChecksumSidecarName: vf.ChecksumSidecarName}

			if vf.Encryption != nil {
				ct, err := decodeCryptType(vf.Encryption.CryptType)
				if err != nil {
					return nil, fmt.Errorf("%w: %s/%s: %w", ErrCorrupt, tag, vf.StoredName, err)
				}

				v.Encryption = &EncryptionRecord{
					CryptType:          ct.Metadata(),
					TotalPlaintextSize: vf.Encryption.TotalPlaintextSize,
					FragmentSize:       vf.Encryption.FragmentSize,
				}
			}

			out = append(out, v)
		}

		l.Repository[tag] = out
	}

	if err := l.validate(); err != nil {
		return nil, err
	}

	return l, nil
}

// EncodeCryptType returns the persisted shape of ct's metadata, for files
// that embed a crypt type next to encrypted data.
func EncodeCryptType(ct CryptType) CryptTypeFile {
	return encodeCryptType(ct.Metadata())
}

// DecodeCryptType parses a persisted crypt type.
func DecodeCryptType(f CryptTypeFile) (CryptType, error) {
	return decodeCryptType(f)
}

func encodeCryptType(ct CryptType) CryptTypeFile {
	if ct.IsPlainText() {
		return CryptTypeFile{Kind: string(KindPlainText)}
	}

	f := CryptTypeFile{
		Kind:  string(ct.Kind),
		Salt:  hex.EncodeToString(ct.Salt[:]),
		MCost: ct.Params.MCost,
		TCost: ct.Params.TCost,
		PCost: ct.Params.PCost,
	}

	if len(ct.KeyCheck) > 0 {
		f.KeyCheck = hex.EncodeToString(ct.KeyCheck)
	}

	return f
}

func decodeCryptType(f CryptTypeFile) (CryptType, error) {
	kind, err := ParseCryptKind(f.Kind)
	if err != nil {
		return CryptType{}, err
	}

	if kind == KindPlainText {
		return PlainText(), nil
	}

	saltBytes, err := hex.DecodeString(f.Salt)
	if err != nil {
		return CryptType{}, fmt.Errorf("salt: %w", err)
	}

	if len(saltBytes) != cryptutil.SaltSize {
		return CryptType{}, fmt.Errorf("salt: want %d bytes, got %d", cryptutil.SaltSize, len(saltBytes))
	}

	params := cryptutil.Params{MCost: f.MCost, TCost: f.TCost, PCost: f.PCost}
	if err := params.Validate(); err != nil {
		return CryptType{}, err
	}

	var keyCheck []byte

	if f.KeyCheck != "" {
		keyCheck, err = hex.DecodeString(f.KeyCheck)
		if err != nil {
			return CryptType{}, fmt.Errorf("key_check: %w", err)
		}

		if len(keyCheck) == 0 {
			return CryptType{}, errors.New("key_check: empty")
		}
	}

	var salt cryptutil.Salt

	copy(salt[:], saltBytes)

	return AESArgon2(salt, params, keyCheck), nil
}
