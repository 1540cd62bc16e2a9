// Package ledger is the persisted model of the archive: tags, their version
// history and the active crypt policy, plus the locked load/mutate/commit
// protocol guarding it.
//
// A [Ledger] value is owned by one command at a time. Mutating commands get
// it through [Store.WithLocked], which holds an exclusive flock for the whole
// callback and writes the result back atomically only when the callback
// reports a change.
package ledger

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// SchemaVersion is the ledger schema this build reads and writes.
const SchemaVersion = 1

// Ledger is the root persisted object.
type Ledger struct {
	SchemaVersion int
	UpdatedAt     time.Time
	CryptPolicy   CryptType

	// Repository maps tag to versions ordered by StoredName descending.
	// Use the methods below rather than mutating it directly.
	Repository map[string][]FileVersion
}

// FileVersion is one archived payload under a tag.
type FileVersion struct {
	StoredName          string
	ChecksumSidecarName string
	Encryption          *EncryptionRecord
}

// IsEncrypted reports whether v has an encryption record.
func (v FileVersion) IsEncrypted() bool {
	return v.Encryption != nil
}

// EncryptionRecord describes how a version was fragmented and encrypted.
type EncryptionRecord struct {
	CryptType          CryptType
	TotalPlaintextSize uint64
	FragmentSize       uint64
}

// FragmentCount is ceil(TotalPlaintextSize / FragmentSize). An empty payload
// has no fragments.
func (r EncryptionRecord) FragmentCount() uint64 {
	if r.FragmentSize == 0 {
		return 0
	}

	return (r.TotalPlaintextSize + r.FragmentSize - 1) / r.FragmentSize
}

// New returns an empty ledger with the plaintext policy.
func New(now time.Time) *Ledger {
	return &Ledger{
		SchemaVersion: SchemaVersion,
		UpdatedAt:     now.UTC(),
		CryptPolicy:   PlainText(),
		Repository:    make(map[string][]FileVersion),
	}
}

// Touch records a committed mutation at now.
func (l *Ledger) Touch(now time.Time) {
	l.UpdatedAt = now.UTC()
}

// Tags returns all tags in sorted order.
func (l *Ledger) Tags() []string {
	tags := make([]string, 0, len(l.Repository))
	for tag := range l.Repository {
		tags = append(tags, tag)
	}

	sort.Strings(tags)

	return tags
}

// Versions returns a copy of the versions under tag, newest first.
func (l *Ledger) Versions(tag string) []FileVersion {
	return slices.Clone(l.Repository[tag])
}

// Latest returns the newest version under tag.
func (l *Ledger) Latest(tag string) (FileVersion, bool) {
	versions := l.Repository[tag]
	if len(versions) == 0 {
		return FileVersion{}, false
	}

	return versions[0], true
}

// Has reports whether storedName is recorded under tag.
func (l *Ledger) Has(tag, storedName string) bool {
	_, found := l.find(tag, storedName)

	return found
}

// Insert adds v under tag keeping descending StoredName order.
// Returns [ErrDuplicateVersion] if the stored name is already recorded.
func (l *Ledger) Insert(tag string, v FileVersion) error {
	if l.Repository == nil {
		l.Repository = make(map[string][]FileVersion)
	}

	i, found := l.find(tag, v.StoredName)
	if found {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateVersion, tag, v.StoredName)
	}

	l.Repository[tag] = slices.Insert(l.Repository[tag], i, v)

	return nil
}

// SetEncryption attaches rec to the version storedName under tag.
// Encryption is monotonic: a version that already has a record is rejected
// with [ErrAlreadyEncrypted].
func (l *Ledger) SetEncryption(tag, storedName string, rec EncryptionRecord) error {
	i, found := l.find(tag, storedName)
	if !found {
		return fmt.Errorf("%w: %s/%s", ErrUnknownVersion, tag, storedName)
	}

	v := &l.Repository[tag][i]
	if v.Encryption != nil {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyEncrypted, tag, storedName)
	}

	rec.CryptType = rec.CryptType.Metadata()
	v.Encryption = &rec

	return nil
}

// find returns the index of storedName under tag, or the index it would be
// inserted at to keep descending order.
func (l *Ledger) find(tag, storedName string) (int, bool) {
	return slices.BinarySearchFunc(l.Repository[tag], storedName, func(v FileVersion, name string) int {
		// Reversed compare: newest (greatest) name first.
		return strings.Compare(name, v.StoredName)
	})
}

// validate checks invariants that decoding alone cannot enforce and restores
// descending order for ledgers written by hand.
func (l *Ledger) validate() error {
	if l.Repository == nil {
		l.Repository = make(map[string][]FileVersion)
	}

	for tag, versions := range l.Repository {
		if tag == "" {
			return fmt.Errorf("%w: empty tag", ErrCorrupt)
		}

		slices.SortFunc(versions, func(a, b FileVersion) int {
			return strings.Compare(b.StoredName, a.StoredName)
		})

		for i, v := range versions {
			if v.StoredName == "" {
				return fmt.Errorf("%w: %s: empty stored_name", ErrCorrupt, tag)
			}

			if i > 0 && versions[i-1].StoredName == v.StoredName {
				return fmt.Errorf("%w: %s: duplicate stored_name %s", ErrCorrupt, tag, v.StoredName)
			}

			if v.Encryption != nil && v.Encryption.FragmentSize == 0 {
				return fmt.Errorf("%w: %s/%s: fragment_size must be > 0", ErrCorrupt, tag, v.StoredName)
			}
		}
	}

	return nil
}
