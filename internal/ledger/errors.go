package ledger

import "errors"

// Ledger errors.
var (
	// ErrNotInitialized is returned when the base directory has no ledger.
	ErrNotInitialized = errors.New("ledger not initialized (run `bkupman init`)")

	// ErrAlreadyInitialized is returned by [Store.Create] when a ledger exists.
	ErrAlreadyInitialized = errors.New("ledger already exists")

	// ErrUnsupportedSchema is returned for a schema_version this build does not read.
	ErrUnsupportedSchema = errors.New("unsupported ledger schema version")

	// ErrLockContention is returned when another process holds the ledger lock.
	ErrLockContention = errors.New("ledger is locked by another process")

	// ErrCorrupt is returned when the ledger decodes but breaks an invariant.
	ErrCorrupt = errors.New("ledger corrupt")

	// ErrDuplicateVersion is returned when inserting a stored name already
	// present under the tag.
	ErrDuplicateVersion = errors.New("version already recorded")

	// ErrUnknownVersion is returned when a tag or stored name is not recorded.
	ErrUnknownVersion = errors.New("version not recorded")

	// ErrAlreadyEncrypted is returned when attaching a second encryption
	// record to a version.
	ErrAlreadyEncrypted = errors.New("version already encrypted")

	// ErrUnknownCryptKind is returned by [ParseCryptKind].
	ErrUnknownCryptKind = errors.New("unknown crypt type")
)
