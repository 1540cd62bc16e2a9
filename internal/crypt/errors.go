package crypt

import "errors"

var (
	// ErrFragmentSize is returned when the fragment size is below
	// [MinFragmentSize].
	ErrFragmentSize = errors.New("fragment size too small")

	// ErrFragmentTooLarge is returned when the fragment size is above
	// [MaxFragmentSize].
	ErrFragmentTooLarge = errors.New("fragment size too large")

	// ErrMissingKey fails a unit when the policy encrypts but no key was
	// unlocked for the run.
	ErrMissingKey = errors.New("encryption key not available")

	// ErrWrongKey is returned when the supplied key does not match the
	// policy's key check.
	ErrWrongKey = errors.New("key does not match crypt policy")

	// ErrUnitsFailed is returned by [Run] after committing partial
	// successes when at least one tag failed.
	ErrUnitsFailed = errors.New("some tags failed")

	// ErrMalformedFragment is returned for fragment data too short to hold
	// a header and tag.
	ErrMalformedFragment = errors.New("malformed fragment")

	// ErrVerifyFailed is returned by [Verify] when at least one tag failed.
	ErrVerifyFailed = errors.New("verification failed")

	// ErrMetadataMismatch marks crypt output that disagrees with its
	// metadata or the ledger.
	ErrMetadataMismatch = errors.New("crypt output does not match metadata")
)
