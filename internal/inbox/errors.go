package inbox

import "errors"

// Per-file ingestion errors. They are reported in [Summary.Failures] and
// never abort the run.
var (
	ErrNotRegularFile  = errors.New("not a regular file")
	ErrMissingSidecar  = errors.New("checksum sidecar missing")
	ErrInvalidChecksum = errors.New("checksum sidecar malformed")
	ErrIntegrity       = errors.New("checksum mismatch")
	ErrAlreadyArchived = errors.New("already archived")
)
