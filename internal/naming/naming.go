// Package naming derives archive tags from payload filenames.
//
// A payload name has the shape
//
//	<prefix><8..14 digits>.<ext>
//
// where prefix has no dots and ext may contain dots. The tag is the prefix
// with trailing '-' and '_' removed, so "name-20240101.tar.gz" and
// "name_20240101120000.bin" both land under tag "name".
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// SidecarExt is the extension of checksum sidecar files.
const SidecarExt = "md5sum"

// Bounds on the timestamp digit run.
const (
	MinTimestampDigits = 8
	MaxTimestampDigits = 14
)

var (
	// ErrInvalidFilename is returned when a name does not have the payload shape.
	ErrInvalidFilename = errors.New("invalid file name")

	// ErrSidecarName is returned for names carrying the sidecar extension.
	// Sidecars are never payloads.
	ErrSidecarName = errors.New("checksum sidecar is not a payload")
)

// Parts is a classified payload filename.
type Parts struct {
	Tag       string
	Timestamp string
	Ext       string
}

// The first group is greedy but must end in a non-digit, so the digit run is
// the maximal one directly before the first dot.
var payloadPattern = regexp.MustCompile(`^([^.]*[^.0-9])([0-9]+)\.(.*)$`)

// Classify splits name into tag, timestamp and extension.
func Classify(name string) (Parts, error) {
	if IsSidecar(name) {
		return Parts{}, fmt.Errorf("%w: %s", ErrSidecarName, name)
	}

	if strings.ContainsRune(name, '/') {
		return Parts{}, fmt.Errorf("%w: %s: contains a path separator", ErrInvalidFilename, name)
	}

	m := payloadPattern.FindStringSubmatch(name)
	if m == nil {
		return Parts{}, fmt.Errorf("%w: %s", ErrInvalidFilename, name)
	}

	prefix, digits, ext := m[1], m[2], m[3]

	if n := len(digits); n < MinTimestampDigits || n > MaxTimestampDigits {
		return Parts{}, fmt.Errorf("%w: %s: timestamp has %d digits, want %d..%d",
			ErrInvalidFilename, name, n, MinTimestampDigits, MaxTimestampDigits)
	}

	if ext == "" {
		return Parts{}, fmt.Errorf("%w: %s: empty extension", ErrInvalidFilename, name)
	}

	tag := strings.TrimRight(prefix, "-_")
	if !hasTagRune(tag) {
		return Parts{}, fmt.Errorf("%w: %s: empty tag", ErrInvalidFilename, name)
	}

	return Parts{Tag: tag, Timestamp: digits, Ext: ext}, nil
}

// hasTagRune reports whether tag has a rune other than digits and separators.
func hasTagRune(tag string) bool {
	return strings.ContainsFunc(tag, func(r rune) bool {
		return (r < '0' || r > '9') && r != '-' && r != '_'
	})
}

// IsSidecar reports whether name is a checksum sidecar.
func IsSidecar(name string) bool {
	return name == SidecarExt || strings.HasSuffix(name, "."+SidecarExt)
}

// StoredName is the archived filename for p: "{tag}_{timestamp}.{ext}".
func StoredName(p Parts) string {
	return p.Tag + "_" + p.Timestamp + "." + p.Ext
}

// SidecarName is the sidecar filename for a payload.
func SidecarName(payload string) string {
	return payload + "." + SidecarExt
}
