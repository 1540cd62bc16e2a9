package config

import (
	"fmt"
	"math/bits"
	"strconv"
)

// ParseSize parses a byte count with an optional k, m, g or t suffix (either
// case, powers of 1024). "64m" is 64 MiB; "4096" is 4096 bytes.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}

	var unit uint64 = 1

	switch s[len(s)-1] {
	case 'k', 'K':
		unit = 1 << 10
	case 'm', 'M':
		unit = 1 << 20
	case 'g', 'G':
		unit = 1 << 30
	case 't', 'T':
		unit = 1 << 40
	}

	digits := s
	if unit != 1 {
		digits = s[:len(s)-1]
	}

	// Plain digits only: no sign, no underscores.
	for i := range len(digits) {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
		}
	}

	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	hi, lo := bits.Mul64(n, unit)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}

	return lo, nil
}

// FormatSize renders n with the largest exact binary suffix.
func FormatSize(n uint64) string {
	for _, u := range []struct {
		suffix string
		shift  uint
	}{{"t", 40}, {"g", 30}, {"m", 20}, {"k", 10}} {
		if n != 0 && n%(1<<u.shift) == 0 {
			return strconv.FormatUint(n>>u.shift, 10) + u.suffix
		}
	}

	return strconv.FormatUint(n, 10)
}
