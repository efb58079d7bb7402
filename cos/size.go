package cos

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ShardSizeUnlimited is the sentinel shard_size_limit value meaning "no
// limit"; it must be preserved exactly and never substituted with an
// engine-native MAX, whose comparison semantics may differ.
const ShardSizeUnlimited int64 = (1 << 63) - 1

var (
	ErrQuantityUsage = errors.New("invalid size, expected a plain byte count or a suffix of K/M/G/T, e.g. '500M'")
	ErrQuantityBytes = errors.New("size (in bytes) must be non-negative")
)

var sizeSuffixes = map[byte]int64{
	'k': 1 << 10, 'K': 1 << 10,
	'm': 1 << 20, 'M': 1 << 20,
	'g': 1 << 30, 'G': 1 << 30,
	't': 1 << 40, 'T': 1 << 40,
}

// ParseSize parses strings like "500M", "1G", "1000000" into a byte count.
// The literal "unlimited" (case-insensitive) maps to ShardSizeUnlimited.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.WithStack(ErrQuantityUsage)
	}
	if strings.EqualFold(s, "unlimited") {
		return ShardSizeUnlimited, nil
	}
	last := s[len(s)-1]
	if mult, ok := sizeSuffixes[last]; ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-1]), 64)
		if err != nil {
			return 0, errors.Wrapf(ErrQuantityUsage, "%q", s)
		}
		if n < 0 {
			return 0, errors.WithStack(ErrQuantityBytes)
		}
		return int64(n * float64(mult)), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrQuantityUsage, "%q", s)
	}
	if n < 0 {
		return 0, errors.WithStack(ErrQuantityBytes)
	}
	return n, nil
}

// FormatSize renders n the way ParseSize accepts it back, preferring the
// largest suffix that divides evenly.
func FormatSize(n int64) string {
	if n == ShardSizeUnlimited {
		return "unlimited"
	}
	switch {
	case n != 0 && n%(1<<40) == 0:
		return strconv.FormatInt(n/(1<<40), 10) + "T"
	case n != 0 && n%(1<<30) == 0:
		return strconv.FormatInt(n/(1<<30), 10) + "G"
	case n != 0 && n%(1<<20) == 0:
		return strconv.FormatInt(n/(1<<20), 10) + "M"
	case n != 0 && n%(1<<10) == 0:
		return strconv.FormatInt(n/(1<<10), 10) + "K"
	default:
		return strconv.FormatInt(n, 10)
	}
}
