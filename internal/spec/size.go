package spec

import (
	"math"
	"strconv"
	"strings"

	"github.com/cochaviz/imgbuild/internal/imgerr"
)

// SectorSize is the addressable unit of every image this tool builds.
const SectorSize int64 = 512

// FitToken is the partition size directive that consumes the remaining space.
const FitToken = "fit"

// unitShifts maps a size unit letter to the left shift that turns a count of
// that unit into a count of 512-byte sectors.
var unitShifts = map[byte]uint{
	'K': 1,
	'M': 11,
	'G': 21,
	'T': 31,
}

// Units returns the supported size unit letters.
func Units() []byte {
	return []byte{'K', 'M', 'G', 'T'}
}

// ParseSize converts a token such as "64M" into a sector count.
func ParseSize(token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, imgerr.Errorf(imgerr.ErrInvalidSizeValue, "empty size")
	}

	unit := token[len(token)-1]
	shift, ok := unitShifts[unit]
	if !ok {
		return 0, imgerr.Errorf(imgerr.ErrInvalidSizeUnit, "invalid size unit %q in %q", string(unit), token)
	}

	digits := token[:len(token)-1]
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, imgerr.Errorf(imgerr.ErrInvalidSizeValue, "invalid size value %q in %q", digits, token)
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, imgerr.Errorf(imgerr.ErrInvalidSizeValue, "invalid size value %q in %q", digits, token)
	}
	if value > math.MaxInt64>>shift {
		return 0, imgerr.Errorf(imgerr.ErrInvalidSizeValue, "size %q overflows", token)
	}
	return value << shift, nil
}
