// Package hexutil decodes the hex and decimal quantities that EL and CL
// upstreams return over JSON-RPC and the Beacon REST API.
package hexutil

import (
	"errors"
	"strconv"
	"strings"
)

// ErrEmptyHex is returned for "" and "0x", neither of which encodes a number.
var ErrEmptyHex = errors.New("hexutil: empty hex string")

// ErrSyntax is returned when the input after stripping "0x" is not valid hex.
var ErrSyntax = errors.New("hexutil: invalid hex syntax")

// DecodeUint64 decodes a "0x"-prefixed (or bare) hex string, as returned by
// eth_blockNumber's "result" field, into a uint64. It accepts an optional
// "0x" prefix and rejects "", "0x" alone, and any non-hex character.
func DecodeUint64(input string) (uint64, error) {
	raw := strings.TrimPrefix(input, "0x")
	raw = strings.TrimPrefix(raw, "0X")
	if raw == "" {
		return 0, ErrEmptyHex
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, ErrSyntax
	}
	return v, nil
}

// EncodeUint64 encodes i as a "0x"-prefixed lowercase hex string.
func EncodeUint64(i uint64) string {
	return "0x" + strconv.FormatUint(i, 16)
}

// DecodeDecimalUint64 parses a plain decimal string, as the Beacon API
// encodes slot numbers in data.header.message.slot, into a uint64.
func DecodeDecimalUint64(input string) (uint64, error) {
	if input == "" {
		return 0, ErrEmptyHex
	}
	v, err := strconv.ParseUint(input, 10, 64)
	if err != nil {
		return 0, ErrSyntax
	}
	return v, nil
}

// SaturatingSub returns a-b, saturating at 0 instead of wrapping/going
// negative, the subtraction rule spec.md's "lag" definition requires.
func SaturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
