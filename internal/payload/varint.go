// Package payload inspects binary WebSocket payloads: protobuf-style varints
// and best-effort detection of common binary framings. Nothing here affects
// how messages are proxied; results only annotate relay events.
package payload

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const maxVarintLen = 10

var (
	ErrTruncated = errors.New("payload: truncated varint")
	ErrOverflow  = errors.New("payload: varint overflows 64 bits")
)

// ReadVarint decodes the base-128 varint at the start of b and returns the
// value and the number of bytes consumed.
func ReadVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		return v, n, nil
	}
	if len(b) < maxVarintLen && allContinuation(b) {
		return 0, 0, ErrTruncated
	}
	return 0, 0, fmt.Errorf("%w: %v", ErrOverflow, protowire.ParseError(n))
}

func allContinuation(b []byte) bool {
	for _, c := range b {
		if c&0x80 == 0 {
			return false
		}
	}
	return true
}

// AppendVarint appends v in varint encoding.
func AppendVarint(b []byte, v uint64) []byte {
	return protowire.AppendVarint(b, v)
}

// SizeVarint is the encoded length of v.
func SizeVarint(v uint64) int {
	return protowire.SizeVarint(v)
}
