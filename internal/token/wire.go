package token

import (
	"encoding/base64"
)

// b64 is URL-safe base64 without padding; the whole wire format uses it.
var b64 = base64.RawURLEncoding

// encodeInt renders v as minimum-width big-endian bytes. Zero encodes as a
// zero-length slice.
func encodeInt(v int64) []byte {
	if v == 0 {
		return nil
	}
	u := uint64(v)
	n := 0
	for tmp := u; tmp > 0; tmp >>= 8 {
		n++
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

// decodeInt reads minimum-width big-endian bytes. A zero-length slice is 0.
func decodeInt(b []byte) int64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v)
}
