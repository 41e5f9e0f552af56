package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 255, 256, 65535, 1 << 24, 1<<40 + 7, 1<<62 - 1} {
		assert.Equal(t, v, decodeInt(encodeInt(v)), "value %d", v)
	}
}

func TestEncodeIntMinimumWidth(t *testing.T) {
	assert.Nil(t, encodeInt(0))
	assert.Equal(t, []byte{0x01}, encodeInt(1))
	assert.Equal(t, []byte{0x01, 0x00}, encodeInt(256))
	assert.Equal(t, []byte{0xff}, encodeInt(255))
}
