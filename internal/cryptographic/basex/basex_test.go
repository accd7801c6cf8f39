package basex

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadAlphabets(t *testing.T) {
	_, err := New("0123456789abcdeff", "dup")
	assert.Error(t, err)

	_, err = New("a", "short")
	assert.Error(t, err)

	long := make([]byte, 255)
	for i := range long {
		long[i] = byte(i)
	}
	_, err = New(string(long), "long")
	assert.Error(t, err)

	_, err = New("01\xc3", "nonascii")
	assert.Error(t, err)
}

func TestBase58KnownVectors(t *testing.T) {
	cases := []struct {
		in  []byte
		out string
	}{
		{[]byte{}, ""},
		{[]byte{0}, "1"},
		{[]byte{0, 0, 0}, "111"},
		{[]byte("hello world"), "StV1DL6CwTryKyV"},
		{[]byte{0, 0, 0x28, 0x7f, 0xb4, 0xcd}, "11233QC4"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.out, Base58BTC.Encode(tc.in))
		dec, err := Base58BTC.Decode(tc.out)
		require.NoError(t, err)
		assert.Equal(t, tc.in, dec)
	}
}

func TestBase58RoundTripZeroPrefixed(t *testing.T) {
	for n := 0; n <= 64; n++ {
		for zeros := 0; zeros <= n; zeros++ {
			buf := make([]byte, n)
			_, err := rand.Read(buf[zeros:])
			require.NoError(t, err)

			enc := Base58BTC.Encode(buf)
			dec, err := Base58BTC.Decode(enc)
			require.NoError(t, err)
			require.Equal(t, buf, dec, "len %d zeros %d", n, zeros)
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Base58BTC.Decode("0OIl")
	assert.ErrorIs(t, err, ErrInvalidCharacter)

	_, err = Base58BTC.Decode(" abc")
	assert.ErrorIs(t, err, ErrInvalidCharacter)
}
