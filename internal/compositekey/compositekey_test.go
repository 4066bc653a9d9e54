package compositekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []CompositeKey{
		New("SENDER", "", "", "TARGET"),
		New("SENDER", "SUB1", "", "TARGET"),
		New("SENDER", "", "LOC1", "TARGET"),
		New("SENDER", "SUB1", "LOC1", "TARGET"),
	}

	for _, k := range cases {
		buf := make([]byte, 256)
		n, err := Encode(k, buf)
		require.NoError(t, err)

		decoded, consumed, err := Decode(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, n, consumed)
		assert.True(t, Equal(k, decoded))
	}
}

func TestEncodeInsufficientSpaceLeavesBufferUntouched(t *testing.T) {
	k := New("SENDERCOMP", "SUB", "LOC", "TARGETCOMP")
	buf := make([]byte, 4)
	original := append([]byte(nil), buf...)

	n, err := Encode(k, buf)

	require.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Equal(t, 0, n)
	assert.Equal(t, original, buf)
}

func TestDecodeMalformedTruncated(t *testing.T) {
	k := New("SENDER", "", "", "TARGET")
	buf := make([]byte, 64)
	n, err := Encode(k, buf)
	require.NoError(t, err)

	_, _, err = Decode(buf[:n-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHashIsStableAndSensitiveToKey(t *testing.T) {
	a := New("SENDER", "", "", "TARGET")
	b := New("SENDER", "", "", "TARGET")
	c := New("SENDER", "SUB", "", "TARGET")

	hashA, err := Hash(a)
	require.NoError(t, err)
	hashB, err := Hash(b)
	require.NoError(t, err)
	hashC, err := Hash(c)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.NotEqual(t, hashA, hashC)
}

func TestStringRendersOptionalFields(t *testing.T) {
	k := New("SENDER", "SUB", "LOC", "TARGET")
	assert.Equal(t, "SENDER/SUB@LOC->TARGET", k.String())

	bare := New("SENDER", "", "", "TARGET")
	assert.Equal(t, "SENDER->TARGET", bare.String())
}
