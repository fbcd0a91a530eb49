package victionary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParamsDeterministic(t *testing.T) {
	a, err := EncodeParams(int64(8))
	require.NoError(t, err)
	b, err := EncodeParams(int64(8))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := EncodeParams(int64(16))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	empty, err := EncodeParams()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestDecodeParamsRoundTrip(t *testing.T) {
	blob, err := EncodeParams(int64(8), "euclidean")
	require.NoError(t, err)
	got, err := DecodeParams(blob)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 8, got[0])
	assert.Equal(t, "euclidean", got[1])

	none, err := DecodeParams(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}
