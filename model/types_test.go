package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMediaType(t *testing.T) {
	for _, mt := range MediaTypes() {
		got, err := ParseMediaType(mt.String())
		require.NoError(t, err)
		assert.Equal(t, mt, got)
	}

	got, err := ParseMediaType(" Movie ")
	require.NoError(t, err)
	assert.Equal(t, MediaMovie, got)

	_, err = ParseMediaType("unknown")
	assert.Error(t, err)
	_, err = ParseMediaType("podcast")
	assert.Error(t, err)
	assert.False(t, MediaUnknown.Valid())
}

func TestContentHashShardAndParse(t *testing.T) {
	var h ContentHash
	h[0], h[1] = 0xab, 0xcd
	assert.Equal(t, "ab/cd", h.Shard())

	parsed, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseContentHash("abcd")
	assert.Error(t, err)
	_, err = ParseContentHash(string(make([]byte, 64)))
	assert.Error(t, err)
}

func TestMediaTypeText(t *testing.T) {
	var mt MediaType
	require.NoError(t, mt.UnmarshalText([]byte("tv")))
	assert.Equal(t, MediaTV, mt)
	b, err := mt.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "tv", string(b))
}
