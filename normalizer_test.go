package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	var n Normalizer

	out, err := n.Normalize("caf\u00e9")
	require.NoError(t, err)
	assert.Equal(t, "cafe\u0301", out)

	out, err = n.Normalize("plain ascii")
	require.NoError(t, err)
	assert.Equal(t, "plain ascii", out)

	// Already decomposed input is unchanged
	out, err = n.Normalize("cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, "cafe\u0301", out)
}

func TestNormalizeInvalidUTF8(t *testing.T) {
	var n Normalizer

	_, err := n.Normalize("bad \xff\xfe bytes")
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}
