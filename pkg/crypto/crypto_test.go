package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestSealAndOpen(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal("ya29.refresh-token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "refresh-token")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ya29.refresh-token", plain)
}

func TestSealIsIdempotentOnSealedValues(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal("secret")
	require.NoError(t, err)
	again, err := s.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, again)

	empty, err := s.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOpenPassesThroughPlaintext(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	plain, err := s.Open("legacy-token")
	require.NoError(t, err)
	assert.Equal(t, "legacy-token", plain)
}

func TestOpenRejectsTamperedValue(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	_, err = s.Open(sealedPrefix + "AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	other, err := NewSealer(hex.EncodeToString([]byte("fedcba9876543210fedcba9876543210")))
	require.NoError(t, err)
	sealed, err := other.Seal("secret")
	require.NoError(t, err)
	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer("deadbeef")
	assert.Error(t, err)
}
