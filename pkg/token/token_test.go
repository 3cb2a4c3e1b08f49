package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecret(t *testing.T) {
	s1, err := NewSecret()
	require.NoError(t, err)
	s2, err := NewSecret()
	require.NoError(t, err)

	assert.Len(t, s1, 64, "32 random bytes hex encoded")
	assert.NotEqual(t, s1, s2)
}

func TestVerify(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)
	hash := Hash(secret)

	assert.True(t, Verify(secret, hash))
	assert.False(t, Verify(secret+"x", hash))
	assert.False(t, Verify("", hash))
}

func TestFingerprint(t *testing.T) {
	secret, err := NewSecret()
	require.NoError(t, err)

	fp := Fingerprint(secret)
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint(secret), "stable per secret")

	// The fingerprint must not be a prefix of the stored hash, or a
	// leaked fingerprint would narrow a hash search
	assert.NotEqual(t, Hash(secret)[:16], fp)
}
