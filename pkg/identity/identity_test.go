package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	root := NewTrustRoot()
	require.NoError(t, root.Trust(kp.Public))

	msg := []byte("canonical command bytes")
	sig := kp.Sign(msg)

	assert.NoError(t, root.Verify(kp.Public, msg, sig))
}

func TestTOFUFirstWriterWins(t *testing.T) {
	kp1, _ := GenerateKeyPair()
	kp2, _ := GenerateKeyPair()

	root := NewTrustRoot()
	require.NoError(t, root.Trust(kp1.Public))
	// Re-pinning the same key is idempotent.
	require.NoError(t, root.Trust(kp1.Public))

	// Pinning a different key fails loudly.
	err := root.Trust(kp2.Public)
	assert.ErrorIs(t, err, ErrTrustConflict)

	pinned, ok := root.Pinned()
	require.True(t, ok)
	assert.True(t, pinned.Equal(kp1.Public))
}

func TestVerifyRejectsWrongOwner(t *testing.T) {
	kp1, _ := GenerateKeyPair()
	kp2, _ := GenerateKeyPair()

	root := NewTrustRoot()
	require.NoError(t, root.Trust(kp1.Public))

	msg := []byte("payload")
	sig := kp2.Sign(msg)

	err := root.Verify(kp2.Public, msg, sig)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedBytes(t *testing.T) {
	kp, _ := GenerateKeyPair()
	root := NewTrustRoot()
	require.NoError(t, root.Trust(kp.Public))

	sig := kp.Sign([]byte("original"))
	err := root.Verify(kp.Public, []byte("tampered"), sig)
	assert.Error(t, err)
}

func TestVerifyWithoutPinnedOwner(t *testing.T) {
	kp, _ := GenerateKeyPair()
	root := NewTrustRoot()

	err := root.Verify(kp.Public, []byte("x"), kp.Sign([]byte("x")))
	assert.ErrorIs(t, err, ErrNotTrusted)
}
