package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x3haloed/realm/pkg/security"
)

func testBox(t *testing.T) *security.KeyBox {
	t.Helper()
	box, err := security.NewKeyBoxFromPassphrase("test-passphrase")
	require.NoError(t, err)
	return box
}

func TestLoadOrCreateNodeGeneratesOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	box := testBox(t)

	kp, err := LoadOrCreateNode(dir, box)
	require.NoError(t, err)
	assert.FileExists(t, PathsUnder(dir).NodeKey)
	assert.FileExists(t, PathsUnder(dir).NodePeer)

	reloaded, err := LoadOrCreateNode(dir, box)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, reloaded.Public)
}

func TestLoadOrCreateNodeFailsWithWrongBox(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreateNode(dir, testBox(t))
	require.NoError(t, err)

	wrongBox, err := security.NewKeyBoxFromPassphrase("different-passphrase")
	require.NoError(t, err)

	_, err = LoadOrCreateNode(dir, wrongBox)
	assert.Error(t, err)
}

func TestOwnerPubRoundtrip(t *testing.T) {
	dir := t.TempDir()

	pub, err := LoadOwnerPub(dir)
	require.NoError(t, err)
	assert.Nil(t, pub)

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, PersistOwnerPub(dir, kp.Public))

	loaded, err := LoadOwnerPub(dir)
	require.NoError(t, err)
	assert.True(t, kp.Public.Equal(loaded))
	assert.FileExists(t, filepath.Join(dir, "identity", "owner.pub"))
}

func TestNodePeerFileMatchesPublicHex(t *testing.T) {
	dir := t.TempDir()
	box := testBox(t)

	kp, err := LoadOrCreateNode(dir, box)
	require.NoError(t, err)

	data, err := os.ReadFile(PathsUnder(dir).NodePeer)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicHex(), string(data))
}
