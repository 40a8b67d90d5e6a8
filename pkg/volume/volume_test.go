package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x3haloed/realm/pkg/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := NewManager(t.TempDir(), store)
	require.NoError(t, err)
	return m
}

func TestEnsureVolumeCreatesDirectoryOnce(t *testing.T) {
	m := newTestManager(t)

	vol, err := m.EnsureVolume("data", "")
	require.NoError(t, err)
	assert.DirExists(t, vol.Path)

	again, err := m.EnsureVolume("data", "")
	require.NoError(t, err)
	assert.Equal(t, vol.CreatedAt, again.CreatedAt)
}

func TestEnsureVolumeSeedsOnceFromSource(t *testing.T) {
	m := newTestManager(t)

	seedDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "seed.txt"), []byte("hello"), 0644))

	vol, err := m.EnsureVolume("data", seedDir)
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(vol.Path, "seed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	// Writing new seed content and re-ensuring must NOT reseed.
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "seed.txt"), []byte("changed"), 0644))
	_, err = m.EnsureVolume("data", seedDir)
	require.NoError(t, err)
	content, err = os.ReadFile(filepath.Join(vol.Path, "seed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestClearRemovesDirectoryAndRecord(t *testing.T) {
	m := newTestManager(t)

	vol, err := m.EnsureVolume("data", "")
	require.NoError(t, err)

	require.NoError(t, m.Clear("data"))
	assert.NoDirExists(t, vol.Path)

	vols, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, vols)
}

func TestListReturnsAllVolumes(t *testing.T) {
	m := newTestManager(t)

	_, err := m.EnsureVolume("a", "")
	require.NoError(t, err)
	_, err = m.EnsureVolume("b", "")
	require.NoError(t, err)

	vols, err := m.List()
	require.NoError(t, err)
	assert.Len(t, vols, 2)
}
