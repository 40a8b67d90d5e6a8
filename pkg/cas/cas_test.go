package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetIdentity(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	data := []byte("hello realm")
	digest, err := store.Put(data)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), digest)

	got, err := store.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetMissing(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPinSurvivesGC(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	pinned, err := store.Put([]byte("keep me, this blob is pinned and large enough to matter"))
	require.NoError(t, err)
	require.NoError(t, store.Pin(pinned, true))

	unpinned, err := store.Put([]byte("evict me"))
	require.NoError(t, err)

	evicted, err := store.GC(0)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	assert.True(t, store.Has(pinned))
	assert.False(t, store.Has(unpinned))
}

func TestListReflectsEntries(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	d1, _ := store.Put([]byte("a"))
	d2, _ := store.Put([]byte("b"))

	entries := store.List()
	digests := map[string]bool{}
	for _, e := range entries {
		digests[e.Digest] = true
	}
	assert.True(t, digests[d1])
	assert.True(t, digests[d2])
}

func TestReconcileReindexesOrphanAndPurgesPhantom(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	digest, err := store.Put([]byte("phantom soon"))
	require.NoError(t, err)

	// Remove the blob file but leave it indexed, simulating corruption.
	require.NoError(t, os.Remove(store.blobPath(digest)))

	// Drop an orphan blob directly on disk, bypassing the index.
	orphanData := []byte("orphan")
	orphanSum := sha256.Sum256(orphanData)
	orphanDigest := hex.EncodeToString(orphanSum[:])
	orphanPath := filepath.Join(dir, "artifacts", "blobs", orphanDigest[:2], orphanDigest[2:4], orphanDigest)
	require.NoError(t, os.MkdirAll(filepath.Dir(orphanPath), 0755))
	require.NoError(t, os.WriteFile(orphanPath, orphanData, 0644))

	reopened, err := Open(dir)
	require.NoError(t, err)

	assert.False(t, reopened.Has(digest), "phantom entry should be purged")
	assert.True(t, reopened.Has(orphanDigest), "orphan blob should be re-indexed")
}

func TestAcceptChunkedReassemblesAndVerifies(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	full := []byte("this is a twelve-chunk-ish payload split across multiple sends")
	mid := len(full) / 2
	part1, part2 := full[:mid], full[mid:]
	sum := sha256.Sum256(full)
	digest := hex.EncodeToString(sum[:])

	ch := make(chan Chunk, 2)
	ch <- Chunk{Digest: digest, Index: 0, Total: 2, Bytes: part1}
	ch <- Chunk{Digest: digest, Index: 1, Total: 2, Bytes: part2}
	close(ch)

	got, err := store.AcceptChunked(digest, ch, 2)
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	fetched, err := store.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, full, fetched)
}

func TestAcceptChunkedRejectsDigestMismatch(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	ch := make(chan Chunk, 1)
	ch <- Chunk{Digest: "wrongdigest", Index: 0, Total: 1, Bytes: []byte("x")}
	close(ch)

	_, err = store.AcceptChunked("wrongdigest", ch, 1)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestAcceptChunkedDiscardsPartialStream(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	digest := "irrelevant"
	ch := make(chan Chunk, 1)
	ch <- Chunk{Digest: digest, Index: 0, Total: 2, Bytes: []byte("only half")}
	close(ch)

	_, err = store.AcceptChunked(digest, ch, 2)
	assert.Error(t, err)
	assert.False(t, store.Has(digest))
}
