package reconciler

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/config"
	"github.com/x3haloed/realm/pkg/pkgfmt"
	"github.com/x3haloed/realm/pkg/protocol"
	"github.com/x3haloed/realm/pkg/runtime"
	"github.com/x3haloed/realm/pkg/status"
	"github.com/x3haloed/realm/pkg/storage"
	"github.com/x3haloed/realm/pkg/types"
	"github.com/x3haloed/realm/pkg/volume"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()

	dataDir := t.TempDir()

	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := cas.Open(dataDir)
	require.NoError(t, err)

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cfg.Close() })

	volumes, err := volume.NewManager(dataDir, store)
	require.NoError(t, err)

	dispatcher := runtime.NewDispatcher(nil, blobs, cfg)
	board := status.NewBoard("node-a", "linux/amd64", nil, nil)

	return New(Config{
		LocalNodeID: "node-a",
		DataDir:     dataDir,
		Store:       store,
		Blobs:       blobs,
		Volumes:     volumes,
		Packages:    pkgfmt.NewExtractor(dataDir),
		Dispatcher:  dispatcher,
		Board:       board,
	})
}

func TestOnApplyIgnoresStaleVersion(t *testing.T) {
	r := newTestReconciler(t)

	require.NoError(t, r.OnApply(protocol.Apply{Version: 5, Manifest: types.Manifest{Components: []types.ComponentSpec{{Name: "web"}}}}))
	require.NoError(t, r.OnApply(protocol.Apply{Version: 3, Manifest: types.Manifest{Components: []types.ComponentSpec{{Name: "stale"}}}}))

	desired := r.effectiveDesiredSet()
	_, hasWeb := desired["web"]
	_, hasStale := desired["stale"]
	assert.True(t, hasWeb)
	assert.False(t, hasStale)
}

func TestDeployOverridesManifestForSameComponent(t *testing.T) {
	r := newTestReconciler(t)

	require.NoError(t, r.OnApply(protocol.Apply{Version: 1, Manifest: types.Manifest{
		Components: []types.ComponentSpec{{Name: "web", Replicas: 1, ArtifactDigest: "manifest-digest"}},
	}}))
	require.NoError(t, r.OnDeploy(protocol.Deploy{Component: types.ComponentSpec{Name: "web", Replicas: 2, ArtifactDigest: "adhoc-digest"}}))

	desired := r.effectiveDesiredSet()
	require.Contains(t, desired, "web")
	assert.Equal(t, "adhoc-digest", desired["web"].ArtifactDigest)
	assert.Equal(t, 2, desired["web"].Replicas)
}

func TestReconcileComponentDefersWhenDigestMissing(t *testing.T) {
	r := newTestReconciler(t)

	spec := types.ComponentSpec{Name: "web", Replicas: 1, ArtifactDigest: "does-not-exist"}
	r.reconcileComponent("web", spec, true)

	r.mu.Lock()
	running := len(r.running["web"])
	r.mu.Unlock()
	assert.Equal(t, 0, running)

	snap := r.cfg.Board.Snapshot()
	require.Len(t, snap.Components, 1)
	assert.Equal(t, 0, snap.Components[0].ReplicasRunning)
	assert.Equal(t, 1, snap.Components[0].ReplicasDesired)
}

func TestReconcileComponentStopsReplicasWhenUndesired(t *testing.T) {
	r := newTestReconciler(t)

	done := make(chan struct{})
	close(done)
	_, cancel := context.WithCancel(context.Background())
	rep := &replica{id: "r1", digest: "d1", cancel: cancel, done: done}

	r.mu.Lock()
	r.running["web"] = []*replica{rep}
	r.mu.Unlock()
	r.cfg.Board.UpdateComponent("web", status.ComponentView{ReplicasRunning: 1})

	r.reconcileComponent("web", types.ComponentSpec{}, false)

	r.mu.Lock()
	_, stillRunning := r.running["web"]
	r.mu.Unlock()
	assert.False(t, stillRunning)

	snap := r.cfg.Board.Snapshot()
	assert.Empty(t, snap.Components)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	r := newTestReconciler(t)

	first := r.nextBackoff("web")
	assert.Equal(t, backoffInitial*2, first.NextBackoff)

	for i := 0; i < 10; i++ {
		r.nextBackoff("web")
	}
	final := r.nextBackoff("web")
	assert.LessOrEqual(t, final.NextBackoff, backoffCeiling)
	assert.Equal(t, backoffCeiling, final.NextBackoff)
}

func TestResolvePackageExtractsZipForStaticMount(t *testing.T) {
	r := newTestReconciler(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mw, err := zw.Create(pkgfmt.ManifestFileName)
	require.NoError(t, err)
	_, err = mw.Write([]byte("component:\n  artifactdigest: sha256:inner-wasm\n"))
	require.NoError(t, err)
	fw, err := zw.Create("static/index.html")
	require.NoError(t, err)
	_, err = fw.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	digest, err := r.cfg.Blobs.Put(buf.Bytes())
	require.NoError(t, err)

	spec := types.ComponentSpec{
		Name:           "web",
		ArtifactDigest: digest,
		Mounts:         []types.Mount{{Kind: types.MountStatic, Guest: "static"}},
	}

	wasmDigest, root := r.resolvePackage("web", spec)
	assert.Equal(t, "sha256:inner-wasm", wasmDigest)
	assert.NotEmpty(t, root)

	data, err := os.ReadFile(filepath.Join(root, "static", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestResolvePackageSkipsExtractionWithoutStaticOrConfigMounts(t *testing.T) {
	r := newTestReconciler(t)

	spec := types.ComponentSpec{Name: "web", ArtifactDigest: "sha256:plain-wasm"}
	wasmDigest, root := r.resolvePackage("web", spec)
	assert.Equal(t, "sha256:plain-wasm", wasmDigest)
	assert.Empty(t, root)
}

func TestSeedPathForReturnsEmptyWithoutPackageRoot(t *testing.T) {
	assert.Empty(t, seedPathFor("", "data"))
}

func TestSeedPathForReturnsEmptyWhenPackageHasNoSeedDir(t *testing.T) {
	assert.Empty(t, seedPathFor(t.TempDir(), "data"))
}

func TestSeedPathForResolvesSeedDirectoryByConvention(t *testing.T) {
	root := t.TempDir()
	seedDir := filepath.Join(root, "seed", "data")
	require.NoError(t, os.MkdirAll(seedDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "seed.txt"), []byte("seed"), 0644))

	assert.Equal(t, seedDir, seedPathFor(root, "data"))
}

func TestResolvePackageThenSeedPathForFindsPackageSeedDirectory(t *testing.T) {
	r := newTestReconciler(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mw, err := zw.Create(pkgfmt.ManifestFileName)
	require.NoError(t, err)
	_, err = mw.Write([]byte("component:\n  artifactdigest: sha256:inner-wasm\n"))
	require.NoError(t, err)
	sw, err := zw.Create("seed/db/init.sql")
	require.NoError(t, err)
	_, err = sw.Write([]byte("seed data"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	digest, err := r.cfg.Blobs.Put(buf.Bytes())
	require.NoError(t, err)

	spec := types.ComponentSpec{
		Name:           "web",
		ArtifactDigest: digest,
		Mounts: []types.Mount{
			{Kind: types.MountConfig, Guest: "config"},
			{Kind: types.MountState, Guest: "/data", Volume: "db"},
		},
	}

	_, root := r.resolvePackage("web", spec)
	require.NotEmpty(t, root)

	seedPath := seedPathFor(root, "db")
	require.NotEmpty(t, seedPath)
	data, err := os.ReadFile(filepath.Join(seedPath, "init.sql"))
	require.NoError(t, err)
	assert.Equal(t, "seed data", string(data))
}

func TestStopReplicaReturnsPromptlyWhenAlreadyDone(t *testing.T) {
	r := newTestReconciler(t)

	done := make(chan struct{})
	close(done)
	_, cancel := context.WithCancel(context.Background())

	start := time.Now()
	r.stopReplica("web", &replica{id: "r1", cancel: cancel, done: done})
	assert.Less(t, time.Since(start), stopGrace)
}
