// Package reconciler implements realm's Reconciliation Supervisor (spec
// section 4.5): converges this node's locally-running component replicas
// to the effective desired set computed from the owner's last-accepted
// manifest merged with any still-valid ad-hoc deploys. Grounded on
// teacher's pkg/reconciler/reconciler.go ticker-loop structure
// (metrics.NewTimer wrapping, zerolog component logger, a periodic tick
// driving a reconcile pass), generalized from node/container reconciliation
// to component/replica reconciliation. Its rolling-update batching (start N
// new, then stop N old) is grounded on teacher's pkg/deploy/deploy.go,
// inlined here since the spec has no concept of "deploy" distinct from
// reconciliation.
package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/log"
	"github.com/x3haloed/realm/pkg/metrics"
	"github.com/x3haloed/realm/pkg/pkgfmt"
	"github.com/x3haloed/realm/pkg/protocol"
	"github.com/x3haloed/realm/pkg/runtime"
	"github.com/x3haloed/realm/pkg/status"
	"github.com/x3haloed/realm/pkg/storage"
	"github.com/x3haloed/realm/pkg/types"
	"github.com/x3haloed/realm/pkg/volume"
)

const (
	tickInterval   = 10 * time.Second
	stopGrace      = 10 * time.Second
	backoffInitial = 2 * time.Second
	backoffCeiling = 2 * time.Minute
)

// Config collects the collaborators the reconciler needs from the rest of
// the node.
type Config struct {
	LocalNodeID string
	LocalRoles  []string
	DataDir     string
	Store       storage.Store
	Blobs       *cas.Store
	Volumes     *volume.Manager
	// Packages extracts Package zips (spec section 3) for components whose
	// mounts reference bundled static/config assets. Nil is permitted for
	// components that deploy a bare wasm blob with no static/config mounts.
	Packages   *pkgfmt.Extractor
	Dispatcher *runtime.Dispatcher
	Board      *status.Board
	// FetchBlob requests a missing artifact digest from peers; nil disables
	// remote fetch (single-node operation). Mirrors scheduler.Config.FetchBlob.
	FetchBlob func(digest string) error
}

// desiredEntry pairs a component's spec with the version of the command
// that produced it, so manifest-vs-ad-hoc-deploy precedence can be resolved
// per component name (spec section 4.5 step 1: "later (higher-version)
// entries win").
type desiredEntry struct {
	version uint64
	spec    types.ComponentSpec
}

// replica is the reconciler's bookkeeping for one locally-running component
// instance.
type replica struct {
	id      string
	digest  string
	workDir string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Reconciler is this node's single owning task for component convergence.
type Reconciler struct {
	cfg    Config
	logger zerolog.Logger

	mu              sync.Mutex
	manifestVersion uint64
	manifest        map[string]desiredEntry // from the last accepted Apply
	deploys         map[string]desiredEntry // ad-hoc, keyed by component name
	deploySeq       uint64

	running map[string][]*replica // component name -> live replicas

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a reconciler over cfg. Call Start to begin the periodic
// convergence loop.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
		manifest: make(map[string]desiredEntry),
		deploys:  make(map[string]desiredEntry),
		running:  make(map[string][]*replica),
		stopCh:   make(chan struct{}),
	}
	r.loadPersistedManifest()
	return r
}

const manifestFileName = "desired_manifest.toml"

// persistedManifest is desired_manifest.toml's on-disk shape (spec section
// 6: "last accepted merged desired state").
type persistedManifest struct {
	Version    uint64                `toml:"version"`
	Components []types.ComponentSpec `toml:"components"`
}

func (r *Reconciler) manifestPath() string {
	return filepath.Join(r.cfg.DataDir, manifestFileName)
}

// loadPersistedManifest restores the last accepted manifest from disk so a
// restart resumes convergence without waiting for a fresh Apply (spec
// section 4.5: "State is held in memory with a persisted-to-disk copy
// (desired_manifest) rewritten on every accepted change"). Absence or a
// corrupt file is non-fatal — the node simply starts with nothing desired
// until the next Apply arrives.
func (r *Reconciler) loadPersistedManifest() {
	if r.cfg.DataDir == "" {
		return
	}
	data, err := os.ReadFile(r.manifestPath())
	if err != nil {
		return
	}
	var pm persistedManifest
	if err := toml.Unmarshal(data, &pm); err != nil {
		r.logger.Warn().Err(err).Msg("reconciler: failed to parse persisted desired_manifest.toml, ignoring")
		return
	}
	entries := make(map[string]desiredEntry, len(pm.Components))
	for _, c := range pm.Components {
		entries[c.Name] = desiredEntry{version: pm.Version, spec: c}
	}
	r.manifestVersion = pm.Version
	r.manifest = entries
}

// persistManifestLocked rewrites desired_manifest.toml from the
// currently-accepted manifest. Callers must hold r.mu.
func (r *Reconciler) persistManifestLocked() {
	if r.cfg.DataDir == "" {
		return
	}
	pm := persistedManifest{Version: r.manifestVersion}
	for _, e := range r.manifest {
		pm.Components = append(pm.Components, e.spec)
	}
	sort.Slice(pm.Components, func(i, j int) bool { return pm.Components[i].Name < pm.Components[j].Name })

	data, err := toml.Marshal(pm)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconciler: failed to marshal desired_manifest.toml")
		return
	}
	tmp := r.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: failed to write desired_manifest.toml")
		return
	}
	if err := os.Rename(tmp, r.manifestPath()); err != nil {
		r.logger.Error().Err(err).Msg("reconciler: failed to persist desired_manifest.toml")
	}
}

// Start begins the reconciler's ticker loop in the background.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts the reconciler loop, waits for it to exit, and stops every
// running replica.
func (r *Reconciler) Stop() {
	close(r.stopCh)

	r.mu.Lock()
	reps := make(map[string][]*replica, len(r.running))
	for name, rs := range r.running {
		reps[name] = append([]*replica(nil), rs...)
	}
	r.mu.Unlock()

	for name, rs := range reps {
		for _, rep := range rs {
			r.stopReplica(name, rep)
		}
	}

	// Replica run loops only return once cancelled, so wait after stopping them.
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// OnApply records a newly accepted manifest and triggers an immediate
// convergence pass (spec section 4.5: "triggered on: new accepted
// command"). Stale (non-increasing) versions are ignored, consistent with
// the command protocol's monotonic-version policy (spec section 5).
func (r *Reconciler) OnApply(apply protocol.Apply) error {
	r.mu.Lock()
	if r.manifestVersion != 0 && apply.Version <= r.manifestVersion {
		r.mu.Unlock()
		return nil
	}
	r.manifestVersion = apply.Version

	entries := make(map[string]desiredEntry, len(apply.Manifest.Components))
	for _, c := range apply.Manifest.Components {
		entries[c.Name] = desiredEntry{version: apply.Version, spec: c}
	}
	r.manifest = entries
	r.persistManifestLocked()
	r.mu.Unlock()

	r.Reconcile()
	return nil
}

// OnDeploy records an ad-hoc, non-manifest deploy and triggers an immediate
// pass. Ad-hoc deploys are assigned a version above the manifest version in
// force when they are accepted, so they take effect immediately; a later
// Apply whose manifest carries a higher version for the same component name
// supersedes them (spec section 4.5 step 1).
func (r *Reconciler) OnDeploy(d protocol.Deploy) error {
	if d.ArtifactDigest != "" && len(d.InlineBytes) > 0 && !r.cfg.Blobs.Has(d.ArtifactDigest) {
		if _, err := r.cfg.Blobs.Put(d.InlineBytes); err != nil {
			return fmt.Errorf("reconciler: store inline deploy asset: %w", err)
		}
	}

	r.mu.Lock()
	r.deploySeq++
	r.deploys[d.Component.Name] = desiredEntry{version: r.manifestVersion + r.deploySeq, spec: d.Component}
	r.mu.Unlock()

	r.Reconcile()
	return nil
}

// Reconcile runs one convergence pass. Exported so replica exit and
// external triggers can force an immediate pass in addition to the
// periodic tick (spec section 4.5: "triggered on: new accepted command,
// replica exit, periodic tick").
func (r *Reconciler) Reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	desired := r.effectiveDesiredSet()

	r.mu.Lock()
	names := make(map[string]struct{}, len(desired)+len(r.running))
	for name := range desired {
		names[name] = struct{}{}
	}
	for name := range r.running {
		names[name] = struct{}{}
	}
	r.mu.Unlock()

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		spec, want := desired[name]
		r.reconcileComponent(name, spec, want)
	}
}

// effectiveDesiredSet computes the union of manifest entries and ad-hoc
// deploys, keyed by component name, with the higher-version entry winning
// per key (spec section 4.5 step 1).
func (r *Reconciler) effectiveDesiredSet() map[string]types.ComponentSpec {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make(map[string]desiredEntry, len(r.manifest)+len(r.deploys))
	for name, e := range r.manifest {
		merged[name] = e
	}
	for name, e := range r.deploys {
		if cur, ok := merged[name]; !ok || e.version >= cur.version {
			merged[name] = e
		}
	}

	out := make(map[string]types.ComponentSpec, len(merged))
	for name, e := range merged {
		out[name] = e.spec
	}
	return out
}

// reconcileComponent converges one component's running replicas toward its
// desired count, handling missing-digest blocking, scale up/down, and
// changed-spec rolling restart (spec section 4.5 steps 2-3).
func (r *Reconciler) reconcileComponent(name string, spec types.ComponentSpec, want bool) {
	desiredReplicas := 0
	if want && spec.Target.Matches(r.cfg.LocalNodeID, r.cfg.LocalRoles) {
		desiredReplicas = spec.Replicas
	}

	r.mu.Lock()
	current := append([]*replica(nil), r.running[name]...)
	r.mu.Unlock()

	if desiredReplicas == 0 {
		for _, rep := range current {
			r.stopReplica(name, rep)
		}
		if r.cfg.Board != nil {
			r.cfg.Board.RemoveComponent(name)
		}
		return
	}

	if !r.cfg.Blobs.Has(spec.ArtifactDigest) {
		if r.cfg.FetchBlob != nil {
			_ = r.cfg.FetchBlob(spec.ArtifactDigest)
		}
		r.logger.Warn().Str("component", name).Str("digest", spec.ArtifactDigest).Msg("reconciler: artifact unavailable, deferring start")
		r.updateComponentView(name, spec, len(current))
		return
	}

	changed := len(current) > 0 && current[0].digest != spec.ArtifactDigest

	switch {
	case changed:
		r.rollingRestart(name, spec, current, desiredReplicas)
	case len(current) < desiredReplicas:
		for i := 0; i < desiredReplicas-len(current); i++ {
			r.startReplica(name, spec)
		}
	case len(current) > desiredReplicas:
		toStop := current[desiredReplicas:]
		for _, rep := range toStop {
			r.stopReplica(name, rep)
		}
	}

	r.mu.Lock()
	running := len(r.running[name])
	r.mu.Unlock()
	r.updateComponentView(name, spec, running)
}

// rollingRestart implements spec section 4.5 step 3's changed-spec case:
// start N replicas on the new digest, then stop the N old ones, so in-
// flight requests always see a fully-available replica set.
func (r *Reconciler) rollingRestart(name string, spec types.ComponentSpec, old []*replica, desiredReplicas int) {
	r.logger.Info().Str("component", name).Int("replicas", desiredReplicas).Msg("reconciler: rolling restart for changed spec")

	for i := 0; i < desiredReplicas; i++ {
		r.startReplica(name, spec)
	}
	for _, rep := range old {
		r.stopReplica(name, rep)
	}
}

// startReplica allocates a work directory, ensures any state-mount volumes
// exist, and launches the replica's run loop (spec section 4.5 step 3).
func (r *Reconciler) startReplica(name string, spec types.ComponentSpec) {
	replicaID := uuid.New().String()
	workDir := filepath.Join(r.cfg.DataDir, "work", "components", name, replicaID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		r.logger.Error().Err(err).Str("component", name).Msg("reconciler: failed to allocate work directory")
		return
	}

	wasmDigest, pkgRoot := r.resolvePackage(name, spec)

	mounts := make([]types.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		switch {
		case m.Kind == types.MountState:
			if _, err := r.cfg.Volumes.EnsureVolume(m.Volume, seedPathFor(pkgRoot, m.Volume)); err != nil {
				r.logger.Error().Err(err).Str("component", name).Str("volume", m.Volume).Msg("reconciler: failed to ensure volume")
				return
			}
			m.Host = r.cfg.Volumes.Path(m.Volume)
		case m.Kind == types.MountWork:
			m.Host = workDir
		case (m.Kind == types.MountStatic || m.Kind == types.MountConfig) && m.Host == "" && pkgRoot != "":
			m.Host = filepath.Join(pkgRoot, filepath.Clean(m.Guest))
		}
		mounts = append(mounts, m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rep := &replica{id: replicaID, digest: spec.ArtifactDigest, workDir: workDir, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.running[name] = append(r.running[name], rep)
	r.mu.Unlock()

	_ = r.cfg.Store.PutReplicaState(&types.ReplicaState{
		ReplicaID:     replicaID,
		ComponentName: name,
		WorkDir:       workDir,
		StartedAt:     time.Now(),
	})

	req := runtime.Request{
		JobID:      replicaID,
		Runtime:    types.RuntimeWASM,
		Executable: wasmDigest,
		Env:        spec.Env,
		WorkDir:    workDir,
		Mounts:     mounts,
		Resources:  types.ResourceRequest{MemoryMB: spec.MemoryMaxMB},
		Fuel:       spec.Fuel,
		EpochMS:    spec.EpochMS,
		Ports:      spec.Ports,
		Visibility: spec.Visibility,
	}

	r.wg.Add(1)
	go r.runReplica(ctx, rep, name, req)
}

// seedPathFor locates a state mount's optional one-time seed source inside
// the component's extracted package (spec section 3: Persistent Volume's
// "optional one-time seed source (a path inside a static package)"; spec
// section 4.5: "if any state mount refers to a volume not yet present,
// create and optionally seed it"). types.Mount carries no explicit
// seed-source field, so the path is derived by convention from the package
// root rather than threading a new wire field through ComponentSpec: a
// package may ship seed data for volume "v" at seed/v under its root. Returns
// "" (no seeding) when the component has no extracted package, or the
// package carries no seed directory for this volume.
func seedPathFor(pkgRoot, volume string) string {
	if pkgRoot == "" {
		return ""
	}
	candidate := filepath.Join(pkgRoot, "seed", volume)
	if info, err := os.Stat(candidate); err != nil || !info.IsDir() {
		return ""
	}
	return candidate
}

// resolvePackage extracts spec.ArtifactDigest as a Package zip when the
// component declares any static/config mount (spec section 3: a Package
// bundles "component binary, static assets, config, optional seed data"
// behind one digest). Components with no static/config mounts deploy a bare
// wasm blob and skip extraction entirely. Returns the digest to actually
// dispatch (the package manifest's own component may name a different wasm
// binary than the package's own zip digest) and the extracted tree's root,
// empty if no extraction occurred.
func (r *Reconciler) resolvePackage(name string, spec types.ComponentSpec) (wasmDigest, pkgRoot string) {
	wasmDigest = spec.ArtifactDigest

	needsPackage := false
	for _, m := range spec.Mounts {
		if m.Kind == types.MountStatic || m.Kind == types.MountConfig {
			needsPackage = true
			break
		}
	}
	if !needsPackage {
		return wasmDigest, ""
	}
	if r.cfg.Packages == nil {
		r.logger.Warn().Str("component", name).Msg("reconciler: component has static/config mounts but no package extractor configured")
		return wasmDigest, ""
	}

	zipBytes, err := r.cfg.Blobs.Get(spec.ArtifactDigest)
	if err != nil {
		r.logger.Error().Err(err).Str("component", name).Msg("reconciler: failed to fetch package blob")
		return wasmDigest, ""
	}
	manifest, root, err := r.cfg.Packages.Extract(spec.ArtifactDigest, zipBytes)
	if err != nil {
		r.logger.Error().Err(err).Str("component", name).Msg("reconciler: failed to extract package")
		return wasmDigest, ""
	}
	if manifest.Component.ArtifactDigest != "" {
		wasmDigest = manifest.Component.ArtifactDigest
	}
	return wasmDigest, root
}

// runReplica blocks on the dispatcher for one replica's lifetime, then
// either returns quietly (the supervisor requested the stop) or restarts
// with exponential backoff (spec section 4.5 failure handling).
func (r *Reconciler) runReplica(ctx context.Context, rep *replica, name string, req runtime.Request) {
	defer r.wg.Done()

	sink := func(stream, line string) {
		if r.cfg.Board != nil {
			r.cfg.Board.AppendLog(name, types.LogLine{Timestamp: time.Now(), Stream: stream, Text: line})
		}
	}

	runErr := r.cfg.Dispatcher.Run(ctx, req, sink)
	close(rep.done)

	r.mu.Lock()
	r.removeReplicaLocked(name, rep.id)
	r.mu.Unlock()

	if ctx.Err() == context.Canceled {
		return // supervisor-initiated stop; no restart
	}

	state := r.nextBackoff(name)
	r.logger.Warn().Str("component", name).Str("replica_id", rep.id).Err(runErr).
		Int("restart_count", state.RestartCount).Dur("backoff", state.NextBackoff).
		Msg("reconciler: replica exited, restarting with backoff")

	select {
	case <-time.After(state.NextBackoff):
	case <-r.stopCh:
		return
	}
	r.Reconcile()
}

// nextBackoff advances and persists this component's crash-loop backoff
// state. Bookkeeping is kept per component name rather than per ephemeral
// replica ID, since each restart allocates a fresh replica ID and work
// directory (spec section 4.5 invariant: "no two replicas share the same
// work directory") — the crash-loop signal the spec cares about is "this
// component keeps failing," not any one instance's identity.
func (r *Reconciler) nextBackoff(name string) *types.ReplicaState {
	state, err := r.cfg.Store.GetReplicaState(name)
	if err != nil || state == nil {
		state = &types.ReplicaState{ReplicaID: name, ComponentName: name, NextBackoff: backoffInitial}
	}
	state.RestartCount++
	state.LastRestartAt = time.Now()
	next := state.NextBackoff * 2
	if next == 0 {
		next = backoffInitial
	}
	if next > backoffCeiling {
		next = backoffCeiling
	}
	state.NextBackoff = next
	_ = r.cfg.Store.PutReplicaState(state)
	return state
}

// stopReplica cancels a replica's context and waits up to stopGrace for its
// run loop to exit (spec section 4.5: "issue graceful stop; after a grace
// window, force-terminate").
func (r *Reconciler) stopReplica(name string, rep *replica) {
	rep.cancel()
	select {
	case <-rep.done:
	case <-time.After(stopGrace):
		r.logger.Warn().Str("component", name).Str("replica_id", rep.id).Msg("reconciler: replica did not exit within grace window")
	}

	r.mu.Lock()
	r.removeReplicaLocked(name, rep.id)
	r.mu.Unlock()
}

// removeReplicaLocked drops a replica from the running index; callers must
// hold r.mu.
func (r *Reconciler) removeReplicaLocked(name, replicaID string) {
	reps := r.running[name]
	for i, rep := range reps {
		if rep.id == replicaID {
			r.running[name] = append(reps[:i], reps[i+1:]...)
			break
		}
	}
	if len(r.running[name]) == 0 {
		delete(r.running, name)
	}
}

func (r *Reconciler) updateComponentView(name string, spec types.ComponentSpec, runningCount int) {
	if r.cfg.Board == nil {
		return
	}
	var restarts int
	if state, err := r.cfg.Store.GetReplicaState(name); err == nil && state != nil {
		restarts = state.RestartCount
	}
	r.cfg.Board.UpdateComponent(name, status.ComponentView{
		Desired:         spec,
		ReplicasRunning: runningCount,
		MemoryCurrentMB: spec.MemoryMaxMB * runningCount,
		RestartCount:    restarts,
	})
}
