// Gossip topic names, protocol.Handler wiring, and the callbacks that bridge
// the reconciler and scheduler out to the transport. Grounded on teacher's
// pkg/manager dispatch-by-op-kind switch (here, Router.dispatch already does
// the switch; Agent only supplies the nine leaf methods), generalized from
// one FSM apply path to nine independently-owned command kinds.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/codec"
	"github.com/x3haloed/realm/pkg/protocol"
	"github.com/x3haloed/realm/pkg/scheduler"
	"github.com/x3haloed/realm/pkg/types"
)

const (
	topicApply   = "realm/apply"
	topicDeploy  = "realm/deploy"
	topicUpgrade = "realm/upgrade"
	topicJobs    = "realm/jobs"
	topicStatus  = "realm/status"
	topicBlobs   = "realm/blobs"
)

// AgentVersion is this binary's own upgrade-record version (spec section 3
// Agent Upgrade Record invariant: "applied version > currently running
// version"). Bumped by the release process, never by runtime configuration.
const AgentVersion uint64 = 1

// subscribeLoop joins topic and feeds every inbound message through the
// protocol router until ctx is cancelled.
func (a *Agent) subscribeLoop(ctx context.Context, topic string) {
	msgs, err := a.transport.Subscribe(ctx, topic)
	if err != nil {
		a.logger.Error().Err(err).Str("topic", topic).Msg("agent: failed to subscribe")
		return
	}
	for msg := range msgs {
		if err := a.router.HandleInbound(string(msg.From), msg.Data); err != nil {
			a.logger.Warn().Err(err).Str("topic", topic).Msg("agent: router rejected inbound envelope")
		}
	}
}

// rebroadcast republishes an accepted envelope to every command topic it
// could plausibly have arrived on. The router guarantees dedup on the
// far side, so a harmless over-broadcast is preferable to threading the
// envelope's original topic through dispatch (spec section 4.3: "gossip
// mesh... rebroadcast once per node").
func (a *Agent) rebroadcast(wire []byte) error {
	tp, err := codec.DecodeTagged(wire)
	if err != nil {
		return err
	}
	topic, ok := topicForKind(tp.Kind)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.transport.Publish(ctx, topic, wire)
}

func topicForKind(kind codec.PayloadKind) (string, bool) {
	switch kind {
	case codec.KindApply:
		return topicApply, true
	case codec.KindDeploy:
		return topicDeploy, true
	case codec.KindUpgrade:
		return topicUpgrade, true
	case codec.KindJobSubmit, codec.KindJobCancel:
		return topicJobs, true
	case codec.KindStatusQuery, codec.KindStatusReply:
		return topicStatus, true
	case codec.KindBlobChunk:
		return topicBlobs, true
	case codec.KindPeerExchange:
		return "", false // peer exchange travels over its own libp2p stream protocol, not gossip
	default:
		return "", false
	}
}

// dialLearnedPeers is wired to transport.OnPeersLearned: every multiaddr
// gossiped by a peer-exchange partner gets a best-effort direct dial (spec
// section 4.4 discovery layer 4).
func (a *Agent) dialLearnedPeers(addrs []string) {
	for _, addr := range addrs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.transport.Dial(ctx, addr); err != nil {
			a.logger.Debug().Err(err).Str("addr", addr).Msg("agent: peer-exchange dial failed")
		}
		cancel()
	}
}

// fetchBlob asks peers for a missing CAS digest over the blob-chunk topic
// and blocks briefly for it to arrive via OnBlobChunk. Wired to both
// reconciler.Config.FetchBlob and scheduler.Config.FetchBlob.
func (a *Agent) fetchBlob(digest string) error {
	if a.blobs.Has(digest) {
		return nil
	}
	query := protocol.StatusQuery{QueryID: digest, Filter: "blob-request:" + digest}
	wire, err := protocol.Sign(a.keypair, codec.KindStatusQuery, query)
	if err != nil {
		return fmt.Errorf("agent: sign blob request: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.transport.Publish(ctx, topicBlobs, wire); err != nil {
		return fmt.Errorf("agent: publish blob request: %w", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			return fmt.Errorf("agent: blob %s not received from peers in time", digest)
		case <-time.After(200 * time.Millisecond):
			if a.blobs.Has(digest) {
				return nil
			}
		}
	}
}

// gossipJob publishes a job lifecycle change to the status topic (spec
// section 4.7: "job lifecycle changes... are broadcast on the status
// topic"), wired to scheduler.Config.Gossip.
func (a *Agent) gossipJob(record *types.JobRecord) {
	wire, err := protocol.Sign(a.keypair, codec.KindJobSubmit, protocol.JobSubmit{Job: record.Spec})
	if err != nil {
		a.logger.Warn().Err(err).Str("job_id", record.Spec.ID).Msg("agent: failed to sign job gossip")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.transport.Publish(ctx, topicStatus, wire); err != nil {
		a.logger.Warn().Err(err).Str("job_id", record.Spec.ID).Msg("agent: failed to gossip job")
	}
}

// --- protocol.Handler ---

func (a *Agent) OnDeploy(d protocol.Deploy) error {
	return a.recon.OnDeploy(d)
}

func (a *Agent) OnApply(ap protocol.Apply) error {
	return a.recon.OnApply(ap)
}

// OnUpgrade validates an upgrade record against this agent's own running
// version and platform (spec section 3 invariant 10: "an agent at
// running-version V refuses any upgrade with version ≤ V"; platform must
// match exactly), then stages and self-replaces the running process.
func (a *Agent) OnUpgrade(u protocol.Upgrade) error {
	rec := u.Record
	if rec.Version <= AgentVersion {
		a.logger.Info().Uint64("upgrade_version", rec.Version).Uint64("running_version", AgentVersion).
			Msg("agent: upgrade rejected, version regression")
		return fmt.Errorf("agent: upgrade version %d does not exceed running version %d", rec.Version, AgentVersion)
	}
	if rec.Platform != Platform {
		a.logger.Info().Str("upgrade_platform", rec.Platform).Str("running_platform", Platform).
			Msg("agent: upgrade rejected, platform mismatch")
		return fmt.Errorf("agent: upgrade platform %s does not match running platform %s", rec.Platform, Platform)
	}

	binary, err := a.blobs.Get(rec.BinaryDigest)
	if err != nil {
		if a.fetchBlob(rec.BinaryDigest) != nil {
			return fmt.Errorf("agent: upgrade binary %s unavailable: %w", rec.BinaryDigest, err)
		}
		binary, err = a.blobs.Get(rec.BinaryDigest)
		if err != nil {
			return fmt.Errorf("agent: upgrade binary %s still unavailable: %w", rec.BinaryDigest, err)
		}
	}

	stagedPath, err := stageExecutable(a.cfg.DataDir, rec.BinaryDigest, binary)
	if err != nil {
		return fmt.Errorf("agent: stage upgrade binary: %w", err)
	}

	a.logger.Info().Uint64("version", rec.Version).Str("path", stagedPath).
		Msg("agent: applying self-upgrade, replacing process image")

	// syscall.Exec replaces this process in place, preserving its PID and
	// file descriptors; no library in the retrieved pack addresses
	// process self-replacement, so this one call is stdlib (see DESIGN.md).
	return syscall.Exec(stagedPath, []string{stagedPath}, os.Environ())
}

func (a *Agent) OnJobSubmit(j protocol.JobSubmit) error {
	if len(j.InlineAssetBytes) > 0 {
		if _, err := a.blobs.Put(j.InlineAssetBytes); err != nil {
			return fmt.Errorf("agent: store inline job asset: %w", err)
		}
	}
	for _, digest := range j.AssetDigests {
		if a.blobs.Has(digest) {
			continue
		}
		if err := a.fetchBlob(digest); err != nil {
			a.logger.Warn().Err(err).Str("digest", digest).Str("job_id", j.Job.ID).
				Msg("agent: job asset unavailable, admitting anyway; pre-stage will retry")
		}
	}
	return a.sched.OnJobSubmit(j.Job)
}

func (a *Agent) OnJobCancel(c protocol.JobCancel) error {
	return a.sched.OnJobCancel(c.JobID)
}

// OnBlobChunk reassembles a chunked blob transfer (spec section 4.4: large
// artifacts are split into chunks gossiped over realm/blobs). Chunks arrive
// one at a time through the router rather than over cas.Store's synchronous
// channel API, so each in-flight digest gets its own Reassembler tracked
// here until it completes.
func (a *Agent) OnBlobChunk(b protocol.BlobChunk) error {
	a.blobMu.Lock()
	reasm, ok := a.blobReassemblers[b.Digest]
	if !ok {
		reasm = cas.NewReassembler(b.Digest, b.Total)
		a.blobReassemblers[b.Digest] = reasm
	}
	a.blobMu.Unlock()

	complete, err := reasm.Accept(cas.Chunk{Digest: b.Digest, Index: b.Index, Total: b.Total, Bytes: b.Bytes})
	if err != nil {
		a.blobMu.Lock()
		delete(a.blobReassemblers, b.Digest)
		a.blobMu.Unlock()
		return fmt.Errorf("agent: reassemble blob %s: %w", b.Digest, err)
	}
	if !complete {
		return nil
	}

	a.blobMu.Lock()
	delete(a.blobReassemblers, b.Digest)
	a.blobMu.Unlock()

	data, err := reasm.Bytes()
	if err != nil {
		return fmt.Errorf("agent: assemble blob %s: %w", b.Digest, err)
	}
	if _, err := a.blobs.Put(data); err != nil {
		return fmt.Errorf("agent: store reassembled blob %s: %w", b.Digest, err)
	}
	return nil
}

// OnStatusQuery answers a status request by publishing a StatusReply
// directly on the status topic (the router discards this method's return
// value — it never rebroadcasts a reply on the caller's behalf — so the
// handler itself must publish).
func (a *Agent) OnStatusQuery(q protocol.StatusQuery) (*protocol.StatusReply, error) {
	reply := protocol.StatusReply{QueryID: q.QueryID, Snapshot: a.board.Snapshot()}
	wire, err := protocol.Sign(a.keypair, codec.KindStatusReply, reply)
	if err != nil {
		return nil, fmt.Errorf("agent: sign status reply: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.transport.Publish(ctx, topicStatus, wire); err != nil {
		a.logger.Warn().Err(err).Msg("agent: failed to publish status reply")
	}
	return &reply, nil
}

// assumedNodeMemoryMB is the same coarse single-node memory ceiling
// availableMemoryMB() in agent.go probes against; used here to turn a
// peer's reported current usage (NodeSnapshot.MemoryProxy) into an
// approximate free-memory figure for admission election, since the status
// snapshot itself only reports usage, not capacity.
const assumedNodeMemoryMB = 1024

// OnStatusReply feeds a peer's self-reported platform and approximate free
// memory into the scheduler's admission-election candidate pool (spec
// section 4.7).
func (a *Agent) OnStatusReply(s protocol.StatusReply) error {
	snap := s.Snapshot
	if snap.NodeID == "" || snap.NodeID == a.LocalNodeID() {
		return nil
	}
	free := assumedNodeMemoryMB - int(snap.MemoryProxy)
	if free < 0 {
		free = 0
	}
	a.sched.RegisterPeer(scheduler.Candidate{
		NodeID:            snap.NodeID,
		Platform:          snap.Platform,
		AvailableMemoryMB: free,
	})
	return nil
}

func (a *Agent) OnPeerExchange(p protocol.PeerExchange) error {
	a.dialLearnedPeers(p.KnownAddresses)
	return nil
}

// stageExecutable writes a fetched upgrade binary to a fresh path under
// artifacts/staged so syscall.Exec can replace the running process image
// without racing the currently-running binary's own file.
func stageExecutable(dataDir, digest string, data []byte) (string, error) {
	dir := filepath.Join(dataDir, "artifacts", "staged")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("agent: create staging dir: %w", err)
	}
	path := filepath.Join(dir, digest+"-"+uuid.New().String())
	if err := os.WriteFile(path, data, 0755); err != nil {
		return "", fmt.Errorf("agent: write staged binary: %w", err)
	}
	return path, nil
}
