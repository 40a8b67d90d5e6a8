// Package status assembles this node's status snapshot and keeps bounded
// per-component/per-job log rings for the query surface and for StatusReply
// envelopes (spec section 4.8 and section 6's query surface). Grounded on
// teacher's pkg/events broker for the underlying log/event plumbing.
package status

import (
	"sync"
	"time"

	"github.com/x3haloed/realm/pkg/events"
	"github.com/x3haloed/realm/pkg/types"
)

const logRingCapacity = 500

// ComponentView is what the reconciler reports about one component's
// current replica state; Board derives ComponentSnapshot from it plus the
// desired spec.
type ComponentView struct {
	Desired         types.ComponentSpec
	ReplicasRunning int
	MemoryCurrentMB int
	RestartCount    int
}

// Board is this node's single owning task for status assembly: it holds the
// latest component views, job counts, and bounded log rings, updated only
// through its own methods (spec section 5 shared-resource policy).
type Board struct {
	mu         sync.RWMutex
	nodeID     string
	platform   string
	roles      []string
	trustedHex string
	startedAt  time.Time

	components map[string]ComponentView
	jobCounts  map[types.JobStatus]int
	logs       map[string][]types.LogLine // component name or job ID -> ring

	broker *events.Broker
}

// NewBoard constructs a status board for this node.
func NewBoard(nodeID, platform string, roles []string, broker *events.Broker) *Board {
	return &Board{
		nodeID:     nodeID,
		platform:   platform,
		roles:      roles,
		startedAt:  time.Now(),
		components: make(map[string]ComponentView),
		jobCounts:  make(map[types.JobStatus]int),
		logs:       make(map[string][]types.LogLine),
		broker:     broker,
	}
}

// SetTrustedOwner records the pinned owner's hex-encoded public key for
// display purposes (empty means unpinned).
func (b *Board) SetTrustedOwner(hex string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trustedHex = hex
}

// UpdateComponent replaces the tracked view for one component.
func (b *Board) UpdateComponent(name string, view ComponentView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.components[name] = view
}

// RemoveComponent drops a component no longer in the desired manifest.
func (b *Board) RemoveComponent(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.components, name)
}

// SetJobCounts replaces the full job-status histogram.
func (b *Board) SetJobCounts(counts map[types.JobStatus]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobCounts = counts
}

// AppendLog appends one line to key's bounded ring (a component name or a
// job ID; "__all__" is a read-side key handled by Logs), evicting the
// oldest line once the ring is full, and republishes it on the event broker
// for real-time streaming.
func (b *Board) AppendLog(key string, line types.LogLine) {
	b.mu.Lock()
	ring := b.logs[key]
	ring = append(ring, line)
	if len(ring) > logRingCapacity {
		ring = ring[len(ring)-logRingCapacity:]
	}
	b.logs[key] = ring
	b.mu.Unlock()

	if b.broker != nil {
		b.broker.Publish(&events.Event{
			Type:      events.EventLogLine,
			Timestamp: line.Timestamp,
			Message:   line.Text,
			Metadata:  map[string]string{"key": key, "stream": line.Stream},
		})
	}
}

// Logs returns a copy of key's log ring, or every ring concatenated in
// insertion order when key is "__all__" (spec section 6's query surface).
func (b *Board) Logs(key string) []types.LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if key != "__all__" {
		out := make([]types.LogLine, len(b.logs[key]))
		copy(out, b.logs[key])
		return out
	}

	var all []types.LogLine
	for _, ring := range b.logs {
		all = append(all, ring...)
	}
	return all
}

// Snapshot assembles the current NodeSnapshot (spec section 4.8, returned
// from StatusQuery and exposed over the query API).
func (b *Board) Snapshot() types.NodeSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.NodeSnapshot{
		NodeID:       b.nodeID,
		Platform:     b.platform,
		TrustedOwner: b.trustedHex,
		Roles:        append([]string(nil), b.roles...),
		JobCounts:    copyJobCounts(b.jobCounts),
		Uptime:       time.Since(b.startedAt),
		GeneratedAt:  time.Now(),
	}

	var memTotal int64
	for name, view := range b.components {
		snap.Components = append(snap.Components, types.ComponentSnapshot{
			Name:            name,
			ReplicasDesired: view.Desired.Replicas,
			ReplicasRunning: view.ReplicasRunning,
			MemoryCurrentMB: view.MemoryCurrentMB,
			RestartCount:    view.RestartCount,
		})
		memTotal += int64(view.MemoryCurrentMB)
	}
	snap.MemoryProxy = memTotal
	snap.CPUProxy = float64(len(b.components))

	return snap
}

func copyJobCounts(in map[types.JobStatus]int) map[types.JobStatus]int {
	out := make(map[types.JobStatus]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
