package types

import "time"

// OwnerIdentity is the operator's long-lived signing keypair. Only the public
// half is ever persisted by an agent (identity/owner.pub); the private half
// lives wherever the operator's own tooling keeps it.
type OwnerIdentity struct {
	PublicKey []byte // ed25519 public key, 32 bytes
}

// NodeIdentity is a per-agent keypair and the stable identifier derived from it.
type NodeIdentity struct {
	PeerID     string // printable identifier, derived from PublicKey
	PublicKey  []byte // ed25519 public key, 32 bytes
	PrivateKey []byte // ed25519 private key, encrypted at rest on disk
	Roles      []string
	ListenPort int    // persisted UDP port, reused across restarts
	Platform   string // "linux/amd64" etc
}

// MountKind distinguishes the four capability-mount flavors a component can
// declare for a host path.
type MountKind string

const (
	MountStatic MountKind = "static" // RO package asset, swappable on upgrade
	MountConfig MountKind = "config" // RO initial configuration
	MountWork   MountKind = "work"   // RW ephemeral, per-replica
	MountState  MountKind = "state"  // RW persistent, named volume
)

// Mount is one capability-scoped host-path <-> guest-path binding.
type Mount struct {
	Host     string
	Guest    string
	ReadOnly bool
	Kind     MountKind
	Volume   string // volume name; meaningful only when Kind == MountState
}

// PortSpec declares a guest-side service port a component listens on.
type PortSpec struct {
	Port     int
	Protocol string // "tcp" or "udp"
}

// Visibility controls whether a component's port is reachable only from the
// local gateway or is publicly bound.
type Visibility string

const (
	VisibilityLocal  Visibility = "local"
	VisibilityPublic Visibility = "public"
)

// Targeting selects which nodes a component or job applies to. An empty
// Targeting selects every node.
type Targeting struct {
	NodeIDs []string
	Tags    []string
}

// Matches reports whether this targeting selects the given node.
func (t Targeting) Matches(nodeID string, roles []string) bool {
	if len(t.NodeIDs) == 0 && len(t.Tags) == 0 {
		return true
	}
	for _, id := range t.NodeIDs {
		if id == nodeID {
			return true
		}
	}
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}
	for _, tag := range t.Tags {
		if _, ok := roleSet[tag]; ok {
			return true
		}
	}
	return false
}

// ComponentSpec is the signed, owner-authored description of a deployable unit.
type ComponentSpec struct {
	Name           string
	ArtifactDigest string // sha256 hex digest, see pkg/cas
	Replicas       int
	MemoryMaxMB    int
	Fuel           int // 0 means unlimited; see DESIGN.md Open Question 1
	EpochMS        int
	Env            map[string]string
	Ports          []PortSpec
	Mounts         []Mount
	Target         Targeting
	Visibility     Visibility
}

// ReplicaState is runtime bookkeeping the reconciliation supervisor keeps
// alongside a ComponentSpec. It is never signed and never gossiped verbatim.
type ReplicaState struct {
	ReplicaID     string
	ComponentName string
	WorkDir       string
	StartedAt     time.Time
	RestartCount  int
	LastRestartAt time.Time
	NextBackoff   time.Duration
}

// Manifest is an owner-signed, versioned desired-state document.
type Manifest struct {
	Version    uint64
	Components []ComponentSpec
}

// UpgradeRecord describes an owner-signed agent binary upgrade.
type UpgradeRecord struct {
	Platform     string
	BinaryDigest string
	Version      uint64
}

// JobKind enumerates the three job execution models.
type JobKind string

const (
	JobOneShot   JobKind = "one-shot"
	JobRecurring JobKind = "recurring"
	JobService   JobKind = "service"
)

// Runtime enumerates the three execution backends a job can target.
type Runtime string

const (
	RuntimeWASM     Runtime = "wasm"
	RuntimeNative   Runtime = "native"
	RuntimeEmulated Runtime = "emulated"
)

// PreStageEntry copies a CAS blob to a guest path before a job runs.
type PreStageEntry struct {
	Digest string
	Dest   string
}

// ResourceRequest is a job's requested resource envelope.
type ResourceRequest struct {
	MemoryMB int
	CPU      float64 // optional, 0 means unconstrained
}

// JobSpec is the signed, immutable description of a unit of work.
type JobSpec struct {
	ID          string
	DisplayName string
	Kind        JobKind
	Schedule    string // cron-like expression, meaningful only for JobRecurring
	RuntimeSel  Runtime
	Executable  string // content digest or native path
	Args        []string
	Env         map[string]string
	Resources   ResourceRequest
	Timeout     time.Duration
	PreStage    []PreStageEntry
	CaptureList map[string]string // guest path -> artifact name
	Target      Targeting
}

// JobStatus is a job's position in its state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is one a job cannot leave.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// legalJobTransitions enumerates every transition the state machine in
// spec section 4.7 / testable property 7 permits.
var legalJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending:   {JobScheduled: true, JobCancelled: true, JobFailed: true},
	JobScheduled: {JobRunning: true, JobCancelled: true, JobFailed: true},
	JobRunning:   {JobCompleted: true, JobFailed: true, JobCancelled: true},
}

// CanTransition reports whether from -> to is a legal job status transition.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	return legalJobTransitions[from][to]
}

// LogLine is one entry in a bounded per-component or per-job log ring.
type LogLine struct {
	Timestamp time.Time
	Stream    string // "stdout" or "stderr"
	Text      string
}

// JobRecord is a JobSpec plus its runtime-assigned state.
type JobRecord struct {
	Spec        JobSpec
	NodeID      string
	Platform    string
	Status      JobStatus
	SubmittedAt time.Time
	AssignedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Logs        []LogLine
	Artifacts   map[string]string // name -> digest
	FailReason  string
}

// BlobMeta is a content-addressed blob's metadata record; bytes live on disk,
// see pkg/cas.
type BlobMeta struct {
	Digest       string
	Size         int64
	Pinned       bool
	LastAccessed time.Time
}

// Volume is a named persistent volume.
type Volume struct {
	Name      string
	Path      string
	SeedPath  string // optional one-time seed source inside a package
	SizeBytes int64
	CreatedAt time.Time
}

// PackageManifest describes a package's contained component and mounts, found
// at the root of a Package zip.
type PackageManifest struct {
	Component ComponentSpec
	Files     []string
}

// NodeSnapshot is the per-node status structure gossiped and returned from
// StatusQuery (spec section 4.8).
type NodeSnapshot struct {
	NodeID         string
	Platform       string
	TrustedOwner   string // hex-encoded owner public key, empty if unset
	Roles          []string
	Components     []ComponentSnapshot
	JobCounts      map[JobStatus]int
	CPUProxy       float64
	MemoryProxy    int64
	Uptime         time.Duration
	GeneratedAt    time.Time
}

// ComponentSnapshot is one component's contribution to a NodeSnapshot.
type ComponentSnapshot struct {
	Name             string
	ReplicasDesired  int
	ReplicasRunning  int
	MemoryCurrentMB  int
	RestartCount     int
}
