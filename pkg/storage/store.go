// Package storage provides the embedded index backing realm's runtime
// bookkeeping: job records, persistent-volume records, and per-replica
// restart state. The spec's externally-visible persistence layout
// (identity files, config/*.json, desired_manifest.toml, artifacts/index.json,
// jobs/<id>/...) is written directly to those paths by the owning packages
// (pkg/identity, pkg/config, pkg/reconciler, pkg/cas, pkg/scheduler); this
// store is the fast indexed lookup layer underneath job/volume/replica state,
// grounded on the teacher's bucket-per-entity BoltDB store.
package storage

import (
	"github.com/x3haloed/realm/pkg/types"
)

// Store is the interface every subsystem's single owning task uses to
// persist and query its indexed state (spec section 5: "single owning task").
type Store interface {
	// Jobs
	PutJob(record *types.JobRecord) error
	GetJob(id string) (*types.JobRecord, error)
	ListJobs() ([]*types.JobRecord, error)
	DeleteJob(id string) error

	// Volumes
	PutVolume(vol *types.Volume) error
	GetVolume(name string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	DeleteVolume(name string) error

	// Replica state (restart counts, backoff bookkeeping)
	PutReplicaState(rs *types.ReplicaState) error
	GetReplicaState(replicaID string) (*types.ReplicaState, error)
	ListReplicaStates() ([]*types.ReplicaState, error)
	DeleteReplicaState(replicaID string) error

	Close() error
}
