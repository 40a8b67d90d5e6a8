package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x3haloed/realm/pkg/cas"
	"github.com/x3haloed/realm/pkg/config"
	"github.com/x3haloed/realm/pkg/runtime"
	"github.com/x3haloed/realm/pkg/status"
	"github.com/x3haloed/realm/pkg/storage"
	"github.com/x3haloed/realm/pkg/types"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cfg.Close() })
	require.NoError(t, cfg.SetPolicy(config.Policy{AllowNativeExecution: true}))

	dispatcher := runtime.NewDispatcher(nil, blobs, cfg)
	board := status.NewBoard("node-a", "linux/amd64", nil, nil)

	return New(Config{
		LocalNodeID:   "node-a",
		LocalPlatform: "linux/amd64",
		DataDir:       t.TempDir(),
		Store:         store,
		Blobs:         blobs,
		Dispatcher:    dispatcher,
		Board:         board,
	})
}

func TestOnJobSubmitAdmitsPendingJob(t *testing.T) {
	s := newTestScheduler(t)

	require.NoError(t, s.OnJobSubmit(types.JobSpec{ID: "job-1", Kind: types.JobOneShot}))

	record, err := s.cfg.Store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, record.Status)
}

func TestElectWinnerLocalWinsWhenSoleCandidate(t *testing.T) {
	s := newTestScheduler(t)
	record := &types.JobRecord{Spec: types.JobSpec{ID: "job-1"}}

	winner, ok := s.electWinner(record)
	require.True(t, ok)
	assert.Equal(t, "node-a", winner)
}

func TestElectWinnerLowestNodeIDWins(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterPeer(Candidate{NodeID: "node-0", AvailableMemoryMB: 1 << 20})

	record := &types.JobRecord{Spec: types.JobSpec{ID: "job-1"}}
	winner, ok := s.electWinner(record)
	require.True(t, ok)
	assert.Equal(t, "node-0", winner)
}

func TestElectWinnerExcludesCandidatesLackingMemory(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.AvailableMemoryMB = func() int { return 0 }

	record := &types.JobRecord{Spec: types.JobSpec{ID: "job-1", Resources: types.ResourceRequest{MemoryMB: 128}}}
	_, ok := s.electWinner(record)
	assert.False(t, ok)
}

func TestTryAdmitRunsNativeJobToCompletion(t *testing.T) {
	s := newTestScheduler(t)

	record := &types.JobRecord{Spec: types.JobSpec{
		ID:         "job-1",
		Kind:       types.JobOneShot,
		RuntimeSel: types.RuntimeNative,
		Executable: "/bin/echo",
		Args:       []string{"hi"},
	}}
	require.NoError(t, s.cfg.Store.PutJob(record))

	s.tryAdmit(record)
	s.wg.Wait()

	final, err := s.cfg.Store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, final.Status)
}

func TestOnJobCancelTransitionsPendingJob(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.cfg.Store.PutJob(&types.JobRecord{Spec: types.JobSpec{ID: "job-1"}, Status: types.JobPending}))

	require.NoError(t, s.OnJobCancel("job-1"))

	record, err := s.cfg.Store.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, record.Status)
}

func TestMaybeReenqueueSpawnsCloneWhenDue(t *testing.T) {
	s := newTestScheduler(t)
	template := &types.JobRecord{Spec: types.JobSpec{ID: "tmpl-1", Kind: types.JobRecurring, Schedule: "* * * * *"}}

	s.nextFire["tmpl-1"] = time.Now().Add(-time.Second)
	s.maybeReenqueue(template)

	records, err := s.cfg.Store.ListJobs()
	require.NoError(t, err)

	var clones int
	for _, r := range records {
		if r.Spec.ID != "tmpl-1" {
			clones++
			assert.Equal(t, types.JobOneShot, r.Spec.Kind)
		}
	}
	assert.Equal(t, 1, clones)
}
