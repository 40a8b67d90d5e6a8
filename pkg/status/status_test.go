package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x3haloed/realm/pkg/events"
	"github.com/x3haloed/realm/pkg/types"
)

func TestSnapshotAggregatesComponents(t *testing.T) {
	b := NewBoard("node-a", "linux/amd64", []string{"dev"}, nil)
	b.SetTrustedOwner("abc123")

	b.UpdateComponent("web", ComponentView{
		Desired:         types.ComponentSpec{Name: "web", Replicas: 2},
		ReplicasRunning: 1,
		MemoryCurrentMB: 32,
		RestartCount:    3,
	})

	snap := b.Snapshot()
	require.Len(t, snap.Components, 1)
	assert.Equal(t, "web", snap.Components[0].Name)
	assert.Equal(t, 2, snap.Components[0].ReplicasDesired)
	assert.Equal(t, 1, snap.Components[0].ReplicasRunning)
	assert.Equal(t, int64(32), snap.MemoryProxy)
	assert.Equal(t, "abc123", snap.TrustedOwner)
}

func TestRemoveComponentDropsFromSnapshot(t *testing.T) {
	b := NewBoard("node-a", "linux/amd64", nil, nil)
	b.UpdateComponent("web", ComponentView{Desired: types.ComponentSpec{Name: "web"}})
	b.RemoveComponent("web")

	assert.Empty(t, b.Snapshot().Components)
}

func TestLogRingBoundedAndEvictsOldest(t *testing.T) {
	b := NewBoard("node-a", "linux/amd64", nil, nil)
	for i := 0; i < logRingCapacity+10; i++ {
		b.AppendLog("web", types.LogLine{Timestamp: time.Now(), Stream: "stdout", Text: "line"})
	}
	assert.Len(t, b.Logs("web"), logRingCapacity)
}

func TestLogsAllConcatenatesRings(t *testing.T) {
	b := NewBoard("node-a", "linux/amd64", nil, nil)
	b.AppendLog("web", types.LogLine{Text: "a"})
	b.AppendLog("job-1", types.LogLine{Text: "b"})

	all := b.Logs("__all__")
	assert.Len(t, all, 2)
}

func TestAppendLogPublishesToBroker(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	b := NewBoard("node-a", "linux/amd64", nil, broker)
	b.AppendLog("web", types.LogLine{Text: "hello", Stream: "stdout"})

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventLogLine, ev.Type)
		assert.Equal(t, "hello", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
