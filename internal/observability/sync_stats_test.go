package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capsync/capsync/pkg/types"
)

var (
	idA = types.InstanceID{VideoID: "v1", Database: "layout"}
	idB = types.InstanceID{VideoID: "v2", Database: "layout"}
)

func TestRecordAndSnapshot(t *testing.T) {
	s := NewSyncStats(time.Hour)

	s.RecordSend(idA)
	s.RecordSend(idA)
	s.RecordApply(idA, 10*time.Millisecond)
	s.RecordApply(idA, 30*time.Millisecond)
	s.RecordAck(idA, 40*time.Millisecond)

	snap := s.Snapshot(idA)
	assert.Equal(t, int64(2), snap.ChangesSent)
	assert.Equal(t, int64(2), snap.ChangesApplied)
	assert.Equal(t, int64(1), snap.Acks)
	assert.Equal(t, 20*time.Millisecond, snap.AvgApplyLatency)
	assert.Equal(t, 40*time.Millisecond, snap.AvgAckLatency)
	assert.False(t, snap.LastActivity.IsZero())
}

func TestSnapshotUnknownInstanceIsZero(t *testing.T) {
	s := NewSyncStats(time.Hour)

	snap := s.Snapshot(idA)
	assert.Equal(t, idA, snap.Instance)
	assert.Equal(t, int64(0), snap.ChangesSent)
	assert.True(t, snap.LastActivity.IsZero())
}

func TestTopInstancesOrdersByActivity(t *testing.T) {
	s := NewSyncStats(time.Hour)

	s.RecordSend(idA)
	s.RecordSend(idB)
	s.RecordSend(idB)
	s.RecordApply(idB, time.Millisecond)

	top := s.TopInstances(10)
	assert.Len(t, top, 2)
	assert.Equal(t, idB, top[0].Instance)
	assert.Equal(t, idA, top[1].Instance)

	top = s.TopInstances(1)
	assert.Len(t, top, 1)
	assert.Equal(t, idB, top[0].Instance)

	assert.Empty(t, s.TopInstances(0))
}

func TestForgetDropsInstance(t *testing.T) {
	s := NewSyncStats(time.Hour)

	s.RecordSend(idA)
	s.Forget(idA)
	assert.Equal(t, int64(0), s.Snapshot(idA).ChangesSent)
}

func TestPruneRemovesIdleInstances(t *testing.T) {
	s := NewSyncStats(50 * time.Millisecond)

	s.RecordSend(idA)
	time.Sleep(80 * time.Millisecond)
	s.RecordSend(idB)

	s.Prune()
	assert.Equal(t, int64(0), s.Snapshot(idA).ChangesSent)
	assert.Equal(t, int64(1), s.Snapshot(idB).ChangesSent)
}
