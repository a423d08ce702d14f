package flow

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalationScheduler_Fires(t *testing.T) {
	s := NewEscalationScheduler(nil)
	defer s.Stop()

	done := make(chan struct{})
	id, err := s.Arm("1", 10*time.Millisecond, func() { close(done) })
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.True(t, s.Pending("1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
	assert.Eventually(t, func() bool { return !s.Pending("1") }, time.Second, 5*time.Millisecond)
}

func TestEscalationScheduler_Cancel(t *testing.T) {
	s := NewEscalationScheduler(nil)
	defer s.Stop()

	var fired atomic.Int32
	_, err := s.Arm("1", 30*time.Millisecond, func() { fired.Add(1) })
	require.NoError(t, err)

	assert.True(t, s.Cancel("1"))
	assert.False(t, s.Cancel("1"))
	assert.False(t, s.Pending("1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestEscalationScheduler_ArmReplacesPendingTask(t *testing.T) {
	s := NewEscalationScheduler(nil)
	defer s.Stop()

	var first, second atomic.Int32
	id1, _ := s.Arm("1", 30*time.Millisecond, func() { first.Add(1) })
	id2, _ := s.Arm("1", 30*time.Millisecond, func() { second.Add(1) })
	assert.NotEqual(t, id1, id2)
	assert.Len(t, s.ListActive(), 1)

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestEscalationScheduler_KeysAreIndependent(t *testing.T) {
	s := NewEscalationScheduler(nil)
	defer s.Stop()

	_, _ = s.Arm("b", time.Hour, func() {})
	_, _ = s.Arm("a", time.Minute, func() {})

	active := s.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].SenderID, "ordered by expiry")
	assert.Equal(t, "b", active[1].SenderID)
	assert.NotEmpty(t, active[0].Remaining)

	assert.True(t, s.Cancel("a"))
	assert.True(t, s.Pending("b"))
}

func TestEscalationScheduler_Stop(t *testing.T) {
	s := NewEscalationScheduler(nil)
	var fired atomic.Int32
	_, _ = s.Arm("1", 20*time.Millisecond, func() { fired.Add(1) })
	s.Stop()

	assert.Empty(t, s.ListActive())
	_, err := s.Arm("2", time.Millisecond, func() { fired.Add(1) })
	assert.ErrorIs(t, err, ErrSchedulerStopped)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
