package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *fireRecorder) fire(taskID string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, taskID)
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestMemoryScheduler_FiresAtInstant(t *testing.T) {
	mock := clock.NewMock()
	rec := &fireRecorder{}
	s := NewMemoryScheduler(context.Background(), mock, rec.fire)

	s.Arm("deadline:t1", mock.Now().Add(time.Hour), nil)
	require.Equal(t, 1, s.Armed())

	mock.Add(59 * time.Minute)
	require.Equal(t, 0, rec.count())

	mock.Add(2 * time.Minute)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, s.Armed())
}

func TestMemoryScheduler_CancelLeavesNoFire(t *testing.T) {
	mock := clock.NewMock()
	rec := &fireRecorder{}
	s := NewMemoryScheduler(context.Background(), mock, rec.fire)

	h := s.Arm("deadline:t1", mock.Now().Add(time.Hour), nil)
	s.Cancel(h)
	require.Equal(t, 0, s.Armed())

	mock.Add(2 * time.Hour)
	require.Never(t, func() bool { return rec.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestMemoryScheduler_RearmReplaces(t *testing.T) {
	mock := clock.NewMock()
	rec := &fireRecorder{}
	s := NewMemoryScheduler(context.Background(), mock, rec.fire)

	s.Arm("deadline:t1", mock.Now().Add(time.Hour), nil)
	s.Arm("deadline:t1", mock.Now().Add(2*time.Hour), nil)
	require.Equal(t, 1, s.Armed())

	mock.Add(90 * time.Minute)
	require.Equal(t, 0, rec.count(), "replaced schedule must not fire")
	mock.Add(time.Hour)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
}

func TestMemoryScheduler_PastInstantFires(t *testing.T) {
	mock := clock.NewMock()
	rec := &fireRecorder{}
	s := NewMemoryScheduler(context.Background(), mock, rec.fire)

	s.Arm("deadline:t1", mock.Now().Add(-time.Minute), nil)
	mock.Add(time.Nanosecond)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
}
