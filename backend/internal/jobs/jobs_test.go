package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readsync/backend/internal/store"
	"readsync/backend/internal/tester"
)

type blockingJob struct {
	started chan struct{}
	release chan struct{}
	runs    atomic.Int32
}

func (b *blockingJob) Name() string     { return "blocking" }
func (b *blockingJob) Schedule() string { return "@every 1h" }
func (b *blockingJob) Run(ctx context.Context) error {
	b.runs.Add(1)
	close(b.started)
	<-b.release
	return nil
}

func TestTaskExecutor_SkipsOverlappingRuns(t *testing.T) {
	job := &blockingJob{started: make(chan struct{}), release: make(chan struct{})}
	ex := NewTaskExecutor(job)

	done := make(chan bool)
	go func() { done <- ex.trigger(job) }()
	<-job.started

	assert.False(t, ex.trigger(job))
	close(job.release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), job.runs.Load())
	assert.False(t, ex.running.Contains(job.Name()))
}

func TestTaskExecutor_RejectsBadSchedule(t *testing.T) {
	ex := NewTaskExecutor(NewCompactionSweep("every now and then", countingCompactor(nil)))
	assert.Error(t, ex.Start())
}

type countingCompactor func()

func (c countingCompactor) CompactDue(context.Context) int {
	if c != nil {
		c()
	}
	return 1
}

func TestCompactionSweep_RunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	ex := NewTaskExecutor(NewCompactionSweep("@every 1s", countingCompactor(func() { calls.Add(1) })))
	require.NoError(t, ex.Start())
	defer ex.Stop()

	require.Eventually(t, func() bool { return calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestSyncEventRetention_KeepsUndelivered(t *testing.T) {
	ctx := context.Background()
	st := tester.NewStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	old := now.Add(-48 * time.Hour)
	for _, ev := range []*store.SyncEvent{
		{OwnerID: "u1", Type: "a", CreatedAt: old},
		{OwnerID: "u2", Type: "b", CreatedAt: old},
	} {
		require.NoError(t, st.EnqueueSyncEvent(ctx, ev))
	}
	// u1's event is delivered two days ago, u2's never
	_, err := st.DrainSyncEvents(ctx, "u1", 10, old)
	require.NoError(t, err)

	job := NewSyncEventRetention("@every 1h", st, 24*time.Hour)
	job.now = func() time.Time { return now }
	require.NoError(t, job.Run(ctx))

	left, err := st.DrainSyncEvents(ctx, "u2", 10, now)
	require.NoError(t, err)
	assert.Len(t, left, 1)

	// only u2's event, delivered just now, is left to purge
	n, err := st.PurgeDeliveredSyncEvents(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
