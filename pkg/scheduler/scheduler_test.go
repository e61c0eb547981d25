package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTimerSetFires(t *testing.T) {
	s := NewTimerSet()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("evt-1", 10*time.Millisecond, FuncJob(func(ctx context.Context) { close(done) }))
	assert.True(t, s.Pending("evt-1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not fire")
	}
	assert.Eventually(t, func() bool { return !s.Pending("evt-1") }, time.Second, 5*time.Millisecond)
}

func TestTimerSetCancelPreventsRun(t *testing.T) {
	s := NewTimerSet()
	defer s.Stop()

	var ran int32
	s.Schedule("evt-1", 30*time.Millisecond, FuncJob(func(ctx context.Context) { atomic.StoreInt32(&ran, 1) }))
	require.True(t, s.Cancel("evt-1"))
	assert.False(t, s.Cancel("evt-1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, 0, s.Len())
}

func TestTimerSetRescheduleReplaces(t *testing.T) {
	s := NewTimerSet()
	defer s.Stop()

	var first, second int32
	s.Schedule("k", 20*time.Millisecond, FuncJob(func(ctx context.Context) { atomic.AddInt32(&first, 1) }))
	s.Schedule("k", 20*time.Millisecond, FuncJob(func(ctx context.Context) { atomic.AddInt32(&second, 1) }))
	assert.Equal(t, 1, s.Len())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&second) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
}

func TestTimerSetCancelRaceRunsAtMostOnce(t *testing.T) {
	s := NewTimerSet()
	defer s.Stop()

	for i := 0; i < 50; i++ {
		var ran int32
		s.Schedule("race", time.Millisecond, FuncJob(func(ctx context.Context) { atomic.AddInt32(&ran, 1) }))
		time.Sleep(time.Millisecond)
		cancelled := s.Cancel("race")
		time.Sleep(5 * time.Millisecond)
		if cancelled {
			assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
		} else {
			assert.LessOrEqual(t, atomic.LoadInt32(&ran), int32(1))
		}
	}
}

func TestTimerSetStopWaitsForRunningJobs(t *testing.T) {
	s := NewTimerSet()

	started := make(chan struct{})
	var finished int32
	s.Schedule("slow", 0, FuncJob(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&finished, 1)
	}))
	s.Schedule("later", time.Hour, FuncJob(func(ctx context.Context) {}))

	<-started
	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
	assert.Equal(t, 0, s.Len())

	s.Schedule("after-stop", 0, FuncJob(func(ctx context.Context) {}))
	assert.False(t, s.Pending("after-stop"))
}

func TestCronRunsNamedJob(t *testing.T) {
	c := NewCron(time.UTC)
	var mu sync.Mutex
	runs := 0
	_, err := c.AddNamed("@every 1s", "tick", func(ctx context.Context) {
		mu.Lock()
		runs++
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	c.Start()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs > 0
	}, 3*time.Second, 50*time.Millisecond)
	c.Stop()
}

func TestCronRejectsBadExpression(t *testing.T) {
	c := NewCron(nil)
	_, err := c.Add("not a schedule", FuncJob(func(ctx context.Context) {}))
	assert.Error(t, err)
}
