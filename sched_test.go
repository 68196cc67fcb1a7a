package streams_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gokit/streams"
	"github.com/gokit/streams/mocks"
)

func TestReceiveOnDefersDelivery(t *testing.T) {
	var feed mocks.Feed
	var sched mocks.Scheduler
	sub := mocks.NewSub(streams.Unbounded)
	streams.ReceiveOn(&feed, &sched).Subscribe(sub)

	feed.Emit(1)
	feed.Emit(2)
	feed.Emit(3)

	// nothing reaches downstream until the scheduler runs.
	assert.Len(t, sub.Values(), 0)
	assert.Equal(t, 3, sched.Pending())

	sched.RunAll()
	assert.Equal(t, []interface{}{1, 2, 3}, sub.Values())
}

func TestScheduledDemandForwardedAfterCallback(t *testing.T) {
	var feed mocks.Feed
	var sched mocks.Scheduler

	sub := mocks.NewSub(streams.Bounded(1))
	sub.Grant = streams.Bounded(1)
	streams.ReceiveOn(&feed, &sched).Subscribe(sub)

	assert.Equal(t, streams.Bounded(1), feed.Probe().Requested())

	feed.Emit(1)

	// the demand granted by downstream must not reach upstream before
	// the scheduled delivery actually ran.
	assert.Equal(t, streams.Bounded(1), feed.Probe().Requested())

	sched.RunAll()
	assert.Equal(t, streams.Bounded(2), feed.Probe().Requested())
}

func TestDelayCarriesDueTimes(t *testing.T) {
	var feed mocks.Feed
	var sched mocks.Scheduler
	sub := mocks.NewSub(streams.Unbounded)
	streams.Delay(&feed, 50*time.Millisecond, &sched).Subscribe(sub)

	before := time.Now()
	feed.Emit(1)

	dues := sched.Dues()
	assert.Len(t, dues, 1)
	assert.False(t, dues[0].Before(before.Add(50*time.Millisecond)))

	sched.RunAll()
	assert.Equal(t, []interface{}{1}, sub.Values())
}

func TestScheduledCompletionSurvivesOrder(t *testing.T) {
	var feed mocks.Feed
	var sched mocks.Scheduler
	sub := mocks.NewSub(streams.Unbounded)
	streams.ReceiveOn(&feed, &sched).Subscribe(sub)

	feed.Emit(1)
	feed.Complete()

	sched.RunAll()

	assert.Equal(t, []interface{}{1}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
}

func TestScheduledCancelInPendingWindow(t *testing.T) {
	var feed mocks.Feed
	var sched mocks.Scheduler
	sub := mocks.NewSub(streams.Unbounded)
	streams.ReceiveOn(&feed, &sched).Subscribe(sub)

	feed.Complete()

	// upstream finished but the terminal has not been delivered yet;
	// a cancel in this window must win without a double terminal.
	sub.Subscription().Cancel()
	sched.RunAll()

	assert.Len(t, sub.Completions(), 0)
}

func TestMeasureIntervalEmitsDurations(t *testing.T) {
	var feed mocks.Feed
	var sched mocks.Scheduler
	sub := mocks.NewSub(streams.Unbounded)
	streams.MeasureInterval(&feed, &sched).Subscribe(sub)

	feed.Emit("a")
	feed.Emit("b")
	feed.Complete()
	sched.RunAll()

	values := sub.Values()
	assert.Len(t, values, 2)
	for _, v := range values {
		_, ok := v.(time.Duration)
		assert.True(t, ok, "expected a duration, got %#v", v)
	}
	assert.Len(t, sub.Completions(), 1)
}

func TestQueueSchedulerOrder(t *testing.T) {
	sched := streams.NewQueueScheduler()
	defer sched.Close()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	wg.Add(3)
	for i := 1; i <= 3; i++ {
		n := i
		sched.Schedule(func() {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
			wg.Done()
		})
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestQueueSchedulerScheduleAt(t *testing.T) {
	sched := streams.NewQueueScheduler()
	defer sched.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	start := time.Now()
	var ran time.Time
	sched.ScheduleAt(start.Add(30*time.Millisecond), func() {
		ran = time.Now()
		wg.Done()
	})

	wg.Wait()
	assert.True(t, ran.Sub(start) >= 30*time.Millisecond)
}

func TestQueueSchedulerCloseReleasesIdleWorker(t *testing.T) {
	sched := streams.NewQueueScheduler()

	// the worker is parked on an empty queue; Close must still unblock
	// it without feeding it work.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Close()
	}()

	select {
	case <-done:
	case <-time.After(time.Second * 3):
		t.Fatal("Close never returned with an idle worker")
	}
}

func TestQueueSchedulerCloseIdempotent(t *testing.T) {
	sched := streams.NewQueueScheduler()
	sched.Close()
	sched.Close()

	// scheduling after close is a safe no-op.
	sched.Schedule(func() { t.Fatal("ran after close") })
	time.Sleep(10 * time.Millisecond)
}
