package streams_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/assert"

	"github.com/gokit/streams"
	"github.com/gokit/streams/mocks"
)

// logCapture implements the streams.Logs interface, recording every
// emitted message with its level.
type logCapture struct {
	mu       sync.Mutex
	levels   []streams.Level
	messages []string
}

func (l *logCapture) Emit(lvl streams.Level, msg streams.LogMessage) {
	l.mu.Lock()
	l.levels = append(l.levels, lvl)
	l.messages = append(l.messages, msg.Message())
	l.mu.Unlock()
}

func (l *logCapture) find(lvl streams.Level, fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.messages {
		if l.levels[i] == lvl && strings.Contains(m, fragment) {
			return true
		}
	}
	return false
}

func TestShareFansOutToAllSubscribers(t *testing.T) {
	var feed mocks.Feed
	shared := streams.Share(&feed)

	first := mocks.NewSub(streams.Unbounded)
	second := mocks.NewSub(streams.Unbounded)
	shared.Subscribe(first)
	shared.Subscribe(second)

	feed.Emit(1)
	feed.Emit(2)
	feed.Complete()

	assert.Equal(t, []interface{}{1, 2}, first.Values())
	assert.Equal(t, []interface{}{1, 2}, second.Values())
	assert.Len(t, first.Completions(), 1)
	assert.Len(t, second.Completions(), 1)
}

func TestShareCountsDeliveredElements(t *testing.T) {
	capture := new(logCapture)
	streams.UseLogs(capture)
	defer streams.UseLogs(nil)

	var feed mocks.Feed
	shared := streams.Share(&feed)
	shared.Subscribe(mocks.NewSub(streams.Unbounded))

	feed.Emit(1)
	feed.Emit(2)
	feed.Emit(3)
	feed.Complete()

	assert.True(t, capture.find(streams.DEBUG, "shared upstream terminated"))
	assert.True(t, capture.find(streams.DEBUG, "\"delivered\": 3"))

	var second mocks.Feed
	shared = streams.Share(&second)
	sub := mocks.NewSub(streams.Unbounded)
	shared.Subscribe(sub)

	second.Emit(1)
	sub.Subscription().Cancel()

	assert.True(t, capture.find(streams.DEBUG, "shared connection torn down"))
	assert.True(t, capture.find(streams.DEBUG, "\"delivered\": 1"))
}

func TestShareConnectsUpstreamOnce(t *testing.T) {
	var feed mocks.Feed
	shared := streams.Share(&feed)

	shared.Subscribe(mocks.NewSub(streams.Unbounded))
	probe := feed.Probe()
	shared.Subscribe(mocks.NewSub(streams.Unbounded))
	shared.Subscribe(mocks.NewSub(streams.Unbounded))

	assert.Equal(t, probe, feed.Probe())
}

func TestShareTearsDownOnLastCancel(t *testing.T) {
	var feed mocks.Feed
	shared := streams.Share(&feed)

	subs := []*mocks.Sub{
		mocks.NewSub(streams.Unbounded),
		mocks.NewSub(streams.Unbounded),
		mocks.NewSub(streams.Unbounded),
	}
	for _, sub := range subs {
		shared.Subscribe(sub)
	}

	subs[0].Subscription().Cancel()
	assert.Equal(t, 0, feed.Probe().Cancels())

	subs[1].Subscription().Cancel()
	assert.Equal(t, 0, feed.Probe().Cancels())

	feed.Emit(1)
	assert.Len(t, subs[0].Values(), 0)
	assert.Equal(t, []interface{}{1}, subs[2].Values())

	subs[2].Subscription().Cancel()
	assert.Equal(t, 1, feed.Probe().Cancels())
}

func TestShareCancelIdempotentPerSlot(t *testing.T) {
	var feed mocks.Feed
	shared := streams.Share(&feed)

	first := mocks.NewSub(streams.Unbounded)
	second := mocks.NewSub(streams.Unbounded)
	shared.Subscribe(first)
	shared.Subscribe(second)

	first.Subscription().Cancel()
	first.Subscription().Cancel()

	assert.Equal(t, 0, feed.Probe().Cancels())
}

func TestShareSumsSlotDemand(t *testing.T) {
	var feed mocks.Feed
	shared := streams.Share(&feed)

	first := mocks.NewSub(streams.Bounded(2))
	second := mocks.NewSub(streams.Bounded(3))
	shared.Subscribe(first)
	shared.Subscribe(second)

	// demand issued before the upstream attached is buffered and
	// flushed as one request on connect.
	total, bounded := feed.Probe().Requested().Max()
	assert.True(t, bounded)
	assert.Equal(t, uint64(5), total)
}

func TestShareFailurePropagatesToAll(t *testing.T) {
	boom := errors.New("upstream broke")

	var feed mocks.Feed
	shared := streams.Share(&feed)

	first := mocks.NewSub(streams.Unbounded)
	second := mocks.NewSub(streams.Unbounded)
	shared.Subscribe(first)
	shared.Subscribe(second)

	feed.Fail(boom)

	assert.Equal(t, boom, first.Completions()[0].Err())
	assert.Equal(t, boom, second.Completions()[0].Err())
}

func TestShareFreshConnectionAfterTerminal(t *testing.T) {
	var feed mocks.Feed
	shared := streams.Share(&feed)

	first := mocks.NewSub(streams.Unbounded)
	shared.Subscribe(first)
	before := feed.Probe()
	feed.Complete()

	late := mocks.NewSub(streams.Unbounded)
	shared.Subscribe(late)

	assert.NotEqual(t, before, feed.Probe())
	feed.Emit(9)
	assert.Equal(t, []interface{}{9}, late.Values())
	assert.Len(t, first.Values(), 0)
}
