package streams_test

import (
	"testing"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/assert"

	"github.com/gokit/streams"
	"github.com/gokit/streams/mocks"
)

func TestSequenceHonorsDemand(t *testing.T) {
	source := streams.Sequence(1, 2, 3, 4)
	sub := mocks.NewSub(streams.Bounded(2))
	source.Subscribe(sub)

	assert.Equal(t, []interface{}{1, 2}, sub.Values())
	assert.Len(t, sub.Completions(), 0)

	sub.Subscription().Request(streams.Bounded(2))
	assert.Equal(t, []interface{}{1, 2, 3, 4}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
	assert.False(t, sub.Completions()[0].IsFailure())
}

func TestSequenceUnboundedDrainsAll(t *testing.T) {
	source := streams.Sequence("a", "b", "c")
	sub := mocks.NewSub(streams.Unbounded)
	source.Subscribe(sub)

	assert.Equal(t, []interface{}{"a", "b", "c"}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
}

func TestSequenceGrantDrivesDrain(t *testing.T) {
	source := streams.Sequence(1, 2, 3)
	sub := mocks.NewSub(streams.Bounded(1))
	sub.Grant = streams.Bounded(1)
	source.Subscribe(sub)

	// each delivered element grants one more, the drain loop must not
	// re-enter itself over the grants.
	assert.Equal(t, []interface{}{1, 2, 3}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
}

func TestSequenceCancelStopsDrain(t *testing.T) {
	source := streams.Sequence(1, 2, 3)
	sub := mocks.NewSub(streams.Bounded(1))
	source.Subscribe(sub)

	sub.Subscription().Cancel()
	sub.Subscription().Request(streams.Bounded(5))

	assert.Equal(t, []interface{}{1}, sub.Values())
	assert.Len(t, sub.Completions(), 0)
}

func TestEmptyCompletesWithoutDemand(t *testing.T) {
	sub := mocks.NewSub(streams.None())
	streams.Empty().Subscribe(sub)

	assert.Len(t, sub.Values(), 0)
	assert.Len(t, sub.Completions(), 1)
	assert.False(t, sub.Completions()[0].IsFailure())
}

func TestJustEmitsOne(t *testing.T) {
	sub := mocks.NewSub(streams.Unbounded)
	streams.Just(42).Subscribe(sub)

	assert.Equal(t, []interface{}{42}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
}

func TestFailWithDeliversFailureWithoutDemand(t *testing.T) {
	boom := errors.New("source broke")

	sub := mocks.NewSub(streams.None())
	streams.FailWith(boom).Subscribe(sub)

	assert.Len(t, sub.Values(), 0)
	assert.Len(t, sub.Completions(), 1)
	assert.Equal(t, boom, sub.Completions()[0].Err())
}

func TestFailWithCancelInOnSubscribeSuppressesFailure(t *testing.T) {
	sub := &cancelOnSubscribe{next: mocks.NewSub(streams.None())}
	streams.FailWith(errors.New("never seen")).Subscribe(sub)

	assert.Len(t, sub.next.Completions(), 0)
}

// cancelOnSubscribe cancels the subscription the moment it arrives.
type cancelOnSubscribe struct {
	next *mocks.Sub
}

func (c *cancelOnSubscribe) OnSubscribe(s streams.Subscription) {
	c.next.OnSubscribe(s)
	s.Cancel()
}

func (c *cancelOnSubscribe) OnNext(v interface{}) streams.Demand {
	return c.next.OnNext(v)
}

func (c *cancelOnSubscribe) OnComplete(cm streams.Completion) {
	c.next.OnComplete(cm)
}
