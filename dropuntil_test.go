package streams_test

import (
	"testing"

	"github.com/gokit/errors"
	"github.com/stretchr/testify/assert"

	"github.com/gokit/streams"
	"github.com/gokit/streams/mocks"
)

func TestDropUntilDropsBeforeSignal(t *testing.T) {
	var primary, signal mocks.Feed
	sub := mocks.NewSub(streams.Unbounded)
	streams.DropUntil(&primary, &signal).Subscribe(sub)

	// exactly one element is requested from the signal side eagerly.
	assert.Equal(t, []streams.Demand{streams.Bounded(1)}, signal.Probe().Requests())

	primary.Emit(1)
	primary.Emit(2)
	assert.Len(t, sub.Values(), 0)

	signal.Emit("A")
	assert.Equal(t, 1, signal.Probe().Cancels())

	primary.Emit(3)
	primary.Emit(4)
	primary.Complete()

	assert.Equal(t, []interface{}{3, 4}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
}

func TestDropUntilTracksDemandDeficit(t *testing.T) {
	var primary, signal mocks.Feed
	sub := mocks.NewSub(streams.Bounded(2))
	streams.DropUntil(&primary, &signal).Subscribe(sub)

	// each dropped element consumed one unit, a replacement is demanded.
	extra := primary.Emit(1)
	assert.Equal(t, streams.Bounded(1), extra)

	signal.Emit("A")
	extra = primary.Emit(2)
	assert.False(t, extra.Positive())
	assert.Equal(t, []interface{}{2}, sub.Values())
}

func TestDropUntilSignalCompletesEmpty(t *testing.T) {
	var primary, signal mocks.Feed
	sub := mocks.NewSub(streams.Unbounded)
	streams.DropUntil(&primary, &signal).Subscribe(sub)

	primary.Emit(1)
	signal.Complete()

	assert.Len(t, sub.Values(), 0)
	assert.Len(t, sub.Completions(), 1)
	assert.False(t, sub.Completions()[0].IsFailure())
	assert.Equal(t, 1, primary.Probe().Cancels())
}

func TestDropUntilSignalFailure(t *testing.T) {
	boom := errors.New("signal broke")

	var primary, signal mocks.Feed
	sub := mocks.NewSub(streams.Unbounded)
	streams.DropUntil(&primary, &signal).Subscribe(sub)

	signal.Fail(boom)

	assert.Len(t, sub.Completions(), 1)
	assert.Equal(t, boom, sub.Completions()[0].Err())
	assert.Equal(t, 1, primary.Probe().Cancels())
}

func TestDropUntilPrimaryTerminalReleasesSignal(t *testing.T) {
	var primary, signal mocks.Feed
	sub := mocks.NewSub(streams.Unbounded)
	streams.DropUntil(&primary, &signal).Subscribe(sub)

	primary.Complete()

	assert.Len(t, sub.Completions(), 1)
	assert.Equal(t, 1, signal.Probe().Cancels())
}

func TestDropUntilDownstreamCancelReleasesBothSides(t *testing.T) {
	var primary, signal mocks.Feed
	sub := mocks.NewSub(streams.Unbounded)
	streams.DropUntil(&primary, &signal).Subscribe(sub)

	sub.Subscription().Cancel()
	sub.Subscription().Cancel()

	assert.Equal(t, 1, primary.Probe().Cancels())
	assert.Equal(t, 1, signal.Probe().Cancels())
}
