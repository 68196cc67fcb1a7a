package bridges_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokit/errors"

	"github.com/gokit/streams"
	"github.com/gokit/streams/bridges"
	"github.com/gokit/streams/mocks"
)

func TestBufferStagesUntilDemand(t *testing.T) {
	buffer := bridges.NewBuffer(0, streams.DropNew, nil, nil)

	require.NoError(t, buffer.Push(1))
	require.NoError(t, buffer.Push(2))

	sub := mocks.NewSub(streams.None())
	buffer.Subscribe(sub)
	assert.Len(t, sub.Values(), 0)

	sub.Subscription().Request(streams.Bounded(1))
	assert.Equal(t, []interface{}{1}, sub.Values())

	sub.Subscription().Request(streams.Unbounded)
	require.NoError(t, buffer.Push(3))
	assert.Equal(t, []interface{}{1, 2, 3}, sub.Values())
}

func TestBufferCompletionAfterStagedElements(t *testing.T) {
	buffer := bridges.NewBuffer(0, streams.DropNew, nil, nil)

	require.NoError(t, buffer.Push(1))
	buffer.Complete()

	assert.True(t, errors.IsAny(buffer.Push(2), bridges.ErrSourceClosed))

	sub := mocks.NewSub(streams.None())
	buffer.Subscribe(sub)
	assert.Len(t, sub.Completions(), 0)

	sub.Subscription().Request(streams.Bounded(1))
	assert.Equal(t, []interface{}{1}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
	assert.False(t, sub.Completions()[0].IsFailure())
}

func TestBufferFailureAfterStagedElements(t *testing.T) {
	boom := errors.New("consumer broke")

	buffer := bridges.NewBuffer(0, streams.DropNew, nil, nil)
	require.NoError(t, buffer.Push(1))
	buffer.Fail(boom)

	sub := mocks.NewSub(streams.Unbounded)
	buffer.Subscribe(sub)

	assert.Equal(t, []interface{}{1}, sub.Values())
	assert.Len(t, sub.Completions(), 1)
	assert.Equal(t, boom, sub.Completions()[0].Err())
}

func TestBufferCancelRunsCallbackOnce(t *testing.T) {
	var calls int
	buffer := bridges.NewBuffer(0, streams.DropNew, nil, func() { calls++ })

	sub := mocks.NewSub(streams.Unbounded)
	buffer.Subscribe(sub)

	sub.Subscription().Cancel()
	sub.Subscription().Cancel()
	assert.Equal(t, 1, calls)

	assert.True(t, errors.IsAny(buffer.Push(1), bridges.ErrSourceClosed))
	assert.Len(t, sub.Values(), 0)
}

func TestBufferCompleteRunsCallback(t *testing.T) {
	var calls int
	buffer := bridges.NewBuffer(0, streams.DropNew, nil, func() { calls++ })

	buffer.Complete()
	assert.Equal(t, 1, calls)

	sub := mocks.NewSub(streams.Unbounded)
	buffer.Subscribe(sub)
	assert.Len(t, sub.Completions(), 1)
	assert.Equal(t, 1, calls)
}

func TestBufferRejectsSecondSubscriber(t *testing.T) {
	buffer := bridges.NewBuffer(0, streams.DropNew, nil, nil)

	first := mocks.NewSub(streams.Unbounded)
	second := mocks.NewSub(streams.Unbounded)
	buffer.Subscribe(first)
	buffer.Subscribe(second)

	require.NoError(t, buffer.Push(1))
	assert.Equal(t, []interface{}{1}, first.Values())
	assert.Len(t, second.Values(), 0)

	require.Len(t, second.Completions(), 1)
	assert.True(t, errors.IsAny(second.Completions()[0].Err(), bridges.ErrAlreadyBound))
}

func TestBufferCappedDropOld(t *testing.T) {
	buffer := bridges.NewBuffer(2, streams.DropOld, nil, nil)

	require.NoError(t, buffer.Push(1))
	require.NoError(t, buffer.Push(2))
	require.NoError(t, buffer.Push(3))

	sub := mocks.NewSub(streams.Unbounded)
	buffer.Subscribe(sub)
	assert.Equal(t, []interface{}{2, 3}, sub.Values())
}

func TestBufferCappedDropNew(t *testing.T) {
	buffer := bridges.NewBuffer(1, streams.DropNew, nil, nil)

	require.NoError(t, buffer.Push(1))
	assert.Error(t, buffer.Push(2))

	sub := mocks.NewSub(streams.Unbounded)
	buffer.Subscribe(sub)
	assert.Equal(t, []interface{}{1}, sub.Values())
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := bridges.JSONCodec{}

	data, err := codec.Marshal(map[string]interface{}{"name": "wombat", "count": 3})
	require.NoError(t, err)

	decoded, err := codec.Unmarshal(data)
	require.NoError(t, err)

	fields, ok := decoded.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "wombat", fields["name"])
	assert.Equal(t, float64(3), fields["count"])
}

func TestJSONCodecRejectsBadPayload(t *testing.T) {
	codec := bridges.JSONCodec{}
	_, err := codec.Unmarshal([]byte("{broken"))
	assert.Error(t, err)
}
