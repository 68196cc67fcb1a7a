package streams_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gokit/streams"
)

func TestDemandAddNeverShrinks(t *testing.T) {
	cases := []struct {
		d1 streams.Demand
		d2 streams.Demand
	}{
		{streams.Bounded(0), streams.Bounded(0)},
		{streams.Bounded(1), streams.Bounded(4)},
		{streams.Bounded(math.MaxUint64), streams.Bounded(1)},
		{streams.Bounded(math.MaxUint64), streams.Bounded(math.MaxUint64)},
		{streams.Unbounded, streams.Bounded(3)},
		{streams.Unbounded, streams.Unbounded},
	}

	for _, c := range cases {
		sum := c.d1.Add(c.d2)
		assert.False(t, sum.Less(c.d1), "sum %s below %s", sum, c.d1)
		assert.False(t, sum.Less(c.d2), "sum %s below %s", sum, c.d2)
	}
}

func TestDemandUnboundedAbsorbs(t *testing.T) {
	assert.True(t, streams.Unbounded.Add(streams.Bounded(10)).IsUnbounded())
	assert.True(t, streams.Bounded(10).Add(streams.Unbounded).IsUnbounded())
	assert.True(t, streams.Unbounded.Sub(streams.Bounded(10)).IsUnbounded())
	assert.True(t, streams.Unbounded.Sub(streams.Unbounded).IsUnbounded())
}

func TestDemandSaturation(t *testing.T) {
	sum := streams.Bounded(math.MaxUint64).Add(streams.Bounded(5))
	n, bounded := sum.Max()
	assert.True(t, bounded)
	assert.Equal(t, uint64(math.MaxUint64), n)

	zero := streams.Bounded(2).Sub(streams.Bounded(5))
	assert.False(t, zero.Positive())

	n, bounded = zero.Max()
	assert.True(t, bounded)
	assert.Equal(t, uint64(0), n)
}

func TestDemandOrdering(t *testing.T) {
	assert.True(t, streams.Bounded(1).Less(streams.Bounded(2)))
	assert.True(t, streams.Bounded(math.MaxUint64).Less(streams.Unbounded))
	assert.False(t, streams.Unbounded.Less(streams.Bounded(math.MaxUint64)))
	assert.False(t, streams.Unbounded.Less(streams.Unbounded))
	assert.True(t, streams.Unbounded.Equal(streams.Unbounded))
	assert.True(t, streams.Bounded(3).Equal(streams.Bounded(3)))
	assert.False(t, streams.Bounded(3).Equal(streams.Unbounded))
}

func TestDemandPositive(t *testing.T) {
	assert.False(t, streams.None().Positive())
	assert.False(t, streams.Bounded(0).Positive())
	assert.True(t, streams.Bounded(1).Positive())
	assert.True(t, streams.Unbounded.Positive())
}

func TestDemandString(t *testing.T) {
	assert.Equal(t, "unbounded", streams.Unbounded.String())
	assert.Equal(t, "12", streams.Bounded(12).String())
}

func TestZeroDemandRequestPanics(t *testing.T) {
	seq := streams.Sequence(1, 2, 3)
	sub := &manualSub{}
	seq.Subscribe(sub)

	assert.Panics(t, func() {
		sub.sub.Request(streams.Bounded(0))
	})
}

// manualSub hands full control of requesting to the test body.
type manualSub struct {
	sub streams.Subscription
}

func (m *manualSub) OnSubscribe(s streams.Subscription) { m.sub = s }

func (m *manualSub) OnNext(interface{}) streams.Demand { return streams.None() }

func (m *manualSub) OnComplete(streams.Completion) {}
