package streams_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gokit/streams"
)

func TestAtomicBoolFlipOnWinsOnce(t *testing.T) {
	var b streams.AtomicBool
	assert.False(t, b.IsTrue())

	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.FlipOn() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.True(t, b.IsTrue())

	b.Off()
	assert.False(t, b.IsTrue())
	b.On()
	assert.True(t, b.IsTrue())
}

func TestAtomicCounter(t *testing.T) {
	var c streams.AtomicCounter
	assert.Equal(t, int64(0), c.Get())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), c.Get())

	c.IncBy(5)
	assert.Equal(t, int64(15), c.Get())
	assert.Equal(t, int64(14), c.Dec())

	c.Set(3)
	assert.Equal(t, int64(3), c.Get())
}
