package keyed

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n int
}

func newCounter() *counter { return &counter{} }

func TestMapDoSerializesPerKey(t *testing.T) {
	m := New[counter](4)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Do("hot", newCounter, func(c *counter) { c.n++ })
			}
		}()
	}
	wg.Wait()

	var got int
	require.True(t, m.Peek("hot", func(c *counter) { got = c.n }))
	assert.Equal(t, 5000, got)
}

func TestMapPeekMissingKey(t *testing.T) {
	m := New[counter](0)
	called := false
	assert.False(t, m.Peek("missing", func(*counter) { called = true }))
	assert.False(t, called, "callback must not run for a missing key")
}

func TestMapDeleteIf(t *testing.T) {
	m := New[counter](8)
	for i := 0; i < 20; i++ {
		key := strconv.Itoa(i)
		m.Do(key, newCounter, func(c *counter) { c.n = i })
	}

	removed := m.DeleteIf(func(_ string, c *counter) bool { return c.n%2 == 0 })
	assert.Equal(t, 10, removed)
	assert.Equal(t, 10, m.Len())

	m.Range(func(key string, c *counter) {
		assert.NotZero(t, c.n%2, "key %s should have been removed", key)
	})
}
