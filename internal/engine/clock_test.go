package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_ZeroValue(t *testing.T) {
	var c Clock
	assert.Equal(t, Tick(0), c.Now(), "new clock should start at 0")
}

func TestClock_Advance(t *testing.T) {
	c := NewClockAt(41)

	// Advance increments then returns
	assert.Equal(t, Tick(42), c.Advance())
	assert.Equal(t, Tick(43), c.Advance())
	assert.Equal(t, Tick(43), c.Now())
}

func TestClock_Wraps(t *testing.T) {
	c := NewClockAt(0xFFFFFFFF)
	assert.Equal(t, Tick(0), c.Advance())
}

func TestClock_ConcurrentReads(t *testing.T) {
	c := &Clock{}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 1000 {
			c.Advance()
		}
	}()
	for range 100 {
		_ = c.Now()
	}
	wg.Wait()
	assert.Equal(t, Tick(1000), c.Now())
}
