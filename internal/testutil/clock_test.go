package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtEpoch(t *testing.T) {
	clock := NewClock(time.Millisecond)
	assert.Equal(t, Epoch, clock.Peek())
}

func TestClock_NowTicksMonotonically(t *testing.T) {
	clock := NewClock(time.Millisecond)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Millisecond), clock.Now())
	assert.Equal(t, Epoch.Add(2*time.Millisecond), clock.Peek())
}

func TestClock_ZeroStepIsFrozen(t *testing.T) {
	clock := NewClock(0)
	clock.Now()
	assert.Equal(t, Epoch, clock.Now())

	clock.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), clock.Now())
}

func TestClock_Reset(t *testing.T) {
	clock := NewClock(time.Second)
	clock.Now()
	clock.Advance(time.Minute)

	clock.Reset()
	assert.Equal(t, Epoch, clock.Peek())
}

func TestClock_ConcurrentReadsAreDistinct(t *testing.T) {
	clock := NewClock(time.Microsecond)
	const readers = 50

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[time.Time]bool)
	)
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := clock.Now()
			mu.Lock()
			seen[now] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, readers)
	assert.Equal(t, Epoch.Add(readers*time.Microsecond), clock.Peek())
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("")
	assert.Equal(t, "job-0001", ids.Next())
	assert.Equal(t, "job-0002", ids.Next())

	other := NewSequentialIDs("scene")
	assert.Equal(t, "scene-0001", other.Next())
}
