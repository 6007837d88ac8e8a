package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_Contract(t *testing.T) {
	runBrokerContract(t, func(t *testing.T) Broker {
		b := NewMemoryBroker()
		t.Cleanup(func() { b.Close() })
		return b
	}, brokerCaps{depth: true, dedupJobIDs: true})
}

func TestMemoryBroker_FIFO(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	for _, scene := range []string{"A", "B", "C"} {
		_, err := b.Publish(ctx, "download", testMessage(scene), PublishOptions{})
		require.NoError(t, err)
	}
	for _, want := range []string{"A", "B", "C"} {
		d := receiveWithin(t, b, "download", time.Second)
		msg, err := d.Message()
		require.NoError(t, err)
		assert.Equal(t, want, msg.SceneID)
		require.NoError(t, b.Ack(ctx, d))
	}
}

func TestMemoryBroker_DelayedEntriesWaitTheirTurn(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	_, err := b.Publish(ctx, "download", testMessage("late"), PublishOptions{Delay: time.Hour})
	require.NoError(t, err)
	_, err = b.Publish(ctx, "download", testMessage("now"), PublishOptions{})
	require.NoError(t, err)

	d := receiveWithin(t, b, "download", time.Second)
	msg, err := d.Message()
	require.NoError(t, err)
	assert.Equal(t, "now", msg.SceneID)
}

func TestMemoryBroker_IdleTracksInflight(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()
	assert.True(t, b.Idle())

	_, err := b.Publish(ctx, "download", testMessage("A"), PublishOptions{})
	require.NoError(t, err)
	assert.False(t, b.Idle())

	d := receiveWithin(t, b, "download", time.Second)
	assert.False(t, b.Idle(), "in-flight delivery is not idle")
	require.NoError(t, b.Ack(ctx, d))
	assert.True(t, b.Idle())

	assert.Error(t, b.Ack(ctx, d), "double ack is refused")
}

func TestMemoryBroker_ConcurrentConsumers(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := b.Publish(ctx, "publish", testMessage("S"), PublishOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
				d, err := b.Receive(short, "publish")
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.JobID]++
				mu.Unlock()
				_ = b.Ack(ctx, d)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s delivered more than once", id)
	}
}
