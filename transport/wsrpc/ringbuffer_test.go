package wsrpc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundRingPushAndDrainBatch(t *testing.T) {
	r := newOutboundRing(8)
	_, ok := r.push([]byte("a"))
	require.True(t, ok)
	_, ok = r.push([]byte("b"))
	require.True(t, ok)
	_, ok = r.push([]byte("c"))
	require.True(t, ok)

	batch, ok := r.drainBatch()
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, batch)
}

func TestOutboundRingDrainBatchBlocksUntilFirstFrame(t *testing.T) {
	r := newOutboundRing(4)
	done := make(chan [][]byte, 1)
	go func() {
		batch, ok := r.drainBatch()
		if !ok {
			done <- nil
			return
		}
		done <- batch
	}()

	r.push([]byte("only"))
	batch := <-done
	assert.Equal(t, [][]byte{[]byte("only")}, batch)
}

func TestOutboundRingCloseUnblocksDrainBatch(t *testing.T) {
	r := newOutboundRing(4)
	done := make(chan bool, 1)
	go func() {
		_, ok := r.drainBatch()
		done <- ok
	}()
	r.close()
	assert.False(t, <-done)
}

func TestOutboundRingPushAfterCloseReturnsNotOK(t *testing.T) {
	r := newOutboundRing(4)
	r.close()
	_, ok := r.push([]byte("late"))
	assert.False(t, ok)
}

// TestOutboundRingConcurrentPushDuringCloseNeverPanics exercises the race
// between Close()'s ring.close() and a concurrent Call()'s push — push
// must report failure instead of panicking on a send to a closed channel.
func TestOutboundRingConcurrentPushDuringCloseNeverPanics(t *testing.T) {
	r := newOutboundRing(64)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, func() { r.push([]byte("x")) })
		}()
	}
	r.close()
	wg.Wait()
}

func TestOutboundRingSaturationThreshold(t *testing.T) {
	r := newOutboundRing(16)
	for i := 0; i < 15; i++ {
		_, ok := r.push([]byte{byte(i)})
		require.True(t, ok)
	}
	free, ok := r.push([]byte("last"))
	require.True(t, ok)
	assert.Less(t, free, saturationThreshold)
}
