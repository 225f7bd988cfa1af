package wsrpc

import "sync/atomic"

// outboundRing is the multi-producer/single-consumer write-batching
// queue described in §4.3 "Batching" / §9 "ring-buffer batcher": any
// MPSC queue with an end-of-batch indicator, capacity a power of two
// for cheap masking. Grounded on the teacher's writePump drain-then-
// flush loop (internal/shared/pump_write.go), generalized from one
// channel per client to a single shared queue feeding the one I/O
// writer goroutine.
//
// A Go buffered channel is already a correct MPSC queue; the "ring
// buffer" property the spec cares about (bounded capacity, cheap
// occupancy check, single consumer draining in batches) falls out of
// channel semantics directly, so this wraps one rather than hand-rolling
// a CAS ring — the lock-free requirement in §9 is explicitly scoped to
// the slot table, not the write queue.
type outboundRing struct {
	frames   chan []byte
	capacity int
	closed   atomic.Bool
}

func newOutboundRing(capacity int) *outboundRing {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("wsrpc: ring buffer capacity must be a power of two")
	}
	return &outboundRing{frames: make(chan []byte, capacity), capacity: capacity}
}

// saturationThreshold is the free-capacity fraction below which a
// saturation signal is emitted to the metrics sink (§4.3, §5).
const saturationThreshold = 0.10

// push enqueues frame for transmission. ok is false when the ring has
// been shut down concurrently with this call — Call()'s terminated
// check at entry and Close()'s ring.close() are not mutually exclusive,
// so this recovers from the send-on-closed-channel panic that would
// otherwise race a concurrent close rather than requiring callers to
// serialize around it.
func (r *outboundRing) push(frame []byte) (freeFraction float64, ok bool) {
	if r.closed.Load() {
		return 0, false
	}
	defer func() {
		if recover() != nil {
			freeFraction, ok = 0, false
		}
	}()
	r.frames <- frame
	free := r.capacity - len(r.frames)
	return float64(free) / float64(r.capacity), true
}

// drainBatch blocks for at least one frame, then drains whatever else is
// immediately available without blocking, returning the full batch. This
// mirrors the teacher's "drain channel before flush" optimization: one
// flush per batch instead of one per message.
func (r *outboundRing) drainBatch() (batch [][]byte, ok bool) {
	first, open := <-r.frames
	if !open {
		return nil, false
	}
	n := len(r.frames)
	batch = make([][]byte, 0, n+1)
	batch = append(batch, first)
	for i := 0; i < n; i++ {
		f, open := <-r.frames
		if !open {
			return batch, true
		}
		batch = append(batch, f)
	}
	return batch, true
}

func (r *outboundRing) close() {
	r.closed.Store(true)
	close(r.frames)
}
