// Package wsrpc implements the WebSocket JSON-RPC transport (C3): a
// persistent multiplexed connection with a lock-free slot table for
// request correlation (C5), write batching, reconnection, and
// subscription dispatch (C8).
package wsrpc

import (
	"encoding/json"
	"sync/atomic"

	"github.com/odinlabs/ethrpc/transport"
)

// Slot states per §3. A slot transitions vacant->pending->completing->
// vacant; it never goes pending->pending without passing through vacant.
const (
	slotVacant int32 = iota
	slotPending
	slotCompleting
)

// outcome is delivered to exactly one awaiter: the result bytes on
// success, or err on failure/timeout/shutdown.
type outcome struct {
	result json.RawMessage
	err    error
}

// slot is one cell of the fixed-size correlation table. Grounded on the
// teacher's copy-on-write atomic.Value subscription index
// (internal/shared/connection.go SubscriptionIndex), adapted here to a
// single-owner CAS protocol per cell instead of copy-on-write snapshots,
// since each slot has exactly one writer at a time by construction.
type slot struct {
	state    int32 // atomic: slotVacant | slotPending | slotCompleting
	id       uint64
	deadline int64 // atomic: wall-clock UnixNano deadline (not monotonic), 0 = none
	ch       chan outcome
}

// slotTable is the fixed power-of-two correlation table described in
// §3/§4.3/§4.5. All access is lock-free via atomic CAS on individual
// slots; the id generator is a single atomic counter.
type slotTable struct {
	mask    uint64
	slots   []slot
	nextID  atomic.Uint64
	pending atomic.Int64 // count of currently-pending slots, for metrics
}

func newSlotTable(size int) *slotTable {
	if size <= 0 || size&(size-1) != 0 {
		panic("wsrpc: slot table size must be a power of two")
	}
	t := &slotTable{
		mask:  uint64(size - 1),
		slots: make([]slot, size),
	}
	t.nextID.Store(0)
	return t
}

// allocate assigns a fresh id, CASes the corresponding slot from vacant
// to pending, and returns a channel the caller can wait on. On CAS
// failure (the slot is still occupied by an older in-flight request)
// the call fails immediately with backpressure — this is the ceiling
// that protects the table (§4.3 step 3).
func (t *slotTable) allocate(deadlineNanos int64) (id uint64, ch chan outcome, err error) {
	id = t.nextID.Add(1)
	idx := id & t.mask
	s := &t.slots[idx]

	if !atomic.CompareAndSwapInt32(&s.state, slotVacant, slotPending) {
		return 0, nil, transport.NewError(transport.KindBackpressure, "in-flight request ceiling reached")
	}

	s.id = id
	atomic.StoreInt64(&s.deadline, deadlineNanos)
	// Channel is buffered by one so the completer never blocks even if
	// the caller has already walked away (context cancellation).
	s.ch = make(chan outcome, 1)
	ch = s.ch
	t.pending.Add(1)
	return id, ch, nil
}

// complete delivers outcome to the awaiter at id's slot, if that slot is
// still pending for id and no other completer has already won the race.
// Taking the slot atomically (pending->completing) guarantees exactly-
// once completion even when the timeout sweeper, the dispatcher, and
// shutdown all race on the same id (§4.3 "Dispatch").
func (t *slotTable) complete(id uint64, oc outcome) completeResult {
	idx := id & t.mask
	s := &t.slots[idx]

	if !atomic.CompareAndSwapInt32(&s.state, slotPending, slotCompleting) {
		return completeUnknownOrRaced
	}
	if s.id != id {
		// Stale completion for a slot that has since been reused by a
		// newer id; release our spurious claim back to pending so the
		// real owner's timeout/dispatch can still find it.
		atomic.StoreInt32(&s.state, slotPending)
		return completeUnknownOrRaced
	}

	ch := s.ch
	s.ch = nil
	atomic.StoreInt64(&s.deadline, 0)
	atomic.StoreInt32(&s.state, slotVacant)
	t.pending.Add(-1)

	ch <- oc
	close(ch)
	return completeOK
}

type completeResult int

const (
	completeOK completeResult = iota
	completeUnknownOrRaced
)

// sweepExpired walks the table and fails any pending slot whose deadline
// has passed with a KindTimeout outcome (§4.3 "Timeouts"). nowNanos must
// be a reading on the same clock as the deadlines passed to allocate;
// the Client uses wall-clock time.Now().UnixNano() for both, so a step
// of the system clock moves every pending deadline with it.
func (t *slotTable) sweepExpired(nowNanos int64) {
	for i := range t.slots {
		s := &t.slots[i]
		if atomic.LoadInt32(&s.state) != slotPending {
			continue
		}
		deadline := atomic.LoadInt64(&s.deadline)
		if deadline == 0 || nowNanos < deadline {
			continue
		}
		t.complete(s.id, outcome{err: transport.NewError(transport.KindTimeout, "request timed out")})
	}
}

// failAll atomically drains every pending entry with cause, used on
// reconnect-exhaustion and shutdown (§4.3 "Shutdown", C5 fail_all).
func (t *slotTable) failAll(cause error) {
	for i := range t.slots {
		s := &t.slots[i]
		if atomic.LoadInt32(&s.state) != slotPending {
			continue
		}
		t.complete(s.id, outcome{err: cause})
	}
}

// inFlight reports the current pending count, for metrics/observability.
func (t *slotTable) inFlight() int64 {
	return t.pending.Load()
}
