package wsrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/odinlabs/ethrpc/internal/metrics"
	"github.com/odinlabs/ethrpc/jsonrpc"
	"github.com/odinlabs/ethrpc/transport"
	"github.com/rs/zerolog"
)

// connState models §4.3's "connecting -> open -> (closing | reconnecting)
// -> {open | terminated}" state machine.
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateReconnecting
	stateTerminated
)

// ReconnectConfig controls the exponential-backoff reconnect cycle
// (§4.3): base 100ms, doubling, capped at 5s, at most 5 attempts per
// cycle before the connection is declared terminal.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, MaxAttempts: 5}
}

// Config configures a Client.
type Config struct {
	URL                   string
	MaxPendingRequests    int // slot table size, power of two (default 65536)
	RingBufferSize        int // outbound ring capacity, power of two (default 4096)
	DefaultRequestTimeout time.Duration
	Reconnect             ReconnectConfig
	Sink                  metrics.Sink
	Logger                zerolog.Logger
	Executor              CallbackExecutor // nil => default goroutine-per-task, owned by the client
	SweepInterval         time.Duration    // default 100ms
}

func (c *Config) setDefaults() {
	if c.MaxPendingRequests == 0 {
		c.MaxPendingRequests = 65536
	}
	if c.RingBufferSize == 0 {
		c.RingBufferSize = 4096
	}
	if c.DefaultRequestTimeout == 0 {
		c.DefaultRequestTimeout = 30 * time.Second
	}
	if c.Reconnect == (ReconnectConfig{}) {
		c.Reconnect = DefaultReconnectConfig()
	}
	if c.Sink == nil {
		c.Sink = metrics.NoopSink{}
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 100 * time.Millisecond
	}
}

// Client is the persistent, multiplexed WebSocket JSON-RPC transport
// (C3). It satisfies transport.Transport and additionally exposes
// Subscribe/Unsubscribe (C8).
type Client struct {
	cfg Config

	connMu sync.Mutex
	conn   net.Conn

	table *slotTable
	subs  *subscriptionTable
	ring  *outboundRing

	state     atomic.Int32
	closeOnce sync.Once
	stopCh    chan struct{}
	execOwned bool
	exec      CallbackExecutor
	// loops tracks every reader/writer/sweeper goroutine across the
	// client's lifetime, including ones (re)spawned after a reconnect —
	// a WaitGroup handles repeated Add/Done cleanly where a one-shot
	// close(chan) would panic on the second reconnect.
	loops sync.WaitGroup
}

// Dial connects to cfg.URL and starts the reader/writer/sweeper loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()

	exec := cfg.Executor
	owned := false
	if exec == nil {
		exec = NewGoroutinePerTaskExecutor(cfg.Logger)
		owned = true
	}

	c := &Client{
		cfg:       cfg,
		table:     newSlotTable(cfg.MaxPendingRequests),
		subs:      newSubscriptionTable(exec, cfg.Logger),
		ring:      newOutboundRing(cfg.RingBufferSize),
		stopCh:    make(chan struct{}),
		execOwned: owned,
		exec:      exec,
	}
	c.state.Store(int32(stateConnecting))

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, &transport.Error{Kind: transport.KindTransportClosed, Message: "initial dial failed", Cause: err}
	}
	c.conn = conn
	c.state.Store(int32(stateOpen))

	c.loops.Add(3)
	go c.readLoop()
	go c.writeLoop()
	go c.sweepLoop()

	return c, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, _, _, err := ws.DefaultDialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) currentState() connState {
	return connState(c.state.Load())
}

// Call implements transport.Transport (§4.3 slot allocation steps 1-5,
// C5 allocate, and the suspension contract of §5).
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.currentState() == stateTerminated {
		return nil, transport.NewError(transport.KindTransportClosed, "websocket transport closed")
	}

	deadline := c.deadlineFor(ctx)
	id, ch, err := c.table.allocate(deadline)
	if err != nil {
		c.cfg.Sink.OnBackpressure()
		return nil, err
	}
	c.cfg.Sink.SetInFlight(c.table.inFlight())

	frame := jsonrpc.EncodeRequest(nil, jsonrpc.Request{ID: id, Method: method, Params: params})
	free, ok := c.ring.push(frame)
	if !ok {
		c.table.complete(id, outcome{err: transport.NewError(transport.KindTransportClosed, "websocket transport closed")})
		return nil, transport.NewError(transport.KindTransportClosed, "websocket transport closed")
	}
	if free < saturationThreshold {
		c.cfg.Sink.OnRingSaturation(int(free*float64(c.cfg.RingBufferSize)), c.cfg.RingBufferSize)
	}

	select {
	case oc := <-ch:
		return c.translate(method, oc)
	case <-ctx.Done():
		res := c.table.complete(id, outcome{err: ctxCanceledError(ctx)})
		if res == completeOK {
			return nil, ctxCanceledError(ctx)
		}
		// The dispatcher/sweeper already won the race; take whatever
		// outcome they delivered instead of racing them a second time.
		oc := <-ch
		return c.translate(method, oc)
	}
}

func ctxCanceledError(ctx context.Context) error {
	return &transport.Error{Kind: transport.KindTimeout, Message: "caller context done", Cause: ctx.Err()}
}

func (c *Client) deadlineFor(ctx context.Context) int64 {
	timeout := c.cfg.DefaultRequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			timeout = d
		}
	}
	return time.Now().Add(timeout).UnixNano()
}

func (c *Client) translate(method string, oc outcome) (json.RawMessage, error) {
	if oc.err != nil {
		if e, ok := oc.err.(*transport.Error); ok && e.Kind == transport.KindTimeout {
			c.cfg.Sink.OnTimeout(method)
		}
		return nil, oc.err
	}
	return oc.result, nil
}

// writeLoop is the single I/O consumer draining the ring buffer in
// batches and writing them without flushing until the end of the batch
// (§4.3 "Batching"), grounded on the teacher's writePump.
func (c *Client) writeLoop() {
	defer c.loops.Done()
	writer := bufio.NewWriter(c.conn)
	for {
		batch, ok := c.ring.drainBatch()
		if !ok {
			return
		}
		for _, frame := range batch {
			if err := wsutil.WriteClientMessage(writer, ws.OpText, frame); err != nil {
				c.cfg.Logger.Debug().Err(err).Msg("wsrpc: write failed, triggering reconnect")
				c.triggerReconnect(err)
				return
			}
		}
		if err := writer.Flush(); err != nil {
			c.cfg.Logger.Debug().Err(err).Msg("wsrpc: flush failed, triggering reconnect")
			c.triggerReconnect(err)
			return
		}
	}
}

// readLoop parses each incoming frame (C1) and either hands it to the
// slot table (response) or the subscription layer (notification),
// per §4.3 "Dispatch".
func (c *Client) readLoop() {
	defer c.loops.Done()
	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			c.cfg.Logger.Debug().Err(err).Msg("wsrpc: read failed, triggering reconnect")
			c.triggerReconnect(err)
			return
		}
		if op != ws.OpText {
			continue
		}

		resp, notif, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("wsrpc: malformed frame, dropped")
			continue
		}
		if notif != nil {
			c.subs.dispatch(notif.Subscription, notif.Result)
			continue
		}

		var oc outcome
		if resp.Error != nil {
			if hexPayload, isRevert := transport.IsRevertData(resp.Error.Data); isRevert {
				oc = outcome{err: &transport.Error{Kind: transport.KindRevert, Message: resp.Error.Message, RawHex: hexPayload, Code: resp.Error.Code, Data: resp.Error.Data}}
			} else {
				oc = outcome{err: &transport.Error{Kind: transport.KindRPCError, Message: resp.Error.Message, Code: resp.Error.Code, Data: resp.Error.Data}}
			}
		} else {
			oc = outcome{result: resp.Result}
		}
		c.table.complete(resp.ID, oc)
		c.cfg.Sink.SetInFlight(c.table.inFlight())
	}
}

// sweepLoop fails pending slots whose deadline has passed (§4.3
// "Timeouts"), at SweepInterval.
func (c *Client) sweepLoop() {
	defer c.loops.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.table.sweepExpired(time.Now().UnixNano())
		case <-c.stopCh:
			return
		}
	}
}

// triggerReconnect transitions the client into the reconnecting state
// and starts the reconnect cycle, unless a close is already underway or
// the client is already terminated.
func (c *Client) triggerReconnect(cause error) {
	if !c.state.CompareAndSwap(int32(stateOpen), int32(stateReconnecting)) {
		return
	}
	go c.reconnectCycle(cause)
}

// reconnectCycle implements §4.3's bounded exponential backoff: base
// 100ms, doubling, capped at 5s, at most 5 attempts. On terminal
// failure every pending awaiter is failed with transport-closed (§9
// "Reconnect must not silently swallow pending awaiters").
func (c *Client) reconnectCycle(cause error) {
	delay := c.cfg.Reconnect.BaseDelay
	for attempt := 1; attempt <= c.cfg.Reconnect.MaxAttempts; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			if !c.state.CompareAndSwap(int32(stateReconnecting), int32(stateOpen)) {
				// Close() raced us to Terminated while the dial was in
				// flight; this connection has no owner, drop it.
				conn.Close()
				return
			}
			c.connMu.Lock()
			c.conn = conn
			c.connMu.Unlock()
			c.cfg.Sink.OnReconnect()
			c.loops.Add(2)
			go c.readLoop()
			go c.writeLoop()
			return
		}

		c.cfg.Logger.Warn().Err(err).Int("attempt", attempt).Msg("wsrpc: reconnect attempt failed")
		delay *= 2
		if delay > c.cfg.Reconnect.MaxDelay {
			delay = c.cfg.Reconnect.MaxDelay
		}
	}

	c.state.Store(int32(stateTerminated))
	terminal := &transport.Error{Kind: transport.KindTransportClosed, Message: "reconnect attempts exhausted", Cause: cause}
	c.table.failAll(terminal)
	c.subs.failAll()
}

// Subscribe registers a subscription over eth_subscribe and dispatches
// notifications to cb on the client's CallbackExecutor (C8). Callbacks
// never run on the I/O reactor.
func (c *Client) Subscribe(ctx context.Context, subType string, params []any, cb Callback) (string, error) {
	allParams := append([]any{subType}, params...)
	result, err := c.Call(ctx, "eth_subscribe", allParams)
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		return "", &transport.Error{Kind: transport.KindParseError, Message: "invalid subscription id", Cause: err}
	}
	c.subs.register(id, cb)
	return id, nil
}

// Unsubscribe tears down a subscription. Idempotent: a second call for
// the same id is a no-op that returns false. Transport failures during
// the eth_unsubscribe call are logged but not propagated (§4.8).
func (c *Client) Unsubscribe(ctx context.Context, id string) bool {
	existed := c.subs.unregister(id)
	if !existed {
		return false
	}
	if _, err := c.Call(ctx, "eth_unsubscribe", []any{id}); err != nil {
		c.cfg.Logger.Warn().Err(err).Str("subscription_id", id).Msg("wsrpc: eth_unsubscribe failed; subscription already removed locally")
	}
	return true
}

// Close idempotently shuts the client down: stops accepting new
// publishes, fails all pending awaiters with transport-closed, halts
// the ring buffer, closes the connection, and — if the callback
// executor was created internally — shuts it down too (§4.3 "Shutdown",
// §5 "owned-or-borrowed").
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateTerminated))
		close(c.stopCh)
		c.table.failAll(transport.NewError(transport.KindTransportClosed, "client closed"))
		c.subs.failAll()
		c.ring.close()
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()
		c.loops.Wait()
		if c.execOwned {
			c.exec.Shutdown()
		}
	})
	return nil
}

var _ transport.Transport = (*Client)(nil)

func init() {
	// Fail fast and loudly if reconnect defaults are ever misconfigured
	// to zero, rather than looping with a zero delay.
	if d := DefaultReconnectConfig(); d.BaseDelay <= 0 || d.MaxDelay <= 0 || d.MaxAttempts <= 0 {
		panic(fmt.Sprintf("wsrpc: invalid default reconnect config: %+v", d))
	}
}
