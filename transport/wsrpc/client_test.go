package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odinlabs/ethrpc/transport"
)

// upgradeAndServe starts an httptest server that upgrades every inbound
// request to a WebSocket and runs handle on the server side of each
// connection, returning the client-dialable ws:// URL.
func upgradeAndServe(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// rpcRequest is the minimal shape the test server needs to read a
// client-issued request's id and method off the wire.
type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
}

// echoChainIDHandler answers every request with a fixed eth_chainId-style
// result, matching the response id to the request id.
func echoChainIDHandler(conn net.Conn) {
	defer conn.Close()
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0x1"}`, req.ID)
		if err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(resp)); err != nil {
			return
		}
	}
}

// silentHandler holds the connection open without ever answering, so a
// published request's slot stays pending until the caller's deadline or
// the client is closed out from under it.
func silentHandler(block <-chan struct{}) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		<-block
	}
}

// dropOnceThenEchoHandler drops the first connection immediately (forcing
// the client's reconnect cycle) and answers normally on every connection
// after that.
func dropOnceThenEchoHandler() func(net.Conn) {
	var droppedOnce atomic.Bool
	return func(conn net.Conn) {
		if droppedOnce.CompareAndSwap(false, true) {
			conn.Close()
			return
		}
		echoChainIDHandler(conn)
	}
}

// subscriptionHandler answers eth_subscribe with a fixed subscription id,
// pushes one notification for it, and answers eth_unsubscribe with true.
func subscriptionHandler(notifySent chan<- struct{}) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			if op != ws.OpText {
				continue
			}
			var req rpcRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			switch req.Method {
			case "eth_subscribe":
				resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0xsub1"}`, req.ID)
				if err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(resp)); err != nil {
					return
				}
				notif := `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":{"x":1}}}`
				if err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(notif)); err != nil {
					return
				}
				close(notifySent)
			case "eth_unsubscribe":
				resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":true}`, req.ID)
				if err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(resp)); err != nil {
					return
				}
			}
		}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:                   url,
		MaxPendingRequests:    2,
		RingBufferSize:        4,
		DefaultRequestTimeout: 2 * time.Second,
		Logger:                zerolog.Nop(),
	}
}

func TestClientDialAndCallSucceeds(t *testing.T) {
	url := upgradeAndServe(t, echoChainIDHandler)
	cl, err := Dial(context.Background(), testConfig(url))
	require.NoError(t, err)
	defer cl.Close()

	result, err := cl.Call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(result))
}

// TestClientCallSynchronousBackpressureWhenTableFull drives §8 scenario
// S4 through the real Client: with a one-slot table, of two concurrent
// calls against a server that never answers, exactly one occupies the
// slot (and times out) and the other is rejected synchronously with
// backpressure — never touching the network.
func TestClientCallSynchronousBackpressureWhenTableFull(t *testing.T) {
	block := make(chan struct{})
	url := upgradeAndServe(t, silentHandler(block))
	defer close(block)

	cfg := testConfig(url)
	cfg.MaxPendingRequests = 1
	cfg.DefaultRequestTimeout = 150 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cl, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer cl.Close()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, callErr := cl.Call(context.Background(), "eth_chainId", nil)
			results <- callErr
		}()
	}
	wg.Wait()
	close(results)

	var backpressureCount, timeoutCount int
	for callErr := range results {
		require.Error(t, callErr)
		var terr *transport.Error
		require.ErrorAs(t, callErr, &terr)
		switch terr.Kind {
		case transport.KindBackpressure:
			backpressureCount++
		case transport.KindTimeout:
			timeoutCount++
		default:
			t.Fatalf("unexpected error kind %v", terr.Kind)
		}
	}
	assert.Equal(t, 1, backpressureCount)
	assert.Equal(t, 1, timeoutCount)
}

// TestClientCallTimesOutWhenServerNeverResponds drives §8 scenario S5's
// timeout side through the real Client and sweeper.
func TestClientCallTimesOutWhenServerNeverResponds(t *testing.T) {
	block := make(chan struct{})
	url := upgradeAndServe(t, silentHandler(block))
	defer close(block)

	cfg := testConfig(url)
	cfg.DefaultRequestTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	cl, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer cl.Close()

	start := time.Now()
	_, err = cl.Call(context.Background(), "eth_chainId", nil)
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindTimeout, terr.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

// TestClientReconnectsAfterDroppedConnection drives the reconnect cycle
// (§4.3, DESIGN.md's WaitGroup and CAS-vs-Close fixes) end to end: the
// first connection is severed immediately, and a call issued right after
// Dial still completes once the client reconnects and the new writeLoop
// drains the pending frame.
func TestClientReconnectsAfterDroppedConnection(t *testing.T) {
	url := upgradeAndServe(t, dropOnceThenEchoHandler())

	cfg := testConfig(url)
	cfg.DefaultRequestTimeout = 3 * time.Second
	cfg.Reconnect = ReconnectConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 5}
	cl, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := cl.Call(ctx, "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(result))
}

// TestClientCloseIsIdempotentAndFailsPendingAwaiters drives §6 "Close is
// idempotent" and §4.3 "Shutdown" through the real Client: a pending call
// is failed with transport-closed, a second Close is a no-op, and calls
// after Close are rejected the same way.
func TestClientCloseIsIdempotentAndFailsPendingAwaiters(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	url := upgradeAndServe(t, silentHandler(block))

	cfg := testConfig(url)
	cfg.DefaultRequestTimeout = 5 * time.Second
	cl, err := Dial(context.Background(), cfg)
	require.NoError(t, err)

	pendingErr := make(chan error, 1)
	go func() {
		_, callErr := cl.Call(context.Background(), "eth_chainId", nil)
		pendingErr <- callErr
	}()
	// Give the goroutine a chance to allocate its slot before closing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())

	err = <-pendingErr
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindTransportClosed, terr.Kind)

	_, err = cl.Call(context.Background(), "eth_chainId", nil)
	require.Error(t, err)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindTransportClosed, terr.Kind)
}

// TestClientSubscribeDispatchesNotificationAndUnsubscribeIsIdempotent
// drives C8 through the real Client: Subscribe returns the server's
// subscription id, a pushed notification reaches the callback, and
// Unsubscribe is idempotent (§3, §4.8).
func TestClientSubscribeDispatchesNotificationAndUnsubscribeIsIdempotent(t *testing.T) {
	notifySent := make(chan struct{})
	url := upgradeAndServe(t, subscriptionHandler(notifySent))

	cl, err := Dial(context.Background(), testConfig(url))
	require.NoError(t, err)
	defer cl.Close()

	received := make(chan string, 1)
	id, err := cl.Subscribe(context.Background(), "newHeads", nil, func(result json.RawMessage) {
		received <- string(result)
	})
	require.NoError(t, err)
	assert.Equal(t, "0xsub1", id)

	select {
	case <-notifySent:
	case <-time.After(time.Second):
		t.Fatal("server never sent notification")
	}
	select {
	case got := <-received:
		assert.JSONEq(t, `{"x":1}`, got)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	assert.True(t, cl.Unsubscribe(context.Background(), id))
	assert.False(t, cl.Unsubscribe(context.Background(), id))
}
