package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/odinlabs/ethrpc/internal/metrics"
	"github.com/odinlabs/ethrpc/jsonrpc"
	"github.com/rs/zerolog"
)

// HTTPConfig configures the one-shot HTTP JSON-RPC transport (C2).
type HTTPConfig struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Headers        map[string]string
	Logger         zerolog.Logger
	Sink           metrics.Sink
}

// HTTPTransport issues one request per call and parses one response.
// Honors a connect timeout and a read timeout independently (§4.2).
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
	sink    metrics.Sink
	nextID  uint64
	closed  bool
}

// NewHTTPTransport builds an HTTPTransport from cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	client := &http.Client{
		Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ResponseHeaderTimeout: cfg.ReadTimeout,
		},
	}
	sink := cfg.Sink
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		logger:  cfg.Logger,
		sink:    sink,
	}
}

// Call sends method/params as a single JSON-RPC request and returns its
// result. Non-2xx responses become KindHTTPError; JSON parse failures
// become KindParseError.
func (t *HTTPTransport) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if t.closed {
		return nil, NewError(KindTransportClosed, "http transport closed")
	}

	t.nextID++
	id := t.nextID
	body := jsonrpc.EncodeRequest(nil, jsonrpc.Request{ID: id, Method: method, Params: params})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindParseError, Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.logger.Debug().Str("method", method).Uint64("id", id).Msg("http rpc call")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			t.sink.OnTimeout(method)
			return nil, &Error{Kind: KindTimeout, Message: "request deadline exceeded", Cause: err}
		}
		return nil, &Error{Kind: KindHTTPError, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindParseError, Message: "failed to read body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Kind:    KindHTTPError,
			Message: "non-2xx response",
			Status:  resp.StatusCode,
			Body:    respBody,
		}
	}

	rpcResp, _, err := jsonrpc.DecodeMessage(respBody)
	if err != nil {
		return nil, &Error{Kind: KindParseError, Message: "invalid json-rpc envelope", Cause: err}
	}
	if rpcResp.Error != nil {
		return nil, &Error{
			Kind:    KindRPCError,
			Message: rpcResp.Error.Message,
			Code:    rpcResp.Error.Code,
			Data:    rpcResp.Error.Data,
		}
	}
	return rpcResp.Result, nil
}

// Close marks the transport closed; subsequent Call invocations surface
// KindTransportClosed (§6 "Exit conditions"). Idempotent.
func (t *HTTPTransport) Close() error {
	t.closed = true
	return nil
}
