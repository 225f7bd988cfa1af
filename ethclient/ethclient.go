// Package ethclient implements C6, the typed read client exposed over
// any transport.Transport (HTTP or WebSocket), wrapped in the C4 retry
// engine. Each method builds its method-specific parameter map, issues
// it through retry.Run, and translates the raw result/error into a
// typed value or a *transport.Error. Grounded on the teacher pack's
// AlchemyProvider.rpcCall pattern (thin per-method wrappers around one
// shared call path).
package ethclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/odinlabs/ethrpc/jsonrpc"
	"github.com/odinlabs/ethrpc/retry"
	"github.com/odinlabs/ethrpc/transport"
)

// Client is the C6 read client.
type Client struct {
	t          transport.Transport
	retryCfg   retry.Config
	maxRetries int
}

// New wraps t with the retry engine using cfg and maxRetries attempts.
func New(t transport.Transport, cfg retry.Config, maxRetries int) *Client {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	cfg.MaxAttempts = maxRetries
	return &Client{t: t, retryCfg: cfg, maxRetries: maxRetries}
}

// RawCall issues an arbitrary JSON-RPC method through the same retry
// engine as the typed methods, for callers (e.g. txpipeline) that need
// a method this client doesn't expose a typed wrapper for.
func (c *Client) RawCall(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	result, err := retry.Run(ctx, c.retryCfg, func(ctx context.Context) (interface{}, error) {
		return c.t.Call(ctx, method, params)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// BlockTag is either a named tag ("latest", "pending", "earliest",
// "safe", "finalized") or an explicit block number.
type BlockTag struct {
	tag    string
	number *big.Int
}

func Latest() BlockTag    { return BlockTag{tag: "latest"} }
func Pending() BlockTag   { return BlockTag{tag: "pending"} }
func Earliest() BlockTag  { return BlockTag{tag: "earliest"} }
func Safe() BlockTag      { return BlockTag{tag: "safe"} }
func Finalized() BlockTag { return BlockTag{tag: "finalized"} }
func ByNumber(n *big.Int) BlockTag { return BlockTag{number: n} }

func (b BlockTag) wireValue() any {
	if b.number != nil {
		return jsonrpc.EncodeHexBig(b.number)
	}
	if b.tag == "" {
		return "latest"
	}
	return b.tag
}

// ChainID returns the connected chain's id (§4.6 "chain id").
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	raw, err := c.call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeHexBigString(raw)
}

// BlockByTag fetches a block by tag or number, optionally with full
// transaction objects.
func (c *Client) BlockByTag(ctx context.Context, tag BlockTag, fullTx bool) (json.RawMessage, error) {
	return c.call(ctx, "eth_getBlockByNumber", []any{tag.wireValue(), fullTx})
}

// BlockByNumber is a convenience wrapper over BlockByTag.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int, fullTx bool) (json.RawMessage, error) {
	return c.BlockByTag(ctx, ByNumber(number), fullTx)
}

// Balance fetches the native balance of address at tag.
func (c *Client) Balance(ctx context.Context, address string, tag BlockTag) (*big.Int, error) {
	raw, err := c.call(ctx, "eth_getBalance", []any{address, tag.wireValue()})
	if err != nil {
		return nil, err
	}
	return decodeHexBigString(raw)
}

// Code fetches the deployed code at address.
func (c *Client) Code(ctx context.Context, address string, tag BlockTag) ([]byte, error) {
	raw, err := c.call(ctx, "eth_getCode", []any{address, tag.wireValue()})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, &transport.Error{Kind: transport.KindParseError, Message: "invalid code payload", Cause: err}
	}
	return decodeHexBytes(hexStr)
}

// StorageAt fetches a single storage slot.
func (c *Client) StorageAt(ctx context.Context, address, slot string, tag BlockTag) ([]byte, error) {
	raw, err := c.call(ctx, "eth_getStorageAt", []any{address, slot, tag.wireValue()})
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, &transport.Error{Kind: transport.KindParseError, Message: "invalid storage payload", Cause: err}
	}
	return decodeHexBytes(hexStr)
}

// TransactionByHash fetches a transaction by hash.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.call(ctx, "eth_getTransactionByHash", []any{hash})
}

// TransactionReceipt fetches a transaction's receipt.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.call(ctx, "eth_getTransactionReceipt", []any{hash})
}

// CallMsg is the message shape accepted by Call/EstimateGas/CreateAccessList.
type CallMsg struct {
	From     string
	To       string
	Gas      *uint64
	GasPrice *big.Int
	Value    *big.Int
	Data     []byte
}

func (m CallMsg) wireValue() map[string]any {
	obj := map[string]any{}
	if m.From != "" {
		obj["from"] = m.From
	}
	if m.To != "" {
		obj["to"] = m.To
	}
	if m.Gas != nil {
		obj["gas"] = jsonrpc.EncodeHexUint64(*m.Gas)
	}
	if m.GasPrice != nil {
		obj["gasPrice"] = jsonrpc.EncodeHexBig(m.GasPrice)
	}
	if m.Value != nil {
		obj["value"] = jsonrpc.EncodeHexBig(m.Value)
	}
	if len(m.Data) > 0 {
		obj["data"] = "0x" + hexEncode(m.Data)
	}
	return obj
}

// Call performs eth_call at tag (§4.6 "call at tag"): a 0x revert
// payload longer than 10 hex chars raises revert; any other error is an
// rpc-error.
func (c *Client) Call(ctx context.Context, msg CallMsg, tag BlockTag) (json.RawMessage, error) {
	result, err := c.call(ctx, "eth_call", []any{msg.wireValue(), tag.wireValue()})
	if err != nil {
		return nil, translateCallError(err)
	}
	return result, nil
}

func translateCallError(err error) error {
	e, ok := err.(*transport.Error)
	if !ok || e.Kind != transport.KindRPCError {
		return err
	}
	if hexPayload, isRevert := transport.IsRevertData(e.Data); isRevert {
		return &transport.Error{Kind: transport.KindRevert, Message: e.Message, RawHex: hexPayload, Code: e.Code, Data: e.Data, Cause: e.Cause}
	}
	return err
}

// EstimateGas estimates gas for msg.
func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	raw, err := c.call(ctx, "eth_estimateGas", []any{msg.wireValue()})
	if err != nil {
		return 0, translateCallError(err)
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, &transport.Error{Kind: transport.KindParseError, Message: "invalid gas estimate payload", Cause: err}
	}
	return jsonrpc.DecodeHexUint64(hexStr)
}

// CreateAccessList runs eth_createAccessList.
func (c *Client) CreateAccessList(ctx context.Context, msg CallMsg, tag BlockTag) (json.RawMessage, error) {
	result, err := c.call(ctx, "eth_createAccessList", []any{msg.wireValue(), tag.wireValue()})
	if err != nil {
		return nil, translateCallError(err)
	}
	return result, nil
}

// LogFilter is the parameter shape for eth_getLogs (§4.6 "logs").
// Absent FromBlock/ToBlock are omitted; Addresses becomes a scalar when
// it holds exactly one entry and an array otherwise; Topics preserves
// null positions between non-null entries, matching positional EVM
// topic-filter semantics.
type LogFilter struct {
	FromBlock *BlockTag
	ToBlock   *BlockTag
	Addresses []string
	Topics    []*string // nil entry => wildcard position
	BlockHash string
}

func (f LogFilter) wireValue() map[string]any {
	obj := map[string]any{}
	if f.FromBlock != nil {
		obj["fromBlock"] = f.FromBlock.wireValue()
	}
	if f.ToBlock != nil {
		obj["toBlock"] = f.ToBlock.wireValue()
	}
	if f.BlockHash != "" {
		obj["blockHash"] = f.BlockHash
	}
	if len(f.Addresses) == 1 {
		obj["address"] = f.Addresses[0]
	} else if len(f.Addresses) > 1 {
		obj["address"] = f.Addresses
	}
	if len(f.Topics) > 0 {
		topics := make([]any, len(f.Topics))
		for i, t := range f.Topics {
			if t == nil {
				topics[i] = nil
			} else {
				topics[i] = *t
			}
		}
		obj["topics"] = topics
	}
	return obj
}

// Logs fetches logs matching filter.
func (c *Client) Logs(ctx context.Context, filter LogFilter) (json.RawMessage, error) {
	return c.call(ctx, "eth_getLogs", []any{filter.wireValue()})
}

// Simulate runs eth_simulateV1 (§4.6 "simulate"). The raw result may be
// either a single block-result object or an array of them; callers
// decode whichever shape their decoder expects — this method returns
// the raw payload unmodified so both forms are representable.
func (c *Client) Simulate(ctx context.Context, payload json.RawMessage, tag BlockTag) (json.RawMessage, error) {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, &transport.Error{Kind: transport.KindParseError, Message: "invalid simulate payload", Cause: err}
	}
	result, err := c.call(ctx, "eth_simulateV1", []any{body, tag.wireValue()})
	if err != nil {
		if e, ok := err.(*transport.Error); ok && e.Kind == transport.KindRPCError && isMethodNotFound(e) {
			return nil, &transport.Error{Kind: transport.KindSimulateUnsup, Message: "eth_simulateV1 not supported by this node", Code: e.Code, Cause: e.Cause}
		}
		return nil, translateCallError(err)
	}
	return result, nil
}

func isMethodNotFound(e *transport.Error) bool {
	return e.Code == -32601
}

// BlobBaseFee returns eth_blobBaseFee (EIP-4844).
func (c *Client) BlobBaseFee(ctx context.Context) (*big.Int, error) {
	raw, err := c.call(ctx, "eth_blobBaseFee", nil)
	if err != nil {
		return nil, err
	}
	return decodeHexBigString(raw)
}

func decodeHexBigString(raw json.RawMessage) (*big.Int, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, &transport.Error{Kind: transport.KindParseError, Message: "invalid hex-quantity payload", Cause: err}
	}
	return jsonrpc.DecodeHexBig(hexStr)
}

func decodeHexBytes(hexStr string) ([]byte, error) {
	if hexStr == "0x" || hexStr == "" {
		return []byte{}, nil
	}
	return hexDecode(hexStr)
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}

func hexDecode(s string) ([]byte, error) {
	if len(s) < 2 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return nil, fmt.Errorf("ethclient: not a hex string: %q", s)
	}
	s = s[2:]
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("ethclient: invalid hex digit %q", c)
	}
}
