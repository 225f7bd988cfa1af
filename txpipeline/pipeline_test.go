package txpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/odinlabs/ethrpc/chainext"
	"github.com/odinlabs/ethrpc/ethclient"
	"github.com/odinlabs/ethrpc/retry"
	"github.com/odinlabs/ethrpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	handlers map[string]func(params []any) (json.RawMessage, error)
}

func (f *fakeTransport) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	h, ok := f.handlers[method]
	if !ok {
		return nil, fmt.Errorf("unhandled method %s", method)
	}
	return h(params)
}
func (f *fakeTransport) Close() error { return nil }

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func testRetryConfig() retry.Config {
	return retry.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterMax: 0.1, MaxAttempts: 1}
}

type fakeSigner struct {
	address string
}

func (s *fakeSigner) Sign(unsigned chainext.UnsignedTx, chainID *big.Int) (chainext.Signature, error) {
	return chainext.Signature{R: big.NewInt(1), S: big.NewInt(2), YParity: 1}, nil
}
func (s *fakeSigner) Address() string { return s.address }

type fakeEncoder struct{}

func (fakeEncoder) Encode(unsigned chainext.UnsignedTx, sig chainext.Signature) ([]byte, error) {
	return []byte{0xde, 0xad, 0xbe, 0xef}, nil
}

type fakeRevertDecoder struct{}

func (fakeRevertDecoder) Decode(rawHex string) (chainext.RevertDecoded, error) {
	return chainext.RevertDecoded{Kind: "Error", Reason: "insufficient balance", RawHex: rawHex}, nil
}

func newTestPipeline(t *testing.T, handlers map[string]func([]any) (json.RawMessage, error), profile chainext.ChainProfile, expected *big.Int) *Pipeline {
	t.Helper()
	ft := &fakeTransport{handlers: handlers}
	reader := ethclient.New(ft, testRetryConfig(), 1)
	return New(Config{
		Reader:        reader,
		Signer:        &fakeSigner{address: "0xsender"},
		Encoder:       fakeEncoder{},
		RevertDecoder: fakeRevertDecoder{},
		Profile:       profile,
		ExpectedChainID: expected,
	})
}

func TestSendLegacyHappyPath(t *testing.T) {
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_chainId":               func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_getTransactionCount":   func([]any) (json.RawMessage, error) { return raw(`"0x5"`), nil },
		"eth_estimateGas":           func([]any) (json.RawMessage, error) { return raw(`"0x5208"`), nil },
		"eth_gasPrice":              func([]any) (json.RawMessage, error) { return raw(`"0x3b9aca00"`), nil },
		"eth_sendRawTransaction":    func([]any) (json.RawMessage, error) { return raw(`"0xhash123"`), nil },
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{Supports1559: false}, nil)
	hash, err := p.Send(context.Background(), Request{To: "0xdead", Value: big.NewInt(0)})
	require.NoError(t, err)
	assert.Equal(t, "0xhash123", hash)
}

func TestSendChainMismatch(t *testing.T) {
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_chainId": func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{}, big.NewInt(99))
	_, err := p.Send(context.Background(), Request{To: "0xdead"})
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindChainMismatch, terr.Kind)
}

func TestChainIDCachedAcrossCalls(t *testing.T) {
	calls := 0
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_chainId": func([]any) (json.RawMessage, error) {
			calls++
			return raw(`"0x1"`), nil
		},
		"eth_getTransactionCount": func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_estimateGas":         func([]any) (json.RawMessage, error) { return raw(`"0x5208"`), nil },
		"eth_gasPrice":            func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_sendRawTransaction":  func([]any) (json.RawMessage, error) { return raw(`"0xhash"`), nil },
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{}, nil)
	_, err := p.Send(context.Background(), Request{To: "0xdead"})
	require.NoError(t, err)
	_, err = p.Send(context.Background(), Request{To: "0xdead"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSendEIP1559FallsBackWhenUnsupported(t *testing.T) {
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_chainId":             func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_getTransactionCount": func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_estimateGas":         func([]any) (json.RawMessage, error) { return raw(`"0x5208"`), nil },
		"eth_gasPrice":            func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_sendRawTransaction":  func([]any) (json.RawMessage, error) { return raw(`"0xhash"`), nil },
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{Supports1559: false}, nil)
	hash, err := p.Send(context.Background(), Request{To: "0xdead", WantEIP1559: true})
	require.NoError(t, err)
	assert.Equal(t, "0xhash", hash)
}

func TestSendInvalidSender(t *testing.T) {
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_chainId":             func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_getTransactionCount": func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_estimateGas":         func([]any) (json.RawMessage, error) { return raw(`"0x5208"`), nil },
		"eth_gasPrice":            func([]any) (json.RawMessage, error) { return raw(`"0x1"`), nil },
		"eth_sendRawTransaction": func([]any) (json.RawMessage, error) {
			return nil, transport.NewError(transport.KindRPCError, "invalid sender")
		},
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{}, nil)
	_, err := p.Send(context.Background(), Request{To: "0xdead"})
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindInvalidSender, terr.Kind)
}

func TestWaitSuccessfulReceipt(t *testing.T) {
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_getTransactionReceipt": func([]any) (json.RawMessage, error) {
			return raw(`{"status":"0x1","blockNumber":"0x10"}`), nil
		},
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{}, nil)
	receipt, err := p.Wait(context.Background(), "0xhash", Request{To: "0xdead"}, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.True(t, receipt.Status)
}

func TestWaitFailedReceiptSurfacesRevert(t *testing.T) {
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_getTransactionReceipt": func([]any) (json.RawMessage, error) {
			return raw(`{"status":"0x0","blockNumber":"0x10"}`), nil
		},
		"eth_call": func([]any) (json.RawMessage, error) {
			return nil, &transport.Error{
				Kind: transport.KindRPCError,
				Data: raw(`"0x08c379a00000000000000000000000000000000000000000000000000000000000000020"`),
			}
		},
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{}, nil)
	_, err := p.Wait(context.Background(), "0xhash", Request{To: "0xdead"}, time.Millisecond, time.Second)
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindRevert, terr.Kind)
}

func TestWaitTimesOut(t *testing.T) {
	handlers := map[string]func([]any) (json.RawMessage, error){
		"eth_getTransactionReceipt": func([]any) (json.RawMessage, error) {
			return raw(`null`), nil
		},
	}
	p := newTestPipeline(t, handlers, chainext.ChainProfile{}, nil)
	_, err := p.Wait(context.Background(), "0xhash", Request{To: "0xdead"}, time.Millisecond, 20*time.Millisecond)
	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, transport.KindTimeout, terr.Kind)
}
