// Package txpipeline implements C7: chain-id caching, gas/fee/nonce
// defaulting, typed unsigned-transaction construction, signing via an
// external chainext.Signer, broadcast, and send-and-wait with
// exponential polling and revert replay.
package txpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/odinlabs/ethrpc/chainext"
	"github.com/odinlabs/ethrpc/ethclient"
	"github.com/odinlabs/ethrpc/internal/metrics"
	"github.com/odinlabs/ethrpc/jsonrpc"
	"github.com/odinlabs/ethrpc/transport"
	"github.com/rs/zerolog"
)

// Pipeline is the C7 transaction pipeline bound to one chain.
type Pipeline struct {
	reader        *ethclient.Client
	signer        chainext.Signer
	encoder       chainext.TxEncoder
	revertDecoder chainext.RevertDecoder
	profile       chainext.ChainProfile
	expected      *big.Int // configured expected chain id, nil if unchecked
	logger        zerolog.Logger
	sink          metrics.Sink

	chainIDCached atomic.Value // stores *big.Int once resolved
}

// Config bundles Pipeline's collaborators and chain expectations.
type Config struct {
	Reader          *ethclient.Client
	Signer          chainext.Signer
	Encoder         chainext.TxEncoder
	RevertDecoder   chainext.RevertDecoder
	Profile         chainext.ChainProfile
	ExpectedChainID *big.Int
	Logger          zerolog.Logger
	Sink            metrics.Sink
}

func New(cfg Config) *Pipeline {
	sink := cfg.Sink
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Pipeline{
		reader:        cfg.Reader,
		signer:        cfg.Signer,
		encoder:       cfg.Encoder,
		revertDecoder: cfg.RevertDecoder,
		profile:       cfg.Profile,
		expected:      cfg.ExpectedChainID,
		logger:        cfg.Logger,
		sink:          sink,
	}
}

// Request is the caller-supplied transaction intent, before defaulting.
type Request struct {
	From                 string // optional; defaults to signer's address
	To                   string
	Value                *big.Int
	Data                 []byte
	Nonce                *uint64
	GasLimit             *uint64
	WantEIP1559          bool
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int
}

// resolveChainID implements §4.7 step 1: use the cached value if
// present; else fetch, validate against Expected if configured, and
// cache via compare-and-exchange — losers observe the winner, and an
// invalid id is never cached (§7 "validation occurs before caching").
func (p *Pipeline) resolveChainID(ctx context.Context) (*big.Int, error) {
	if cached, ok := p.chainIDCached.Load().(*big.Int); ok {
		return cached, nil
	}

	observed, err := p.reader.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if p.expected != nil && observed.Cmp(p.expected) != 0 {
		return nil, &transport.Error{
			Kind:    transport.KindChainMismatch,
			Message: fmt.Sprintf("expected chain id %s, observed %s", p.expected, observed),
		}
	}

	if p.chainIDCached.CompareAndSwap(nil, observed) {
		return observed, nil
	}
	// Another caller won the race; use its value.
	return p.chainIDCached.Load().(*big.Int), nil
}

// Send executes the send path (§4.7 steps 1-7) and returns the
// transaction hash.
func (p *Pipeline) Send(ctx context.Context, req Request) (string, error) {
	chainID, err := p.resolveChainID(ctx)
	if err != nil {
		return "", err
	}

	from := req.From
	if from == "" {
		from = p.signer.Address()
	}

	useEIP1559 := req.WantEIP1559
	if useEIP1559 && !p.profile.Supports1559 {
		useEIP1559 = false
		p.logger.Warn().Str("to", req.To).Msg("EIP-1559 requested but chain does not support it; falling back to legacy pricing")
		p.sink.OnEIP1559Fallback()
	}

	nonce, err := p.resolveNonce(ctx, from, req.Nonce)
	if err != nil {
		return "", err
	}

	gasLimit, err := p.resolveGasLimit(ctx, from, req, req.GasLimit)
	if err != nil {
		return "", err
	}

	unsigned := chainext.UnsignedTx{
		ChainID:    chainID,
		Nonce:      nonce,
		To:         req.To,
		Value:      req.Value,
		GasLimit:   gasLimit,
		Data:       req.Data,
		IsEIP1559:  useEIP1559,
	}

	if useEIP1559 {
		priority := req.MaxPriorityFeePerGas
		if priority == nil {
			priority = p.profile.DefaultPriorityFee
		}
		maxFee := req.MaxFeePerGas
		if maxFee == nil {
			// Matches source: max_fee defaults to priority, not clamped
			// to base fee + priority (Open Question resolution).
			maxFee = new(big.Int).Set(priority)
		}
		unsigned.MaxPriorityFeePerGas = priority
		unsigned.MaxFeePerGas = maxFee
	} else {
		gasPrice := req.GasPrice
		if gasPrice == nil {
			var err error
			gasPrice, err = p.currentGasPrice(ctx)
			if err != nil {
				return "", err
			}
		}
		unsigned.GasPrice = gasPrice
	}

	sig, err := p.signer.Sign(unsigned, chainID)
	if err != nil {
		return "", translateSignError(err)
	}

	if !useEIP1559 {
		// §4.7 step 6, invariant 5: legacy v = chain_id*2 + 35 + y_parity.
		v := new(big.Int).Mul(chainID, big.NewInt(2))
		v.Add(v, big.NewInt(35+int64(sig.YParity)))
		sig.LegacyV = v
	}

	raw, err := p.encoder.Encode(unsigned, sig)
	if err != nil {
		return "", err
	}

	hash, err := p.broadcast(ctx, raw)
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (p *Pipeline) resolveNonce(ctx context.Context, from string, explicit *uint64) (uint64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	return p.transactionCount(ctx, from)
}

func (p *Pipeline) resolveGasLimit(ctx context.Context, from string, req Request, explicit *uint64) (uint64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	return p.reader.EstimateGas(ctx, ethclient.CallMsg{From: from, To: req.To, Value: req.Value, Data: req.Data})
}

func (p *Pipeline) currentGasPrice(ctx context.Context) (*big.Int, error) {
	raw, err := p.reader.RawCall(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, err
	}
	return jsonrpc.DecodeHexBig(hexStr)
}

func (p *Pipeline) transactionCount(ctx context.Context, address string) (uint64, error) {
	raw, err := p.reader.RawCall(ctx, "eth_getTransactionCount", []any{address, "pending"})
	if err != nil {
		return 0, err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, err
	}
	return jsonrpc.DecodeHexUint64(hexStr)
}

func (p *Pipeline) broadcast(ctx context.Context, raw []byte) (string, error) {
	hexPayload := "0x" + encodeHex(raw)
	result, err := p.reader.RawCall(ctx, "eth_sendRawTransaction", []any{hexPayload})
	if err != nil {
		return "", translateSendError(err, p.revertDecoder)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", &transport.Error{Kind: transport.KindParseError, Message: "invalid send-raw-transaction result", Cause: err}
	}
	return hash, nil
}

func translateSignError(err error) error {
	if err == nil {
		return nil
	}
	return &transport.Error{Kind: transport.KindInvalidSender, Message: err.Error(), Cause: err}
}

// translateSendError implements §4.7 "Revert handling on send": a 0x
// revert payload is decoded via the external decoder; a message
// containing "invalid sender" raises invalid-sender.
func translateSendError(err error, decoder chainext.RevertDecoder) error {
	e, ok := err.(*transport.Error)
	if !ok {
		return err
	}
	if strings.Contains(strings.ToLower(e.Message), "invalid sender") {
		return &transport.Error{Kind: transport.KindInvalidSender, Message: e.Message, Cause: e.Cause}
	}
	if hexPayload, isRevert := transport.IsRevertData(e.Data); isRevert {
		decoded, derr := decoder.Decode(hexPayload)
		if derr != nil {
			return &transport.Error{Kind: transport.KindRevert, Message: e.Message, RawHex: hexPayload, Cause: derr}
		}
		return &transport.Error{Kind: transport.KindRevert, Message: decoded.Reason, Reason: decoded.Reason, RawHex: decoded.RawHex}
	}
	return e
}

func encodeHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}
