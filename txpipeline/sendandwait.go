package txpipeline

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/odinlabs/ethrpc/ethclient"
	"github.com/odinlabs/ethrpc/jsonrpc"
	"github.com/odinlabs/ethrpc/transport"
)

func decodeBlockNumber(hexStr string) (*big.Int, error) {
	return jsonrpc.DecodeHexBig(hexStr)
}

const maxPollInterval = 10 * time.Second

// Receipt is the subset of a transaction receipt send-and-wait needs to
// decide the outcome.
type Receipt struct {
	Status      bool
	BlockNumber string
	Raw         json.RawMessage
}

// SendAndWait implements §4.7's send-and-wait: poll for the receipt at
// an interval that starts at pollInterval and doubles after each miss,
// capped at 10s, until timeout elapses. On a failed receipt the
// original call is replayed at the mined block to recover the revert
// reason — a bare success is never surfaced for a failed receipt.
func (p *Pipeline) SendAndWait(ctx context.Context, req Request, pollInterval, timeout time.Duration) (*Receipt, error) {
	hash, err := p.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx, hash, req, pollInterval, timeout)
}

// Wait polls an already-broadcast transaction's receipt to completion.
func (p *Pipeline) Wait(ctx context.Context, hash string, req Request, pollInterval, timeout time.Duration) (*Receipt, error) {
	deadline := time.Now().Add(timeout)
	interval := pollInterval

	for {
		select {
		case <-ctx.Done():
			return nil, &transport.Error{Kind: transport.KindRPCError, Message: "interrupted while waiting for receipt", Cause: ctx.Err(), Reason: "interrupted"}
		default:
		}

		raw, err := p.reader.TransactionReceipt(ctx, hash)
		if err == nil && len(raw) > 0 && string(raw) != "null" {
			receipt, rerr := decodeReceipt(raw)
			if rerr != nil {
				return nil, rerr
			}
			if receipt.Status {
				return receipt, nil
			}
			return nil, p.replayRevert(ctx, req, receipt)
		}

		if time.Now().After(deadline) {
			return nil, &transport.Error{Kind: transport.KindTimeout, Message: "send-and-wait deadline exceeded", RawHex: hash}
		}

		wait := interval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, &transport.Error{Kind: transport.KindRPCError, Message: "interrupted while waiting for receipt", Cause: ctx.Err(), Reason: "interrupted"}
		}

		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

func decodeReceipt(raw json.RawMessage) (*Receipt, error) {
	var wire struct {
		Status      string `json:"status"`
		BlockNumber string `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &transport.Error{Kind: transport.KindParseError, Message: "invalid receipt payload", Cause: err}
	}
	return &Receipt{
		Status:      wire.Status == "0x1",
		BlockNumber: wire.BlockNumber,
		Raw:         raw,
	}, nil
}

// replayRevert always surfaces a revert kind for a failed receipt (§4.7
// "always surface a revert kind, never a bare success"), replaying the
// original call at the mined block to recover the reason when possible.
func (p *Pipeline) replayRevert(ctx context.Context, req Request, receipt *Receipt) error {
	blockNumber, err := decodeBlockNumber(receipt.BlockNumber)
	if err != nil {
		return &transport.Error{Kind: transport.KindRevert, Message: "transaction failed; block number unavailable for replay"}
	}

	msg := ethclient.CallMsg{From: req.From, To: req.To, Value: req.Value, Data: req.Data}
	_, callErr := p.reader.Call(ctx, msg, ethclient.ByNumber(blockNumber))
	if callErr == nil {
		return &transport.Error{Kind: transport.KindRevert, Message: "transaction failed but replay succeeded; reason unavailable"}
	}
	if e, ok := callErr.(*transport.Error); ok && e.Kind == transport.KindRevert {
		return e
	}
	return &transport.Error{Kind: transport.KindRevert, Message: "transaction failed", Cause: callErr}
}
