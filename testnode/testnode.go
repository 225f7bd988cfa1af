// Package testnode implements C9: dialect-aware control of a local
// development chain (Anvil, Hardhat, or Ganache), layered directly over
// a transport.Transport.
package testnode

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/odinlabs/ethrpc/jsonrpc"
	"github.com/odinlabs/ethrpc/transport"
	"github.com/rs/zerolog"
)

// Dialect selects the method-prefix convention a test node exposes.
type Dialect int

const (
	AnvilDialect Dialect = iota
	HardhatDialect
	GanacheDialect
)

func (d Dialect) prefix() string {
	switch d {
	case HardhatDialect:
		return "hardhat_"
	case GanacheDialect:
		return "ganache_"
	default:
		return "anvil_"
	}
}

// Client is the C9 test-node control surface.
type Client struct {
	t       transport.Transport
	dialect Dialect
	logger  zerolog.Logger
}

func New(t transport.Transport, dialect Dialect, logger zerolog.Logger) *Client {
	return &Client{t: t, dialect: dialect, logger: logger}
}

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return c.t.Call(ctx, method, params)
}

func unsupported(capability string, dialect Dialect) error {
	return &transport.Error{Kind: transport.KindUnsupported, Message: capability + " is only available in AnvilDialect"}
}

// Snapshot takes a state snapshot and returns its id. Snapshot/revert
// always use evm_* regardless of dialect (§4.9).
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "evm_snapshot", nil)
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", &transport.Error{Kind: transport.KindParseError, Message: "invalid snapshot id", Cause: err}
	}
	return id, nil
}

// Revert restores state to a prior snapshot.
func (c *Client) Revert(ctx context.Context, snapshotID string) (bool, error) {
	raw, err := c.call(ctx, "evm_revert", []any{snapshotID})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, &transport.Error{Kind: transport.KindParseError, Message: "invalid revert result", Cause: err}
	}
	return ok, nil
}

// Mine advances the chain by one or more blocks.
func (c *Client) Mine(ctx context.Context, blocks int) error {
	_, err := c.call(ctx, "evm_mine", []any{jsonrpc.EncodeHexUint64(uint64(blocks))})
	return err
}

// SetBalance sets an address's native balance, available in every
// dialect under its own prefix.
func (c *Client) SetBalance(ctx context.Context, address string, wei *big.Int) error {
	_, err := c.call(ctx, c.dialect.prefix()+"setBalance", []any{address, jsonrpc.EncodeHexBig(wei)})
	return err
}

// StateDump is mode-exclusive to AnvilDialect (§4.9).
func (c *Client) StateDump(ctx context.Context) (json.RawMessage, error) {
	if c.dialect != AnvilDialect {
		return nil, unsupported("state dump", c.dialect)
	}
	return c.call(ctx, "anvil_dumpState", nil)
}

// StateLoad is mode-exclusive to AnvilDialect (§4.9).
func (c *Client) StateLoad(ctx context.Context, state json.RawMessage) error {
	if c.dialect != AnvilDialect {
		return unsupported("state load", c.dialect)
	}
	var body any
	if err := json.Unmarshal(state, &body); err != nil {
		return &transport.Error{Kind: transport.KindParseError, Message: "invalid state dump payload", Cause: err}
	}
	_, err := c.call(ctx, "anvil_loadState", []any{body})
	return err
}

// DropTransaction is mode-exclusive to AnvilDialect (§4.9).
func (c *Client) DropTransaction(ctx context.Context, hash string) error {
	if c.dialect != AnvilDialect {
		return unsupported("drop-transaction", c.dialect)
	}
	_, err := c.call(ctx, "anvil_dropTransaction", []any{hash})
	return err
}

// ImpersonationHandle is a scoped impersonation session returned by
// Impersonate; Close stops impersonation exactly once, even if the
// underlying RPC call fails (logged, swallowed — §4.9).
type ImpersonationHandle struct {
	client  *Client
	address string
	once    sync.Once
}

// Impersonate is mode-exclusive to AnvilDialect (§4.9 "auto-impersonate").
func (c *Client) Impersonate(ctx context.Context, address string) (*ImpersonationHandle, error) {
	if c.dialect != AnvilDialect {
		return nil, unsupported("auto-impersonate", c.dialect)
	}
	if _, err := c.call(ctx, "anvil_impersonateAccount", []any{address}); err != nil {
		return nil, err
	}
	return &ImpersonationHandle{client: c, address: address}, nil
}

// Close stops impersonation. Idempotent: a second call is a no-op.
func (h *ImpersonationHandle) Close(ctx context.Context) {
	h.once.Do(func() {
		if _, err := h.client.call(ctx, "anvil_stopImpersonatingAccount", []any{h.address}); err != nil {
			h.client.logger.Warn().Err(err).Str("address", h.address).Msg("testnode: stop impersonation failed; handle closed anyway")
		}
	})
}
