// Package chainext defines the minimal external-collaborator contracts
// from §6 that the transaction pipeline consumes but does not
// implement: signing, revert decoding, chain metadata, and raw
// transaction encoding. ABI encoding, keccak, secp256k1, and RLP are
// deliberately out of scope; callers supply real implementations of
// these interfaces.
package chainext

import "math/big"

// Signature is the {r, s, y_parity} triple a Signer returns. LegacyV is
// populated by the pipeline (not the signer) when encoding a legacy
// transaction, per EIP-155: v = chain_id*2 + 35 + y_parity.
type Signature struct {
	R       *big.Int
	S       *big.Int
	YParity uint8
	LegacyV *big.Int
}

// UnsignedTx is the minimal shape a Signer and TxEncoder need. Exactly
// one of GasPrice (legacy) or (MaxFeePerGas, MaxPriorityFeePerGas)
// (EIP-1559) is populated, selected by IsEIP1559.
type UnsignedTx struct {
	ChainID              *big.Int
	Nonce                uint64
	To                   string
	Value                *big.Int
	GasLimit             uint64
	Data                 []byte
	IsEIP1559            bool
	GasPrice             *big.Int // legacy
	MaxFeePerGas         *big.Int // EIP-1559
	MaxPriorityFeePerGas *big.Int // EIP-1559
	AccessList           []byte   // opaque, pre-encoded by the caller if used
}

// Signer signs an UnsignedTx for the given chain id and exposes the
// address transactions are sent from when the caller doesn't supply one
// (§4.7 step 2, §6 "a signer").
type Signer interface {
	Sign(unsigned UnsignedTx, chainID *big.Int) (Signature, error)
	Address() string
}

// TxEncoder encodes a signed transaction into the raw bytes broadcast
// via eth_sendRawTransaction. This is the encoder named in the Open
// Question resolution for §4.7 step 7; it intentionally says nothing
// about RLP itself, since that implementation detail is out of scope
// here (§2 Non-goals).
type TxEncoder interface {
	Encode(unsigned UnsignedTx, sig Signature) ([]byte, error)
}

// RevertDecoded is the decoded shape of an EVM revert payload.
type RevertDecoded struct {
	Kind    string
	Reason  string
	RawHex  string
}

// RevertDecoder turns a 0x-prefixed revert payload into a decoded
// reason (§6 "a revert decoder").
type RevertDecoder interface {
	Decode(rawHex string) (RevertDecoded, error)
}

// ChainProfile carries the chain metadata the pipeline needs to decide
// between EIP-1559 and legacy pricing and to default the priority fee
// (§6 "a chain profile").
type ChainProfile struct {
	ChainID           *big.Int
	Supports1559      bool
	DefaultPriorityFee *big.Int
}
