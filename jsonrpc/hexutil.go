package jsonrpc

import (
	"fmt"
	"math/big"
	"strconv"
)

// Hex-encoded integers are the canonical wire form for quantities (§4.1).
// A lone "0x" decodes to zero; round trip is identity for non-negative
// integers (§8).

// EncodeHexUint64 renders n as a 0x-prefixed hex quantity.
func EncodeHexUint64(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

// EncodeHexBig renders n as a 0x-prefixed hex quantity. A nil value
// encodes as "0x0".
func EncodeHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	if n.Sign() == 0 {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

// DecodeHexUint64 parses a 0x-prefixed hex quantity. "0x" and "" both
// decode to zero.
func DecodeHexUint64(s string) (uint64, error) {
	s, err := trimHexPrefix(s)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

// DecodeHexBig parses a 0x-prefixed hex quantity into a big.Int. "0x" and
// "" both decode to zero.
func DecodeHexBig(s string) (*big.Int, error) {
	s, err := trimHexPrefix(s)
	if err != nil {
		return nil, err
	}
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("jsonrpc: invalid hex quantity %q", s)
	}
	return v, nil
}

func trimHexPrefix(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if len(s) < 2 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return "", fmt.Errorf("jsonrpc: hex quantity missing 0x prefix: %q", s)
	}
	return s[2:], nil
}
