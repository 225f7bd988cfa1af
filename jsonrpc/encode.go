package jsonrpc

import (
	"math/big"
	"strconv"
)

// Precomputed wire fragments for the hot request-encode path (§4.1).
// Serialization writes directly into a caller-supplied buffer using
// these fragments instead of building an intermediate object tree.
var (
	prefixHead   = []byte(`{"jsonrpc":"2.0","method":"`)
	prefixParams = []byte(`","params":`)
	prefixID     = []byte(`,"id":`)
	suffixTail   = []byte(`}`)
)

// EncodeRequest writes req's wire representation into dst, growing it as
// needed, and returns the extended buffer. Numbers are emitted without
// heap-allocated string conversions; strings are escaped per JSON rules.
func EncodeRequest(dst []byte, req Request) []byte {
	dst = append(dst, prefixHead...)
	dst = appendEscapedString(dst, req.Method)
	dst = append(dst, prefixParams...)
	dst = appendParams(dst, req.Params)
	dst = append(dst, prefixID...)
	dst = strconv.AppendUint(dst, req.ID, 10)
	dst = append(dst, suffixTail...)
	return dst
}

func appendParams(dst []byte, params []any) []byte {
	dst = append(dst, '[')
	for i, p := range params {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendValue(dst, p)
	}
	dst = append(dst, ']')
	return dst
}

func appendValue(dst []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(dst, "null"...)
	case string:
		return appendEscapedString(dst, t)
	case bool:
		if t {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case int:
		return strconv.AppendInt(dst, int64(t), 10)
	case int64:
		return strconv.AppendInt(dst, t, 10)
	case uint64:
		return strconv.AppendUint(dst, t, 10)
	case *big.Int:
		if t == nil {
			return append(dst, "null"...)
		}
		return appendEscapedString(dst, EncodeHexBig(t))
	case []string:
		dst = append(dst, '[')
		for i, s := range t {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendEscapedString(dst, s)
		}
		return append(dst, ']')
	case map[string]any:
		return appendObject(dst, t)
	case []any:
		return appendParams(dst, t)
	default:
		// Non-hot-path fallback for types the hand-rolled encoder does not
		// special-case (e.g. filter objects); correctness over speed here.
		return appendJSONFallback(dst, v)
	}
}

// appendObject emits a JSON object from an ordered set of key/value pairs.
// Absent fields must simply not be present in the map (§4.6).
func appendObject(dst []byte, obj map[string]any) []byte {
	dst = append(dst, '{')
	first := true
	for _, k := range orderedKeys(obj) {
		if !first {
			dst = append(dst, ',')
		}
		first = false
		dst = appendEscapedString(dst, k)
		dst = append(dst, ':')
		dst = appendValue(dst, obj[k])
	}
	dst = append(dst, '}')
	return dst
}

// orderedKeys gives deterministic output for tests and logs; wire
// correctness of JSON does not depend on key order.
func orderedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func appendEscapedString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c < 0x20:
			dst = append(dst, '\\', 'u', '0', '0')
			dst = append(dst, hexDigit(c>>4), hexDigit(c&0xf))
		default:
			dst = append(dst, c)
		}
	}
	dst = append(dst, '"')
	return dst
}

func hexDigit(b byte) byte {
	const digits = "0123456789abcdef"
	return digits[b]
}
