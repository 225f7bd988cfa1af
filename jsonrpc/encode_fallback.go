package jsonrpc

import "encoding/json"

// appendJSONFallback handles param value shapes the hand-rolled encoder
// does not special-case (structs describing eth_call/eth_getLogs filter
// objects, access lists, etc). These are not on the documented hot path
// of §4.1 (only method/params/id framing is), so stdlib json is fine here.
func appendJSONFallback(dst []byte, v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return append(dst, "null"...)
	}
	return append(dst, b...)
}
