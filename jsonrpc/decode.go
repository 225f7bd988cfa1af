package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ParseError indicates a malformed envelope surfaced a parse-error kind
// (§4.1).
type ParseError struct {
	Reason string
	Cause  error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jsonrpc: parse error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("jsonrpc: parse error: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// DecodeMessage parses a single frame into either a Response or a
// Notification. Unknown fields are ignored; a malformed envelope returns
// a *ParseError.
func DecodeMessage(data []byte) (resp *Response, notif *Notification, err error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nil, &ParseError{Reason: "invalid json", Cause: err}
	}

	if w.Method != "" && IsSubscriptionMethod(w.Method) {
		var p subscriptionParams
		if err := json.Unmarshal(w.Params, &p); err != nil {
			return nil, nil, &ParseError{Reason: "invalid subscription params", Cause: err}
		}
		return nil, &Notification{Method: w.Method, Subscription: p.Subscription, Result: p.Result}, nil
	}

	if w.ID == nil {
		return nil, nil, &ParseError{Reason: "response missing id"}
	}
	return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil, nil
}

// EncodeSuccessResponse and EncodeErrorResponse are provided for test
// fixtures / fake servers exercising the client against canned wire
// bytes; the client itself only ever decodes these.

// EncodeSuccessResponse renders a success envelope.
func EncodeSuccessResponse(id uint64, result json.RawMessage) []byte {
	w := wireEnvelope{JSONRPC: Version, ID: &id, Result: result}
	if w.Result == nil {
		w.Result = json.RawMessage("null")
	}
	b, _ := json.Marshal(w)
	return b
}

// EncodeErrorResponse renders an error envelope.
func EncodeErrorResponse(id uint64, errObj ErrorObject) []byte {
	w := wireEnvelope{JSONRPC: Version, ID: &id, Error: &errObj}
	b, _ := json.Marshal(w)
	return b
}

// EncodeNotification renders a subscription notification envelope.
func EncodeNotification(method, subscription string, result json.RawMessage) []byte {
	params, _ := json.Marshal(subscriptionParams{Subscription: subscription, Result: result})
	w := wireEnvelope{JSONRPC: Version, Method: method, Params: params}
	b, _ := json.Marshal(w)
	return b
}
