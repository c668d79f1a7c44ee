package mcp

import (
	"bytes"
	"encoding/json"
)

// RejectReason says why a decoded value is not a valid request envelope.
type RejectReason int

const (
	// RejectNotObject: the value is not a JSON object.
	RejectNotObject RejectReason = iota + 1
	// RejectVersion: "jsonrpc" is missing or not "2.0".
	RejectVersion
	// RejectMethod: "method" is missing or not a string.
	RejectMethod
)

func (r RejectReason) String() string {
	switch r {
	case RejectNotObject:
		return "not-object"
	case RejectVersion:
		return "bad-version"
	case RejectMethod:
		return "bad-method"
	default:
		return "unknown"
	}
}

// Envelope is a validated JSON-RPC request.
type Envelope struct {
	// ID is the raw id member, nil when absent. It is echoed byte for byte.
	ID     json.RawMessage
	Method string
	// Params is the raw params member, nil when absent.
	Params json.RawMessage
}

// Rejection describes an invalid envelope. ID carries the request id when one
// could be recovered so the error response can still be correlated.
type Rejection struct {
	ID     json.RawMessage
	Reason RejectReason
}

// ParseEnvelope validates one JSON value as a request envelope. Exactly one of
// the results is non-nil.
func ParseEnvelope(raw json.RawMessage) (*Envelope, *Rejection) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &Rejection{Reason: RejectNotObject}
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &members); err != nil {
		return nil, &Rejection{Reason: RejectNotObject}
	}

	id, hasID := members["id"]
	if !hasID {
		id = nil
	}

	var version string
	if err := json.Unmarshal(members["jsonrpc"], &version); err != nil || version != JSONRPCVersion {
		return nil, &Rejection{ID: id, Reason: RejectVersion}
	}

	var method string
	rawMethod := bytes.TrimSpace(members["method"])
	if len(rawMethod) == 0 || rawMethod[0] != '"' {
		return nil, &Rejection{ID: id, Reason: RejectMethod}
	}
	if err := json.Unmarshal(rawMethod, &method); err != nil {
		return nil, &Rejection{ID: id, Reason: RejectMethod}
	}

	return &Envelope{ID: id, Method: method, Params: members["params"]}, nil
}

// objectMembers returns the members of raw when it is a JSON object, and an
// empty map for anything else.
func objectMembers(raw json.RawMessage) map[string]json.RawMessage {
	members := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return members
	}
	_ = json.Unmarshal(trimmed, &members)
	return members
}

// stringMember returns the member as a string when it is a JSON string.
func stringMember(members map[string]json.RawMessage, key string) (string, bool) {
	raw := bytes.TrimSpace(members[key])
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
