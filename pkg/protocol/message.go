// Package protocol defines the wire messages exchanged on the shared topic
// and the decoding rules for inbound payloads.
//
// Every payload is a single JSON envelope carrying an explicit kind tag, so
// the receiver never has to guess a message's shape by attempting multiple
// decodes. Delivery is broadcast; responses carry a receiver address that
// each peer compares against its own by exact string equality.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ryandielhenn/carmesh/pkg/store"
)

// Kind discriminates the two message shapes on the wire.
type Kind string

const (
	KindListRequest  Kind = "list_request"
	KindListResponse Kind = "list_response"
)

// Scope selects between a broadcast query and a directed one.
type Scope string

const (
	ScopeAll Scope = "all"
	ScopeOne Scope = "one"
)

// ErrMalformed marks payloads that do not decode to a valid envelope.
// Callers drop these silently; the topic carries arbitrary traffic.
var ErrMalformed = errors.New("protocol: malformed payload")

// ListMode tags a query as broadcast or directed. Target is set only for
// ScopeOne and names the sole peer expected to answer.
type ListMode struct {
	Scope  Scope  `json:"scope"`
	Target string `json:"target,omitempty"`
}

// All is the broadcast mode.
func All() ListMode { return ListMode{Scope: ScopeAll} }

// One is the directed mode addressed to target.
func One(target string) ListMode { return ListMode{Scope: ScopeOne, Target: target} }

// Directed reports whether the mode names a single peer.
func (m ListMode) Directed() bool { return m.Scope == ScopeOne }

func (m ListMode) String() string {
	if m.Directed() {
		return "one(" + m.Target + ")"
	}
	return "all"
}

func (m ListMode) valid() bool {
	switch m.Scope {
	case ScopeAll:
		return m.Target == ""
	case ScopeOne:
		return m.Target != ""
	}
	return false
}

// ListRequest asks peers for their public records.
type ListRequest struct {
	Mode ListMode `json:"mode"`
}

// ListResponse carries one peer's public records back to the requester.
// Receiver names the intended consumer; every other peer ignores it.
type ListResponse struct {
	Mode     ListMode       `json:"mode"`
	Data     []store.Record `json:"data"`
	Receiver string         `json:"receiver"`
}

// Envelope is the single on-wire shape. Exactly one of Request/Response is
// set, matching Kind.
type Envelope struct {
	Kind     Kind          `json:"kind"`
	Request  *ListRequest  `json:"request,omitempty"`
	Response *ListResponse `json:"response,omitempty"`
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(req ListRequest) ([]byte, error) {
	if !req.Mode.valid() {
		return nil, fmt.Errorf("encode request: invalid mode %+v", req.Mode)
	}
	return json.Marshal(Envelope{Kind: KindListRequest, Request: &req})
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(resp ListResponse) ([]byte, error) {
	if !resp.Mode.valid() {
		return nil, fmt.Errorf("encode response: invalid mode %+v", resp.Mode)
	}
	if resp.Receiver == "" {
		return nil, errors.New("encode response: empty receiver")
	}
	return json.Marshal(Envelope{Kind: KindListResponse, Response: &resp})
}

// Decode parses an inbound payload into an envelope, validating that the
// kind tag and the carried shape agree. Anything else is ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Kind {
	case KindListRequest:
		if env.Request == nil || env.Response != nil || !env.Request.Mode.valid() {
			return Envelope{}, fmt.Errorf("%w: bad request envelope", ErrMalformed)
		}
	case KindListResponse:
		if env.Response == nil || env.Request != nil || !env.Response.Mode.valid() || env.Response.Receiver == "" {
			return Envelope{}, fmt.Errorf("%w: bad response envelope", ErrMalformed)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}
	return env, nil
}
