// Package relay implements the encrypted pub/sub relay transport used to
// pair with and talk to a remote signer.
package relay

import (
	"encoding/json"
	"fmt"
)

// FrameType is the relay-level message kind.
type FrameType string

const (
	// FramePub publishes a payload to a topic.
	FramePub FrameType = "pub"
	// FrameSub subscribes the sender to a topic.
	FrameSub FrameType = "sub"
	// FrameJoin is sent by the relay to existing subscribers of a topic when
	// another client subscribes to it.
	FrameJoin FrameType = "join"
	// FramePing asks the relay for a FramePong.
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"
)

// Frame is one websocket message exchanged with the relay. The relay only
// routes frames; payloads are opaque to it.
type Frame struct {
	Topic   string    `json:"topic"`
	Type    FrameType `json:"type"`
	Payload string    `json:"payload,omitempty"`
	Silent  bool      `json:"silent,omitempty"`
}

// JSON-RPC methods carried over the relay.
const (
	MethodSessionRequest = "wc_sessionRequest"
	MethodSessionUpdate  = "wc_sessionUpdate"
	MethodGetAccounts    = "cosmos_getAccounts"
	MethodSignDirect     = "cosmos_signDirect"
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	ID      uint64          `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// NewRequest builds a request whose params are the positional args.
func NewRequest(id uint64, method string, args ...any) (Request, error) {
	if args == nil {
		args = []any{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Request{ID: id, JSONRPC: jsonrpcVersion, Method: method, Params: params}, nil
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	ID      uint64          `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewResponse builds a successful response.
func NewResponse(id uint64, result any) (Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("encode result: %w", err)
	}
	return Response{ID: id, JSONRPC: jsonrpcVersion, Result: data}, nil
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id uint64, code int, message string) Response {
	return Response{ID: id, JSONRPC: jsonrpcVersion, Error: &RPCError{Code: code, Message: message}}
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// message is the union of Request and Response used for decoding.
type message struct {
	ID      uint64          `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m message) isRequest() bool { return m.Method != "" }

func (m message) request() Request {
	return Request{ID: m.ID, JSONRPC: m.JSONRPC, Method: m.Method, Params: m.Params}
}

func (m message) response() Response {
	return Response{ID: m.ID, JSONRPC: m.JSONRPC, Result: m.Result, Error: m.Error}
}

// PeerMeta describes an application on either side of the relay.
type PeerMeta struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Icons       []string `json:"icons,omitempty"`
}

// SessionRequest is the single parameter of wc_sessionRequest.
type SessionRequest struct {
	PeerID   string   `json:"peerId"`
	PeerMeta PeerMeta `json:"peerMeta"`
	ChainID  string   `json:"chainId"`
}

// SessionParams is the remote signer's answer to a session request.
type SessionParams struct {
	Approved bool      `json:"approved"`
	ChainID  string    `json:"chainId"`
	Accounts []string  `json:"accounts"`
	PeerID   string    `json:"peerId"`
	PeerMeta *PeerMeta `json:"peerMeta,omitempty"`
}

// SessionUpdate is the single parameter of wc_sessionUpdate. Approved false
// ends the session.
type SessionUpdate struct {
	Approved bool     `json:"approved"`
	ChainID  string   `json:"chainId,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}
