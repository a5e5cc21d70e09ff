package trpc

import "github.com/go-json-experiment/json/jsontext"

// ProcedureType is the kind of a procedure.
type ProcedureType string

const (
	TypeQuery        ProcedureType = "query"
	TypeMutation     ProcedureType = "mutation"
	TypeSubscription ProcedureType = "subscription"
)

// Valid reports whether t is one of the known procedure types.
func (t ProcedureType) Valid() bool {
	return t == TypeQuery || t == TypeMutation || t == TypeSubscription
}

// ResultType represents the type of a result envelope.
type ResultType string

const (
	ResultData    ResultType = "data"
	ResultStarted ResultType = "started"
	ResultStopped ResultType = "stopped"
)

// WebSocket methods sent by the client.
const (
	MethodQuery            = "query"
	MethodMutation         = "mutation"
	MethodSubscription     = "subscription"
	MethodSubscriptionStop = "subscription.stop"
)

// MethodReconnect is sent by the server to ask clients to reconnect.
const MethodReconnect = "reconnect"

// Result is the result part of an envelope.
type Result struct {
	Type ResultType     `json:"type"`
	Data jsontext.Value `json:"data,omitzero"`
}

// Envelope is a single response from server to client. Exactly one of Result
// and Error is set. Error holds the formatted, transformer-serialized error shape.
type Envelope struct {
	ID     any            `json:"id"`
	Result *Result        `json:"result,omitzero"`
	Error  jsontext.Value `json:"error,omitzero"`
}

// RequestParams are the params of a WebSocket request frame.
type RequestParams struct {
	Path  string         `json:"path"`
	Input jsontext.Value `json:"input,omitzero"`
}

// RequestFrame represents a message from client to server over WebSocket.
type RequestFrame struct {
	ID      any           `json:"id"`
	JSONRPC string        `json:"jsonrpc,omitempty"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
}

// Notification is a server-initiated message that is not tied to a request.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
}

func dataResult(data jsontext.Value) *Result {
	return &Result{Type: ResultData, Data: data}
}
