package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/request"
)

var (
	ErrUnknownMethod = errors.New("transport: unknown method")
	ErrUnreachable   = errors.New("transport: host unreachable")
)

// Request is the wire envelope of one management call.
type Request struct {
	Method  string          `json:"method"`
	Session string          `json:"session,omitempty"`
	Task    string          `json:"task,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response carries either a result or a structured API error.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apierr.Error   `json:"error,omitempty"`
}

// Handler serves one method. The context carries the caller's request.Info.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Routes maps method names (e.g. "Cluster_host.create") to handlers.
type Routes map[string]Handler

// Merge returns a new table holding the routes of all tables; later tables
// win on duplicate names.
func Merge(tables ...Routes) Routes {
	out := Routes{}
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

// RPCServer exposes a route table to other hosts.
type RPCServer interface {
	Start(ctx context.Context, routes Routes) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs a blocking management call against the agent listening
// at addr. Implementations return *apierr.Error for errors raised by the
// remote handler and a wrapped transport error otherwise.
type RPCClient interface {
	Call(ctx context.Context, addr string, req Request) (json.RawMessage, error)
}

// Invoke is the typed wrapper around RPCClient.Call: it encodes in, stamps
// the envelope with the caller's session and task, and decodes the result
// into Out.
func Invoke[Out any](ctx context.Context, c RPCClient, addr, method string, in any) (Out, error) {
	var out Out
	req := Request{Method: method}
	if info, ok := request.FromContext(ctx); ok {
		req.Session, req.Task = info.Session, info.Task
	}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil { return out, fmt.Errorf("encode %s: %w", method, err) }
		req.Payload = b
	}
	raw, err := c.Call(ctx, addr, req)
	if err != nil { return out, err }
	if len(raw) == 0 || string(raw) == "null" { return out, nil }
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

// Decode unmarshals a handler payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 { return v, nil }
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, apierr.New(apierr.InvalidValue, "payload", err.Error())
	}
	return v, nil
}
