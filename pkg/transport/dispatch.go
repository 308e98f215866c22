package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
	"github.com/amirimatin/go-poolcluster/pkg/observability/tracing"
	"github.com/amirimatin/go-poolcluster/pkg/request"
)

// Dispatch runs req against routes and always produces a Response; handler
// failures become Response.Error. Shared by every RPCServer implementation.
func Dispatch(ctx context.Context, routes Routes, req Request) Response {
	h, ok := routes[req.Method]
	if !ok {
		obsmetrics.RPCCalls.WithLabelValues("unknown", "error").Inc()
		return Response{Error: apierr.New(apierr.InternalError, fmt.Sprintf("%v: %s", ErrUnknownMethod, req.Method))}
	}
	ctx = request.NewContext(ctx, request.Info{Session: req.Session, Task: req.Task})
	ctx, end := tracing.StartSpan(ctx, "rpc."+req.Method)
	defer end()
	out, err := h(ctx, req.Payload)
	obsmetrics.RPCCalls.WithLabelValues(req.Method, obsmetrics.Result(err)).Inc()
	if err != nil {
		e, ok := apierr.As(err)
		if !ok {
			e = apierr.New(apierr.InternalError, err.Error())
		}
		return Response{Error: e}
	}
	if out == nil {
		return Response{}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return Response{Error: apierr.New(apierr.InternalError, "encode result: "+err.Error())}
	}
	return Response{Result: b}
}

// Unwrap converts a decoded Response back into the (result, error) pair seen
// by RPCClient callers.
func Unwrap(resp Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
