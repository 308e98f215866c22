package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/request"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

type echoIn struct{ Name string `json:"name"` }
type echoOut struct {
	Greeting string `json:"greeting"`
	Task     string `json:"task"`
}

func routes() transport.Routes {
	return transport.Routes{
		"Test.echo": func(ctx context.Context, payload json.RawMessage) (any, error) {
			in, err := transport.Decode[echoIn](payload)
			if err != nil { return nil, err }
			return echoOut{Greeting: "hello " + in.Name, Task: request.DebugToken(ctx)}, nil
		},
		"Test.fail": func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, apierr.New(apierr.ClusterAlreadyExists, "OpaqueRef:x")
		},
		"Test.plain": func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		},
	}
}

func TestInvoke_RoundTripCarriesTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNetwork()
	if err := n.NewServer("h1").Start(ctx, routes()); err != nil { t.Fatalf("start: %v", err) }

	ctx = request.NewContext(ctx, request.Info{Session: "s1", Task: "task-7"})
	out, err := transport.Invoke[echoOut](ctx, n.Client(), "h1", "Test.echo", echoIn{Name: "pool"})
	if err != nil { t.Fatalf("invoke: %v", err) }
	if out.Greeting != "hello pool" || out.Task != "task-7" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestInvoke_ErrorsSurviveTheHop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNetwork()
	_ = n.NewServer("h1").Start(ctx, routes())

	_, err := transport.Invoke[struct{}](ctx, n.Client(), "h1", "Test.fail", nil)
	if !apierr.Is(err, apierr.ClusterAlreadyExists) { t.Fatalf("expected CLUSTER_ALREADY_EXISTS, got %v", err) }
	e, _ := apierr.As(err)
	if len(e.Params) != 1 || e.Params[0] != "OpaqueRef:x" { t.Fatalf("params lost: %+v", e) }

	_, err = transport.Invoke[struct{}](ctx, n.Client(), "h1", "Test.plain", nil)
	if !apierr.Is(err, apierr.InternalError) { t.Fatalf("expected INTERNAL_ERROR, got %v", err) }

	_, err = transport.Invoke[struct{}](ctx, n.Client(), "h1", "Test.missing", nil)
	if !apierr.Is(err, apierr.InternalError) { t.Fatalf("expected INTERNAL_ERROR for unknown method, got %v", err) }
}

func TestPartition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNetwork()
	_ = n.NewServer("h1").Start(ctx, routes())

	n.Partition("h1")
	_, err := transport.Invoke[echoOut](ctx, n.Client(), "h1", "Test.echo", echoIn{})
	if !errors.Is(err, transport.ErrUnreachable) { t.Fatalf("expected unreachable, got %v", err) }
	n.Heal("h1")
	if _, err := transport.Invoke[echoOut](ctx, n.Client(), "h1", "Test.echo", echoIn{}); err != nil {
		t.Fatalf("after heal: %v", err)
	}
}

func TestServer_DuplicateAddressAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNetwork()
	s := n.NewServer("h1")
	if err := s.Start(ctx, routes()); err != nil { t.Fatalf("start: %v", err) }
	if err := n.NewServer("h1").Start(ctx, routes()); err == nil { t.Fatalf("expected duplicate address error") }
	_ = s.Stop(ctx)
	if _, err := transport.Invoke[echoOut](ctx, n.Client(), "h1", "Test.echo", echoIn{}); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("expected unreachable after stop, got %v", err)
	}
}
