package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

func testRoutes() transport.Routes {
	return transport.Routes{
		"Test.double": func(ctx context.Context, payload json.RawMessage) (any, error) {
			n, err := transport.Decode[int](payload)
			if err != nil { return nil, err }
			return n * 2, nil
		},
		"Test.fail": func(ctx context.Context, payload json.RawMessage) (any, error) {
			return nil, apierr.NotOneNode(3)
		},
	}
}

func TestHTTP_CallAndErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer("127.0.0.1:0", nil)
	if err := s.Start(ctx, testRoutes()); err != nil { t.Fatalf("start: %v", err) }
	defer s.Stop(context.Background())

	c := NewClient(2 * time.Second)
	n, err := transport.Invoke[int](ctx, c, s.Addr(), "Test.double", 21)
	if err != nil || n != 42 { t.Fatalf("double: %v %d", err, n) }

	_, err = transport.Invoke[int](ctx, c, s.Addr(), "Test.fail", nil)
	if !apierr.Is(err, apierr.ClusterDoesNotHaveOneNode) { t.Fatalf("expected NOT_ONE_NODE, got %v", err) }
}

func TestHTTP_HealthzAndMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer("127.0.0.1:0", nil)
	if err := s.Start(ctx, testRoutes()); err != nil { t.Fatalf("start: %v", err) }
	defer s.Stop(context.Background())

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get("http://" + s.Addr() + path)
		if err != nil { t.Fatalf("GET %s: %v", path, err) }
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK { t.Fatalf("GET %s: status %d", path, resp.StatusCode) }
	}
	resp, err := http.Get("http://" + s.Addr() + "/rpc")
	if err != nil { t.Fatalf("GET /rpc: %v", err) }
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed { t.Fatalf("GET /rpc should be rejected, got %d", resp.StatusCode) }
}

func TestHTTP_UnreachablePeer(t *testing.T) {
	c := NewClient(time.Second)
	c.attempts = 1
	_, err := c.Call(context.Background(), "127.0.0.1:1", transport.Request{Method: "Test.double"})
	if !errors.Is(err, transport.ErrUnreachable) { t.Fatalf("expected unreachable, got %v", err) }
}
