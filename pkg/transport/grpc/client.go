package grpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

// Client calls the management service over gRPC with pooled connections.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config

	once sync.Once
	cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 { timeout = 30 * time.Second }
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first Call.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

// Call sends req through the Management/Call method.
func (c *Client) Call(ctx context.Context, addr string, req transport.Request) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil { return nil, fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, addr, err) }
	defer rel()
	var resp transport.Response
	if err := cc.Invoke(cctx, callMethod, &req, &resp); err != nil { return nil, fmt.Errorf("%s: %w", req.Method, err) }
	return transport.Unwrap(resp)
}

// Close releases pooled connections.
func (c *Client) Close() {
	if c.cm != nil { c.cm.Close() }
}

// getConn returns a managed connection, creating a manager if absent.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
	return c.cm.Get(ctx, addr)
}

var _ transport.RPCClient = (*Client)(nil)
