package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and retries with backoff when the peer cannot be reached.
// Calls that reached the peer are never retried since management operations
// are not idempotent.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
	attempts  int
}

// NewClient constructs a new Client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 { timeout = 30 * time.Second }
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil { c.transport.TLSClientConfig = cfg }
	c.isTLS = cfg != nil
	return c
}

// Call posts req to addr and unwraps the response envelope.
func (c *Client) Call(ctx context.Context, addr string, req transport.Request) (json.RawMessage, error) {
	scheme := "http"
	if c.isTLS { scheme = "https" }
	url := fmt.Sprintf("%s://%s/rpc", scheme, addr)
	body, err := json.Marshal(req)
	if err != nil { return nil, err }

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil { return nil, err }
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(httpReq)
		if err == nil {
			return decode(req.Method, resp)
		}
		lastErr = fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, addr, err)
		if !isDialError(err) { return nil, lastErr }
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

func decode(method string, resp *http.Response) (json.RawMessage, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil { return nil, err }
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, bytes.TrimSpace(b))
	}
	var out transport.Response
	if err := json.Unmarshal(b, &out); err != nil { return nil, fmt.Errorf("%s: bad response: %w", method, err) }
	return transport.Unwrap(out)
}

func isDialError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

var _ transport.RPCClient = (*Client)(nil)
