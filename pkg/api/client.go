package api

import (
	"context"

	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/request"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

// Client invokes clustering operations on the agent of a given host. It
// implements cluster.Invoker; every call blocks until the remote agent
// answers or the transport gives up.
type Client struct {
	rpc  transport.RPCClient
	book AddressBook
}

func NewClient(rpc transport.RPCClient, book AddressBook) *Client {
	return &Client{rpc: rpc, book: book}
}

func invoke[Out any](ctx context.Context, c *Client, host model.Ref, method string, in any) (Out, error) {
	var zero Out
	addr, err := c.book.Address(host)
	if err != nil { return zero, err }
	return transport.Invoke[Out](ctx, c.rpc, addr, method, in)
}

func (c *Client) ClusterCreate(ctx context.Context, host model.Ref, req cluster.CreateRequest) (model.Ref, error) {
	return invoke[model.Ref](ctx, c, host, MethodClusterCreate, req)
}

func (c *Client) ClusterDestroy(ctx context.Context, host, cl model.Ref) error {
	_, err := invoke[struct{}](ctx, c, host, MethodClusterDestroy, RefArgs{cl})
	return err
}

func (c *Client) ClusterHostCreate(ctx context.Context, host model.Ref, cl, pif model.Ref) (model.Ref, error) {
	return invoke[model.Ref](ctx, c, host, MethodClusterHostCreate, HostCreateArgs{Cluster: cl, PIF: pif})
}

func (c *Client) ClusterHostDestroy(ctx context.Context, host, ch model.Ref) error {
	_, err := invoke[struct{}](ctx, c, host, MethodClusterHostDestroy, RefArgs{ch})
	return err
}

func (c *Client) ClusterHostForceDestroy(ctx context.Context, host, ch model.Ref) error {
	_, err := invoke[struct{}](ctx, c, host, MethodClusterHostForceDestroy, RefArgs{ch})
	return err
}

func (c *Client) ClusterHostGetUUID(ctx context.Context, host, ch model.Ref) (string, error) {
	return invoke[string](ctx, c, host, MethodClusterHostGetUUID, RefArgs{ch})
}

func (c *Client) ClusterHostEnable(ctx context.Context, host, ch model.Ref) error {
	_, err := invoke[struct{}](ctx, c, host, MethodClusterHostEnable, RefArgs{ch})
	return err
}

func (c *Client) ClusterHostDisable(ctx context.Context, host, ch model.Ref) error {
	_, err := invoke[struct{}](ctx, c, host, MethodClusterHostDisable, RefArgs{ch})
	return err
}

func (c *Client) ClusterHostResync(ctx context.Context, host model.Ref) error {
	_, err := invoke[struct{}](ctx, c, host, MethodClusterHostResync, nil)
	return err
}

// PoolCreate asks the agent on host (normally the master) to form a cluster
// across the pool.
func (c *Client) PoolCreate(ctx context.Context, host model.Ref, req cluster.PoolCreateRequest) (model.Ref, error) {
	return invoke[model.Ref](ctx, c, host, MethodPoolCreate, req)
}

func (c *Client) PoolDestroy(ctx context.Context, host, cl model.Ref) error {
	_, err := invoke[struct{}](ctx, c, host, MethodPoolDestroy, RefArgs{cl})
	return err
}

func (c *Client) PoolForceDestroy(ctx context.Context, host, cl model.Ref) (*cluster.Report, error) {
	res, err := invoke[PoolResult](ctx, c, host, MethodPoolForceDestroy, RefArgs{cl})
	if err != nil { return nil, err }
	return res.Report, res.err()
}

func (c *Client) PoolResync(ctx context.Context, host, cl model.Ref) (*cluster.Report, error) {
	res, err := invoke[PoolResult](ctx, c, host, MethodPoolResync, RefArgs{cl})
	if err != nil { return nil, err }
	return res.Report, res.err()
}

func (c *Client) ClusterGetAll(ctx context.Context, host model.Ref) ([]ClusterView, error) {
	return invoke[[]ClusterView](ctx, c, host, MethodClusterGetAll, nil)
}

func (c *Client) Tasks(ctx context.Context, host model.Ref) ([]request.Task, error) {
	return invoke[[]request.Task](ctx, c, host, MethodTaskGetAll, nil)
}

var _ cluster.Invoker = (*Client)(nil)
