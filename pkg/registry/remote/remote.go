// Package remote gives hosts other than the pool master access to the
// master's registry over the management transport.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

// Method names served by Routes.
const (
	MethodCreateClusterWithHost = "Registry.create_cluster_with_host"
	MethodCreateCluster         = "Registry.create_cluster"
	MethodGetCluster            = "Registry.get_cluster"
	MethodListClusters          = "Registry.list_clusters"
	MethodUpdateCluster         = "Registry.update_cluster"
	MethodDestroyCluster        = "Registry.destroy_cluster"
	MethodCreateClusterHost     = "Registry.create_cluster_host"
	MethodGetClusterHost        = "Registry.get_cluster_host"
	MethodUpdateClusterHost     = "Registry.update_cluster_host"
	MethodDestroyClusterHost    = "Registry.destroy_cluster_host"
	MethodClusterHosts          = "Registry.cluster_hosts"
	MethodFindClusterHost       = "Registry.find_cluster_host"
)

type pair struct {
	Cluster     model.Cluster     `json:"cluster"`
	ClusterHost model.ClusterHost `json:"cluster_host"`
}

type found struct {
	ClusterHost model.ClusterHost `json:"cluster_host"`
	Found       bool              `json:"found"`
}

// Client implements registry.Registry by calling the agent at addr.
type Client struct {
	rpc  transport.RPCClient
	addr string
}

func NewClient(rpc transport.RPCClient, masterAddr string) *Client {
	return &Client{rpc: rpc, addr: masterAddr}
}

func call[Out any](ctx context.Context, c *Client, method string, in any) (Out, error) {
	out, err := transport.Invoke[Out](ctx, c.rpc, c.addr, method, in)
	return out, localErr(err)
}

func (c *Client) CreateClusterWithHost(ctx context.Context, cl model.Cluster, h model.ClusterHost) error {
	_, err := call[struct{}](ctx, c, MethodCreateClusterWithHost, pair{cl, h})
	return err
}

func (c *Client) CreateCluster(ctx context.Context, cl model.Cluster) error {
	_, err := call[struct{}](ctx, c, MethodCreateCluster, cl)
	return err
}

func (c *Client) GetCluster(ctx context.Context, ref model.Ref) (model.Cluster, error) {
	return call[model.Cluster](ctx, c, MethodGetCluster, ref)
}

func (c *Client) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	return call[[]model.Cluster](ctx, c, MethodListClusters, nil)
}

func (c *Client) UpdateCluster(ctx context.Context, cl model.Cluster) error {
	_, err := call[struct{}](ctx, c, MethodUpdateCluster, cl)
	return err
}

func (c *Client) DestroyCluster(ctx context.Context, ref model.Ref) error {
	_, err := call[struct{}](ctx, c, MethodDestroyCluster, ref)
	return err
}

func (c *Client) CreateClusterHost(ctx context.Context, h model.ClusterHost) error {
	_, err := call[struct{}](ctx, c, MethodCreateClusterHost, h)
	return err
}

func (c *Client) GetClusterHost(ctx context.Context, ref model.Ref) (model.ClusterHost, error) {
	return call[model.ClusterHost](ctx, c, MethodGetClusterHost, ref)
}

func (c *Client) UpdateClusterHost(ctx context.Context, h model.ClusterHost) error {
	_, err := call[struct{}](ctx, c, MethodUpdateClusterHost, h)
	return err
}

func (c *Client) DestroyClusterHost(ctx context.Context, ref model.Ref) error {
	_, err := call[struct{}](ctx, c, MethodDestroyClusterHost, ref)
	return err
}

func (c *Client) ClusterHosts(ctx context.Context, cluster model.Ref) ([]model.ClusterHost, error) {
	return call[[]model.ClusterHost](ctx, c, MethodClusterHosts, cluster)
}

func (c *Client) FindClusterHost(ctx context.Context, host model.Ref) (model.ClusterHost, bool, error) {
	out, err := call[found](ctx, c, MethodFindClusterHost, host)
	return out.ClusterHost, out.Found, err
}

// Routes serves reg to remote Clients.
func Routes(reg registry.Registry) transport.Routes {
	return transport.Routes{
		MethodCreateClusterWithHost: handle(func(ctx context.Context, in pair) (any, error) {
			return nil, reg.CreateClusterWithHost(ctx, in.Cluster, in.ClusterHost)
		}),
		MethodCreateCluster: handle(func(ctx context.Context, in model.Cluster) (any, error) {
			return nil, reg.CreateCluster(ctx, in)
		}),
		MethodGetCluster: handle(func(ctx context.Context, ref model.Ref) (any, error) {
			return reg.GetCluster(ctx, ref)
		}),
		MethodListClusters: handle(func(ctx context.Context, _ struct{}) (any, error) {
			return reg.ListClusters(ctx)
		}),
		MethodUpdateCluster: handle(func(ctx context.Context, in model.Cluster) (any, error) {
			return nil, reg.UpdateCluster(ctx, in)
		}),
		MethodDestroyCluster: handle(func(ctx context.Context, ref model.Ref) (any, error) {
			return nil, reg.DestroyCluster(ctx, ref)
		}),
		MethodCreateClusterHost: handle(func(ctx context.Context, in model.ClusterHost) (any, error) {
			return nil, reg.CreateClusterHost(ctx, in)
		}),
		MethodGetClusterHost: handle(func(ctx context.Context, ref model.Ref) (any, error) {
			return reg.GetClusterHost(ctx, ref)
		}),
		MethodUpdateClusterHost: handle(func(ctx context.Context, in model.ClusterHost) (any, error) {
			return nil, reg.UpdateClusterHost(ctx, in)
		}),
		MethodDestroyClusterHost: handle(func(ctx context.Context, ref model.Ref) (any, error) {
			return nil, reg.DestroyClusterHost(ctx, ref)
		}),
		MethodClusterHosts: handle(func(ctx context.Context, ref model.Ref) (any, error) {
			return reg.ClusterHosts(ctx, ref)
		}),
		MethodFindClusterHost: handle(func(ctx context.Context, host model.Ref) (any, error) {
			h, ok, err := reg.FindClusterHost(ctx, host)
			return found{ClusterHost: h, Found: ok}, err
		}),
	}
}

func handle[In any](fn func(ctx context.Context, in In) (any, error)) transport.Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		in, err := transport.Decode[In](payload)
		if err != nil { return nil, err }
		out, err := fn(ctx, in)
		if err != nil { return nil, wireErr(err) }
		return out, nil
	}
}

var kinds = []struct {
	name string
	err  error
}{
	{"not_found", registry.ErrNotFound},
	{"duplicate", registry.ErrDuplicate},
	{"has_members", registry.ErrHasMembers},
	{"not_leader", registry.ErrNotLeader},
}

func wireErr(err error) error {
	kind := "internal"
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			kind = k.name
			break
		}
	}
	return apierr.New(apierr.RegistryFailure, kind, err.Error())
}

// localErr turns a REGISTRY_FAILURE back into an error wrapping the
// matching registry sentinel.
func localErr(err error) error {
	e, ok := apierr.As(err)
	if !ok || e.Code != apierr.RegistryFailure || len(e.Params) < 2 {
		return err
	}
	for _, k := range kinds {
		if k.name == e.Params[0] {
			return fmt.Errorf("%s: %w", e.Params[1], k.err)
		}
	}
	return errors.New(e.Params[1])
}

var _ registry.Registry = (*Client)(nil)
