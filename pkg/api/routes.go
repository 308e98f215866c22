package api

import (
	"context"
	"encoding/json"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
	"github.com/amirimatin/go-poolcluster/pkg/request"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

// Server holds what an agent needs to serve the clustering API.
type Server struct {
	Lifecycle   *cluster.Lifecycle
	Coordinator *cluster.Coordinator
	Registry    registry.Registry
	Tasks       *request.Tasks
}

// Routes returns the API route table. Every call runs as a task registered
// with s.Tasks. Pool operations are only served when s.Coordinator is set.
func (s Server) Routes() transport.Routes {
	var tm request.TaskManager
	if s.Tasks != nil {
		tm = s.Tasks
	}
	lc := s.Lifecycle
	r := transport.Routes{
		MethodClusterCreate: op(tm, MethodClusterCreate, func(ctx context.Context, in cluster.CreateRequest) (any, error) {
			return lc.Create(ctx, in)
		}),
		MethodClusterDestroy: op(tm, MethodClusterDestroy, func(ctx context.Context, in RefArgs) (any, error) {
			return nil, lc.Destroy(ctx, in.Ref)
		}),
		MethodClusterHostCreate: op(tm, MethodClusterHostCreate, func(ctx context.Context, in HostCreateArgs) (any, error) {
			return lc.CreateHost(ctx, in.Cluster, in.PIF)
		}),
		MethodClusterHostDestroy: op(tm, MethodClusterHostDestroy, func(ctx context.Context, in RefArgs) (any, error) {
			return nil, lc.DestroyHost(ctx, in.Ref)
		}),
		MethodClusterHostForceDestroy: op(tm, MethodClusterHostForceDestroy, func(ctx context.Context, in RefArgs) (any, error) {
			return nil, lc.ForceDestroyHost(ctx, in.Ref)
		}),
		MethodClusterHostGetUUID: op(tm, MethodClusterHostGetUUID, func(ctx context.Context, in RefArgs) (any, error) {
			return lc.HostUUID(ctx, in.Ref)
		}),
		MethodClusterHostEnable: op(tm, MethodClusterHostEnable, func(ctx context.Context, in RefArgs) (any, error) {
			return nil, lc.EnableHost(ctx, in.Ref)
		}),
		MethodClusterHostDisable: op(tm, MethodClusterHostDisable, func(ctx context.Context, in RefArgs) (any, error) {
			return nil, lc.DisableHost(ctx, in.Ref)
		}),
		MethodClusterHostResync: op(tm, MethodClusterHostResync, func(ctx context.Context, _ struct{}) (any, error) {
			return nil, lc.ResyncHost(ctx)
		}),
		MethodClusterGetAll: op(tm, MethodClusterGetAll, func(ctx context.Context, _ struct{}) (any, error) {
			return getAll(ctx, s.Registry)
		}),
		MethodTaskGetAll: func(ctx context.Context, _ json.RawMessage) (any, error) {
			if s.Tasks == nil {
				return []request.Task{}, nil
			}
			return s.Tasks.List(), nil
		},
	}
	if co := s.Coordinator; co != nil {
		r[MethodPoolCreate] = op(tm, MethodPoolCreate, func(ctx context.Context, in cluster.PoolCreateRequest) (any, error) {
			return co.PoolCreate(ctx, in)
		})
		r[MethodPoolDestroy] = op(tm, MethodPoolDestroy, func(ctx context.Context, in RefArgs) (any, error) {
			return nil, co.PoolDestroy(ctx, in.Ref)
		})
		r[MethodPoolForceDestroy] = op(tm, MethodPoolForceDestroy, func(ctx context.Context, in RefArgs) (any, error) {
			return poolResult(co.PoolForceDestroy(ctx, in.Ref))
		})
		r[MethodPoolResync] = op(tm, MethodPoolResync, func(ctx context.Context, in RefArgs) (any, error) {
			return poolResult(co.PoolResync(ctx, in.Ref))
		})
	}
	return r
}

// poolResult folds an API error into the result so the report reaches the
// caller; other errors fail the call.
func poolResult(rep *cluster.Report, err error) (any, error) {
	if err == nil {
		return PoolResult{Report: rep}, nil
	}
	if e, ok := apierr.As(err); ok && rep != nil && len(rep.Outcomes) > 0 {
		return PoolResult{Report: rep, Error: e}, nil
	}
	return nil, err
}

func getAll(ctx context.Context, reg registry.Registry) ([]ClusterView, error) {
	clusters, err := reg.ListClusters(ctx)
	if err != nil { return nil, apierr.Internal(err) }
	out := make([]ClusterView, 0, len(clusters))
	for _, c := range clusters {
		hosts, err := reg.ClusterHosts(ctx, c.Ref)
		if err != nil { return nil, apierr.Internal(err) }
		if hosts == nil { hosts = []model.ClusterHost{} }
		out = append(out, ClusterView{Cluster: c, Hosts: hosts})
	}
	return out, nil
}

// op decodes the payload into In and runs fn as a task named name.
func op[In any](tm request.TaskManager, name string, fn func(ctx context.Context, in In) (any, error)) transport.Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		in, err := transport.Decode[In](payload)
		if err != nil { return nil, err }
		ctx, done := request.Begin(ctx, tm, name)
		out, err := fn(ctx, in)
		done(err)
		return out, err
	}
}
