// Package registry is the persistent store of Cluster and ClusterHost records.
package registry

import (
	"context"
	"errors"

	"github.com/amirimatin/go-poolcluster/pkg/model"
)

var (
	ErrNotFound   = errors.New("registry: not found")
	ErrDuplicate  = errors.New("registry: duplicate record")
	ErrHasMembers = errors.New("registry: cluster still has cluster hosts")
	ErrNotLeader  = errors.New("registry: not leader")
)

// Registry is the CRUD surface over the two clustering record types. All
// implementations return copies; mutating a returned record has no effect
// until it is written back with an Update call.
type Registry interface {
	// CreateClusterWithHost stores a new Cluster and its first ClusterHost
	// as one atomic write.
	CreateClusterWithHost(ctx context.Context, c model.Cluster, h model.ClusterHost) error
	CreateCluster(ctx context.Context, c model.Cluster) error
	GetCluster(ctx context.Context, ref model.Ref) (model.Cluster, error)
	ListClusters(ctx context.Context) ([]model.Cluster, error)
	UpdateCluster(ctx context.Context, c model.Cluster) error
	// DestroyCluster fails with ErrHasMembers while ClusterHosts reference it.
	DestroyCluster(ctx context.Context, ref model.Ref) error

	CreateClusterHost(ctx context.Context, h model.ClusterHost) error
	GetClusterHost(ctx context.Context, ref model.Ref) (model.ClusterHost, error)
	UpdateClusterHost(ctx context.Context, h model.ClusterHost) error
	DestroyClusterHost(ctx context.Context, ref model.Ref) error

	// ClusterHosts lists the members of cluster in creation order.
	ClusterHosts(ctx context.Context, cluster model.Ref) ([]model.ClusterHost, error)
	// FindClusterHost returns the ClusterHost owned by host, if any.
	FindClusterHost(ctx context.Context, host model.Ref) (model.ClusterHost, bool, error)
}
