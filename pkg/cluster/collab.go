package cluster

import (
	"context"

	"github.com/amirimatin/go-poolcluster/pkg/model"
)

// PoolInfo answers which host is the pool master and which are not.
type PoolInfo interface {
	Master(ctx context.Context) (model.Ref, error)
	// Slaves returns every non-master host in pool order.
	Slaves(ctx context.Context) ([]model.Ref, error)
}

// NetworkResolver looks up physical interfaces.
type NetworkResolver interface {
	PIF(ctx context.Context, ref model.Ref) (model.PIF, error)
	// PIFForHost returns the PIF of host on network.
	PIFForHost(ctx context.Context, host, network model.Ref) (model.PIF, error)
	// AssertPIFPrerequisites fails unless pif has an IP, is attached and may
	// not be unplugged.
	AssertPIFPrerequisites(ctx context.Context, pif model.PIF) error
}

// StorageChecker guards against leaving a host while storage depends on
// the cluster stack.
type StorageChecker interface {
	// AssertNoClusterStackSR fails with CLUSTER_STACK_IN_USE when an SR
	// attached to host requires stack.
	AssertNoClusterStackSR(ctx context.Context, host model.Ref, stack string) error
}

// FeatureGate reports licensing.
type FeatureGate interface {
	AssertClusteringEnabled(ctx context.Context) error
}

// HABookkeeper records the cluster stack HA should use.
type HABookkeeper interface {
	SetClusterStack(ctx context.Context, stack string) error
}

// Invoker runs clustering operations on other hosts of the pool. Every
// method is a blocking network call to the agent of host and may fail with a
// transport error in addition to the remote operation's own API errors.
type Invoker interface {
	ClusterCreate(ctx context.Context, host model.Ref, req CreateRequest) (model.Ref, error)
	ClusterDestroy(ctx context.Context, host, cluster model.Ref) error
	ClusterHostCreate(ctx context.Context, host model.Ref, cluster, pif model.Ref) (model.Ref, error)
	ClusterHostDestroy(ctx context.Context, host, clusterHost model.Ref) error
	ClusterHostForceDestroy(ctx context.Context, host, clusterHost model.Ref) error
	ClusterHostGetUUID(ctx context.Context, host, clusterHost model.Ref) (string, error)
	ClusterHostEnable(ctx context.Context, host, clusterHost model.Ref) error
	ClusterHostDisable(ctx context.Context, host, clusterHost model.Ref) error
	ClusterHostResync(ctx context.Context, host model.Ref) error
}

// CreateRequest carries the parameters of a Cluster creation.
type CreateRequest struct {
	PIF                     model.Ref `json:"pif"`
	ClusterStack            string    `json:"cluster_stack"`
	PoolAutoJoin            bool      `json:"pool_auto_join"`
	TokenTimeout            float64   `json:"token_timeout"`
	TokenTimeoutCoefficient float64   `json:"token_timeout_coefficient"`
}
