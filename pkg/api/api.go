// Package api binds the clustering operations to the management transport.
// Client is the calling side used to reach other hosts' agents; Routes is
// the serving side every agent exposes.
package api

import (
	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/model"
)

// Method names.
const (
	MethodClusterCreate           = "Cluster.create"
	MethodClusterDestroy          = "Cluster.destroy"
	MethodClusterGetAll           = "Cluster.get_all"
	MethodPoolCreate              = "Cluster.pool_create"
	MethodPoolDestroy             = "Cluster.pool_destroy"
	MethodPoolForceDestroy        = "Cluster.pool_force_destroy"
	MethodPoolResync              = "Cluster.pool_resync"
	MethodClusterHostCreate       = "Cluster_host.create"
	MethodClusterHostDestroy      = "Cluster_host.destroy"
	MethodClusterHostForceDestroy = "Cluster_host.force_destroy"
	MethodClusterHostGetUUID      = "Cluster_host.get_uuid"
	MethodClusterHostEnable       = "Cluster_host.enable"
	MethodClusterHostDisable      = "Cluster_host.disable"
	MethodClusterHostResync       = "Cluster_host.resync"
	MethodTaskGetAll              = "Task.get_all"
)

// AddressBook maps a host to the management address of its agent.
type AddressBook interface {
	Address(host model.Ref) (string, error)
}

// RefArgs addresses a single object.
type RefArgs struct {
	Ref model.Ref `json:"ref"`
}

// HostCreateArgs are the arguments of Cluster_host.create.
type HostCreateArgs struct {
	Cluster model.Ref `json:"cluster"`
	PIF     model.Ref `json:"pif"`
}

// ClusterView is a Cluster together with its members, as listed by
// Cluster.get_all.
type ClusterView struct {
	Cluster model.Cluster       `json:"cluster"`
	Hosts   []model.ClusterHost `json:"hosts"`
}

// PoolResult carries the report of a pool operation even when the
// operation failed as a whole.
type PoolResult struct {
	Report *cluster.Report `json:"report,omitempty"`
	Error  *apierr.Error   `json:"error,omitempty"`
}

func (r PoolResult) err() error {
	if r.Error != nil {
		return r.Error
	}
	return nil
}
