package cluster

import (
	"errors"
	"log"

	"github.com/amirimatin/go-poolcluster/pkg/daemon"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
)

// Options carries the collaborators of the host-local Lifecycle. Instances
// are typically produced by bootstrap.
type Options struct {
	// Host is the host this agent runs on.
	Host model.Ref
	// Registry holds the Cluster and ClusterHost records.
	Registry registry.Registry
	// Daemon drives the local clustering daemon.
	Daemon daemon.Client

	Network  NetworkResolver
	Storage  StorageChecker
	Features FeatureGate
	HA       HABookkeeper

	// Lock is optional; a fresh one is used when nil.
	Lock   *Lock
	Logger *log.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity.
func (o Options) Validate() error {
	if o.Host.IsNull() { return errors.New("cluster: empty Host") }
	if o.Registry == nil { return errors.New("cluster: nil Registry") }
	if o.Daemon == nil { return errors.New("cluster: nil Daemon") }
	if o.Network == nil { return errors.New("cluster: nil Network") }
	if o.Storage == nil { return errors.New("cluster: nil Storage") }
	if o.Features == nil { return errors.New("cluster: nil Features") }
	if o.HA == nil { return errors.New("cluster: nil HA") }
	if o.Logger == nil { return errors.New("cluster: nil Logger") }
	return nil
}

// CoordinatorOptions carries the collaborators of the pool-wide Coordinator.
type CoordinatorOptions struct {
	Registry registry.Registry
	Pool     PoolInfo
	Network  NetworkResolver
	Invoker  Invoker
	Logger   *log.Logger
}

func (o CoordinatorOptions) Validate() error {
	if o.Registry == nil { return errors.New("cluster: nil Registry") }
	if o.Pool == nil { return errors.New("cluster: nil Pool") }
	if o.Network == nil { return errors.New("cluster: nil Network") }
	if o.Invoker == nil { return errors.New("cluster: nil Invoker") }
	if o.Logger == nil { return errors.New("cluster: nil Logger") }
	return nil
}
