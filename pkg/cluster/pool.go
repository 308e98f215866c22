package cluster

import (
	"context"
	"log"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/internal/logutil"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
)

// PoolCreateRequest carries the parameters of a pool-wide cluster creation.
type PoolCreateRequest struct {
	Network                 model.Ref `json:"network"`
	ClusterStack            string    `json:"cluster_stack"`
	TokenTimeout            float64   `json:"token_timeout"`
	TokenTimeoutCoefficient float64   `json:"token_timeout_coefficient"`
}

// Coordinator runs clustering operations across every host of the pool by
// invoking the host-local operations on each host in turn. Calls are
// sequential, master first where order matters, and a started pool
// operation always runs to completion. Whole pool operations are mutually
// exclusive.
type Coordinator struct {
	reg  registry.Registry
	pool PoolInfo
	net  NetworkResolver
	inv  Invoker
	lock *Lock
	log  *log.Logger
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		reg: opts.Registry, pool: opts.Pool, net: opts.Network, inv: opts.Invoker,
		lock: NewLock("pool"), log: logutil.Component(opts.Logger, "pool"),
	}, nil
}

// PoolCreate forms a cluster on the master and joins every other host to
// it. It stops at the first failing host; hosts joined before stay joined.
func (co *Coordinator) PoolCreate(ctx context.Context, req PoolCreateRequest) (model.Ref, error) {
	var ref model.Ref
	err := instrument(ctx, "cluster.pool_create", func(ctx context.Context) error {
		if err := ValidateParams(req.TokenTimeout, req.TokenTimeoutCoefficient); err != nil { return err }
		return co.lock.With("cluster.pool_create", func() error {
			master, slaves, err := co.hosts(ctx)
			if err != nil { return err }
			pif, err := co.net.PIFForHost(ctx, master, req.Network)
			if err != nil { return err }
			cluster, err := co.inv.ClusterCreate(ctx, master, CreateRequest{
				PIF: pif.Ref, ClusterStack: req.ClusterStack, PoolAutoJoin: true,
				TokenTimeout: req.TokenTimeout, TokenTimeoutCoefficient: req.TokenTimeoutCoefficient,
			})
			if err != nil { return err }
			for _, host := range slaves {
				pif, err := co.net.PIFForHost(ctx, host, req.Network)
				if err != nil { return err }
				if _, err := co.inv.ClusterHostCreate(ctx, host, cluster, pif.Ref); err != nil {
					logutil.Errorf(co.log, "pool create: host %s failed to join: %v", host.Short(), err)
					return err
				}
			}
			ref = cluster
			return nil
		})
	})
	return ref, err
}

// PoolDestroy makes every slave leave cluster gracefully, then destroys it
// on the master. It stops at the first failure.
func (co *Coordinator) PoolDestroy(ctx context.Context, cluster model.Ref) error {
	return instrument(ctx, "cluster.pool_destroy", func(ctx context.Context) error {
		return co.lock.With("cluster.pool_destroy", func() error {
			if _, err := co.reg.GetCluster(ctx, cluster); err != nil { return regErr(err, "Cluster", cluster) }
			master, err := co.pool.Master(ctx)
			if err != nil { return apierr.Internal(err) }
			members, err := co.reg.ClusterHosts(ctx, cluster)
			if err != nil { return apierr.Internal(err) }
			if !hasHost(members, master) {
				return apierr.New(apierr.InternalError, "pool master "+master.String()+" has no cluster host in "+cluster.String())
			}
			for _, h := range members {
				if h.Host == master {
					continue
				}
				if err := co.inv.ClusterHostDestroy(ctx, h.Host, h.Ref); err != nil {
					obsmetrics.HostFailures.WithLabelValues("cluster.pool_destroy").Inc()
					return err
				}
			}
			return co.inv.ClusterDestroy(ctx, master, cluster)
		})
	})
}

// PoolForceDestroy tears cluster down even when hosts are unreachable. Every
// slave is first asked to leave gracefully; whatever remains is then force
// destroyed host by host. The Cluster record is only removed when every
// forced step succeeded, otherwise CLUSTER_FORCE_DESTROY_FAILED is returned
// together with the per-host report.
func (co *Coordinator) PoolForceDestroy(ctx context.Context, cluster model.Ref) (*Report, error) {
	report := &Report{Op: "pool_force_destroy", Cluster: cluster}
	err := instrument(ctx, "cluster.pool_force_destroy", func(ctx context.Context) error {
		return co.lock.With("cluster.pool_force_destroy", func() error {
			if _, err := co.reg.GetCluster(ctx, cluster); err != nil { return regErr(err, "Cluster", cluster) }
			master, err := co.pool.Master(ctx)
			if err != nil { return apierr.Internal(err) }
			members, err := co.reg.ClusterHosts(ctx, cluster)
			if err != nil { return apierr.Internal(err) }

			for _, h := range members {
				if h.Host == master {
					continue
				}
				err := co.inv.ClusterHostDestroy(ctx, h.Host, h.Ref)
				report.record(h.Host, h.Ref, PhaseGraceful, err)
				if err != nil {
					obsmetrics.HostFailures.WithLabelValues("cluster.pool_force_destroy").Inc()
					logutil.Warnf(co.log, "force destroy %s: graceful leave of host %s (%s) failed, forcing: %v", cluster.Short(), h.Host.Short(), h.UUID, err)
				}
			}

			remaining, err := co.reg.ClusterHosts(ctx, cluster)
			if err != nil { return apierr.Internal(err) }
			for _, h := range remaining {
				err := co.inv.ClusterHostForceDestroy(ctx, h.Host, h.Ref)
				report.record(h.Host, h.Ref, PhaseForced, err)
				if err != nil {
					obsmetrics.HostFailures.WithLabelValues("cluster.pool_force_destroy").Inc()
					logutil.Warnf(co.log, "force destroy %s: host %s (%s): %v", cluster.Short(), h.Host.Short(), h.UUID, err)
				}
			}
			if len(report.Failed(PhaseForced)) > 0 {
				return apierr.New(apierr.ClusterForceDestroyFailed, cluster.String())
			}
			return co.inv.ClusterDestroy(ctx, master, cluster)
		})
	})
	return report, err
}

// PoolResync visits the master and then every slave, creating missing
// ClusterHosts when the cluster auto-joins new hosts and resyncing each
// host's daemon. A host left without an enabled ClusterHost is reported as
// NO_COMPATIBLE_CLUSTER_HOST. A host failure is recorded and the pass moves on.
func (co *Coordinator) PoolResync(ctx context.Context, cluster model.Ref) (*Report, error) {
	report := &Report{Op: "pool_resync", Cluster: cluster}
	err := instrument(ctx, "cluster.pool_resync", func(ctx context.Context) error {
		return co.lock.With("cluster.pool_resync", func() error {
			c, err := co.reg.GetCluster(ctx, cluster)
			if err != nil { return regErr(err, "Cluster", cluster) }
			master, slaves, err := co.hosts(ctx)
			if err != nil { return err }
			for _, host := range append([]model.Ref{master}, slaves...) {
				ch, err := co.resyncHost(ctx, c, host)
				report.record(host, ch, PhaseResync, err)
				if err != nil {
					obsmetrics.HostFailures.WithLabelValues("cluster.pool_resync").Inc()
					logutil.Warnf(co.log, "resync %s: host %s: %v", c.UUID, host.Short(), err)
				}
			}
			return nil
		})
	})
	return report, err
}

func (co *Coordinator) resyncHost(ctx context.Context, c model.Cluster, host model.Ref) (model.Ref, error) {
	h, ok, err := co.findMember(ctx, c.Ref, host)
	if err != nil { return "", err }
	if !ok && c.PoolAutoJoin {
		pif, err := co.net.PIFForHost(ctx, host, c.Network)
		if err != nil { return "", err }
		if _, err := co.inv.ClusterHostCreate(ctx, host, c.Ref, pif.Ref); err != nil { return "", err }
	}
	if err := co.inv.ClusterHostResync(ctx, host); err != nil { return h.Ref, err }
	h, ok, err = co.findMember(ctx, c.Ref, host)
	if err != nil { return "", err }
	if !ok || !h.Enabled {
		return h.Ref, apierr.New(apierr.NoCompatibleClusterHost, host.String())
	}
	return h.Ref, nil
}

func (co *Coordinator) findMember(ctx context.Context, cluster, host model.Ref) (model.ClusterHost, bool, error) {
	h, ok, err := co.reg.FindClusterHost(ctx, host)
	if err != nil { return h, false, apierr.Internal(err) }
	if !ok || h.Cluster != cluster { return model.ClusterHost{}, false, nil }
	return h, true, nil
}

func (co *Coordinator) hosts(ctx context.Context) (model.Ref, []model.Ref, error) {
	master, err := co.pool.Master(ctx)
	if err != nil { return "", nil, apierr.Internal(err) }
	slaves, err := co.pool.Slaves(ctx)
	if err != nil { return "", nil, apierr.Internal(err) }
	return master, slaves, nil
}

func hasHost(members []model.ClusterHost, host model.Ref) bool {
	for _, h := range members {
		if h.Host == host {
			return true
		}
	}
	return false
}
