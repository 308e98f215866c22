package cluster

import (
	"context"
	"log"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/daemon"
	"github.com/amirimatin/go-poolcluster/pkg/internal/logutil"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
	"github.com/amirimatin/go-poolcluster/pkg/request"
)

// Lifecycle performs the clustering operations that act on the local host:
// forming a cluster, joining it, leaving it and keeping the local daemon in
// line with the registry. Every mutating operation runs under the clustering
// lock.
type Lifecycle struct {
	host     model.Ref
	reg      registry.Registry
	d        daemon.Client
	net      NetworkResolver
	storage  StorageChecker
	features FeatureGate
	ha       HABookkeeper
	lock     *Lock
	log      *log.Logger
}

// NewLifecycle validates opts and builds a Lifecycle. It performs no I/O.
func NewLifecycle(opts Options) (*Lifecycle, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	obsmetrics.Register()
	lock := opts.Lock
	if lock == nil {
		lock = NewLock("clustering")
	}
	return &Lifecycle{
		host: opts.Host, reg: opts.Registry, d: opts.Daemon,
		net: opts.Network, storage: opts.Storage, features: opts.Features, ha: opts.HA,
		lock: lock, log: logutil.Component(opts.Logger, "lifecycle"),
	}, nil
}

// Host returns the host this Lifecycle acts for.
func (l *Lifecycle) Host() model.Ref { return l.host }

// Create forms a new single-member cluster on the local host using pif as
// the clustering interface.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (model.Ref, error) {
	var ref model.Ref
	err := instrument(ctx, "cluster.create", func(ctx context.Context) error {
		if req.ClusterStack != model.StackCorosync {
			return apierr.New(apierr.InvalidClusterStack, req.ClusterStack)
		}
		if err := l.features.AssertClusteringEnabled(ctx); err != nil { return err }
		if err := ValidateParams(req.TokenTimeout, req.TokenTimeoutCoefficient); err != nil { return err }
		return l.lock.With("cluster.create", func() error {
			existing, err := l.reg.ListClusters(ctx)
			if err != nil { return apierr.Internal(err) }
			if len(existing) > 0 {
				return apierr.New(apierr.ClusterAlreadyExists, existing[0].Ref.String())
			}
			pif, err := l.localPIF(ctx, req.PIF)
			if err != nil { return err }

			cfg := daemon.Config{
				LocalIP:            pif.IP,
				TokenTimeoutMS:     millis(req.TokenTimeout),
				TokenCoefficientMS: millis(req.TokenTimeoutCoefficient),
			}
			if err := l.d.EnableService(ctx); err != nil { return daemonErr(err) }
			token, err := l.d.Create(ctx, request.DebugToken(ctx), cfg)
			if err != nil { return daemonErr(err) }

			cref, cuuid := model.NewRef()
			href, huuid := model.NewRef()
			c := model.Cluster{
				Ref: cref, UUID: cuuid, Network: pif.Network, ClusterToken: token,
				ClusterStack: req.ClusterStack, TokenTimeout: req.TokenTimeout,
				TokenTimeoutCoefficient: req.TokenTimeoutCoefficient, PoolAutoJoin: req.PoolAutoJoin,
				PendingForget: []string{}, CurrentOperations: map[string]string{},
				AllowedOperations: clusterAllowedOps(),
			}
			h := model.ClusterHost{
				Ref: href, UUID: huuid, Cluster: cref, Host: l.host, PIF: pif.Ref,
				Enabled: true, Joined: true, CurrentOperations: map[string]string{},
				AllowedOperations: hostAllowedOps(true),
			}
			if err := l.reg.CreateClusterWithHost(ctx, c, h); err != nil { return apierr.Internal(err) }
			l.updateAllowedOperations(ctx, cref)
			l.refreshHA(ctx)
			logutil.Infof(l.log, "created cluster %s with host %s on %s", cuuid, l.host.Short(), pif.IP)
			ref = cref
			return nil
		})
	})
	return ref, err
}

// Destroy removes cluster, which must have at most one member: the local
// host. Pools with more members go through Coordinator.PoolDestroy. When the
// one remaining member belongs to another host (the master's own record was
// force destroyed) Destroy fails with OPERATION_HOST_NOT_LOCAL and only
// Coordinator.PoolForceDestroy clears the cluster.
func (l *Lifecycle) Destroy(ctx context.Context, cluster model.Ref) error {
	return instrument(ctx, "cluster.destroy", func(ctx context.Context) error {
		return l.lock.With("cluster.destroy", func() error {
			c, err := l.reg.GetCluster(ctx, cluster)
			if err != nil { return regErr(err, "Cluster", cluster) }
			hosts, err := l.reg.ClusterHosts(ctx, cluster)
			if err != nil { return apierr.Internal(err) }
			switch len(hosts) {
			case 0:
			case 1:
				if err := l.storage.AssertNoClusterStackSR(ctx, hosts[0].Host, c.ClusterStack); err != nil { return err }
				if err := l.forceDestroyLocked(ctx, hosts[0]); err != nil { return err }
			default:
				return apierr.NotOneNode(len(hosts))
			}
			if err := l.reg.DestroyCluster(ctx, cluster); err != nil { return regErr(err, "Cluster", cluster) }
			l.refreshHA(ctx)
			if err := l.d.DisableService(ctx); err != nil {
				logutil.Warnf(l.log, "destroy %s: disable daemon service: %v", c.UUID, err)
			}
			logutil.Infof(l.log, "destroyed cluster %s", c.UUID)
			return nil
		})
	})
}

// CreateHost joins the local host to cluster through pif.
func (l *Lifecycle) CreateHost(ctx context.Context, cluster, pifRef model.Ref) (model.Ref, error) {
	var ref model.Ref
	err := instrument(ctx, "cluster_host.create", func(ctx context.Context) error {
		if err := l.features.AssertClusteringEnabled(ctx); err != nil { return err }
		return l.lock.With("cluster_host.create", func() error {
			c, err := l.reg.GetCluster(ctx, cluster)
			if err != nil { return regErr(err, "Cluster", cluster) }
			if existing, ok, err := l.reg.FindClusterHost(ctx, l.host); err != nil {
				return apierr.Internal(err)
			} else if ok {
				return apierr.New(apierr.ClusterHostAlreadyExists, existing.Ref.String())
			}
			pif, err := l.localPIF(ctx, pifRef)
			if err != nil { return err }
			peers, err := l.memberIPs(ctx, cluster)
			if err != nil { return err }

			href, huuid := model.NewRef()
			h := model.ClusterHost{
				Ref: href, UUID: huuid, Cluster: cluster, Host: l.host, PIF: pif.Ref,
				CurrentOperations: map[string]string{}, AllowedOperations: hostAllowedOps(false),
			}
			if err := l.reg.CreateClusterHost(ctx, h); err != nil { return regErr(err, "Cluster_host", href) }

			join := func() error {
				if err := l.d.EnableService(ctx); err != nil { return err }
				return l.d.Join(ctx, request.DebugToken(ctx), c.ClusterToken, ringConfig(c, pif), peers)
			}
			if err := join(); err != nil {
				if derr := l.reg.DestroyClusterHost(ctx, href); derr != nil {
					logutil.Errorf(l.log, "join %s failed and cluster host %s could not be removed: %v", c.UUID, huuid, derr)
				}
				return daemonErr(err)
			}
			h.Enabled, h.Joined = true, true
			if err := l.reg.UpdateClusterHost(ctx, h); err != nil { return apierr.Internal(err) }
			l.updateAllowedOperations(ctx, cluster)
			logutil.Infof(l.log, "host %s joined cluster %s as %s", l.host.Short(), c.UUID, huuid)
			ref = href
			return nil
		})
	})
	return ref, err
}

// DestroyHost makes the local host leave its cluster gracefully.
func (l *Lifecycle) DestroyHost(ctx context.Context, clusterHost model.Ref) error {
	return instrument(ctx, "cluster_host.destroy", func(ctx context.Context) error {
		return l.lock.With("cluster_host.destroy", func() error {
			h, err := l.localClusterHost(ctx, clusterHost)
			if err != nil { return err }
			c, err := l.reg.GetCluster(ctx, h.Cluster)
			if err != nil { return regErr(err, "Cluster", h.Cluster) }
			if err := l.storage.AssertNoClusterStackSR(ctx, l.host, c.ClusterStack); err != nil { return err }
			if err := l.d.Leave(ctx, request.DebugToken(ctx)); err != nil { return daemonErr(err) }
			if err := l.reg.DestroyClusterHost(ctx, h.Ref); err != nil { return regErr(err, "Cluster_host", h.Ref) }
			if err := l.d.DisableService(ctx); err != nil {
				logutil.Warnf(l.log, "leave %s: disable daemon service: %v", h.UUID, err)
			}
			l.updateAllowedOperations(ctx, h.Cluster)
			logutil.Infof(l.log, "host %s left cluster %s", l.host.Short(), c.UUID)
			return nil
		})
	})
}

// ForceDestroyHost removes the local host from its cluster without
// coordinating with the other members. The record is deleted even when the
// daemon cannot be told.
func (l *Lifecycle) ForceDestroyHost(ctx context.Context, clusterHost model.Ref) error {
	return instrument(ctx, "cluster_host.force_destroy", func(ctx context.Context) error {
		return l.lock.With("cluster_host.force_destroy", func() error {
			h, err := l.localClusterHost(ctx, clusterHost)
			if err != nil { return err }
			return l.forceDestroyLocked(ctx, h)
		})
	})
}

func (l *Lifecycle) forceDestroyLocked(ctx context.Context, h model.ClusterHost) error {
	if h.Host != l.host {
		return apierr.New(apierr.OperationHostNotLocal, h.Ref.String())
	}
	if err := l.d.Destroy(ctx, request.DebugToken(ctx)); err != nil {
		logutil.Warnf(l.log, "force destroy %s on host %s: daemon destroy: %v", h.UUID, l.host.Short(), err)
	}
	if err := l.reg.DestroyClusterHost(ctx, h.Ref); err != nil { return regErr(err, "Cluster_host", h.Ref) }
	if err := l.d.DisableService(ctx); err != nil {
		logutil.Warnf(l.log, "force destroy %s: disable daemon service: %v", h.UUID, err)
	}
	logutil.Infof(l.log, "force destroyed cluster host %s", h.UUID)
	return nil
}

// EnableHost resumes membership of the local host.
func (l *Lifecycle) EnableHost(ctx context.Context, clusterHost model.Ref) error {
	return instrument(ctx, "cluster_host.enable", func(ctx context.Context) error {
		return l.lock.With("cluster_host.enable", func() error {
			h, err := l.localClusterHost(ctx, clusterHost)
			if err != nil { return err }
			c, err := l.reg.GetCluster(ctx, h.Cluster)
			if err != nil { return regErr(err, "Cluster", h.Cluster) }
			pif, err := l.localPIF(ctx, h.PIF)
			if err != nil { return err }
			if err := l.d.EnableService(ctx); err != nil { return daemonErr(err) }
			if err := l.d.Enable(ctx, request.DebugToken(ctx), ringConfig(c, pif)); err != nil { return daemonErr(err) }
			h.Enabled = true
			if err := l.reg.UpdateClusterHost(ctx, h); err != nil { return apierr.Internal(err) }
			l.updateAllowedOperations(ctx, h.Cluster)
			return nil
		})
	})
}

// DisableHost suspends membership of the local host without leaving.
func (l *Lifecycle) DisableHost(ctx context.Context, clusterHost model.Ref) error {
	return instrument(ctx, "cluster_host.disable", func(ctx context.Context) error {
		return l.lock.With("cluster_host.disable", func() error {
			h, err := l.localClusterHost(ctx, clusterHost)
			if err != nil { return err }
			if err := l.d.Disable(ctx, request.DebugToken(ctx)); err != nil { return daemonErr(err) }
			h.Enabled = false
			if err := l.reg.UpdateClusterHost(ctx, h); err != nil { return apierr.Internal(err) }
			l.updateAllowedOperations(ctx, h.Cluster)
			return nil
		})
	})
}

// ResyncHost brings the local daemon in line with the local ClusterHost
// record: when the record is enabled the daemon service runs, is a ring
// member and has membership enabled. Hosts without a record are left alone.
func (l *Lifecycle) ResyncHost(ctx context.Context) error {
	return instrument(ctx, "cluster_host.resync", func(ctx context.Context) error {
		return l.lock.With("cluster_host.resync", func() error {
			h, ok, err := l.reg.FindClusterHost(ctx, l.host)
			if err != nil { return apierr.Internal(err) }
			if !ok || !h.Enabled { return nil }
			c, err := l.reg.GetCluster(ctx, h.Cluster)
			if err != nil { return regErr(err, "Cluster", h.Cluster) }
			pif, err := l.net.PIF(ctx, h.PIF)
			if err != nil { return err }
			debug := request.DebugToken(ctx)

			if err := l.d.EnableService(ctx); err != nil { return daemonErr(err) }
			diag, err := l.d.Diagnostics(ctx, debug)
			if err != nil { return daemonErr(err) }
			switch {
			case diag.Token == "":
				peers, err := l.memberIPs(ctx, h.Cluster)
				if err != nil { return err }
				logutil.Infof(l.log, "resync %s: daemon has no ring, rejoining via %v", h.UUID, peers)
				if err := l.d.Join(ctx, debug, c.ClusterToken, ringConfig(c, pif), peers); err != nil { return daemonErr(err) }
			case !diag.Enabled:
				logutil.Infof(l.log, "resync %s: enabling membership", h.UUID)
				if err := l.d.Enable(ctx, debug, ringConfig(c, pif)); err != nil { return daemonErr(err) }
			}
			if !h.Joined {
				h.Joined = true
				if err := l.reg.UpdateClusterHost(ctx, h); err != nil { return apierr.Internal(err) }
			}
			return nil
		})
	})
}

// HostUUID returns the uuid of a ClusterHost record.
func (l *Lifecycle) HostUUID(ctx context.Context, clusterHost model.Ref) (string, error) {
	h, err := l.reg.GetClusterHost(ctx, clusterHost)
	if err != nil { return "", regErr(err, "Cluster_host", clusterHost) }
	return h.UUID, nil
}

// localPIF resolves pif, checks it belongs to this host and satisfies the
// clustering prerequisites.
func (l *Lifecycle) localPIF(ctx context.Context, ref model.Ref) (model.PIF, error) {
	pif, err := l.net.PIF(ctx, ref)
	if err != nil { return pif, err }
	if pif.Host != l.host {
		return pif, apierr.New(apierr.OperationHostNotLocal, pif.Ref.String())
	}
	if err := l.net.AssertPIFPrerequisites(ctx, pif); err != nil { return pif, err }
	return pif, nil
}

func (l *Lifecycle) localClusterHost(ctx context.Context, ref model.Ref) (model.ClusterHost, error) {
	h, err := l.reg.GetClusterHost(ctx, ref)
	if err != nil { return h, regErr(err, "Cluster_host", ref) }
	if h.Host != l.host {
		return h, apierr.New(apierr.OperationHostNotLocal, ref.String())
	}
	return h, nil
}

// memberIPs returns the clustering IPs of the joined members of cluster
// other than the local host.
func (l *Lifecycle) memberIPs(ctx context.Context, cluster model.Ref) ([]string, error) {
	hosts, err := l.reg.ClusterHosts(ctx, cluster)
	if err != nil { return nil, apierr.Internal(err) }
	ips := make([]string, 0, len(hosts))
	for _, m := range hosts {
		if m.Host == l.host || !m.Joined {
			continue
		}
		pif, err := l.net.PIF(ctx, m.PIF)
		if err != nil { return nil, err }
		ips = append(ips, pif.IP)
	}
	return ips, nil
}

func ringConfig(c model.Cluster, pif model.PIF) daemon.Config {
	return daemon.Config{
		LocalIP:            pif.IP,
		TokenTimeoutMS:     millis(c.TokenTimeout),
		TokenCoefficientMS: millis(c.TokenTimeoutCoefficient),
	}
}
