package cluster

import (
	"context"

	"github.com/amirimatin/go-poolcluster/pkg/internal/logutil"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
)

func clusterAllowedOps() []string {
	return []string{model.OpAdd, model.OpRemove, model.OpDestroy}
}

func hostAllowedOps(enabled bool) []string {
	if enabled {
		return []string{model.OpDisable, model.OpDestroy}
	}
	return []string{model.OpEnable, model.OpDestroy}
}

// updateAllowedOperations rewrites the allowed operations of cluster and of
// every member whose set changed. Failures are logged; the records stay
// usable with stale hints.
func (l *Lifecycle) updateAllowedOperations(ctx context.Context, cluster model.Ref) {
	c, err := l.reg.GetCluster(ctx, cluster)
	if err != nil {
		logutil.Warnf(l.log, "allowed ops: cluster %s: %v", cluster.Short(), err)
		return
	}
	if !equalOps(c.AllowedOperations, clusterAllowedOps()) {
		c.AllowedOperations = clusterAllowedOps()
		if err := l.reg.UpdateCluster(ctx, c); err != nil {
			logutil.Warnf(l.log, "allowed ops: cluster %s: %v", cluster.Short(), err)
		}
	}
	hosts, err := l.reg.ClusterHosts(ctx, cluster)
	if err != nil {
		logutil.Warnf(l.log, "allowed ops: members of %s: %v", cluster.Short(), err)
		return
	}
	obsmetrics.ClusterHosts.Set(float64(len(hosts)))
	for _, h := range hosts {
		want := hostAllowedOps(h.Enabled)
		if equalOps(h.AllowedOperations, want) {
			continue
		}
		h.AllowedOperations = want
		if err := l.reg.UpdateClusterHost(ctx, h); err != nil {
			logutil.Warnf(l.log, "allowed ops: cluster host %s: %v", h.UUID, err)
		}
	}
}

// refreshHA points HA at the stack of the existing Cluster, or at the
// default HA stack when there is none.
func (l *Lifecycle) refreshHA(ctx context.Context) {
	stack := model.StackDefaultHA
	clusters, err := l.reg.ListClusters(ctx)
	if err != nil {
		logutil.Warnf(l.log, "ha: list clusters: %v", err)
		return
	}
	if len(clusters) > 0 {
		stack = clusters[0].ClusterStack
	}
	if err := l.ha.SetClusterStack(ctx, stack); err != nil {
		logutil.Warnf(l.log, "ha: set cluster stack %s: %v", stack, err)
	}
}

func equalOps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
