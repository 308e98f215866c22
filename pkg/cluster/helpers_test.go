package cluster_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/daemon/inmem"
	"github.com/amirimatin/go-poolcluster/pkg/inventory"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/simpool"
)

func newPool(t *testing.T, hosts int) (context.Context, *simpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	p, err := simpool.New(ctx, simpool.Options{Hosts: hosts})
	if err != nil { t.Fatalf("simpool: %v", err) }
	return ctx, p
}

func createReq(pif model.Ref) cluster.CreateRequest {
	return cluster.CreateRequest{
		PIF: pif, ClusterStack: model.StackCorosync,
		TokenTimeout: model.DefaultTokenTimeout, TokenTimeoutCoefficient: model.DefaultTokenTimeoutCoefficient,
	}
}

// poolCreate forms a cluster across p and fails the test otherwise.
func poolCreate(t *testing.T, ctx context.Context, p *simpool.Pool) model.Ref {
	t.Helper()
	ref, err := p.Coordinator.PoolCreate(ctx, simpool.DefaultCreate())
	if err != nil { t.Fatalf("pool create: %v", err) }
	return ref
}

func members(t *testing.T, ctx context.Context, p *simpool.Pool, c model.Ref) []model.ClusterHost {
	t.Helper()
	hs, err := p.Store.ClusterHosts(ctx, c)
	if err != nil { t.Fatalf("cluster hosts: %v", err) }
	return hs
}

func clusterCount(t *testing.T, ctx context.Context, p *simpool.Pool) int {
	t.Helper()
	cs, err := p.Store.ListClusters(ctx)
	if err != nil { t.Fatalf("list clusters: %v", err) }
	return len(cs)
}

func memberOf(t *testing.T, ctx context.Context, p *simpool.Pool, host model.Ref) model.ClusterHost {
	t.Helper()
	h, ok, err := p.Store.FindClusterHost(ctx, host)
	if err != nil || !ok { t.Fatalf("cluster host of %s: ok=%v err=%v", host, ok, err) }
	return h
}

func wantCode(t *testing.T, err error, code string) *apierr.Error {
	t.Helper()
	e, ok := apierr.As(err)
	if !ok || e.Code != code {
		t.Fatalf("want %s, got %v", code, err)
	}
	return e
}

// wantRingTimings asserts that d runs with the failure-detection timings of c.
func wantRingTimings(t *testing.T, d *inmem.Daemon, c model.Cluster) {
	t.Helper()
	cfg := d.RingConfig()
	if cfg.TokenTimeoutMS == nil || cfg.TokenCoefficientMS == nil { t.Fatalf("daemon runs without ring timings: %+v", cfg) }
	wantTimeout := int64(math.Round(c.TokenTimeout * 1000))
	wantCoeff := int64(math.Round(c.TokenTimeoutCoefficient * 1000))
	if *cfg.TokenTimeoutMS != wantTimeout || *cfg.TokenCoefficientMS != wantCoeff {
		t.Fatalf("daemon timings %d/%d, cluster %d/%d", *cfg.TokenTimeoutMS, *cfg.TokenCoefficientMS, wantTimeout, wantCoeff)
	}
}

func node(i int) string { return inventory.UniformHost(i).String() }
