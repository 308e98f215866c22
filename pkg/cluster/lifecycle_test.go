package cluster_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/amirimatin/go-poolcluster/pkg/apierr"
	"github.com/amirimatin/go-poolcluster/pkg/daemon"
	"github.com/amirimatin/go-poolcluster/pkg/daemon/inmem"
	"github.com/amirimatin/go-poolcluster/pkg/inventory"
	"github.com/amirimatin/go-poolcluster/pkg/model"
)

func TestCreate_SingleHost(t *testing.T) {
	ctx, p := newPool(t, 3)
	m := p.Master()

	ref, err := p.Client.ClusterCreate(ctx, m.Ref, createReq(inventory.UniformPIF(1)))
	if err != nil { t.Fatalf("create: %v", err) }
	if clusterCount(t, ctx, p) != 1 { t.Fatalf("want one cluster") }
	hs := members(t, ctx, p, ref)
	if len(hs) != 1 { t.Fatalf("want one cluster host, got %d", len(hs)) }
	h := hs[0]
	if !h.Enabled || !h.Joined { t.Fatalf("host not in cluster: %+v", h) }
	if h.Host != m.Ref { t.Fatalf("host=%s want master %s", h.Host, m.Ref) }
	if h.PIF != inventory.UniformPIF(1) { t.Fatalf("pif=%s", h.PIF) }
	if !slices.Equal(h.AllowedOperations, []string{model.OpDisable, model.OpDestroy}) {
		t.Fatalf("allowed ops %v", h.AllowedOperations)
	}

	c, err := p.Store.GetCluster(ctx, ref)
	if err != nil { t.Fatalf("get cluster: %v", err) }
	if c.ClusterToken == "" || c.Network != inventory.UniformNetwork { t.Fatalf("cluster %+v", c) }
	if got := p.Fabric.RingMembers(c.ClusterToken); !slices.Equal(got, []string{node(1)}) {
		t.Fatalf("ring %v", got)
	}
	if p.Inventory.ClusterStack() != model.StackCorosync {
		t.Fatalf("ha stack %q", p.Inventory.ClusterStack())
	}
}

func TestCreate_RejectsLowTimeoutsBeforeAnyMutation(t *testing.T) {
	cases := []struct {
		name        string
		timeout     float64
		coefficient float64
		field       string
	}{
		{"timeout", 0.99, 1, "token_timeout"},
		{"timeout zero", 0, 1, "token_timeout"},
		{"coefficient", 20, 0.64, "token_timeout_coefficient"},
		{"coefficient negative", 20, -1, "token_timeout_coefficient"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, p := newPool(t, 1)
			req := createReq(inventory.UniformPIF(1))
			req.TokenTimeout, req.TokenTimeoutCoefficient = tc.timeout, tc.coefficient
			_, err := p.Master().Lifecycle.Create(ctx, req)
			e := wantCode(t, err, apierr.InvalidValue)
			if e.Params[0] != tc.field { t.Fatalf("field %q want %q", e.Params[0], tc.field) }
			if n := len(p.Fabric.Calls()); n != 0 { t.Fatalf("daemon touched %d times", n) }
			if clusterCount(t, ctx, p) != 0 { t.Fatalf("cluster created") }
		})
	}
}

func TestCreate_Preconditions(t *testing.T) {
	t.Run("stack", func(t *testing.T) {
		ctx, p := newPool(t, 1)
		req := createReq(inventory.UniformPIF(1))
		req.ClusterStack = "pacemaker"
		_, err := p.Master().Lifecycle.Create(ctx, req)
		wantCode(t, err, apierr.InvalidClusterStack)
	})
	t.Run("licence", func(t *testing.T) {
		ctx, p := newPool(t, 1)
		p.Inventory.SetFeature(inventory.FeatureClustering, false)
		_, err := p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
		wantCode(t, err, apierr.LicenceRestriction)
	})
	t.Run("remote pif", func(t *testing.T) {
		ctx, p := newPool(t, 2)
		_, err := p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(2)))
		wantCode(t, err, apierr.OperationHostNotLocal)
	})
	t.Run("detached pif", func(t *testing.T) {
		ctx, p := newPool(t, 1)
		if err := p.Inventory.SetPIFAttached(inventory.UniformPIF(1), false); err != nil { t.Fatal(err) }
		_, err := p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
		wantCode(t, err, apierr.PIFNotAttached)
		if clusterCount(t, ctx, p) != 0 { t.Fatalf("cluster created") }
	})
	t.Run("already exists", func(t *testing.T) {
		ctx, p := newPool(t, 1)
		ref, err := p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
		if err != nil { t.Fatal(err) }
		_, err = p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
		e := wantCode(t, err, apierr.ClusterAlreadyExists)
		if e.Params[0] != ref.String() { t.Fatalf("params %v", e.Params) }
	})
}

func TestCreate_DaemonFailureLeavesRegistryUntouched(t *testing.T) {
	ctx, p := newPool(t, 1)
	p.Fabric.FailNext(node(1), inmem.OpCreate, daemon.Errorf(daemon.KindNotResponding, "socket closed"))
	_, err := p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
	wantCode(t, err, apierr.ClusteringDaemonNotResponding)
	if clusterCount(t, ctx, p) != 0 { t.Fatalf("cluster created") }
	if _, ok, _ := p.Store.FindClusterHost(ctx, p.Master().Ref); ok { t.Fatalf("cluster host created") }

	p.Fabric.FailNext(node(1), inmem.OpCreate, daemon.Errorf(daemon.KindInvalidParameter, "bad config"))
	_, err = p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
	wantCode(t, err, apierr.InternalError)
}

func TestCreate_DebugTokenIsTask(t *testing.T) {
	ctx, p := newPool(t, 1)
	if _, err := p.Client.ClusterCreate(ctx, p.Master().Ref, createReq(inventory.UniformPIF(1))); err != nil {
		t.Fatal(err)
	}
	tasks := p.Master().Tasks.List()
	if len(tasks) != 1 || tasks[0].Name != "Cluster.create" || tasks[0].Finished.IsZero() {
		t.Fatalf("tasks %+v", tasks)
	}
	for _, c := range p.Fabric.Calls() {
		if c.Op == inmem.OpCreate && c.Debug != tasks[0].ID {
			t.Fatalf("debug token %q want %q", c.Debug, tasks[0].ID)
		}
	}
}

func TestDestroy_SingleMember(t *testing.T) {
	ctx, p := newPool(t, 1)
	lc := p.Master().Lifecycle
	ref, err := lc.Create(ctx, createReq(inventory.UniformPIF(1)))
	if err != nil { t.Fatal(err) }

	p.Inventory.AttachSR(inventory.UniformSR, p.Master().Ref)
	wantCode(t, lc.Destroy(ctx, ref), apierr.ClusterStackInUse)
	if len(members(t, ctx, p, ref)) != 1 { t.Fatalf("member removed despite attached SR") }

	p.Inventory.DetachSR(inventory.UniformSR, p.Master().Ref)
	if err := lc.Destroy(ctx, ref); err != nil { t.Fatalf("destroy: %v", err) }
	if clusterCount(t, ctx, p) != 0 { t.Fatalf("cluster remains") }
	if p.Fabric.Rings() != 0 { t.Fatalf("ring remains") }
	if p.Inventory.ClusterStack() != model.StackDefaultHA {
		t.Fatalf("ha stack %q", p.Inventory.ClusterStack())
	}
	d, err := p.Master().Daemon.Diagnostics(ctx, "t")
	if err != nil { t.Fatal(err) }
	if d.ServiceEnabled { t.Fatalf("daemon service still enabled") }

	wantCode(t, lc.Destroy(ctx, ref), apierr.HandleInvalid)
}

func TestDestroy_RefusesMultiMemberCluster(t *testing.T) {
	ctx, p := newPool(t, 3)
	ref := poolCreate(t, ctx, p)
	calls := len(p.Fabric.Calls())

	e := wantCode(t, p.Master().Lifecycle.Destroy(ctx, ref), apierr.ClusterDoesNotHaveOneNode)
	if e.Params[0] != "3" { t.Fatalf("count %v", e.Params) }
	if len(members(t, ctx, p, ref)) != 3 || clusterCount(t, ctx, p) != 1 { t.Fatalf("registry mutated") }
	if len(p.Fabric.Calls()) != calls { t.Fatalf("daemon touched") }
}

func TestCreateHost_JoinsRing(t *testing.T) {
	ctx, p := newPool(t, 2)
	ref, err := p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
	if err != nil { t.Fatal(err) }
	slave := p.Hosts[1]
	ch, err := p.Client.ClusterHostCreate(ctx, slave.Ref, ref, inventory.UniformPIF(2))
	if err != nil { t.Fatalf("join: %v", err) }

	h, err := p.Store.GetClusterHost(ctx, ch)
	if err != nil { t.Fatal(err) }
	if !h.InCluster() || h.Host != slave.Ref { t.Fatalf("%+v", h) }
	c, _ := p.Store.GetCluster(ctx, ref)
	if got := p.Fabric.RingMembers(c.ClusterToken); len(got) != 2 { t.Fatalf("ring %v", got) }
	wantRingTimings(t, slave.Daemon, c)

	uuid, err := p.Client.ClusterHostGetUUID(ctx, p.Master().Ref, ch)
	if err != nil || uuid != h.UUID { t.Fatalf("uuid %q err %v", uuid, err) }

	_, err = p.Client.ClusterHostCreate(ctx, slave.Ref, ref, inventory.UniformPIF(2))
	wantCode(t, err, apierr.ClusterHostAlreadyExists)
}

func TestCreateHost_DaemonFailureRemovesRecord(t *testing.T) {
	ctx, p := newPool(t, 2)
	ref, err := p.Master().Lifecycle.Create(ctx, createReq(inventory.UniformPIF(1)))
	if err != nil { t.Fatal(err) }
	p.Fabric.FailNext(node(2), inmem.OpJoin, daemon.Errorf(daemon.KindFailure, "corosync refused"))
	_, err = p.Client.ClusterHostCreate(ctx, p.Hosts[1].Ref, ref, inventory.UniformPIF(2))
	wantCode(t, err, apierr.InternalError)
	if n := len(members(t, ctx, p, ref)); n != 1 { t.Fatalf("members %d", n) }
}

func TestDisableEnableHost(t *testing.T) {
	ctx, p := newPool(t, 2)
	ref := poolCreate(t, ctx, p)
	slave := p.Hosts[1]
	ch := memberOf(t, ctx, p, slave.Ref)
	c, _ := p.Store.GetCluster(ctx, ref)

	if err := p.Client.ClusterHostDisable(ctx, slave.Ref, ch.Ref); err != nil { t.Fatalf("disable: %v", err) }
	h := memberOf(t, ctx, p, slave.Ref)
	if h.Enabled { t.Fatalf("still enabled") }
	if !slices.Equal(h.AllowedOperations, []string{model.OpEnable, model.OpDestroy}) {
		t.Fatalf("allowed ops %v", h.AllowedOperations)
	}
	if got := p.Fabric.RingMembers(c.ClusterToken); !slices.Equal(got, []string{node(1)}) { t.Fatalf("ring %v", got) }

	if err := p.Client.ClusterHostEnable(ctx, slave.Ref, ch.Ref); err != nil { t.Fatalf("enable: %v", err) }
	if !memberOf(t, ctx, p, slave.Ref).Enabled { t.Fatalf("not enabled") }
	if got := p.Fabric.RingMembers(c.ClusterToken); len(got) != 2 { t.Fatalf("ring %v", got) }
}

func TestHostOperations_MustRunOnOwner(t *testing.T) {
	ctx, p := newPool(t, 2)
	poolCreate(t, ctx, p)
	ch := memberOf(t, ctx, p, p.Hosts[1].Ref)
	wantCode(t, p.Master().Lifecycle.ForceDestroyHost(ctx, ch.Ref), apierr.OperationHostNotLocal)
	wantCode(t, p.Master().Lifecycle.DestroyHost(ctx, ch.Ref), apierr.OperationHostNotLocal)
}

func TestDestroyHost_BlockedByClusterStackSR(t *testing.T) {
	ctx, p := newPool(t, 2)
	poolCreate(t, ctx, p)
	slave := p.Hosts[1]
	ch := memberOf(t, ctx, p, slave.Ref)
	p.Inventory.AttachSR(inventory.UniformSR, slave.Ref)
	wantCode(t, p.Client.ClusterHostDestroy(ctx, slave.Ref, ch.Ref), apierr.ClusterStackInUse)
	p.Inventory.DetachSR(inventory.UniformSR, slave.Ref)
	if err := p.Client.ClusterHostDestroy(ctx, slave.Ref, ch.Ref); err != nil { t.Fatalf("destroy: %v", err) }
	if _, ok, _ := p.Store.FindClusterHost(ctx, slave.Ref); ok { t.Fatalf("record remains") }
}

func TestForceDestroyHost_IgnoresDaemonFailure(t *testing.T) {
	ctx, p := newPool(t, 2)
	poolCreate(t, ctx, p)
	slave := p.Hosts[1]
	ch := memberOf(t, ctx, p, slave.Ref)
	p.Fabric.FailNext(node(2), inmem.OpDestroy, errors.New("daemon crashed"))
	p.Fabric.FailNext(node(2), inmem.OpDisableService, errors.New("systemd timeout"))

	if err := p.Client.ClusterHostForceDestroy(ctx, slave.Ref, ch.Ref); err != nil { t.Fatalf("force destroy: %v", err) }
	if _, ok, _ := p.Store.FindClusterHost(ctx, slave.Ref); ok { t.Fatalf("record remains") }
}

func TestResyncHost_RejoinsLostRing(t *testing.T) {
	ctx, p := newPool(t, 3)
	ref := poolCreate(t, ctx, p)
	slave := p.Hosts[2]
	// The daemon restarts with no ring state.
	if err := slave.Daemon.Destroy(ctx, "t"); err != nil { t.Fatal(err) }
	c, _ := p.Store.GetCluster(ctx, ref)
	if n := len(p.Fabric.RingMembers(c.ClusterToken)); n != 2 { t.Fatalf("ring size %d", n) }

	if err := p.Client.ClusterHostResync(ctx, slave.Ref); err != nil { t.Fatalf("resync: %v", err) }
	if n := len(p.Fabric.RingMembers(c.ClusterToken)); n != 3 { t.Fatalf("ring size %d after resync", n) }
	wantRingTimings(t, slave.Daemon, c)
}

func TestDestroy_LastMemberOnAnotherHost(t *testing.T) {
	ctx, p := newPool(t, 2)
	ref := poolCreate(t, ctx, p)
	master := p.Master()
	if err := p.Client.ClusterHostForceDestroy(ctx, master.Ref, memberOf(t, ctx, p, master.Ref).Ref); err != nil { t.Fatal(err) }

	wantCode(t, master.Lifecycle.Destroy(ctx, ref), apierr.OperationHostNotLocal)
	if clusterCount(t, ctx, p) != 1 || len(members(t, ctx, p, ref)) != 1 { t.Fatalf("registry mutated") }

	if _, err := p.Coordinator.PoolForceDestroy(ctx, ref); err != nil { t.Fatalf("force destroy: %v", err) }
	if clusterCount(t, ctx, p) != 0 || len(members(t, ctx, p, ref)) != 0 { t.Fatalf("records remain") }
}
