package inmem

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/amirimatin/go-poolcluster/pkg/daemon"
)

func TestRing_CreateJoinLeave(t *testing.T) {
	ctx := context.Background()
	f := NewFabric()
	a, b := f.Daemon("a"), f.Daemon("b")

	if _, err := a.Create(ctx, "t", daemon.Config{LocalIP: "10.0.0.1"}); daemon.KindOf(err) != daemon.KindNotResponding {
		t.Fatalf("create with stopped service: %v", err)
	}
	_ = a.EnableService(ctx)
	token, err := a.Create(ctx, "t", daemon.Config{LocalIP: "10.0.0.1"})
	if err != nil || token == "" { t.Fatalf("create: %v", err) }
	if _, err := a.Create(ctx, "t", daemon.Config{LocalIP: "10.0.0.1"}); daemon.KindOf(err) != daemon.KindAlreadyInitialised {
		t.Fatalf("second create: %v", err)
	}

	_ = b.EnableService(ctx)
	if err := b.Join(ctx, "t", token, daemon.Config{LocalIP: "10.0.0.2"}, []string{"10.0.0.9"}); daemon.KindOf(err) != daemon.KindFailure {
		t.Fatalf("join via unknown member: %v", err)
	}
	if err := b.Join(ctx, "t", token, daemon.Config{LocalIP: "10.0.0.2"}, []string{"10.0.0.1"}); err != nil { t.Fatalf("join: %v", err) }
	if got := f.RingMembers(token); !slices.Equal(got, []string{"a", "b"}) { t.Fatalf("members: %v", got) }

	_ = b.Disable(ctx, "t")
	if got := f.RingMembers(token); !slices.Equal(got, []string{"a"}) { t.Fatalf("members after disable: %v", got) }
	_ = b.Enable(ctx, "t", daemon.Config{})
	if err := b.Leave(ctx, "t"); err != nil { t.Fatalf("leave: %v", err) }
	d, _ := b.Diagnostics(ctx, "t")
	if d.Token != "" || d.Enabled { t.Fatalf("diagnostics after leave: %+v", d) }

	if err := a.Destroy(ctx, "t"); err != nil { t.Fatalf("destroy: %v", err) }
	if f.Rings() != 0 { t.Fatalf("expected no rings, got %d", f.Rings()) }
}

func TestFailNext_QueuesAndRecordsCalls(t *testing.T) {
	ctx := context.Background()
	f := NewFabric()
	a := f.Daemon("a")
	boom := errors.New("boom")
	f.FailNext("a", OpEnableService, boom)
	f.FailNext("a", OpEnableService, boom)
	if err := a.EnableService(ctx); !errors.Is(err, boom) { t.Fatalf("first: %v", err) }
	if err := a.EnableService(ctx); !errors.Is(err, boom) { t.Fatalf("second: %v", err) }
	if err := a.EnableService(ctx); err != nil { t.Fatalf("third: %v", err) }

	_, _ = a.Diagnostics(ctx, "task-1")
	calls := f.Calls()
	last := calls[len(calls)-1]
	if last.Op != OpDiagnostics || last.Debug != "task-1" || last.Node != "a" { t.Fatalf("unexpected last call: %+v", last) }
}

func TestDisableService_StopsMembership(t *testing.T) {
	ctx := context.Background()
	f := NewFabric()
	a := f.Daemon("a")
	_ = a.EnableService(ctx)
	token, _ := a.Create(ctx, "t", daemon.Config{LocalIP: "10.0.0.1"})
	_ = a.DisableService(ctx)
	d, _ := a.Diagnostics(ctx, "t")
	if d.ServiceEnabled || d.Enabled || d.Token != token { t.Fatalf("diagnostics: %+v", d) }
	if len(f.RingMembers(token)) != 0 { t.Fatalf("stopped daemon still counted") }
	if err := a.Leave(ctx, "t"); daemon.KindOf(err) != daemon.KindNotResponding { t.Fatalf("leave on stopped service: %v", err) }
}
