package gossip

import (
	"context"
	"log"
	"io"
	"testing"
	"time"

	"github.com/amirimatin/go-poolcluster/pkg/daemon"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestGossip_CreateJoinLeave(t *testing.T) {
	ctx := context.Background()
	a := New(Options{NodeName: "a", Logger: quietLogger()})
	b := New(Options{NodeName: "b", Logger: quietLogger()})
	_ = a.EnableService(ctx)
	_ = b.EnableService(ctx)
	defer a.Destroy(ctx, "cleanup")
	defer b.Destroy(ctx, "cleanup")

	token, err := a.Create(ctx, "t", daemon.Config{LocalIP: "127.0.0.1", TokenTimeoutMS: daemon.Int64(2000), TokenCoefficientMS: daemon.Int64(1000)})
	if err != nil { t.Fatalf("create: %v", err) }
	if len(token) != 64 { t.Fatalf("token should be 32 hex bytes, got %q", token) }

	if err := b.Join(ctx, "t", token, daemon.Config{LocalIP: "127.0.0.1"}, []string{a.Addr()}); err != nil { t.Fatalf("join: %v", err) }
	awaitMembers(t, a, 2)
	awaitMembers(t, b, 2)

	if err := b.Leave(ctx, "t"); err != nil { t.Fatalf("leave: %v", err) }
	awaitMembers(t, a, 1)
	d, _ := b.Diagnostics(ctx, "t")
	if d.Token != "" || d.Enabled { t.Fatalf("diagnostics after leave: %+v", d) }
}

func TestGossip_WrongTokenCannotJoin(t *testing.T) {
	ctx := context.Background()
	a := New(Options{NodeName: "a", Logger: quietLogger()})
	b := New(Options{NodeName: "b", Logger: quietLogger()})
	_ = a.EnableService(ctx)
	_ = b.EnableService(ctx)
	defer a.Destroy(ctx, "cleanup")
	defer b.Destroy(ctx, "cleanup")

	if _, err := a.Create(ctx, "t", daemon.Config{LocalIP: "127.0.0.1"}); err != nil { t.Fatalf("create: %v", err) }
	other := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	if err := b.Join(ctx, "t", other, daemon.Config{LocalIP: "127.0.0.1"}, []string{a.Addr()}); daemon.KindOf(err) != daemon.KindFailure {
		t.Fatalf("expected join failure with foreign token, got %v", err)
	}
	if err := b.Join(ctx, "t", "nothex", daemon.Config{LocalIP: "127.0.0.1"}, nil); daemon.KindOf(err) != daemon.KindInvalidParameter {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
}

func TestGossip_DisableEnableKeepsToken(t *testing.T) {
	ctx := context.Background()
	a := New(Options{NodeName: "a", Logger: quietLogger()})
	if _, err := a.Create(ctx, "t", daemon.Config{LocalIP: "127.0.0.1"}); daemon.KindOf(err) != daemon.KindNotResponding {
		t.Fatalf("create before service: %v", err)
	}
	_ = a.EnableService(ctx)
	defer a.Destroy(ctx, "cleanup")
	token, err := a.Create(ctx, "t", daemon.Config{LocalIP: "127.0.0.1"})
	if err != nil { t.Fatalf("create: %v", err) }
	if err := a.Disable(ctx, "t"); err != nil { t.Fatalf("disable: %v", err) }
	if a.HealthScore() != -1 { t.Fatalf("ring should be stopped") }
	if err := a.Enable(ctx, "t", daemon.Config{}); err != nil { t.Fatalf("enable: %v", err) }
	d, _ := a.Diagnostics(ctx, "t")
	if !d.Enabled || d.Token != token || len(d.Members) != 1 { t.Fatalf("diagnostics: %+v", d) }
}

func TestGossip_JoinerRunsRingTimings(t *testing.T) {
	ctx := context.Background()
	a := New(Options{NodeName: "a", Logger: quietLogger()})
	b := New(Options{NodeName: "b", Logger: quietLogger()})
	_ = a.EnableService(ctx)
	_ = b.EnableService(ctx)
	defer a.Destroy(ctx, "cleanup")
	defer b.Destroy(ctx, "cleanup")

	ring := daemon.Config{LocalIP: "127.0.0.1", TokenTimeoutMS: daemon.Int64(20000), TokenCoefficientMS: daemon.Int64(2000)}
	token, err := a.Create(ctx, "t", ring)
	if err != nil { t.Fatalf("create: %v", err) }
	if err := b.Join(ctx, "t", token, ring, []string{a.Addr()}); err != nil { t.Fatalf("join: %v", err) }

	check := func(stage string) {
		t.Helper()
		b.mu.Lock()
		cfg := b.cfg
		b.mu.Unlock()
		if cfg.TokenTimeoutMS == nil || *cfg.TokenTimeoutMS != 20000 || cfg.TokenCoefficientMS == nil || *cfg.TokenCoefficientMS != 2000 {
			t.Fatalf("%s: joiner runs %+v", stage, cfg)
		}
		ai, at := probeTimings(a.cfg, time.Second, 500*time.Millisecond)
		bi, bt := probeTimings(cfg, time.Second, 500*time.Millisecond)
		if ai != bi || at != bt { t.Fatalf("%s: creator probes %v/%v, joiner %v/%v", stage, ai, at, bi, bt) }
	}
	check("after join")

	// Enable without timings keeps the ones the ring was joined with.
	if err := b.Disable(ctx, "t"); err != nil { t.Fatalf("disable: %v", err) }
	if err := b.Enable(ctx, "t", daemon.Config{}); err != nil { t.Fatalf("enable: %v", err) }
	check("after enable")
}

func TestProbeTimings(t *testing.T) {
	i, to := probeTimings(daemon.Config{TokenTimeoutMS: daemon.Int64(20000), TokenCoefficientMS: daemon.Int64(1000)}, time.Second, 500*time.Millisecond)
	if i != time.Second || to != 500*time.Millisecond { t.Fatalf("defaults: %v %v", i, to) }
	i, to = probeTimings(daemon.Config{TokenTimeoutMS: daemon.Int64(1000), TokenCoefficientMS: daemon.Int64(650)}, time.Second, 500*time.Millisecond)
	if to >= i { t.Fatalf("timeout %v must stay below interval %v", to, i) }
}

func awaitMembers(t *testing.T, d *Daemon, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		diag, _ := d.Diagnostics(context.Background(), "t")
		if len(diag.Members) == want { return }
		if time.Now().After(deadline) { t.Fatalf("members timeout: got=%v want=%d", diag.Members, want) }
		time.Sleep(100 * time.Millisecond)
	}
}
