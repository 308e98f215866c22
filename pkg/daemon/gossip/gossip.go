// Package gossip runs the clustering ring in process on top of HashiCorp
// memberlist. The ring token is the memberlist encryption key, so only hosts
// that were handed the token can gossip with the ring.
package gossip

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/amirimatin/go-poolcluster/pkg/daemon"
	"github.com/amirimatin/go-poolcluster/pkg/internal/logutil"
)

// DefaultPort is the gossip port used when peers are given as bare IPs.
const DefaultPort = 7947

// Options configures the memberlist-based daemon.
type Options struct {
	// NodeName is the unique member name. Defaults to the local IP.
	NodeName string

	// Port to bind the ring on. Zero picks a free port; peers given without a
	// port are contacted on PeerPort.
	Port     int
	PeerPort int

	// LeaveTimeout bounds the graceful leave broadcast.
	LeaveTimeout time.Duration

	// Logger is optional. If nil, log.Default() is used.
	Logger *log.Logger
}

func (o *Options) setDefaults() {
	if o.PeerPort == 0 { o.PeerPort = DefaultPort }
	if o.LeaveTimeout <= 0 { o.LeaveTimeout = time.Second }
	if o.Logger == nil { o.Logger = log.Default() }
}

// Daemon implements daemon.Client over a memberlist instance it owns.
type Daemon struct {
	mu   sync.Mutex
	opts Options

	service bool
	token   string
	cfg     daemon.Config
	peers   []string
	ml      *memberlist.Memberlist
}

func New(opts Options) *Daemon {
	opts.setDefaults()
	return &Daemon{opts: opts}
}

func (d *Daemon) EnableService(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.service = true
	return nil
}

func (d *Daemon) DisableService(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(false)
	d.service = false
	return nil
}

func (d *Daemon) Create(ctx context.Context, debug string, cfg daemon.Config) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(cfg.LocalIP); err != nil { return "", err }
	if d.token != "" { return "", daemon.Errorf(daemon.KindAlreadyInitialised, "ring already configured") }
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil { return "", daemon.Errorf(daemon.KindFailure, "generate key: %v", err) }
	if err := d.startLocked(key, cfg); err != nil { return "", err }
	d.token, d.cfg = hex.EncodeToString(key), cfg
	logutil.Infof(d.opts.Logger, "gossip[%s]: formed ring on %s", debug, d.ml.LocalNode().Address())
	return d.token, nil
}

func (d *Daemon) Join(ctx context.Context, debug, token string, cfg daemon.Config, existing []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(cfg.LocalIP); err != nil { return err }
	if d.token != "" { return daemon.Errorf(daemon.KindAlreadyInitialised, "ring already configured") }
	key, err := hex.DecodeString(token)
	if err != nil || len(key) != 32 { return daemon.Errorf(daemon.KindInvalidParameter, "malformed ring token") }
	if err := d.startLocked(key, cfg); err != nil { return err }
	peers := d.peerAddrs(existing)
	if len(peers) > 0 {
		if _, err := d.ml.Join(peers); err != nil {
			d.stopLocked(false)
			return daemon.Errorf(daemon.KindFailure, "join %v: %v", peers, err)
		}
	}
	d.token, d.cfg, d.peers = token, cfg, peers
	logutil.Infof(d.opts.Logger, "gossip[%s]: joined ring via %v", debug, peers)
	return nil
}

func (d *Daemon) Enable(ctx context.Context, debug string, cfg daemon.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service stopped") }
	if d.token == "" { return daemon.Errorf(daemon.KindNotInitialised, "no ring configured") }
	if d.ml != nil { return nil }
	if cfg.LocalIP == "" { cfg.LocalIP = d.cfg.LocalIP }
	if cfg.TokenTimeoutMS == nil { cfg.TokenTimeoutMS = d.cfg.TokenTimeoutMS }
	if cfg.TokenCoefficientMS == nil { cfg.TokenCoefficientMS = d.cfg.TokenCoefficientMS }
	key, _ := hex.DecodeString(d.token)
	if err := d.startLocked(key, cfg); err != nil { return err }
	d.cfg = cfg
	if len(d.peers) > 0 {
		// Peers may all be down; membership resumes once any of them is back.
		if _, err := d.ml.Join(d.peers); err != nil {
			logutil.Warnf(d.opts.Logger, "gossip[%s]: rejoin %v: %v", debug, d.peers, err)
		}
	}
	return nil
}

func (d *Daemon) Disable(ctx context.Context, debug string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service stopped") }
	if d.token == "" { return daemon.Errorf(daemon.KindNotInitialised, "no ring configured") }
	d.stopLocked(true)
	return nil
}

func (d *Daemon) Leave(ctx context.Context, debug string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service stopped") }
	if d.token == "" { return daemon.Errorf(daemon.KindNotInitialised, "no ring configured") }
	d.stopLocked(true)
	d.forgetLocked()
	return nil
}

func (d *Daemon) Destroy(ctx context.Context, debug string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service stopped") }
	d.stopLocked(false)
	d.forgetLocked()
	return nil
}

func (d *Daemon) Diagnostics(ctx context.Context, debug string) (daemon.Diagnostics, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := daemon.Diagnostics{ServiceEnabled: d.service, Enabled: d.ml != nil, Token: d.token, LocalIP: d.cfg.LocalIP}
	if d.ml != nil {
		for _, n := range d.ml.Members() {
			out.Members = append(out.Members, n.Name)
		}
		slices.Sort(out.Members)
	}
	return out, nil
}

// Addr returns the gossip address while the ring is running.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ml == nil { return "" }
	return d.ml.LocalNode().Address()
}

// HealthScore exposes memberlist's awareness score, -1 when not running.
func (d *Daemon) HealthScore() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ml == nil { return -1 }
	return d.ml.GetHealthScore()
}

func (d *Daemon) readyLocked(localIP string) error {
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service stopped") }
	if net.ParseIP(localIP) == nil { return daemon.Errorf(daemon.KindInvalidParameter, "invalid local ip %q", localIP) }
	return nil
}

func (d *Daemon) startLocked(key []byte, cfg daemon.Config) error {
	mc := memberlist.DefaultLANConfig()
	mc.Name = cfg.LocalIP
	if cfg.Name != nil && *cfg.Name != "" { mc.Name = *cfg.Name }
	if d.opts.NodeName != "" { mc.Name = d.opts.NodeName }
	mc.BindAddr = cfg.LocalIP
	mc.BindPort = d.opts.Port
	mc.AdvertisePort = d.opts.Port
	mc.SecretKey = key
	mc.Logger = d.opts.Logger
	mc.ProbeInterval, mc.ProbeTimeout = probeTimings(cfg, mc.ProbeInterval, mc.ProbeTimeout)
	ml, err := memberlist.Create(mc)
	if err != nil { return daemon.Errorf(daemon.KindFailure, "start ring: %v", err) }
	d.ml = ml
	return nil
}

// stopLocked shuts memberlist down; graceful broadcasts a leave first and
// remembers the current peers for a later Enable.
func (d *Daemon) stopLocked(graceful bool) {
	if d.ml == nil { return }
	if graceful {
		self := d.ml.LocalNode().Name
		var peers []string
		for _, n := range d.ml.Members() {
			if n.Name != self { peers = append(peers, n.Address()) }
		}
		if len(peers) > 0 { d.peers = peers }
		if err := d.ml.Leave(d.opts.LeaveTimeout); err != nil {
			logutil.Warnf(d.opts.Logger, "gossip: leave broadcast: %v", err)
		}
	}
	_ = d.ml.Shutdown()
	d.ml = nil
}

func (d *Daemon) forgetLocked() {
	d.token, d.peers, d.cfg = "", nil, daemon.Config{}
}

func (d *Daemon) peerAddrs(existing []string) []string {
	out := make([]string, 0, len(existing))
	for _, p := range existing {
		if _, _, err := net.SplitHostPort(p); err == nil {
			out = append(out, p)
			continue
		}
		out = append(out, net.JoinHostPort(p, strconv.Itoa(d.opts.PeerPort)))
	}
	return out
}

// probeTimings derives failure detection from the ring timeouts: the probe
// interval is a twentieth of the token timeout and the probe timeout half the
// coefficient, always strictly below the interval.
func probeTimings(cfg daemon.Config, interval, timeout time.Duration) (time.Duration, time.Duration) {
	if cfg.TokenTimeoutMS != nil && *cfg.TokenTimeoutMS > 0 {
		interval = time.Duration(*cfg.TokenTimeoutMS) * time.Millisecond / 20
	}
	if cfg.TokenCoefficientMS != nil && *cfg.TokenCoefficientMS > 0 {
		timeout = time.Duration(*cfg.TokenCoefficientMS) * time.Millisecond / 2
	}
	if timeout >= interval {
		timeout = interval / 2
	}
	return interval, timeout
}

func (d *Daemon) String() string { return fmt.Sprintf("gossip(%s)", d.opts.NodeName) }

var _ daemon.Client = (*Daemon)(nil)
