// Package inmem simulates clustering daemons in process. All daemons of a
// test pool share one Fabric, which holds the rings and lets tests inject
// failures into individual daemon calls.
package inmem

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"slices"
	"sync"

	"github.com/amirimatin/go-poolcluster/pkg/daemon"
)

// Operation names accepted by FailNext and reported in Call.
const (
	OpEnableService  = "enable_service"
	OpDisableService = "disable_service"
	OpCreate         = "create"
	OpJoin           = "join"
	OpEnable         = "enable"
	OpDisable        = "disable"
	OpLeave          = "leave"
	OpDestroy        = "destroy"
	OpDiagnostics    = "diagnostics"
)

// Call is one recorded daemon invocation.
type Call struct {
	Node  string
	Op    string
	Debug string
}

type ring struct {
	members map[string]*Daemon
}

type fault struct{ node, op string }

// Fabric is the shared medium the simulated daemons form rings on.
type Fabric struct {
	mu      sync.Mutex
	rings   map[string]*ring
	daemons map[string]*Daemon
	faults  map[fault][]error
	calls   []Call
}

func NewFabric() *Fabric {
	return &Fabric{rings: map[string]*ring{}, daemons: map[string]*Daemon{}, faults: map[fault][]error{}}
}

// Daemon returns the daemon for node, creating it on first use.
func (f *Fabric) Daemon(node string) *Daemon {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.daemons[node]
	if !ok {
		d = &Daemon{fabric: f, node: node}
		f.daemons[node] = d
	}
	return d
}

// FailNext makes the next call of op on node return err. Repeated calls queue.
func (f *Fabric) FailNext(node, op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fault{node, op}
	f.faults[k] = append(f.faults[k], err)
}

// Calls returns every daemon invocation so far, in order.
func (f *Fabric) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// RingMembers returns the nodes currently enabled in the ring with token.
func (f *Fabric) RingMembers(token string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ringMembersLocked(token)
}

func (f *Fabric) ringMembersLocked(token string) []string {
	r, ok := f.rings[token]
	if !ok { return nil }
	var out []string
	for node, d := range r.members {
		if d.enabled && d.service {
			out = append(out, node)
		}
	}
	slices.Sort(out)
	return out
}

// Rings returns the number of live rings.
func (f *Fabric) Rings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rings)
}

func (f *Fabric) enter(node, op, debug string) error {
	f.calls = append(f.calls, Call{Node: node, Op: op, Debug: debug})
	k := fault{node, op}
	if q := f.faults[k]; len(q) > 0 {
		err := q[0]
		if len(q) == 1 {
			delete(f.faults, k)
		} else {
			f.faults[k] = q[1:]
		}
		return err
	}
	return nil
}

func (f *Fabric) removeLocked(d *Daemon) {
	if r, ok := f.rings[d.token]; ok {
		delete(r.members, d.node)
		if len(r.members) == 0 {
			delete(f.rings, d.token)
		}
	}
	d.token, d.enabled, d.localIP, d.cfg = "", false, "", daemon.Config{}
}

// Daemon is one simulated host daemon.
type Daemon struct {
	fabric *Fabric
	node   string

	service bool
	enabled bool
	token   string
	localIP string
	// cfg is the ring configuration last handed to Create, Join or Enable.
	cfg daemon.Config
}

// RingConfig returns the ring configuration the daemon runs with.
func (d *Daemon) RingConfig() daemon.Config {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	return d.cfg
}

func (d *Daemon) EnableService(ctx context.Context) error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if err := d.fabric.enter(d.node, OpEnableService, ""); err != nil { return err }
	d.service = true
	return nil
}

func (d *Daemon) DisableService(ctx context.Context) error {
	d.fabric.mu.Lock()
	defer d.fabric.mu.Unlock()
	if err := d.fabric.enter(d.node, OpDisableService, ""); err != nil { return err }
	d.service = false
	return nil
}

func (d *Daemon) Create(ctx context.Context, debug string, cfg daemon.Config) (string, error) {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(d.node, OpCreate, debug); err != nil { return "", err }
	if err := d.checkLocked(cfg.LocalIP); err != nil { return "", err }
	if d.token != "" { return "", daemon.Errorf(daemon.KindAlreadyInitialised, "%s already in a ring", d.node) }
	token := newToken()
	f.rings[token] = &ring{members: map[string]*Daemon{d.node: d}}
	d.token, d.enabled, d.localIP, d.cfg = token, true, cfg.LocalIP, cfg
	return token, nil
}

func (d *Daemon) Join(ctx context.Context, debug, token string, cfg daemon.Config, existing []string) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(d.node, OpJoin, debug); err != nil { return err }
	if err := d.checkLocked(cfg.LocalIP); err != nil { return err }
	if d.token != "" { return daemon.Errorf(daemon.KindAlreadyInitialised, "%s already in a ring", d.node) }
	r, ok := f.rings[token]
	if !ok { return daemon.Errorf(daemon.KindFailure, "no ring for token") }
	known := map[string]bool{}
	for _, m := range r.members {
		known[m.localIP] = true
	}
	for _, ip := range existing {
		if !known[ip] {
			return daemon.Errorf(daemon.KindFailure, "%s is not a member of the ring", ip)
		}
	}
	r.members[d.node] = d
	d.token, d.enabled, d.localIP, d.cfg = token, true, cfg.LocalIP, cfg
	return nil
}

func (d *Daemon) Enable(ctx context.Context, debug string, cfg daemon.Config) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(d.node, OpEnable, debug); err != nil { return err }
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service on %s is stopped", d.node) }
	if d.token == "" { return daemon.Errorf(daemon.KindNotInitialised, "%s has no ring", d.node) }
	if cfg.LocalIP != "" { d.localIP = cfg.LocalIP }
	if cfg.TokenTimeoutMS != nil { d.cfg.TokenTimeoutMS = cfg.TokenTimeoutMS }
	if cfg.TokenCoefficientMS != nil { d.cfg.TokenCoefficientMS = cfg.TokenCoefficientMS }
	d.cfg.LocalIP = d.localIP
	d.enabled = true
	return nil
}

func (d *Daemon) Disable(ctx context.Context, debug string) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(d.node, OpDisable, debug); err != nil { return err }
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service on %s is stopped", d.node) }
	if d.token == "" { return daemon.Errorf(daemon.KindNotInitialised, "%s has no ring", d.node) }
	d.enabled = false
	return nil
}

func (d *Daemon) Leave(ctx context.Context, debug string) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(d.node, OpLeave, debug); err != nil { return err }
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service on %s is stopped", d.node) }
	if d.token == "" { return daemon.Errorf(daemon.KindNotInitialised, "%s has no ring", d.node) }
	f.removeLocked(d)
	return nil
}

func (d *Daemon) Destroy(ctx context.Context, debug string) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(d.node, OpDestroy, debug); err != nil { return err }
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service on %s is stopped", d.node) }
	f.removeLocked(d)
	return nil
}

func (d *Daemon) Diagnostics(ctx context.Context, debug string) (daemon.Diagnostics, error) {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(d.node, OpDiagnostics, debug); err != nil { return daemon.Diagnostics{}, err }
	return daemon.Diagnostics{
		ServiceEnabled: d.service,
		Enabled:        d.enabled && d.service,
		Token:          d.token,
		LocalIP:        d.localIP,
		Members:        f.ringMembersLocked(d.token),
	}, nil
}

func (d *Daemon) checkLocked(localIP string) error {
	if !d.service { return daemon.Errorf(daemon.KindNotResponding, "service on %s is stopped", d.node) }
	if localIP == "" { return daemon.Errorf(daemon.KindInvalidParameter, "empty local ip") }
	return nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ daemon.Client = (*Daemon)(nil)
