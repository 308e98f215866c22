// Package simpool assembles a complete pool inside one process: every host
// gets its own Lifecycle, simulated daemon and API routes on a loopback
// network, the master holds the registry and the other hosts reach it over
// the network, exactly as separate agents would.
package simpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/amirimatin/go-poolcluster/pkg/api"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/daemon/inmem"
	"github.com/amirimatin/go-poolcluster/pkg/inventory"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
	"github.com/amirimatin/go-poolcluster/pkg/registry/memory"
	"github.com/amirimatin/go-poolcluster/pkg/registry/remote"
	"github.com/amirimatin/go-poolcluster/pkg/request"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
	"github.com/amirimatin/go-poolcluster/pkg/transport/loopback"
)

// Options configures a simulated pool.
type Options struct {
	// Hosts is the pool size, master included. Defaults to 3.
	Hosts int
	// Logger is optional; logs are discarded when nil.
	Logger *log.Logger
}

// Host is one simulated pool host.
type Host struct {
	Ref       model.Ref
	Addr      string
	Lifecycle *cluster.Lifecycle
	Daemon    *inmem.Daemon
	// Registry is the view this host's agent has: the store itself on the
	// master, a remote client elsewhere.
	Registry registry.Registry
	Tasks    *request.Tasks
}

// Pool is a running simulated pool.
type Pool struct {
	Net         *loopback.Network
	Fabric      *inmem.Fabric
	Inventory   *inventory.Pool
	Store       *memory.Store
	Coordinator *cluster.Coordinator
	// Client reaches any host's agent over the loopback network.
	Client *api.Client
	Hosts  []*Host
}

// New starts a pool. The pool stops when ctx is canceled.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Hosts <= 0 { opts.Hosts = 3 }
	if opts.Logger == nil { opts.Logger = log.New(io.Discard, "", 0) }

	addrs := make([]string, opts.Hosts)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("host%d:17946", i+1)
	}
	p := &Pool{
		Net:       loopback.NewNetwork(),
		Fabric:    inmem.NewFabric(),
		Inventory: inventory.New(inventory.UniformSpec(addrs...)),
		Store:     memory.New(),
	}
	p.Client = api.NewClient(p.Net.Client(), p.Inventory)
	coord, err := cluster.NewCoordinator(cluster.CoordinatorOptions{
		Registry: p.Store, Pool: p.Inventory, Network: p.Inventory, Invoker: p.Client, Logger: opts.Logger,
	})
	if err != nil { return nil, err }
	p.Coordinator = coord

	for i, addr := range addrs {
		ref := inventory.UniformHost(i + 1)
		var reg registry.Registry = p.Store
		if i > 0 {
			reg = remote.NewClient(p.Net.Client(), addrs[0])
		}
		d := p.Fabric.Daemon(ref.String())
		lc, err := cluster.NewLifecycle(cluster.Options{
			Host: ref, Registry: reg, Daemon: d,
			Network: p.Inventory, Storage: p.Inventory, Features: p.Inventory, HA: p.Inventory,
			Logger: opts.Logger,
		})
		if err != nil { return nil, err }
		h := &Host{Ref: ref, Addr: addr, Lifecycle: lc, Daemon: d, Registry: reg, Tasks: request.NewTasks(64)}
		srv := api.Server{Lifecycle: lc, Registry: reg, Tasks: h.Tasks}
		var routes transport.Routes
		if i == 0 {
			srv.Coordinator = coord
			routes = transport.Merge(srv.Routes(), remote.Routes(p.Store))
		} else {
			routes = srv.Routes()
		}
		if err := p.Net.NewServer(addr).Start(ctx, routes); err != nil { return nil, err }
		p.Hosts = append(p.Hosts, h)
	}
	return p, nil
}

// Master returns the master host.
func (p *Pool) Master() *Host { return p.Hosts[0] }

// Host returns the host with ref.
func (p *Pool) Host(ref model.Ref) (*Host, error) {
	for _, h := range p.Hosts {
		if h.Ref == ref {
			return h, nil
		}
	}
	return nil, errors.New("simpool: unknown host " + ref.String())
}

// Partition cuts host off the management network.
func (p *Pool) Partition(h *Host) { p.Net.Partition(h.Addr) }

// Heal reconnects host.
func (p *Pool) Heal(h *Host) { p.Net.Heal(h.Addr) }

// DefaultCreate is a valid pool-wide creation on the pool's cluster network.
func DefaultCreate() cluster.PoolCreateRequest {
	return cluster.PoolCreateRequest{
		Network: inventory.UniformNetwork, ClusterStack: model.StackCorosync,
		TokenTimeout: model.DefaultTokenTimeout, TokenTimeoutCoefficient: model.DefaultTokenTimeoutCoefficient,
	}
}
