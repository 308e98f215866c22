// Package bootstrap assembles a clustering agent from a Config: the pool
// inventory, the registry (held by the master, reached remotely elsewhere),
// the local clustering daemon and the management transport.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amirimatin/go-poolcluster/pkg/api"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/daemon"
	"github.com/amirimatin/go-poolcluster/pkg/daemon/gossip"
	"github.com/amirimatin/go-poolcluster/pkg/daemon/inmem"
	"github.com/amirimatin/go-poolcluster/pkg/internal/logutil"
	"github.com/amirimatin/go-poolcluster/pkg/internal/validate"
	"github.com/amirimatin/go-poolcluster/pkg/inventory"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/observability/tracing"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
	"github.com/amirimatin/go-poolcluster/pkg/registry/memory"
	"github.com/amirimatin/go-poolcluster/pkg/registry/raftstore"
	"github.com/amirimatin/go-poolcluster/pkg/registry/remote"
	"github.com/amirimatin/go-poolcluster/pkg/request"
	tlsx "github.com/amirimatin/go-poolcluster/pkg/security/tlsconfig"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-poolcluster/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-poolcluster/pkg/transport/httpjson"
)

// Config defines the inputs of an agent. It is usually loaded from YAML
// with LoadConfig and then overridden by command-line flags.
type Config struct {
	// Host is the name or ref of this host in the inventory.
	Host string `yaml:"host" validate:"required"`
	// Inventory is the path of the pool description.
	Inventory string `yaml:"inventory" validate:"required"`
	// Listen overrides the bind address; defaults to the host's inventory
	// address.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
	// Protocol of the management transport: "http" (default) or "grpc".
	Protocol   string        `yaml:"protocol" validate:"omitempty,oneof=http grpc"`
	RPCTimeout time.Duration `yaml:"rpc_timeout" validate:"gte=0"`

	Registry RegistryConfig `yaml:"registry"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	TLS      tlsx.Options   `yaml:"tls"`

	// TasksRetained bounds the finished tasks kept for Task.get_all.
	TasksRetained int  `yaml:"tasks_retained" validate:"gte=0"`
	Tracing       bool `yaml:"tracing"`
	LogJSON       bool `yaml:"log_json"`

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger `yaml:"-"`
	// Fabric lets agents of one process share inmem rings. A private
	// fabric is used when nil.
	Fabric *inmem.Fabric `yaml:"-"`
}

// RegistryConfig selects the registry the master keeps. Other hosts always
// use the master's registry over the management transport.
type RegistryConfig struct {
	// Kind is "memory" (default) or "raft".
	Kind string `yaml:"kind" validate:"omitempty,oneof=memory raft"`
	// DataDir keeps the raft log and snapshots; empty keeps them in memory.
	DataDir string `yaml:"data_dir"`
	// RaftBind selects a TCP raft transport.
	RaftBind string `yaml:"raft_bind" validate:"omitempty,hostname_port"`
}

// DaemonConfig selects the local clustering daemon.
type DaemonConfig struct {
	// Kind is "gossip" (default) or "inmem". An inmem daemon only forms
	// rings with daemons of the same process and is meant for development.
	Kind     string `yaml:"kind" validate:"omitempty,oneof=gossip inmem"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	PeerPort int    `yaml:"peer_port" validate:"gte=0,lte=65535"`
}

func (c *Config) setDefaults() {
	if c.Protocol == "" { c.Protocol = "http" }
	if c.RPCTimeout == 0 { c.RPCTimeout = 30 * time.Second }
	if c.Registry.Kind == "" { c.Registry.Kind = "memory" }
	if c.Daemon.Kind == "" { c.Daemon.Kind = "gossip" }
	if c.Daemon.Kind == "gossip" && c.Daemon.Port == 0 { c.Daemon.Port = gossip.DefaultPort }
	if c.Logger == nil { c.Logger = log.Default() }
}

// Validate applies defaults and checks the struct tags.
func (c *Config) Validate() error {
	c.setDefaults()
	return validate.Struct(c)
}

// LoadConfig reads a YAML agent configuration. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil { return cfg, err }
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil { return cfg, fmt.Errorf("config %s: %w", path, err) }
	return cfg, nil
}

// Agent is an assembled clustering agent.
type Agent struct {
	Host      model.Ref
	Inventory *inventory.Pool
	Registry  registry.Registry
	Daemon    daemon.Client
	Lifecycle *cluster.Lifecycle
	// Coordinator is set on the pool master only.
	Coordinator *cluster.Coordinator
	// Client reaches the agents of the other hosts.
	Client *api.Client
	Tasks  *request.Tasks

	cfg     Config
	log     *log.Logger
	server  transport.RPCServer
	rpc     transport.RPCClient
	raft    *raftstore.Store
	closers []func(context.Context) error
}

// Build assembles an Agent from cfg without starting it.
func Build(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil { return nil, err }
	if cfg.LogJSON { logutil.SetJSON(true) }

	inv, err := inventory.Load(cfg.Inventory)
	if err != nil { return nil, err }
	host, ok := inv.HostByName(cfg.Host)
	if !ok {
		host = model.Ref(cfg.Host)
		if _, err := inv.Address(host); err != nil {
			return nil, fmt.Errorf("bootstrap: host %q is not in the inventory", cfg.Host)
		}
	}
	listen := cfg.Listen
	if listen == "" {
		if listen, err = inv.Address(host); err != nil { return nil, err }
	}

	srvTLS, err := cfg.TLS.Server()
	if err != nil { return nil, err }
	cliTLS, err := cfg.TLS.Client()
	if err != nil { return nil, err }
	a := &Agent{Host: host, Inventory: inv, cfg: cfg, log: cfg.Logger, Tasks: request.NewTasks(cfg.TasksRetained)}
	a.server, a.rpc = newTransport(cfg, listen, srvTLS, cliTLS)
	a.Client = api.NewClient(a.rpc, inv)

	master, _ := inv.Master(context.Background())
	if host == master {
		switch cfg.Registry.Kind {
		case "raft":
			st, err := raftstore.New(raftstore.Options{
				NodeID: string(host), Logger: cfg.Logger, Bootstrap: true,
				BindAddr: cfg.Registry.RaftBind, DataDir: cfg.Registry.DataDir,
			})
			if err != nil { return nil, err }
			a.raft, a.Registry = st, st
		default:
			a.Registry = memory.New()
		}
		a.Coordinator, err = cluster.NewCoordinator(cluster.CoordinatorOptions{
			Registry: a.Registry, Pool: inv, Network: inv, Invoker: a.Client, Logger: cfg.Logger,
		})
		if err != nil { return nil, err }
	} else {
		addr, err := inv.Address(master)
		if err != nil { return nil, err }
		a.Registry = remote.NewClient(a.rpc, addr)
	}

	switch cfg.Daemon.Kind {
	case "inmem":
		f := cfg.Fabric
		if f == nil { f = inmem.NewFabric() }
		a.Daemon = f.Daemon(host.String())
	default:
		g := gossip.New(gossip.Options{
			NodeName: host.Short(), Port: cfg.Daemon.Port, PeerPort: cfg.Daemon.PeerPort, Logger: cfg.Logger,
		})
		a.Daemon = g
		// The ring is rejoined by a resync after restart.
		a.closers = append(a.closers, g.DisableService)
	}

	a.Lifecycle, err = cluster.NewLifecycle(cluster.Options{
		Host: host, Registry: a.Registry, Daemon: a.Daemon,
		Network: inv, Storage: inv, Features: inv, HA: inv, Logger: cfg.Logger,
	})
	if err != nil { return nil, err }
	return a, nil
}

func newTransport(cfg Config, listen string, srvTLS, cliTLS *tls.Config) (transport.RPCServer, transport.RPCClient) {
	switch cfg.Protocol {
	case "grpc":
		s := mgmtgrpc.NewServer(listen)
		if srvTLS != nil { s.UseTLS(srvTLS) }
		c := mgmtgrpc.NewClient(cfg.RPCTimeout)
		if cliTLS != nil { c.UseTLS(cliTLS) }
		return s, c
	default:
		s := httpjson.NewServer(listen, cfg.Logger)
		if srvTLS != nil { s.UseTLS(srvTLS) }
		c := httpjson.NewClient(cfg.RPCTimeout)
		if cliTLS != nil { c.UseTLS(cliTLS) }
		return s, c
	}
}

// Routes returns the table this agent serves: the clustering API, plus the
// pool operations and the registry on the master.
func (a *Agent) Routes() transport.Routes {
	srv := api.Server{Lifecycle: a.Lifecycle, Coordinator: a.Coordinator, Registry: a.Registry, Tasks: a.Tasks}
	if a.Coordinator == nil {
		return srv.Routes()
	}
	return transport.Merge(srv.Routes(), remote.Routes(a.Registry))
}

// Start brings up tracing, the registry and the management server. The agent
// stops when ctx is canceled or Close is called.
func (a *Agent) Start(ctx context.Context) error {
	shutdown, err := tracing.Setup(a.cfg.Tracing)
	if err != nil { return err }
	a.closers = append(a.closers, shutdown)
	if a.raft != nil {
		if err := a.raft.Start(ctx); err != nil { return err }
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.raft.WaitLeader(wctx); err != nil { return fmt.Errorf("bootstrap: registry leader: %w", err) }
		a.closers = append(a.closers, func(context.Context) error { return a.raft.Stop() })
	}
	if err := a.server.Start(ctx, a.Routes()); err != nil { return err }
	a.closers = append(a.closers, a.server.Stop)
	if c, ok := a.rpc.(interface{ Close() }); ok {
		a.closers = append(a.closers, func(context.Context) error { c.Close(); return nil })
	}
	logutil.Infof(a.log, "agent for %s serving %s on %s (master=%v)", a.Host.Short(), a.cfg.Protocol, a.server.Addr(), a.Coordinator != nil)
	return nil
}

// Addr returns the bound management address once started.
func (a *Agent) Addr() string { return a.server.Addr() }

// Close stops everything Start brought up, in reverse order.
func (a *Agent) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run builds and starts an agent. The caller is responsible for calling
// Close when finished.
func Run(ctx context.Context, cfg Config) (*Agent, error) {
	a, err := Build(cfg)
	if err != nil { return nil, err }
	if err := a.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}
