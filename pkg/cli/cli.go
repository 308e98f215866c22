// Package cli provides the cobra commands of poolctl so services embedding
// the agent can mount them under their own root command.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/amirimatin/go-poolcluster/pkg/api"
	"github.com/amirimatin/go-poolcluster/pkg/bootstrap"
	"github.com/amirimatin/go-poolcluster/pkg/cluster"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	tlsx "github.com/amirimatin/go-poolcluster/pkg/security/tlsconfig"
	"github.com/amirimatin/go-poolcluster/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-poolcluster/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-poolcluster/pkg/transport/httpjson"
)

// AddAll attaches the agent, pool and cluster command groups to root.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewAgentCommand())
	root.AddCommand(NewPoolCommand())
	root.AddCommand(NewClusterCommand())
}

// NewAgentCommand returns "agent" with its "run" subcommand.
func NewAgentCommand() *cobra.Command {
	parent := &cobra.Command{Use: "agent", Short: "clustering agent"}
	parent.AddCommand(NewRunCmd())
	return parent
}

// NewRunCmd returns the "run" command that starts an agent. Flags given on
// the command line override the configuration file.
func NewRunCmd() *cobra.Command {
	var (
		path string
		over bootstrap.Config
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clustering agent of this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg bootstrap.Config
			if path != "" {
				var err error
				if cfg, err = bootstrap.LoadConfig(path); err != nil { return err }
			}
			applyFlags(cmd.Flags(), &cfg, over)
			cfg.Logger = log.Default()

			ctx, cancel := signalContext()
			defer cancel()
			a, err := bootstrap.Run(ctx, cfg)
			if err != nil { return err }
			defer a.Close(context.Background())

			fmt.Fprintf(cmd.OutOrStdout(), "agent for %s listening on %s. Press Ctrl+C to exit.\n", a.Host, a.Addr())
			<-ctx.Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "config", "", "agent configuration file (YAML)")
	f.StringVar(&over.Host, "host", "", "name or ref of this host in the inventory")
	f.StringVar(&over.Inventory, "inventory", "", "pool inventory file (YAML)")
	f.StringVar(&over.Listen, "listen", "", "management bind address (default: inventory address)")
	f.StringVar(&over.Protocol, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	f.DurationVar(&over.RPCTimeout, "rpc-timeout", 30*time.Second, "timeout of calls to other agents")
	f.StringVar(&over.Registry.Kind, "registry", "memory", "registry kept by the master: memory|raft")
	f.StringVar(&over.Registry.DataDir, "data", "", "raft registry data dir (empty: in memory)")
	f.StringVar(&over.Registry.RaftBind, "raft-bind", "", "raft TCP bind address (empty: in-process)")
	f.StringVar(&over.Daemon.Kind, "daemon", "gossip", "clustering daemon: gossip|inmem")
	f.IntVar(&over.Daemon.Port, "daemon-port", 0, "gossip bind port (default 7947)")
	f.IntVar(&over.Daemon.PeerPort, "daemon-peer-port", 0, "gossip port of peers (default 7947)")
	f.IntVar(&over.TasksRetained, "tasks", 256, "finished tasks kept for inspection")
	f.BoolVar(&over.Tracing, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	f.BoolVar(&over.LogJSON, "log-json", false, "log JSON lines")
	tlsFlags(f, &over.TLS, "agent")
	return cmd
}

// applyFlags copies every flag the user set from over into cfg.
func applyFlags(fs *pflag.FlagSet, cfg *bootstrap.Config, over bootstrap.Config) {
	set := map[string]func(){
		"host":             func() { cfg.Host = over.Host },
		"inventory":        func() { cfg.Inventory = over.Inventory },
		"listen":           func() { cfg.Listen = over.Listen },
		"mgmt-proto":       func() { cfg.Protocol = over.Protocol },
		"rpc-timeout":      func() { cfg.RPCTimeout = over.RPCTimeout },
		"registry":         func() { cfg.Registry.Kind = over.Registry.Kind },
		"data":             func() { cfg.Registry.DataDir = over.Registry.DataDir },
		"raft-bind":        func() { cfg.Registry.RaftBind = over.Registry.RaftBind },
		"daemon":           func() { cfg.Daemon.Kind = over.Daemon.Kind },
		"daemon-port":      func() { cfg.Daemon.Port = over.Daemon.Port },
		"daemon-peer-port": func() { cfg.Daemon.PeerPort = over.Daemon.PeerPort },
		"tasks":            func() { cfg.TasksRetained = over.TasksRetained },
		"trace":            func() { cfg.Tracing = over.Tracing },
		"log-json":         func() { cfg.LogJSON = over.LogJSON },
		"tls-enable":       func() { cfg.TLS.Enable = over.TLS.Enable },
		"tls-ca":           func() { cfg.TLS.CAFile = over.TLS.CAFile },
		"tls-cert":         func() { cfg.TLS.CertFile = over.TLS.CertFile },
		"tls-key":          func() { cfg.TLS.KeyFile = over.TLS.KeyFile },
		"tls-skip-verify":  func() { cfg.TLS.InsecureSkipVerify = over.TLS.InsecureSkipVerify },
		"tls-server-name":  func() { cfg.TLS.ServerName = over.TLS.ServerName },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
}

// remoteFlags are shared by commands that talk to a running agent.
type remoteFlags struct {
	addr    string
	proto   string
	timeout time.Duration
	tls     tlsx.Options
}

func (r *remoteFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&r.addr, "addr", "127.0.0.1:17946", "management address of the pool master's agent (host:port)")
	f.StringVar(&r.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	f.DurationVar(&r.timeout, "timeout", 2*time.Minute, "request timeout")
	tlsFlags(f, &r.tls, "client")
}

// fixedAddr routes every host to the one agent given on the command line.
type fixedAddr string

func (a fixedAddr) Address(model.Ref) (string, error) { return string(a), nil }

func (r *remoteFlags) client() (*api.Client, func(), error) {
	cliTLS, err := r.tls.Client()
	if err != nil { return nil, nil, fmt.Errorf("tls client config: %w", err) }
	var rpc transport.RPCClient
	closeFn := func() {}
	switch r.proto {
	case "grpc":
		c := mgmtgrpc.NewClient(r.timeout)
		if cliTLS != nil { c.UseTLS(cliTLS) }
		rpc, closeFn = c, c.Close
	default:
		c := httpjson.NewClient(r.timeout)
		if cliTLS != nil { c.UseTLS(cliTLS) }
		rpc = c
	}
	return api.NewClient(rpc, fixedAddr(r.addr)), closeFn, nil
}

// run executes fn against the agent and prints its result as JSON.
func (r *remoteFlags) run(out io.Writer, fn func(ctx context.Context, c *api.Client) (any, error)) error {
	c, closeFn, err := r.client()
	if err != nil { return err }
	defer closeFn()
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	res, err := fn(ctx, c)
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(res); eerr != nil && err == nil { err = eerr }
	}
	return err
}

// NewPoolCommand returns "pool" with the pool-wide operations.
func NewPoolCommand() *cobra.Command {
	parent := &cobra.Command{Use: "pool", Short: "pool-wide clustering operations (sent to the master)"}
	parent.AddCommand(newPoolCreateCmd())
	parent.AddCommand(newPoolRefCmd("destroy", "Make every host leave and destroy the cluster", func(ctx context.Context, c *api.Client, ref model.Ref) (any, error) {
		return nil, c.PoolDestroy(ctx, model.NullRef, ref)
	}))
	parent.AddCommand(newPoolRefCmd("force-destroy", "Tear the cluster down even if hosts are unreachable", func(ctx context.Context, c *api.Client, ref model.Ref) (any, error) {
		return reportOrNil(c.PoolForceDestroy(ctx, model.NullRef, ref))
	}))
	parent.AddCommand(newPoolRefCmd("resync", "Reconcile every host with the cluster records", func(ctx context.Context, c *api.Client, ref model.Ref) (any, error) {
		return reportOrNil(c.PoolResync(ctx, model.NullRef, ref))
	}))
	return parent
}

func reportOrNil(rep *cluster.Report, err error) (any, error) {
	if rep == nil {
		return nil, err
	}
	return rep, err
}

func newPoolCreateCmd() *cobra.Command {
	var (
		r   remoteFlags
		req cluster.PoolCreateRequest
		nw  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Form a cluster across the whole pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nw == "" { return fmt.Errorf("missing --network") }
			req.Network = model.Ref(nw)
			return r.run(cmd.OutOrStdout(), func(ctx context.Context, c *api.Client) (any, error) {
				ref, err := c.PoolCreate(ctx, model.NullRef, req)
				if err != nil { return nil, err }
				return map[string]model.Ref{"cluster": ref}, nil
			})
		},
	}
	r.register(cmd)
	f := cmd.Flags()
	f.StringVar(&nw, "network", "", "ref of the clustering network (required)")
	f.StringVar(&req.ClusterStack, "stack", model.StackCorosync, "cluster stack")
	f.Float64Var(&req.TokenTimeout, "token-timeout", model.DefaultTokenTimeout, "token timeout in seconds (>= 1.0)")
	f.Float64Var(&req.TokenTimeoutCoefficient, "token-timeout-coefficient", model.DefaultTokenTimeoutCoefficient, "token timeout coefficient in seconds (>= 0.65)")
	return cmd
}

func newPoolRefCmd(use, short string, fn func(ctx context.Context, c *api.Client, ref model.Ref) (any, error)) *cobra.Command {
	var (
		r   remoteFlags
		ref string
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ref == "" { return fmt.Errorf("missing --cluster") }
			return r.run(cmd.OutOrStdout(), func(ctx context.Context, c *api.Client) (any, error) {
				return fn(ctx, c, model.Ref(ref))
			})
		},
	}
	r.register(cmd)
	cmd.Flags().StringVar(&ref, "cluster", "", "cluster ref (required)")
	return cmd
}

// NewClusterCommand returns "cluster" with read-only inspection commands.
func NewClusterCommand() *cobra.Command {
	parent := &cobra.Command{Use: "cluster", Short: "inspect clusters"}
	var r remoteFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List clusters and their hosts as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd.OutOrStdout(), func(ctx context.Context, c *api.Client) (any, error) {
				return c.ClusterGetAll(ctx, model.NullRef)
			})
		},
	}
	r.register(list)
	parent.AddCommand(list)

	var rt remoteFlags
	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "List the recent tasks of an agent as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.run(cmd.OutOrStdout(), func(ctx context.Context, c *api.Client) (any, error) {
				return c.Tasks(ctx, model.NullRef)
			})
		},
	}
	rt.register(tasks)
	parent.AddCommand(tasks)
	return parent
}

func tlsFlags(f *pflag.FlagSet, o *tlsx.Options, role string) {
	f.BoolVar(&o.Enable, "tls-enable", false, "enable mTLS for management transport")
	f.StringVar(&o.CAFile, "tls-ca", "", "path to CA cert (PEM)")
	f.StringVar(&o.CertFile, "tls-cert", "", "path to "+role+" certificate (PEM)")
	f.StringVar(&o.KeyFile, "tls-key", "", "path to "+role+" private key (PEM)")
	f.BoolVar(&o.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	f.StringVar(&o.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
