// Package raftstore replicates the clustering registry through HashiCorp
// Raft. Reads are served from the local state machine; writes are appended to
// the Raft log and only succeed on the leader.
package raftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/amirimatin/go-poolcluster/pkg/internal/logutil"
	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
	"github.com/amirimatin/go-poolcluster/pkg/registry/memory"
)

// Store implements registry.Registry on top of a Raft node.
type Store struct {
	opts  Options
	log   *log.Logger
	r     *raft.Raft
	st    *memory.Store
	addr  raft.ServerAddress
	trans raft.Transport
	lb    raft.LoopbackTransport
	bolt  *raftboltdb.BoltStore
}

func New(opts Options) (*Store, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("raftstore: empty NodeID")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}
	return &Store{opts: opts, log: logutil.Component(opts.Logger, "raftstore"), st: memory.New()}, nil
}

// Start brings up the Raft node. It returns once the node is running, which
// is not the same as having a leader; use WaitLeader for that.
func (s *Store) Start(ctx context.Context) error {
	if s.r != nil {
		return nil
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(s.opts.NodeID)
	if s.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = s.opts.HeartbeatTimeout
		// Keep lease <= heartbeat to satisfy invariants
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
			if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
		}
	}
	if s.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = s.opts.ElectionTimeout }
	if s.opts.CommitTimeout > 0 { cfg.CommitTimeout = s.opts.CommitTimeout }

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
	)
	if s.opts.DataDir != "" {
		if s.opts.SnapshotsRetained == 0 { s.opts.SnapshotsRetained = 2 }
		if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil { return err }
		bstore, err := raftboltdb.NewBoltStore(filepath.Join(s.opts.DataDir, "registry.db"))
		if err != nil { return err }
		s.bolt = bstore
		logs, stable = bstore, bstore
		snaps, err = raft.NewFileSnapshotStore(s.opts.DataDir, s.opts.SnapshotsRetained, s.opts.Logger.Writer())
		if err != nil { return err }
	} else {
		logs = raft.NewInmemStore()
		stable = raft.NewInmemStore()
		snaps = raft.NewInmemSnapshotStore()
	}

	var addr raft.ServerAddress
	var trans raft.Transport
	if s.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(s.opts.BindAddr, nil, 3, time.Second, s.opts.Logger.Writer())
		if err != nil { return err }
		addr, trans = nt.LocalAddr(), nt
	} else {
		addr, trans = raft.NewInmemTransport(raft.ServerAddress(s.opts.NodeID))
	}

	r, err := raft.NewRaft(cfg, newRegistryFSM(s.st), logs, stable, snaps, trans)
	if err != nil {
		return err
	}
	s.r, s.addr, s.trans = r, addr, trans
	if lb, ok := trans.(raft.LoopbackTransport); ok { s.lb = lb }

	if s.opts.Bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil { return err }
		if !hasState {
			cfgs := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: addr}}}
			if err := s.r.BootstrapCluster(cfgs).Error(); err != nil {
				return err
			}
		}
	}
	logutil.Infof(s.log, "raft registry started: id=%s addr=%s data=%q", s.opts.NodeID, addr, s.opts.DataDir)

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// WaitLeader blocks until some node is known as leader or ctx is done.
func (s *Store) WaitLeader(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		if s.r != nil {
			if _, id := s.r.LeaderWithID(); id != "" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Store) IsLeader() bool {
	if s.r == nil { return false }
	return s.r.State() == raft.Leader
}

// Addr is the Raft transport address of this node.
func (s *Store) Addr() string { return string(s.addr) }

func (s *Store) Stop() error {
	if s.r == nil { return nil }
	f := s.r.Shutdown()
	s.r = nil
	err := f.Error()
	if s.bolt != nil {
		_ = s.bolt.Close()
		s.bolt = nil
	}
	return err
}

// AddVoter adds a voting replica if not already present.
func (s *Store) AddVoter(id, addr string, timeout time.Duration) error {
	if s.r == nil {
		return fmt.Errorf("raftstore: not started")
	}
	cfg := s.r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if string(srv.ID) == id {
				if string(srv.Address) == addr {
					return nil
				}
				if err := s.r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
				break
			}
		}
	}
	return s.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a replica if present.
func (s *Store) RemoveServer(id string, timeout time.Duration) error {
	if s.r == nil {
		return fmt.Errorf("raftstore: not started")
	}
	return s.r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

func (s *Store) apply(op string, payload any) error {
	if s.r == nil {
		return fmt.Errorf("raftstore: not started")
	}
	if s.r.State() != raft.Leader {
		return registry.ErrNotLeader
	}
	body, err := json.Marshal(payload)
	if err != nil { return err }
	data, err := json.Marshal(command{Op: op, Payload: body})
	if err != nil { return err }
	af := s.r.Apply(data, s.opts.ApplyTimeout)
	if err := af.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return fmt.Errorf("%w: %v", registry.ErrNotLeader, err)
		}
		return err
	}
	if e, ok := af.Response().(error); ok && e != nil {
		return e
	}
	return nil
}

func (s *Store) CreateClusterWithHost(_ context.Context, c model.Cluster, h model.ClusterHost) error {
	return s.apply(opCreateClusterWithHost, pairPayload{Cluster: c, Host: h})
}

func (s *Store) CreateCluster(_ context.Context, c model.Cluster) error {
	return s.apply(opCreateCluster, c)
}

func (s *Store) UpdateCluster(_ context.Context, c model.Cluster) error {
	return s.apply(opUpdateCluster, c)
}

func (s *Store) DestroyCluster(_ context.Context, ref model.Ref) error {
	return s.apply(opDestroyCluster, refPayload{Ref: ref})
}

func (s *Store) CreateClusterHost(_ context.Context, h model.ClusterHost) error {
	return s.apply(opCreateClusterHost, h)
}

func (s *Store) UpdateClusterHost(_ context.Context, h model.ClusterHost) error {
	return s.apply(opUpdateClusterHost, h)
}

func (s *Store) DestroyClusterHost(_ context.Context, ref model.Ref) error {
	return s.apply(opDestroyClusterHost, refPayload{Ref: ref})
}

func (s *Store) GetCluster(ctx context.Context, ref model.Ref) (model.Cluster, error) {
	return s.st.GetCluster(ctx, ref)
}

func (s *Store) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	return s.st.ListClusters(ctx)
}

func (s *Store) GetClusterHost(ctx context.Context, ref model.Ref) (model.ClusterHost, error) {
	return s.st.GetClusterHost(ctx, ref)
}

func (s *Store) ClusterHosts(ctx context.Context, cluster model.Ref) ([]model.ClusterHost, error) {
	return s.st.ClusterHosts(ctx, cluster)
}

func (s *Store) FindClusterHost(ctx context.Context, host model.Ref) (model.ClusterHost, bool, error) {
	return s.st.FindClusterHost(ctx, host)
}

var _ registry.Registry = (*Store)(nil)
