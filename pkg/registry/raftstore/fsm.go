package raftstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry/memory"
)

// Log command ops.
const (
	opCreateClusterWithHost = "CreateClusterWithHost"
	opCreateCluster         = "CreateCluster"
	opUpdateCluster         = "UpdateCluster"
	opDestroyCluster        = "DestroyCluster"
	opCreateClusterHost     = "CreateClusterHost"
	opUpdateClusterHost     = "UpdateClusterHost"
	opDestroyClusterHost    = "DestroyClusterHost"
)

// command is one Raft log entry.
type command struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

type pairPayload struct {
	Cluster model.Cluster     `json:"cluster"`
	Host    model.ClusterHost `json:"host"`
}

type refPayload struct {
	Ref model.Ref `json:"ref"`
}

// registryFSM applies registry commands to an in-memory store.
type registryFSM struct {
	st *memory.Store
}

func newRegistryFSM(st *memory.Store) *registryFSM { return &registryFSM{st: st} }

func (f *registryFSM) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return err
	}
	ctx := context.Background()
	switch cmd.Op {
	case opCreateClusterWithHost:
		var p pairPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
		return f.st.CreateClusterWithHost(ctx, p.Cluster, p.Host)
	case opCreateCluster, opUpdateCluster:
		var c model.Cluster
		if err := json.Unmarshal(cmd.Payload, &c); err != nil { return err }
		if cmd.Op == opCreateCluster {
			return f.st.CreateCluster(ctx, c)
		}
		return f.st.UpdateCluster(ctx, c)
	case opCreateClusterHost, opUpdateClusterHost:
		var h model.ClusterHost
		if err := json.Unmarshal(cmd.Payload, &h); err != nil { return err }
		if cmd.Op == opCreateClusterHost {
			return f.st.CreateClusterHost(ctx, h)
		}
		return f.st.UpdateClusterHost(ctx, h)
	case opDestroyCluster, opDestroyClusterHost:
		var p refPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
		if cmd.Op == opDestroyCluster {
			return f.st.DestroyCluster(ctx, p.Ref)
		}
		return f.st.DestroyClusterHost(ctx, p.Ref)
	default:
		return fmt.Errorf("raftstore: unknown op %q", cmd.Op)
	}
}

func (f *registryFSM) Snapshot() (raft.FSMSnapshot, error) {
	blob, err := f.st.Snapshot()
	if err != nil { return nil, err }
	return &snapshot{blob: blob}, nil
}

func (f *registryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil { return err }
	return f.st.Restore(data)
}

type snapshot struct {
	blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
	return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*registryFSM)(nil)
