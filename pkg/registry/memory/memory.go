// Package memory is an in-memory Registry. It also serves as the state
// machine behind the Raft-replicated store, hence Snapshot/Restore.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/amirimatin/go-poolcluster/pkg/model"
	"github.com/amirimatin/go-poolcluster/pkg/registry"
)

type hostEntry struct {
	seq uint64
	rec model.ClusterHost
}

// Store is a mutex-guarded Registry.
type Store struct {
	mu       sync.RWMutex
	clusters map[model.Ref]model.Cluster
	hosts    map[model.Ref]hostEntry
	seq      uint64
}

func New() *Store {
	return &Store{clusters: make(map[model.Ref]model.Cluster), hosts: make(map[model.Ref]hostEntry)}
}

func (s *Store) CreateClusterWithHost(_ context.Context, c model.Cluster, h model.ClusterHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Cluster != c.Ref {
		return fmt.Errorf("registry: cluster host %s does not reference cluster %s", h.Ref, c.Ref)
	}
	if err := s.checkNewClusterLocked(c); err != nil {
		return err
	}
	if err := s.checkNewHostLocked(h, true); err != nil {
		return err
	}
	s.clusters[c.Ref] = cloneCluster(c)
	s.insertHostLocked(h)
	return nil
}

func (s *Store) CreateCluster(_ context.Context, c model.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNewClusterLocked(c); err != nil {
		return err
	}
	s.clusters[c.Ref] = cloneCluster(c)
	return nil
}

func (s *Store) GetCluster(_ context.Context, ref model.Ref) (model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[ref]
	if !ok {
		return model.Cluster{}, fmt.Errorf("cluster %s: %w", ref, registry.ErrNotFound)
	}
	return cloneCluster(c), nil
}

func (s *Store) ListClusters(_ context.Context) ([]model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, cloneCluster(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *Store) UpdateCluster(_ context.Context, c model.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[c.Ref]; !ok {
		return fmt.Errorf("cluster %s: %w", c.Ref, registry.ErrNotFound)
	}
	s.clusters[c.Ref] = cloneCluster(c)
	return nil
}

func (s *Store) DestroyCluster(_ context.Context, ref model.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[ref]; !ok {
		return fmt.Errorf("cluster %s: %w", ref, registry.ErrNotFound)
	}
	for _, e := range s.hosts {
		if e.rec.Cluster == ref {
			return fmt.Errorf("cluster %s: %w", ref, registry.ErrHasMembers)
		}
	}
	delete(s.clusters, ref)
	return nil
}

func (s *Store) CreateClusterHost(_ context.Context, h model.ClusterHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNewHostLocked(h, false); err != nil {
		return err
	}
	s.insertHostLocked(h)
	return nil
}

func (s *Store) GetClusterHost(_ context.Context, ref model.Ref) (model.ClusterHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.hosts[ref]
	if !ok {
		return model.ClusterHost{}, fmt.Errorf("cluster host %s: %w", ref, registry.ErrNotFound)
	}
	return cloneHost(e.rec), nil
}

func (s *Store) UpdateClusterHost(_ context.Context, h model.ClusterHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.hosts[h.Ref]
	if !ok {
		return fmt.Errorf("cluster host %s: %w", h.Ref, registry.ErrNotFound)
	}
	e.rec = cloneHost(h)
	s.hosts[h.Ref] = e
	return nil
}

func (s *Store) DestroyClusterHost(_ context.Context, ref model.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[ref]; !ok {
		return fmt.Errorf("cluster host %s: %w", ref, registry.ErrNotFound)
	}
	delete(s.hosts, ref)
	return nil
}

func (s *Store) ClusterHosts(_ context.Context, cluster model.Ref) ([]model.ClusterHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]hostEntry, 0, len(s.hosts))
	for _, e := range s.hosts {
		if e.rec.Cluster == cluster {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]model.ClusterHost, len(entries))
	for i, e := range entries {
		out[i] = cloneHost(e.rec)
	}
	return out, nil
}

func (s *Store) FindClusterHost(_ context.Context, host model.Ref) (model.ClusterHost, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.hosts {
		if e.rec.Host == host {
			return cloneHost(e.rec), true, nil
		}
	}
	return model.ClusterHost{}, false, nil
}

func (s *Store) checkNewClusterLocked(c model.Cluster) error {
	if c.Ref.IsNull() {
		return fmt.Errorf("registry: empty cluster ref")
	}
	if _, ok := s.clusters[c.Ref]; ok {
		return fmt.Errorf("cluster %s: %w", c.Ref, registry.ErrDuplicate)
	}
	return nil
}

func (s *Store) checkNewHostLocked(h model.ClusterHost, clusterPending bool) error {
	if h.Ref.IsNull() {
		return fmt.Errorf("registry: empty cluster host ref")
	}
	if _, ok := s.hosts[h.Ref]; ok {
		return fmt.Errorf("cluster host %s: %w", h.Ref, registry.ErrDuplicate)
	}
	if !clusterPending {
		if _, ok := s.clusters[h.Cluster]; !ok {
			return fmt.Errorf("cluster %s: %w", h.Cluster, registry.ErrNotFound)
		}
	}
	for _, e := range s.hosts {
		if e.rec.Cluster == h.Cluster && e.rec.Host == h.Host {
			return fmt.Errorf("host %s already in cluster %s: %w", h.Host, h.Cluster, registry.ErrDuplicate)
		}
	}
	return nil
}

func (s *Store) insertHostLocked(h model.ClusterHost) {
	s.seq++
	s.hosts[h.Ref] = hostEntry{seq: s.seq, rec: cloneHost(h)}
}

type snapshotV1 struct {
	Version  int                 `json:"version"`
	Seq      uint64              `json:"seq"`
	Clusters []model.Cluster     `json:"clusters"`
	Hosts    []model.ClusterHost `json:"cluster_hosts"`
}

// Snapshot encodes the store as stable JSON: clusters by ref, hosts in
// creation order.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	snap := snapshotV1{Version: 1, Seq: s.seq}
	for _, c := range s.clusters {
		snap.Clusters = append(snap.Clusters, c)
	}
	entries := make([]hostEntry, 0, len(s.hosts))
	for _, e := range s.hosts {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(snap.Clusters, func(i, j int) bool { return snap.Clusters[i].Ref < snap.Clusters[j].Ref })
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		snap.Hosts = append(snap.Hosts, e.rec)
	}
	return json.Marshal(snap)
}

// Restore replaces the store content with a Snapshot.
func (s *Store) Restore(buf []byte) error {
	var snap snapshotV1
	if err := json.Unmarshal(buf, &snap); err != nil {
		return err
	}
	if snap.Version != 1 {
		return fmt.Errorf("registry: unsupported snapshot version %d", snap.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters = make(map[model.Ref]model.Cluster, len(snap.Clusters))
	s.hosts = make(map[model.Ref]hostEntry, len(snap.Hosts))
	s.seq = 0
	for _, c := range snap.Clusters {
		s.clusters[c.Ref] = c
	}
	for _, h := range snap.Hosts {
		s.insertHostLocked(h)
	}
	if snap.Seq > s.seq {
		s.seq = snap.Seq
	}
	return nil
}

func cloneCluster(c model.Cluster) model.Cluster {
	c.PendingForget = append([]string(nil), c.PendingForget...)
	c.AllowedOperations = append([]string(nil), c.AllowedOperations...)
	c.CurrentOperations = cloneOps(c.CurrentOperations)
	return c
}

func cloneHost(h model.ClusterHost) model.ClusterHost {
	h.AllowedOperations = append([]string(nil), h.AllowedOperations...)
	h.CurrentOperations = cloneOps(h.CurrentOperations)
	return h
}

func cloneOps(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ registry.Registry = (*Store)(nil)
