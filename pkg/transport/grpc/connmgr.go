package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches one client connection per agent address and evicts
// connections left idle for longer than ttl or found in a failed state.
type ConnManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	dial    dialFunc
	closing chan struct{}
	closed  bool
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

// NewConnManager creates a manager with the given idle TTL and dialer.
func NewConnManager(ttl time.Duration, dial dialFunc) *ConnManager {
	if ttl <= 0 { ttl = 30 * time.Second }
	m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), closing: make(chan struct{})}
	go m.janitor()
	return m
}

// Get returns a connection for target and a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
	release := func() { m.release(target) }
	if cc := m.acquire(target); cc != nil {
		obsmetrics.GRPCConnReuse.Inc()
		return cc, release, nil
	}

	// Dial outside lock
	cc, err := m.dial(ctx, target)
	if err != nil { return nil, func() {}, err }

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[target]; ok {
		// another caller dialed the same peer concurrently
		_ = cc.Close()
		existing.ref++
		existing.lastUsed = time.Now()
		obsmetrics.GRPCConnReuse.Inc()
		return existing.cc, release, nil
	}
	m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	obsmetrics.GRPCConnDials.Inc()
	obsmetrics.GRPCConnActive.Inc()
	return cc, release, nil
}

func (m *ConnManager) acquire(target string) *grpc.ClientConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.conns[target]
	if !ok { return nil }
	if mc.cc.GetState() == connectivity.Shutdown || (mc.ref == 0 && mc.cc.GetState() == connectivity.TransientFailure) {
		m.evictLocked(target, mc)
		return nil
	}
	mc.ref++
	mc.lastUsed = time.Now()
	return mc.cc
}

func (m *ConnManager) release(target string) {
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 { mc.ref-- }
		mc.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed { return }
	m.closed = true
	close(m.closing)
	for k, mc := range m.conns {
		m.evictLocked(k, mc)
	}
}

func (m *ConnManager) evictLocked(target string, mc *managedConn) {
	_ = mc.cc.Close()
	delete(m.conns, target)
	obsmetrics.GRPCConnEvictions.Inc()
	obsmetrics.GRPCConnActive.Dec()
}

func (m *ConnManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			m.mu.Lock()
			for addr, mc := range m.conns {
				if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
					m.evictLocked(addr, mc)
				}
			}
			m.mu.Unlock()
		}
	}
}
