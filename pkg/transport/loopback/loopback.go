// Package loopback is an in-process transport: every agent of a test pool
// registers its routes on a shared Network under a fake address, and calls
// go through the same JSON envelope and dispatch path as the network
// transports.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

// Network connects loopback servers and clients.
type Network struct {
	mu     sync.RWMutex
	routes map[string]transport.Routes
	cut    map[string]bool
}

func NewNetwork() *Network {
	return &Network{routes: map[string]transport.Routes{}, cut: map[string]bool{}}
}

// Partition makes addr unreachable until Heal is called.
func (n *Network) Partition(addr string) {
	n.mu.Lock()
	n.cut[addr] = true
	n.mu.Unlock()
}

func (n *Network) Heal(addr string) {
	n.mu.Lock()
	delete(n.cut, addr)
	n.mu.Unlock()
}

// Client returns an RPCClient bound to this network.
func (n *Network) Client() transport.RPCClient { return client{n} }

// NewServer returns a server that will register under addr on Start.
func (n *Network) NewServer(addr string) *Server { return &Server{net: n, addr: addr} }

func (n *Network) lookup(addr string) (transport.Routes, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.routes[addr]
	if !ok || n.cut[addr] {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, addr)
	}
	return r, nil
}

type Server struct {
	net  *Network
	addr string
}

func (s *Server) Start(ctx context.Context, routes transport.Routes) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if _, dup := s.net.routes[s.addr]; dup {
		return fmt.Errorf("loopback: address %s in use", s.addr)
	}
	s.net.routes[s.addr] = routes
	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	return nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Stop(context.Context) error {
	s.net.mu.Lock()
	delete(s.net.routes, s.addr)
	s.net.mu.Unlock()
	return nil
}

type client struct{ net *Network }

func (c client) Call(ctx context.Context, addr string, req transport.Request) (json.RawMessage, error) {
	routes, err := c.net.lookup(addr)
	if err != nil { return nil, err }
	if err := ctx.Err(); err != nil { return nil, err }
	// Round-trip the envelope so handlers see exactly what a wire peer sends.
	b, err := json.Marshal(req)
	if err != nil { return nil, err }
	var in transport.Request
	if err := json.Unmarshal(b, &in); err != nil { return nil, err }
	resp := transport.Dispatch(ctx, routes, in)
	b, err = json.Marshal(resp)
	if err != nil { return nil, err }
	var out transport.Response
	if err := json.Unmarshal(b, &out); err != nil { return nil, err }
	return transport.Unwrap(out)
}

var (
	_ transport.RPCServer = (*Server)(nil)
	_ transport.RPCClient = client{}
)
