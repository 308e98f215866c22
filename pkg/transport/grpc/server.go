package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-poolcluster/pkg/transport"
)

const (
	serviceName = "poolcluster.v1.Management"
	callMethod  = "/" + serviceName + "/Call"
)

// Server implements transport.RPCServer over gRPC using a JSON codec. Every
// management method travels through the single unary Call method carrying a
// transport.Request envelope.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	mu   sync.Mutex
	lis  net.Listener
	srv  *grpc.Server
	addr string
}

func NewServer(bind string) *Server { return &Server{bind: bind, addr: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// managementServer defines the methods we expose.
type managementServer interface {
	Call(ctx context.Context, in *transport.Request) (*transport.Response, error)
}

type mgmtImpl struct{ routes transport.Routes }

func (m *mgmtImpl) Call(ctx context.Context, in *transport.Request) (*transport.Response, error) {
	if in == nil { in = &transport.Request{} }
	resp := transport.Dispatch(ctx, m.routes, *in)
	return &resp, nil
}

// Service descriptor and handler (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: _Management_Call_Handler},
	},
}

func _Management_Call_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.Request)
	if err := dec(in); err != nil { return nil, err }
	if interceptor == nil { return srv.(managementServer).Call(ctx, in) }
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managementServer).Call(ctx, req.(*transport.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, routes transport.Routes) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil { return err }
	// Force JSON codec to avoid requiring protobuf types
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{routes: routes})

	s.mu.Lock()
	s.lis, s.srv, s.addr = lis, srv, lis.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, lis := s.srv, s.lis
	s.srv, s.lis = nil, nil
	s.mu.Unlock()
	if srv == nil { return nil }
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	if lis != nil { _ = lis.Close() }
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
