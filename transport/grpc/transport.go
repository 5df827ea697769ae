// Package grpc ships a raft peer's outbound messages to its siblings
// over a bidirectional gRPC stream and delivers inbound ones back into
// a node.Node, mirroring the RPC shape tinykv's raftstore transport
// uses (kv/raftstore/peer.go's Transport interface) but hand-written
// against google.golang.org/grpc directly since no protoc toolchain
// is available to generate the service stub from a .proto file.
package grpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
)

// raftTransportServer is the server-side contract a hand-written
// protoc-gen-go-grpc stub would produce for a single bidi-streaming
// RPC exchanging raft messages.
type raftTransportServer interface {
	RaftMessage(RaftTransport_RaftMessageServer) error
}

// RaftTransport_RaftMessageServer is the server-side stream handle for
// the RaftMessage RPC.
type RaftTransport_RaftMessageServer interface {
	Send(*pb.Message) error
	Recv() (*pb.Message, error)
	grpc.ServerStream
}

type raftMessageServerStream struct {
	grpc.ServerStream
}

func (s *raftMessageServerStream) Send(m *pb.Message) error {
	return s.ServerStream.SendMsg(m)
}

func (s *raftMessageServerStream) Recv() (*pb.Message, error) {
	m := new(pb.Message)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func raftMessageHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(raftTransportServer).RaftMessage(&raftMessageServerStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "tinyraft.RaftTransport",
	HandlerType: (*raftTransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RaftMessage",
			Handler:       raftMessageHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// Handler receives each inbound raft message as it arrives off a
// stream; it must not block for long, since it runs on the stream's
// own goroutine.
type Handler func(m pb.Message)

// Server accepts RaftMessage streams from peers and hands each
// received message to a Handler. Use node.Node.Step bound into a
// Handler to deliver into the core.
type Server struct {
	handler Handler
	logger  *zap.Logger

	grpcServer *grpc.Server
	maxConns   int
}

// NewServer builds a Server that dispatches received messages to
// handler, capping concurrent inbound connections at maxConns (0
// means unbounded) with golang.org/x/net/netutil.
func NewServer(handler Handler, maxConns int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{handler: handler, logger: logger, maxConns: maxConns}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// RaftMessage implements raftTransportServer: it drains the client's
// outbound stream into s.handler until the client closes it or an
// error occurs, and never sends anything back (the RPC is used as a
// one-way message pipe in each direction; a peer dials the other
// side's Server to send, rather than sharing a single stream both
// ways).
func (s *Server) RaftMessage(stream RaftTransport_RaftMessageServer) error {
	for {
		m, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "receive raft message stream")
		}
		s.handler(*m)
	}
}

// Serve blocks accepting connections on addr until the listener is
// closed or Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listen on %q", addr)
	}
	return s.ServeListener(lis)
}

// ServeListener is Serve against an already-open listener, letting a
// caller (tests, or a process that inherited its socket) choose how
// the listener was created.
func (s *Server) ServeListener(lis net.Listener) error {
	if s.maxConns > 0 {
		lis = netutil.LimitListener(lis, s.maxConns)
	}
	s.logger.Info("raft transport listening", zap.String("addr", lis.Addr().String()))
	return errors.Annotate(s.grpcServer.Serve(lis), "serve raft transport")
}

// Stop gracefully shuts down the server, waiting for in-flight RPCs.
func (s *Server) Stop() { s.grpcServer.GracefulStop() }

// Dialer lazily dials and caches one client stream per peer address,
// sending outbound raft messages over it. A broken stream is
// re-dialed on the next Send.
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*peerConn
}

type peerConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
}

// NewDialer returns an empty Dialer.
func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string]*peerConn)}
}

// Send ships m to the peer listening at addr, dialing (or re-dialing,
// if the cached stream is broken) as needed.
func (d *Dialer) Send(ctx context.Context, addr string, m pb.Message) error {
	pc, err := d.connFor(ctx, addr)
	if err != nil {
		return err
	}
	if err := pc.stream.SendMsg(&m); err != nil {
		d.drop(addr)
		return errors.Annotatef(err, "send raft message to %q", addr)
	}
	return nil
}

func (d *Dialer) connFor(ctx context.Context, addr string) (*peerConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pc, ok := d.conns[addr]; ok {
		return pc, nil
	}
	cc, err := grpc.DialContext(ctx, addr, grpc.WithInsecure())
	if err != nil {
		return nil, errors.Annotatef(err, "dial %q", addr)
	}
	desc := &serviceDesc.Streams[0]
	stream, err := cc.NewStream(ctx, desc, fmt.Sprintf("/%s/%s", serviceDesc.ServiceName, desc.StreamName))
	if err != nil {
		cc.Close()
		return nil, errors.Annotatef(err, "open raft message stream to %q", addr)
	}
	pc := &peerConn{cc: cc, stream: stream}
	d.conns[addr] = pc
	return pc, nil
}

func (d *Dialer) drop(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pc, ok := d.conns[addr]; ok {
		pc.cc.Close()
		delete(d.conns, addr)
	}
}

// Close tears down every cached connection.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for addr, pc := range d.conns {
		pc.cc.Close()
		delete(d.conns, addr)
	}
}
