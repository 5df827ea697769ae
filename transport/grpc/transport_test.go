package grpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
	grpctransport "github.com/pingcap-incubator/tinyraft/transport/grpc"
)

func TestSendDeliversMessageToServerHandler(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan pb.Message, 1)
	server := grpctransport.NewServer(func(m pb.Message) {
		received <- m
	}, 0, nil)
	defer server.Stop()

	go func() {
		_ = server.ServeListener(lis)
	}()

	dialer := grpctransport.NewDialer()
	defer dialer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sent := pb.Message{MsgType: pb.MessageType_MsgAppend, From: 1, To: 2, Term: 3}
	require.NoError(t, dialer.Send(ctx, lis.Addr().String(), sent))

	select {
	case got := <-received:
		require.Equal(t, sent.MsgType, got.MsgType)
		require.Equal(t, sent.From, got.From)
		require.Equal(t, sent.To, got.To)
		require.Equal(t, sent.Term, got.Term)
	case <-ctx.Done():
		t.Fatal("server never received the message")
	}
}

func TestSendReusesCachedStreamForRepeatedSends(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan pb.Message, 3)
	server := grpctransport.NewServer(func(m pb.Message) {
		received <- m
	}, 0, nil)
	defer server.Stop()

	go func() {
		_ = server.ServeListener(lis)
	}()

	dialer := grpctransport.NewDialer()
	defer dialer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, dialer.Send(ctx, lis.Addr().String(), pb.Message{MsgType: pb.MessageType_MsgHeartbeat, Index: i}))
	}

	for i := uint64(0); i < 3; i++ {
		select {
		case got := <-received:
			require.Equal(t, i, got.Index)
		case <-ctx.Done():
			t.Fatal("server never received all messages")
		}
	}
}
