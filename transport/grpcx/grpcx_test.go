package grpcx

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/transport"
)

type stubHandler struct {
	lastCount *transport.CountRequest
}

func (h *stubHandler) Count(_ context.Context, req *transport.CountRequest) (*transport.CountResponse, error) {
	h.lastCount = req
	return &transport.CountResponse{Count: int64(len(req.Modes)) + 40, Version: req.Version}, nil
}
func (h *stubHandler) Put(_ context.Context, req *transport.PutRequest) (*transport.PutResponse, error) {
	if req.Cache == "" {
		return nil, errors.New("cache required")
	}
	return &transport.PutResponse{Tier: "ONHEAP"}, nil
}
func (h *stubHandler) Get(_ context.Context, req *transport.GetRequest) (*transport.GetResponse, error) {
	return &transport.GetResponse{Value: []byte("v:" + req.Key), Found: true}, nil
}
func (h *stubHandler) Remove(context.Context, *transport.RemoveRequest) (*transport.RemoveResponse, error) {
	return &transport.RemoveResponse{Removed: true}, nil
}

func startBufconn(t *testing.T, h transport.Handler) (*grpc.Server, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(h, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	resolve := func(id affinity.NodeID) (string, bool) {
		if id == "n1" {
			return "passthrough:///bufnet", true
		}
		return "", false
	}
	cli := NewClient(resolve, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	t.Cleanup(func() { _ = cli.Close() })
	return srv, cli
}

func TestGRPC_RoundTrip(t *testing.T) {
	t.Parallel()

	h := &stubHandler{}
	_, cli := startBufconn(t, h)
	ctx := context.Background()

	p, err := cli.Peer("n1")
	require.NoError(t, err)

	cr, err := p.Count(ctx, &transport.CountRequest{Cache: "c", Version: affinity.MakeVersion(3, 1), Partition: -1, Modes: []string{"PRIMARY", "SWAP"}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), cr.Count)
	assert.Equal(t, affinity.MakeVersion(3, 1), cr.Version)
	assert.Equal(t, -1, h.lastCount.Partition)

	gr, err := p.Get(ctx, &transport.GetRequest{Cache: "c", Key: "k"})
	require.NoError(t, err)
	assert.True(t, gr.Found)
	assert.Equal(t, []byte("v:k"), gr.Value)

	pr, err := p.Put(ctx, &transport.PutRequest{Cache: "c", Key: "k", Value: []byte{0, 1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "ONHEAP", pr.Tier)

	rr, err := p.Remove(ctx, &transport.RemoveRequest{Cache: "c", Key: "k"})
	require.NoError(t, err)
	assert.True(t, rr.Removed)
}

func TestGRPC_RemoteErrorKeepsMessage(t *testing.T) {
	t.Parallel()

	_, cli := startBufconn(t, &stubHandler{})
	p, err := cli.Peer("n1")
	require.NoError(t, err)

	_, err = p.Put(context.Background(), &transport.PutRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache required")
	assert.False(t, errors.Is(err, transport.ErrUnreachable))
}

func TestGRPC_Unreachable(t *testing.T) {
	t.Parallel()

	srv, cli := startBufconn(t, &stubHandler{})

	_, err := cli.Peer("ghost")
	assert.True(t, errors.Is(err, transport.ErrUnreachable))

	p, err := cli.Peer("n1")
	require.NoError(t, err)
	srv.Stop()

	_, err = p.Count(context.Background(), &transport.CountRequest{Cache: "c"})
	assert.True(t, errors.Is(err, transport.ErrUnreachable), "got %v", err)
}
