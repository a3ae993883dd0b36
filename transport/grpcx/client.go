package grpcx

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/transport"
)

// Resolver maps a node id to a dialable address.
type Resolver func(id affinity.NodeID) (addr string, ok bool)

// Client is a transport.Transport keeping one connection per address.
type Client struct {
	resolve Resolver
	opts    []grpc.DialOption
	log     *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ transport.Transport = (*Client)(nil)

// NewClient builds a client. Without extra options connections are insecure.
func NewClient(resolve Resolver, log *zap.Logger, opts ...grpc.DialOption) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	return &Client{
		resolve: resolve,
		opts:    append(base, opts...),
		log:     log,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) Peer(id affinity.NodeID) (transport.Handler, error) {
	addr, ok := c.resolve(id)
	if !ok {
		return nil, transport.Unreachable(id, errors.New("no address"))
	}
	conn, err := c.conn(addr)
	if err != nil {
		return nil, transport.Unreachable(id, err)
	}
	return &remote{id: id, conn: conn}, nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	c.conns[addr] = cc
	c.log.Debug("peer connection created", zap.String("addr", addr))
	return cc, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close %s", addr)
		}
		delete(c.conns, addr)
	}
	return first
}

type remote struct {
	id   affinity.NodeID
	conn *grpc.ClientConn
}

func invoke[Req, Resp any](ctx context.Context, r *remote, method string, in *Req) (*Resp, error) {
	out := new(Resp)
	if err := r.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, r.unwrap(err)
	}
	return out, nil
}

// unwrap maps connection-level failures to ErrUnreachable and restores
// context errors; other remote errors keep their message.
func (r *remote) unwrap(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return transport.Unreachable(r.id, errors.New(st.Message()))
	case codes.Canceled:
		return errors.Wrap(context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return errors.Wrap(context.DeadlineExceeded, st.Message())
	}
	return errors.Errorf("node %s: %s", r.id, st.Message())
}

func (r *remote) Count(ctx context.Context, in *transport.CountRequest) (*transport.CountResponse, error) {
	return invoke[transport.CountRequest, transport.CountResponse](ctx, r, "Count", in)
}

func (r *remote) Put(ctx context.Context, in *transport.PutRequest) (*transport.PutResponse, error) {
	return invoke[transport.PutRequest, transport.PutResponse](ctx, r, "Put", in)
}

func (r *remote) Get(ctx context.Context, in *transport.GetRequest) (*transport.GetResponse, error) {
	return invoke[transport.GetRequest, transport.GetResponse](ctx, r, "Get", in)
}

func (r *remote) Remove(ctx context.Context, in *transport.RemoveRequest) (*transport.RemoveResponse, error) {
	return invoke[transport.RemoveRequest, transport.RemoveResponse](ctx, r, "Remove", in)
}
