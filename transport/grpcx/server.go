// Package grpcx carries transport requests over gRPC.
package grpcx

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/IvanBrykalov/shardgrid/transport"
)

const serviceName = "shardgrid.Grid"

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// unary adapts one Handler method to a grpc.MethodHandler.
func unary[Req, Resp any](name string, call func(transport.Handler, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(transport.Handler)
			if interceptor == nil {
				resp, err := call(h, ctx, in)
				return wrapErr(resp, err)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				resp, err := call(h, ctx, req.(*Req))
				return wrapErr(resp, err)
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("Count", transport.Handler.Count),
		unary("Put", transport.Handler.Put),
		unary("Get", transport.Handler.Get),
		unary("Remove", transport.Handler.Remove),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport/grpcx",
}

// NewServer returns a gRPC server serving h. The caller owns Serve/Stop.
func NewServer(h transport.Handler, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(opts,
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(logErrors(log)),
	)
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, h)
	return s
}

func logErrors(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			log.Debug("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

// wrapErr turns handler errors into status errors. Context errors keep their
// canonical codes; everything else travels as Unknown with its message.
func wrapErr[Resp any](resp *Resp, err error) (any, error) {
	if err == nil {
		return resp, nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return nil, status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	}
	return nil, status.Error(codes.Unknown, err.Error())
}
