package transport

import (
	"context"

	"google.golang.org/grpc"
)

const deliverMethod = "/maekawa.Maekawa/Deliver"

// deliverServer is implemented by GRPCTransport
type deliverServer interface {
	deliver(ctx context.Context, in *frame) (*frame, error)
}

// serviceDesc describes the single-method Maekawa service. Requests and
// replies are raw frames handled by rawCodec.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "maekawa.Maekawa",
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "maekawa.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverServer).deliver(ctx, req.(*frame))
	}
	return interceptor(ctx, in, info, handler)
}
