// Package rawpb describes the gRPC service that carries plover frames.
// Frames are already serialized by the protocol package so the service
// uses a pass-through codec instead of generated message types.
package rawpb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "plover.Partition"
	// RequestMethod is the full method name of the unary call
	RequestMethod = "/" + ServiceName + "/Request"
	// StreamMethod is the full method name of the server stream
	StreamMethod = "/" + ServiceName + "/Stream"
	// CodecName identifies Codec
	CodecName = "plover-raw"
)

// Frame is a serialized request, response or event
type Frame struct {
	Data []byte
}

// Codec passes frames through unchanged. It satisfies both
// encoding.Codec and the older grpc.Codec interface.
type Codec struct{}

// Marshal implements encoding.Codec
func (Codec) Marshal(v interface{}) ([]byte, error) {
	frame, ok := v.(*Frame)

	if !ok {
		return nil, fmt.Errorf("cannot marshal %T", v)
	}

	return frame.Data, nil
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v interface{}) error {
	frame, ok := v.(*Frame)

	if !ok {
		return fmt.Errorf("cannot unmarshal into %T", v)
	}

	frame.Data = append([]byte(nil), data...)

	return nil
}

// Name implements encoding.Codec
func (Codec) Name() string {
	return CodecName
}

// String implements grpc.Codec
func (Codec) String() string {
	return CodecName
}

// PartitionServer is implemented by the frontend
type PartitionServer interface {
	Request(ctx context.Context, request *Frame) (*Frame, error)
	Stream(request *Frame, stream grpc.ServerStream) error
}

func requestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Frame)

	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(PartitionServer).Request(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RequestMethod,
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PartitionServer).Request(ctx, req.(*Frame))
	}

	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(Frame)

	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	return srv.(PartitionServer).Stream(in, stream)
}

// StreamDesc describes the server stream for clients
var StreamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	Handler:       streamHandler,
	ServerStreams: true,
}

// ServiceDesc describes the partition service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PartitionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Request",
			Handler:    requestHandler,
		},
	},
	Streams:  []grpc.StreamDesc{StreamDesc},
	Metadata: "plover/partition",
}

// RegisterPartitionServer registers srv with s
func RegisterPartitionServer(s *grpc.Server, srv PartitionServer) {
	s.RegisterService(&ServiceDesc, srv)
}
