package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/golang/protobuf/ptypes"
	"github.com/jrife/plover/transport"
	"github.com/jrife/plover/transport/frontends"
	"github.com/jrife/plover/transport/rawpb"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ frontends.Frontend = (*Frontend)(nil)
var _ rawpb.PartitionServer = (*partitionServer)(nil)

// Frontend is an implementation of
// Frontend for the gRPC protocol
type Frontend struct {
	grpcServer *grpc.Server
	logger     *zap.Logger
}

// Init initializes the frontend
func (frontend *Frontend) Init(options frontends.Options) error {
	if options.Handler == nil {
		return errors.New("frontend requires a handler")
	}

	frontend.logger = options.Logger

	if frontend.logger == nil {
		frontend.logger = zap.NewNop()
	}

	frontend.grpcServer = grpc.NewServer(grpc.CustomCodec(rawpb.Codec{}))

	rawpb.RegisterPartitionServer(frontend.grpcServer, &partitionServer{handler: options.Handler, logger: frontend.logger})

	return nil
}

// Listen accepts connections from this listener
func (frontend *Frontend) Listen(listener net.Listener) error {
	frontend.logger.Info("listening", zap.String("address", listener.Addr().String()))

	return frontend.grpcServer.Serve(listener)
}

// Stop stops accepting connections from listeners and causes
// all calls to Listen to return
func (frontend *Frontend) Stop() error {
	frontend.grpcServer.Stop()

	return nil
}

type partitionServer struct {
	handler transport.Handler
	logger  *zap.Logger
}

func (server *partitionServer) Request(ctx context.Context, request *rawpb.Frame) (*rawpb.Frame, error) {
	response, err := server.handler.Handle(ctx, request.Data)

	if err != nil {
		server.logger.Debug("request failed", zap.Error(err))

		return nil, toStatus(err)
	}

	return &rawpb.Frame{Data: response}, nil
}

func (server *partitionServer) Stream(request *rawpb.Frame, stream grpc.ServerStream) error {
	err := server.handler.Stream(stream.Context(), request.Data, func(data []byte) error {
		return stream.SendMsg(&rawpb.Frame{Data: data})
	})

	if err != nil {
		return toStatus(err)
	}

	return nil
}

// toStatus converts a handler error to a gRPC status. Retryable errors
// carry their delay as a RetryInfo detail.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error()).Err()
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error()).Err()
	}

	if retryAfter, ok := transport.RetryAfter(err); ok {
		return retryStatus(err, retryAfter).Err()
	}

	if errors.Is(err, transport.ErrUnavailable) {
		return status.New(codes.Unavailable, err.Error()).Err()
	}

	return status.Newf(codes.Internal, "could not handle request: %s", err.Error()).Err()
}

func retryStatus(err error, retryAfter time.Duration) *status.Status {
	st := status.New(codes.Unavailable, err.Error())
	detailed, detailErr := st.WithDetails(&errdetails.RetryInfo{RetryDelay: ptypes.DurationProto(retryAfter)})

	if detailErr != nil {
		return st
	}

	return detailed
}
