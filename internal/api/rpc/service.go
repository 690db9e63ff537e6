package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/KevinKickass/ElectrometerCSC/internal/auth"
	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dispatcher runs bus commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any) bus.Ack
}

type Service struct {
	dispatcher Dispatcher
	broker     *bus.Broker
	logger     *zap.Logger
}

func NewService(dispatcher Dispatcher, broker *bus.Broker, logger *zap.Logger) *Service {
	return &Service{
		dispatcher: dispatcher,
		broker:     broker,
		logger:     logger.Named("rpc"),
	}
}

// NewServer builds a gRPC server exposing s. A nil jwt disables auth.
func NewServer(s *Service, jwt *auth.JWTHandler) *grpc.Server {
	var opts []grpc.ServerOption
	if jwt != nil {
		opts = append(opts,
			grpc.UnaryInterceptor(unaryAuth(jwt)),
			grpc.StreamInterceptor(streamAuth(jwt)))
	}
	server := grpc.NewServer(opts...)
	RegisterBusServer(server, s)
	return server
}

// CodeFor maps a bus error code to a gRPC status code.
func CodeFor(code string) codes.Code {
	switch code {
	case "":
		return codes.OK
	case types.CodeInvalidArgument, types.CodeConfigurationInvalid:
		return codes.InvalidArgument
	case types.CodeInvalidSubstate, types.CodeInvalidSummaryState:
		return codes.FailedPrecondition
	case types.CodeTransportTimeout:
		return codes.DeadlineExceeded
	case types.CodeTransportClosed, types.CodeNotConnected:
		return codes.Unavailable
	case types.CodePartialScan:
		return codes.DataLoss
	case types.CodeNotImplemented:
		return codes.Unimplemented
	}
	return codes.Internal
}

// Command dispatches {"name", "params"}. A failed ack becomes a status error
// carrying the ack as its detail.
func (s *Service) Command(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := in.GetFields()["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "missing command name")
	}
	params := in.GetFields()["params"].GetStructValue().AsMap()

	ack := s.dispatcher.Dispatch(ctx, name, params)

	out, err := toStruct(ack)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode ack: %v", err)
	}
	if ack.OK() {
		return out, nil
	}

	st, err := status.New(CodeFor(ack.ErrorCode), ack.Error).WithDetails(out)
	if err != nil {
		return nil, status.Error(CodeFor(ack.ErrorCode), ack.Error)
	}
	return nil, st.Err()
}

// Events streams bus events until the client goes away.
func (s *Service) Events(in *structpb.Struct, stream grpc.ServerStream) error {
	var names []string
	for _, v := range in.GetFields()["events"].GetListValue().GetValues() {
		if n := v.GetStringValue(); n != "" {
			names = append(names, n)
		}
	}

	ch := s.broker.Subscribe(256, names...)
	defer s.broker.Unsubscribe(ch)

	s.logger.Info("Event stream opened", zap.Strings("events", names))
	defer s.logger.Info("Event stream closed")

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := toStruct(e)
			if err != nil {
				s.logger.Warn("Failed to encode event", zap.String("event", e.Name), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// toStruct converts through JSON so struct tags and nested values line up
// with what the HTTP side returns.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func authorize(ctx context.Context, jwt *auth.JWTHandler, required auth.Permission) error {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token, ok := auth.BearerToken(values[0])
	if !ok {
		return status.Error(codes.Unauthenticated, "malformed authorization metadata")
	}
	if _, err := jwt.Authorize(token, required); err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			return status.Error(codes.PermissionDenied, err.Error())
		}
		return status.Error(codes.Unauthenticated, err.Error())
	}
	return nil
}

func unaryAuth(jwt *auth.JWTHandler) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authorize(ctx, jwt, auth.PermCommand); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func streamAuth(jwt *auth.JWTHandler) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorize(ss.Context(), jwt, auth.PermObserve); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
