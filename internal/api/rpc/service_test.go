package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/ElectrometerCSC/internal/auth"
	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubDispatcher struct {
	ack    bus.Ack
	name   string
	params map[string]any
}

func (d *stubDispatcher) Dispatch(_ context.Context, name string, params map[string]any) bus.Ack {
	d.name = name
	d.params = params
	ack := d.ack
	ack.Command = name
	return ack
}

func startServer(d Dispatcher, broker *bus.Broker, jwt *auth.JWTHandler) (*Client, func()) {
	lis := bufconn.Listen(1 << 20)
	server := NewServer(NewService(d, broker, zap.NewNop()), jwt)
	go server.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	So(err, ShouldBeNil)

	return NewClient(conn), func() {
		conn.Close()
		server.Stop()
	}
}

func TestCodeFor(t *testing.T) {
	Convey("Bus error codes map onto gRPC codes", t, func() {
		So(CodeFor(""), ShouldEqual, codes.OK)
		So(CodeFor(types.CodeInvalidArgument), ShouldEqual, codes.InvalidArgument)
		So(CodeFor(types.CodeConfigurationInvalid), ShouldEqual, codes.InvalidArgument)
		So(CodeFor(types.CodeInvalidSubstate), ShouldEqual, codes.FailedPrecondition)
		So(CodeFor(types.CodeInvalidSummaryState), ShouldEqual, codes.FailedPrecondition)
		So(CodeFor(types.CodeTransportTimeout), ShouldEqual, codes.DeadlineExceeded)
		So(CodeFor(types.CodeTransportClosed), ShouldEqual, codes.Unavailable)
		So(CodeFor(types.CodePartialScan), ShouldEqual, codes.DataLoss)
		So(CodeFor(types.CodeInternal), ShouldEqual, codes.Internal)
	})
}

func TestBusService(t *testing.T) {
	ctx := context.Background()

	Convey("Given a Bus service over bufconn", t, func() {
		d := &stubDispatcher{ack: bus.Ack{ID: "a1", Ack: bus.AckComplete, Result: map[string]any{"scanId": "s1"}}}
		broker := bus.NewBroker(zap.NewNop())
		client, stop := startServer(d, broker, nil)
		defer stop()

		Convey("Command dispatches and returns the ack", func() {
			out, err := client.Command(ctx, bus.CommandStartScanDt, map[string]any{"scanDuration": 2.0})
			So(err, ShouldBeNil)
			So(d.name, ShouldEqual, bus.CommandStartScanDt)
			So(d.params["scanDuration"], ShouldEqual, 2.0)

			m := out.AsMap()
			So(m["ack"], ShouldEqual, bus.AckComplete)
			So(m["command"], ShouldEqual, bus.CommandStartScanDt)
			So(m["result"].(map[string]any)["scanId"], ShouldEqual, "s1")
		})

		Convey("A failed ack becomes a status carrying the ack", func() {
			d.ack = bus.Ack{ID: "a2", Ack: bus.AckFailed, ErrorCode: types.CodeInvalidSubstate, Error: "busy"}

			_, err := client.Command(ctx, bus.CommandSetRange, map[string]any{"setRange": 0.1})
			st, ok := status.FromError(err)
			So(ok, ShouldBeTrue)
			So(st.Code(), ShouldEqual, codes.FailedPrecondition)
			So(st.Message(), ShouldEqual, "busy")

			details := st.Details()
			So(details, ShouldHaveLength, 1)
			ack := details[0].(*structpb.Struct).AsMap()
			So(ack["error_code"], ShouldEqual, types.CodeInvalidSubstate)
		})

		Convey("A command without a name is rejected", func() {
			_, err := client.Command(ctx, "", nil)
			So(status.Code(err), ShouldEqual, codes.InvalidArgument)
		})

		Convey("Events streams the subscribed events", func() {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			stream, err := client.Events(sctx, []string{bus.EventIntensity})
			So(err, ShouldBeNil)

			// The subscription is made server side after the request
			// arrives, so keep publishing until something comes through.
			go func() {
				ticker := time.NewTicker(10 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-sctx.Done():
						return
					case <-ticker.C:
						broker.Publish(ctx, bus.NewEvent(1, bus.EventSummaryState, nil))
						broker.Publish(ctx, bus.NewEvent(1, bus.EventIntensity, map[string]any{"intensity": 1e-9}))
					}
				}
			}()

			e, err := stream.Recv()
			So(err, ShouldBeNil)
			m := e.AsMap()
			So(m["name"], ShouldEqual, bus.EventIntensity)
			So(m["index"], ShouldEqual, 1.0)
			So(m["data"].(map[string]any)["intensity"], ShouldEqual, 1e-9)
		})
	})

	Convey("Given a Bus service requiring tokens", t, func() {
		jwt := auth.NewJWTHandler("s3cret", time.Hour)
		d := &stubDispatcher{ack: bus.Ack{Ack: bus.AckComplete}}
		client, stop := startServer(d, bus.NewBroker(zap.NewNop()), jwt)
		defer stop()

		withToken := func(token string) context.Context {
			return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		}

		_, err := client.Command(ctx, bus.CommandStart, nil)
		So(status.Code(err), ShouldEqual, codes.Unauthenticated)

		observer, _ := jwt.GenerateToken("obs", auth.RoleObserver)
		_, err = client.Command(withToken(observer), bus.CommandStart, nil)
		So(status.Code(err), ShouldEqual, codes.PermissionDenied)

		operator, _ := jwt.GenerateToken("op", auth.RoleOperator)
		_, err = client.Command(withToken(operator), bus.CommandStart, nil)
		So(err, ShouldBeNil)
		So(d.name, ShouldEqual, bus.CommandStart)
	})
}
