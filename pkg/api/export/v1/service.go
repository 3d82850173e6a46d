package exportv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jamesainslie/plexport/pkg/plexport/protocol"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "plexport.v1.ExportDaemon"

const (
	StartExportMethod     = "/" + ServiceName + "/StartExport"
	ResumeExportMethod    = "/" + ServiceName + "/ResumeExport"
	CancelExportMethod    = "/" + ServiceName + "/CancelExport"
	GetExportStatusMethod = "/" + ServiceName + "/GetExportStatus"
	ListExportsMethod     = "/" + ServiceName + "/ListExports"
	CreateZipMethod       = "/" + ServiceName + "/CreateZip"
	WatchEventsMethod     = "/" + ServiceName + "/WatchEvents"
	GetDaemonStatusMethod = "/" + ServiceName + "/GetDaemonStatus"
	ShutdownMethod        = "/" + ServiceName + "/Shutdown"
)

// ExportDaemonClient is the client API for the ExportDaemon service.
type ExportDaemonClient interface {
	StartExport(ctx context.Context, in *StartExportRequest, opts ...grpc.CallOption) (*StartExportResponse, error)
	ResumeExport(ctx context.Context, in *ResumeExportRequest, opts ...grpc.CallOption) (*ResumeExportResponse, error)
	CancelExport(ctx context.Context, in *CancelExportRequest, opts ...grpc.CallOption) (*CancelExportResponse, error)
	GetExportStatus(ctx context.Context, in *GetExportStatusRequest, opts ...grpc.CallOption) (*ExportStatus, error)
	ListExports(ctx context.Context, in *ListExportsRequest, opts ...grpc.CallOption) (*ListExportsResponse, error)
	CreateZip(ctx context.Context, in *CreateZipRequest, opts ...grpc.CallOption) (*CreateZipResponse, error)
	WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[protocol.Event], error)
	GetDaemonStatus(ctx context.Context, in *GetDaemonStatusRequest, opts ...grpc.CallOption) (*DaemonStatus, error)
	Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error)
}

type exportDaemonClient struct {
	cc grpc.ClientConnInterface
}

// NewExportDaemonClient wraps a connection. Every call uses the JSON codec.
func NewExportDaemonClient(cc grpc.ClientConnInterface) ExportDaemonClient {
	return &exportDaemonClient{cc: cc}
}

func invoke[Req, Res any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Res, error) {
	out := new(Res)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *exportDaemonClient) StartExport(ctx context.Context, in *StartExportRequest, opts ...grpc.CallOption) (*StartExportResponse, error) {
	return invoke[StartExportRequest, StartExportResponse](ctx, c.cc, StartExportMethod, in, opts)
}

func (c *exportDaemonClient) ResumeExport(ctx context.Context, in *ResumeExportRequest, opts ...grpc.CallOption) (*ResumeExportResponse, error) {
	return invoke[ResumeExportRequest, ResumeExportResponse](ctx, c.cc, ResumeExportMethod, in, opts)
}

func (c *exportDaemonClient) CancelExport(ctx context.Context, in *CancelExportRequest, opts ...grpc.CallOption) (*CancelExportResponse, error) {
	return invoke[CancelExportRequest, CancelExportResponse](ctx, c.cc, CancelExportMethod, in, opts)
}

func (c *exportDaemonClient) GetExportStatus(ctx context.Context, in *GetExportStatusRequest, opts ...grpc.CallOption) (*ExportStatus, error) {
	return invoke[GetExportStatusRequest, ExportStatus](ctx, c.cc, GetExportStatusMethod, in, opts)
}

func (c *exportDaemonClient) ListExports(ctx context.Context, in *ListExportsRequest, opts ...grpc.CallOption) (*ListExportsResponse, error) {
	return invoke[ListExportsRequest, ListExportsResponse](ctx, c.cc, ListExportsMethod, in, opts)
}

func (c *exportDaemonClient) CreateZip(ctx context.Context, in *CreateZipRequest, opts ...grpc.CallOption) (*CreateZipResponse, error) {
	return invoke[CreateZipRequest, CreateZipResponse](ctx, c.cc, CreateZipMethod, in, opts)
}

func (c *exportDaemonClient) GetDaemonStatus(ctx context.Context, in *GetDaemonStatusRequest, opts ...grpc.CallOption) (*DaemonStatus, error) {
	return invoke[GetDaemonStatusRequest, DaemonStatus](ctx, c.cc, GetDaemonStatusMethod, in, opts)
}

func (c *exportDaemonClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error) {
	return invoke[ShutdownRequest, ShutdownResponse](ctx, c.cc, ShutdownMethod, in, opts)
}

func (c *exportDaemonClient) WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[protocol.Event], error) {
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], WatchEventsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchEventsRequest, protocol.Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// ExportDaemonServer is the server API for the ExportDaemon service.
// Implementations must embed UnimplementedExportDaemonServer.
type ExportDaemonServer interface {
	StartExport(context.Context, *StartExportRequest) (*StartExportResponse, error)
	ResumeExport(context.Context, *ResumeExportRequest) (*ResumeExportResponse, error)
	CancelExport(context.Context, *CancelExportRequest) (*CancelExportResponse, error)
	GetExportStatus(context.Context, *GetExportStatusRequest) (*ExportStatus, error)
	ListExports(context.Context, *ListExportsRequest) (*ListExportsResponse, error)
	CreateZip(context.Context, *CreateZipRequest) (*CreateZipResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[protocol.Event]) error
	GetDaemonStatus(context.Context, *GetDaemonStatusRequest) (*DaemonStatus, error)
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
	mustEmbedUnimplementedExportDaemonServer()
}

// UnimplementedExportDaemonServer answers every call with codes.Unimplemented.
type UnimplementedExportDaemonServer struct{}

func (UnimplementedExportDaemonServer) StartExport(context.Context, *StartExportRequest) (*StartExportResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method StartExport not implemented")
}

func (UnimplementedExportDaemonServer) ResumeExport(context.Context, *ResumeExportRequest) (*ResumeExportResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ResumeExport not implemented")
}

func (UnimplementedExportDaemonServer) CancelExport(context.Context, *CancelExportRequest) (*CancelExportResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelExport not implemented")
}

func (UnimplementedExportDaemonServer) GetExportStatus(context.Context, *GetExportStatusRequest) (*ExportStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method GetExportStatus not implemented")
}

func (UnimplementedExportDaemonServer) ListExports(context.Context, *ListExportsRequest) (*ListExportsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListExports not implemented")
}

func (UnimplementedExportDaemonServer) CreateZip(context.Context, *CreateZipRequest) (*CreateZipResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateZip not implemented")
}

func (UnimplementedExportDaemonServer) WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[protocol.Event]) error {
	return status.Error(codes.Unimplemented, "method WatchEvents not implemented")
}

func (UnimplementedExportDaemonServer) GetDaemonStatus(context.Context, *GetDaemonStatusRequest) (*DaemonStatus, error) {
	return nil, status.Error(codes.Unimplemented, "method GetDaemonStatus not implemented")
}

func (UnimplementedExportDaemonServer) Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Shutdown not implemented")
}

func (UnimplementedExportDaemonServer) mustEmbedUnimplementedExportDaemonServer() {}

// RegisterExportDaemonServer registers srv on s.
func RegisterExportDaemonServer(s grpc.ServiceRegistrar, srv ExportDaemonServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts a typed server method to a grpc.MethodDesc handler.
func unary[Req, Res any](method string, call func(ExportDaemonServer, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExportDaemonServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ExportDaemonServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExportDaemonServer).WatchEvents(in, &grpc.GenericServerStream[WatchEventsRequest, protocol.Event]{ServerStream: stream})
}

// ServiceDesc describes the ExportDaemon service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExportDaemonServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartExport", Handler: unary(StartExportMethod, ExportDaemonServer.StartExport)},
		{MethodName: "ResumeExport", Handler: unary(ResumeExportMethod, ExportDaemonServer.ResumeExport)},
		{MethodName: "CancelExport", Handler: unary(CancelExportMethod, ExportDaemonServer.CancelExport)},
		{MethodName: "GetExportStatus", Handler: unary(GetExportStatusMethod, ExportDaemonServer.GetExportStatus)},
		{MethodName: "ListExports", Handler: unary(ListExportsMethod, ExportDaemonServer.ListExports)},
		{MethodName: "CreateZip", Handler: unary(CreateZipMethod, ExportDaemonServer.CreateZip)},
		{MethodName: "GetDaemonStatus", Handler: unary(GetDaemonStatusMethod, ExportDaemonServer.GetDaemonStatus)},
		{MethodName: "Shutdown", Handler: unary(ShutdownMethod, ExportDaemonServer.Shutdown)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "plexport/v1/export",
}
