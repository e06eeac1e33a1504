// Package storageservice exposes a StorageServer over gRPC. Requests and
// responses are structpb.Struct messages; every response carries the
// handler's success flag and message. GetData streams the raw pages of a
// set as BytesValue messages.
package storageservice

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	storageserver "github.com/sushant-115/pagestore/core/storage_engine/storage_server"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

const ServiceName = "pagestore.StorageService"

// Header metadata keys sent ahead of the GetData stream.
const (
	HeaderPageCount = "x-pagestore-page-count"
	HeaderPageSize  = "x-pagestore-page-size"
)

// Service adapts a StorageServer to gRPC.
type Service struct {
	storage *storageserver.StorageServer
	logger  *zap.Logger
	// onShutdown runs after a successful Shutdown request.
	onShutdown func()
}

func NewService(storage *storageserver.StorageServer, logger *zap.Logger, onShutdown func()) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{storage: storage, logger: logger.Named("storage_service"), onShutdown: onShutdown}
}

// storageServiceServer is the handler type the service descriptor checks.
type storageServiceServer interface {
	Register(s *grpc.Server)
}

// Register attaches the service to s.
func (svc *Service) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, svc)
}

type unaryFunc func(svc *Service, ctx context.Context, a *args) (storageserver.Result, map[string]*structpb.Value)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				svc := srv.(*Service)
				a := newArgs(req.(*structpb.Struct))
				res, extra := fn(svc, ctx, a)
				if a.err != nil {
					return nil, status.Error(codes.InvalidArgument, a.err.Error())
				}
				return resultStruct(res, extra), nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// guard skips fn when argument decoding already failed.
func guard(a *args, fn func() storageserver.Result) storageserver.Result {
	if a.err != nil {
		return storageserver.Result{}
	}
	return fn()
}

func setKey(a *args) pagemanager.SetKey {
	return pagemanager.SetKey{
		DatabaseID: pagemanager.DatabaseID(a.optUint("database_id")),
		TypeID:     pagemanager.TypeID(a.optUint("type_id")),
		SetID:      pagemanager.SetID(a.uint("set_id")),
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*storageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddDatabase", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db := a.str("database")
			return guard(a, func() storageserver.Result { return svc.storage.AddDatabase(db) }), nil
		}),
		unary("RemoveDatabase", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db := a.str("database")
			return guard(a, func() storageserver.Result { return svc.storage.RemoveDatabase(db) }), nil
		}),
		unary("AddSet", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db, typ, set := a.str("database"), a.optStr("type"), a.str("set")
			return guard(a, func() storageserver.Result { return svc.storage.AddSet(db, typ, set) }), nil
		}),
		unary("ClearSet", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db, typ, set := a.str("database"), a.optStr("type"), a.str("set")
			return guard(a, func() storageserver.Result { return svc.storage.ClearSet(db, typ, set) }), nil
		}),
		unary("RemoveUserSet", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db, typ, set := a.str("database"), a.optStr("type"), a.str("set")
			return guard(a, func() storageserver.Result { return svc.storage.RemoveUserSet(db, typ, set) }), nil
		}),
		unary("AddTempSet", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			name := a.str("set")
			var id pagemanager.SetID
			res := guard(a, func() (r storageserver.Result) { id, r = svc.storage.AddTempSet(name); return })
			return res, map[string]*structpb.Value{"set_id": num(id)}
		}),
		unary("RemoveTempSet", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			id := pagemanager.SetID(a.uint("set_id"))
			return guard(a, func() storageserver.Result { return svc.storage.RemoveTempSet(id) }), nil
		}),
		unary("AddData", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db, set, objects := a.str("database"), a.str("set"), a.blobs("objects")
			return guard(a, func() storageserver.Result { return svc.storage.AddData(db, set, objects) }), nil
		}),
		unary("AddObject", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db, set, obj := a.str("database"), a.str("set"), a.blob("object")
			var id pagemanager.PageID
			res := guard(a, func() (r storageserver.Result) { id, r = svc.storage.AddObject(db, set, obj); return })
			return res, map[string]*structpb.Value{"page_id": num(id)}
		}),
		unary("PinPage", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			key, page, isNew := setKey(a), pagemanager.PageID(a.optUint("page_id")), a.boolean("new")
			var extra map[string]*structpb.Value
			res := guard(a, func() storageserver.Result {
				msg, r := svc.storage.PinPage(key, page, isNew)
				if msg != nil {
					extra = map[string]*structpb.Value{
						"node_id":           num(msg.NodeID),
						"database_id":       num(msg.DatabaseID),
						"type_id":           num(msg.TypeID),
						"set_id":            num(msg.SetID),
						"page_id":           num(msg.PageID),
						"page_size":         num(msg.PageSize),
						"shared_mem_offset": num(msg.SharedMemOffset),
					}
				}
				return r
			})
			return res, extra
		}),
		unary("UnpinPage", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			key, page := setKey(a), pagemanager.PageID(a.uint("page_id"))
			return guard(a, func() storageserver.Result { return svc.storage.UnpinPage(key, page) }), nil
		}),
		unary("GetSetPages", func(svc *Service, ctx context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db, typ, set := a.str("database"), a.optStr("type"), a.str("set")
			var n int
			res := guard(a, func() (r storageserver.Result) { n, r = svc.storage.GetSetPages(ctx, db, typ, set); return })
			return res, map[string]*structpb.Value{"pages": num(n)}
		}),
		unary("ExportSet", func(svc *Service, ctx context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			db, set, path, format := a.str("database"), a.str("set"), a.str("path"), a.optStr("format")
			var extra map[string]*structpb.Value
			res := guard(a, func() storageserver.Result {
				stats, r := svc.storage.ExportSet(ctx, db, set, path, format)
				extra = map[string]*structpb.Value{
					"objects":  num(stats.Objects),
					"pages":    num(stats.Pages),
					"checksum": structpb.NewStringValue(stats.Checksum),
				}
				return r
			})
			return res, extra
		}),
		unary("CopySet", func(svc *Service, _ context.Context, a *args) (storageserver.Result, map[string]*structpb.Value) {
			dbIn, setIn, dbOut, setOut := a.str("database"), a.str("set"), a.str("target_database"), a.str("target_set")
			var n int
			res := guard(a, func() (r storageserver.Result) { n, r = svc.storage.CopySet(dbIn, setIn, dbOut, setOut); return })
			return res, map[string]*structpb.Value{"objects": num(n)}
		}),
		unary("Cleanup", func(svc *Service, ctx context.Context, _ *args) (storageserver.Result, map[string]*structpb.Value) {
			return svc.storage.Cleanup(ctx), nil
		}),
		unary("Shutdown", func(svc *Service, ctx context.Context, _ *args) (storageserver.Result, map[string]*structpb.Value) {
			res := svc.storage.Shutdown(ctx)
			if res.Success && svc.onShutdown != nil {
				go svc.onShutdown()
			}
			return res, nil
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetData",
			Handler:       getDataHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pagestore/storage_service",
}

// getDataHandler sends the set's page count and page size as header
// metadata, then one BytesValue per page. A read that fails before the
// header is reported as a FailedPrecondition status carrying the handler
// message.
func getDataHandler(srv any, stream grpc.ServerStream) error {
	svc := srv.(*Service)
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	a := newArgs(in)
	db, set := a.str("database"), a.str("set")
	if a.err != nil {
		return status.Error(codes.InvalidArgument, a.err.Error())
	}

	sink := &streamSink{stream: stream}
	res := svc.storage.GetData(db, set, sink)
	if sink.sendErr != nil {
		svc.logger.Warn("GetData stream aborted", zap.String("database", db), zap.String("set", set), zap.Error(sink.sendErr))
		return sink.sendErr
	}
	if !res.Success {
		return status.Error(codes.FailedPrecondition, res.Message)
	}
	return nil
}

// streamSink forwards GetData pages to a gRPC stream. SendMsg marshals
// the page before it returns, so the pin may be dropped right after.
type streamSink struct {
	stream  grpc.ServerStream
	sendErr error
}

func (s *streamSink) Begin(pages, pageSize int) error {
	s.sendErr = s.stream.SendHeader(metadata.Pairs(
		HeaderPageCount, strconv.Itoa(pages),
		HeaderPageSize, strconv.Itoa(pageSize),
	))
	return s.sendErr
}

func (s *streamSink) Page(raw []byte) error {
	s.sendErr = s.stream.SendMsg(wrapperspb.Bytes(raw))
	return s.sendErr
}
