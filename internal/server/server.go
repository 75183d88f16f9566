// ============================================================================
// Beaver-Mail gRPC 控制服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: beavermail.control.v1.ControlService 的服務描述、實作與客戶端
//
// 訊息格式:
//   - 請求 / 回覆都是 protobuf well-known types（structpb.Struct、emptypb.Empty）
//   - 內容與 REST 介面的 JSON 相同，因此不需要 protoc 產生的程式碼
//
// 方法:
//   Start(Struct{interval, batch_size, auto_send_drafts}) → Struct{changed, status}
//   Stop(Empty)                                          → Struct{changed, status}
//   Status(Empty)                                        → Struct(status)
//   Test(Empty)                                          → Struct{success, result}
//   QueueStats(Struct{queue})                            → Struct{queues: [...]}
//   Enqueue(Struct{queue, ids})                          → Struct{enqueued}
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-mail/internal/control"
	"github.com/ChuLiYu/beaver-mail/internal/workqueue"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

// ServiceName 完整的 gRPC 服務名稱
const ServiceName = "beavermail.control.v1.ControlService"

// ControlServer 控制服務的伺服器端介面
type ControlServer interface {
	Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stop(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Status(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Test(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	QueueStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

func unaryHandler[Req proto.Message](method string, newReq func() Req,
	call func(ControlServer, context.Context, Req) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(Req))
		})
	}
}

// ServiceDesc 控制服務描述，供 grpc.ServiceRegistrar 註冊
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unaryHandler("Start", newStruct, ControlServer.Start)},
		{MethodName: "Stop", Handler: unaryHandler("Stop", newEmpty, ControlServer.Stop)},
		{MethodName: "Status", Handler: unaryHandler("Status", newEmpty, ControlServer.Status)},
		{MethodName: "Test", Handler: unaryHandler("Test", newEmpty, ControlServer.Test)},
		{MethodName: "QueueStats", Handler: unaryHandler("QueueStats", newStruct, ControlServer.QueueStats)},
		{MethodName: "Enqueue", Handler: unaryHandler("Enqueue", newStruct, ControlServer.Enqueue)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beavermail/control/v1/control.proto",
}

// RegisterControlServer 將實作註冊到 gRPC server
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ============================================================================
// 服務實作
// ============================================================================

// Enqueuer 佇列寫入操作
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, itemID types.ItemID) error
}

// Server ControlService 的實作，委派給協調器與佇列服務
type Server struct {
	agents   control.Agents
	queues   control.Queues
	enqueuer Enqueuer
}

var _ ControlServer = (*Server)(nil)

// NewServer 建立控制服務；queues / enqueuer 為 nil 時對應方法回覆 Unavailable
func NewServer(agents control.Agents, queues control.Queues, enqueuer Enqueuer) *Server {
	return &Server{agents: agents, queues: queues, enqueuer: enqueuer}
}

func (s *Server) Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in control.StartRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode start request: %v", err)
	}
	opts, err := in.Options()
	if err != nil {
		return nil, toStatus(err)
	}
	changed := s.agents.Start(opts)
	log.Info("Start requested over gRPC", "changed", changed)
	return toStruct(control.StartResponse{Changed: changed, Status: s.agents.Status()})
}

func (s *Server) Stop(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	changed := s.agents.Stop()
	log.Info("Stop requested over gRPC", "changed", changed)
	return toStruct(control.StartResponse{Changed: changed, Status: s.agents.Status()})
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.agents.Status())
}

func (s *Server) Test(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	result, err := s.agents.Test(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return toStruct(map[string]any{"success": true, "result": result})
}

func (s *Server) QueueStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.queues == nil {
		return nil, status.Error(codes.Unavailable, "queue service unavailable")
	}
	var in struct {
		Queue string `json:"queue"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode queue stats request: %v", err)
	}

	var all []types.QueueStats
	if in.Queue != "" {
		stats, err := s.queues.Stats(ctx, in.Queue)
		if err != nil {
			return nil, toStatus(err)
		}
		all = []types.QueueStats{stats}
	} else {
		var err error
		if all, err = s.queues.StatsAll(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return toStruct(map[string]any{"queues": all})
}

func (s *Server) Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.enqueuer == nil {
		return nil, status.Error(codes.Unavailable, "queue service unavailable")
	}
	var in struct {
		Queue string   `json:"queue"`
		IDs   []string `json:"ids"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode enqueue request: %v", err)
	}
	if len(in.IDs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "ids must not be empty")
	}

	enqueued := 0
	for _, id := range in.IDs {
		if err := s.enqueuer.Enqueue(ctx, in.Queue, types.ItemID(id)); err != nil {
			return nil, toStatus(fmt.Errorf("enqueue %s after %d items: %w", id, enqueued, err))
		}
		enqueued++
	}
	return toStruct(map[string]any{"queue": in.Queue, "enqueued": enqueued})
}

// ============================================================================
// 轉換
// ============================================================================

func toStatus(err error) error {
	switch {
	case errors.Is(err, control.ErrBadRequest), errors.Is(err, workqueue.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct 經由 JSON 把任意值轉成 structpb.Struct
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// fromStruct 經由 JSON 把 structpb.Struct 解回 Go 值；nil 視為空物件
func fromStruct(s *structpb.Struct, dst any) error {
	if s == nil || len(s.GetFields()) == 0 {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
