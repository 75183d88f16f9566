package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-mail/internal/control"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

// Client ControlService 的型別化客戶端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 包裝既有連線
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial 以 insecure credentials 連到 addr；呼叫端負責關閉回傳的連線
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, in any, out any) error {
	reply := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply); err != nil {
		return err
	}
	if err := fromStruct(reply, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

func (c *Client) Start(ctx context.Context, req control.StartRequest) (control.StartResponse, error) {
	in, err := toStruct(req)
	if err != nil {
		return control.StartResponse{}, err
	}
	var out control.StartResponse
	err = c.invoke(ctx, "Start", in, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context) (control.StartResponse, error) {
	var out control.StartResponse
	err := c.invoke(ctx, "Stop", &emptypb.Empty{}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (types.OrchestratorStatus, error) {
	var out types.OrchestratorStatus
	err := c.invoke(ctx, "Status", &emptypb.Empty{}, &out)
	return out, err
}

func (c *Client) Test(ctx context.Context) (pipeline.Result, error) {
	var out struct {
		Result pipeline.Result `json:"result"`
	}
	err := c.invoke(ctx, "Test", &emptypb.Empty{}, &out)
	return out.Result, err
}

// QueueStats queue 為空字串時回傳所有已知佇列
func (c *Client) QueueStats(ctx context.Context, queue string) ([]types.QueueStats, error) {
	in, err := structpb.NewStruct(map[string]any{"queue": queue})
	if err != nil {
		return nil, err
	}
	var out struct {
		Queues []types.QueueStats `json:"queues"`
	}
	err = c.invoke(ctx, "QueueStats", in, &out)
	return out.Queues, err
}

// Enqueue 回傳實際加入的數量；發生錯誤時之前的項目仍保留在佇列中
func (c *Client) Enqueue(ctx context.Context, queue string, ids ...string) (int, error) {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	in, err := structpb.NewStruct(map[string]any{"queue": queue, "ids": list})
	if err != nil {
		return 0, err
	}
	var out struct {
		Enqueued int `json:"enqueued"`
	}
	err = c.invoke(ctx, "Enqueue", in, &out)
	return out.Enqueued, err
}
