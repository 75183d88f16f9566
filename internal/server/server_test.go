package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-mail/internal/control"
	"github.com/ChuLiYu/beaver-mail/internal/orchestrator"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/internal/queuestore"
	"github.com/ChuLiYu/beaver-mail/internal/workqueue"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

type fakeAgents struct {
	mu      sync.Mutex
	running bool
	last    orchestrator.StartOptions
	testErr error
}

func (f *fakeAgents) Start(opts orchestrator.StartOptions) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return false
	}
	f.running, f.last = true, opts
	return true
}

func (f *fakeAgents) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.running
	f.running = false
	return was
}

func (f *fakeAgents) Status() types.OrchestratorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.OrchestratorStatus{
		Running:   f.running,
		State:     types.StatusIdle,
		Stats:     types.CycleStats{Processed: 7, Drafted: 2, Errors: 1},
		Interval:  "1m0s",
		BatchSize: 10,
	}
}

func (f *fakeAgents) Test(context.Context) (pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.testErr != nil {
		return pipeline.Result{}, f.testErr
	}
	return pipeline.Result{Results: []pipeline.MessageResult{{
		MessageID:      "test-1",
		Classification: pipeline.Classification{Category: "support", Priority: 3, Confidence: 0.9},
	}}}, nil
}

func newTestClient(t *testing.T) (*Client, *fakeAgents, *workqueue.Service) {
	t.Helper()
	store := queuestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	queues := workqueue.New(store)
	agents := &fakeAgents{}

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterControlServer(gs, NewServer(agents, queues, queues))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return client, agents, queues
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartStopStatus(t *testing.T) {
	client, agents, _ := newTestClient(t)
	ctx := testCtx(t)

	auto := true
	resp, err := client.Start(ctx, control.StartRequest{Interval: "30s", BatchSize: 5, AutoSendDrafts: &auto})
	require.NoError(t, err)
	assert.True(t, resp.Changed)
	assert.True(t, resp.Status.Running)

	agents.mu.Lock()
	last := agents.last
	agents.mu.Unlock()
	assert.Equal(t, 30*time.Second, last.Interval)
	assert.Equal(t, 5, last.BatchSize)
	require.NotNil(t, last.AutoSendDrafts)
	assert.True(t, *last.AutoSendDrafts)

	resp, err = client.Start(ctx, control.StartRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Changed, "already running")

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, st.State)
	assert.Equal(t, int64(7), st.Stats.Processed)
	assert.Equal(t, 10, st.BatchSize)

	resp, err = client.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Changed)
	assert.False(t, resp.Status.Running)
}

func TestStartInvalidArgument(t *testing.T) {
	client, _, _ := newTestClient(t)

	_, err := client.Start(testCtx(t), control.StartRequest{Interval: "later"})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestTestRPC(t *testing.T) {
	client, agents, _ := newTestClient(t)
	ctx := testCtx(t)

	result, err := client.Test(ctx)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "support", result.Results[0].Classification.Category)

	agents.mu.Lock()
	agents.testErr = errors.New("pipeline down")
	agents.mu.Unlock()

	_, err = client.Test(ctx)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestEnqueueAndQueueStats(t *testing.T) {
	client, _, queues := newTestClient(t)
	ctx := testCtx(t)

	n, err := client.Enqueue(ctx, "intake", "m1", "m2", "m3")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok, err := queues.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := client.QueueStats(ctx, "intake")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Pending)
	assert.Equal(t, int64(1), stats[0].Processing)

	all, err := client.QueueStats(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = client.Enqueue(ctx, "", "m4")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Enqueue(ctx, "intake")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUnavailableWithoutQueues(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterControlServer(gs, NewServer(&fakeAgents{}, nil, nil))
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	client, conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer conn.Close()

	_, err = client.QueueStats(testCtx(t), "")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestInterceptorSeesFullMethod(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
	)
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		mu.Lock()
		methods = append(methods, info.FullMethod)
		mu.Unlock()
		return handler(ctx, req)
	}))
	RegisterControlServer(gs, NewServer(&fakeAgents{}, nil, nil))
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	client, conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer conn.Close()

	_, err = client.Status(testCtx(t))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/beavermail.control.v1.ControlService/Status"}, methods)
}
