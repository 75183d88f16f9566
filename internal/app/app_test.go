package app

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-mail/internal/config"
	"github.com/ChuLiYu/beaver-mail/internal/mailbox"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/internal/server"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Queue.Backend = config.QueueBackendMemory
	cfg.Mailbox.Backend = config.MailboxBackendMemory
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "data", "beaver.db")
	return cfg
}

func echoPipeline() pipeline.Pipeline {
	return pipeline.Func(func(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
		var res pipeline.Result
		for _, msg := range req.Messages {
			res.Results = append(res.Results, pipeline.MessageResult{
				MessageID:      msg.ID,
				Classification: pipeline.Classification{Category: "general", Priority: 3, Confidence: 0.8},
				Context:        pipeline.Context{Summary: "summary of " + msg.Subject},
				Strategy:       pipeline.Strategy{Approach: "acknowledge"},
				Draft:          &pipeline.DraftReply{Subject: "Re: " + msg.Subject, Body: "Thanks!", Confidence: 0.7},
			})
		}
		return res, nil
	})
}

func startApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNewRequiresPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Endpoint = ""

	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNoPipeline)
}

func TestNewBuildsHTTPPipelineFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Endpoint = "http://127.0.0.1:1/process"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestEndToEndCycle(t *testing.T) {
	mb := mailbox.NewMemory(types.Message{
		ID:         "m1",
		From:       "alice@example.com",
		Subject:    "Quarterly report",
		Body:       "Can you review?",
		ReceivedAt: time.Now(),
	})
	cfg := testConfig(t)
	cfg.Orchestrator.AutoSendDrafts = true
	a := startApp(t, cfg, WithPipeline(echoPipeline()), WithMailbox(mb))

	ctx := context.Background()
	require.NoError(t, a.Orchestrator.RunCycle(ctx))

	assert.True(t, mb.IsRead("m1"))
	require.Len(t, mb.Drafts(), 1)

	analyses, err := a.Store.ListAnalyses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, analyses, 1)
	assert.Equal(t, types.ItemID("m1"), analyses[0].MessageID)

	stats, err := a.Queues.Stats(ctx, a.cfg.Orchestrator.Queue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)

	client, conn, err := server.Dial(a.GRPCAddr())
	require.NoError(t, err)
	defer conn.Close()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Stats.Processed)
	assert.Equal(t, int64(1), status.Stats.Drafted)
}

func TestHTTPSurfaces(t *testing.T) {
	a := startApp(t, testConfig(t), WithPipeline(echoPipeline()))

	resp, err := http.Get("http://" + a.HTTPAddr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Post("http://"+a.HTTPAddr()+"/api/agents/start", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var body struct {
		Changed bool `json:"changed"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.True(t, body.Changed)
	assert.True(t, a.Orchestrator.Status().Running)
}

func TestAutostart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.Autostart = true
	a := startApp(t, cfg, WithPipeline(echoPipeline()))

	assert.True(t, a.Orchestrator.Status().Running)
}

func TestShutdownIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), WithPipeline(echoPipeline()))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Error(t, a.Start(context.Background()))
}

func TestQueueSnapshotSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.SnapshotPath = filepath.Join(t.TempDir(), "queues.json")
	ctx := context.Background()

	first, err := New(ctx, cfg, WithPipeline(echoPipeline()))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Queues.Enqueue(ctx, "manual", "m1"))
	require.NoError(t, first.Queues.Enqueue(ctx, "manual", "m2"))
	require.NoError(t, first.Shutdown(ctx))

	second, err := New(ctx, cfg, WithPipeline(echoPipeline()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })

	stats, err := second.Queues.Stats(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
}
