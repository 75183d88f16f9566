// Package mcp 以 MCP stdio 伺服器暴露協調器的控制操作，工具呼叫經由 gRPC 客戶端轉送。
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ChuLiYu/beaver-mail/internal/control"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

const serverInstructions = "You are connected to a Beaver-Mail inbox orchestrator. " +
	"Use agent_status to see whether the processing cycle is running and how many emails it has handled. " +
	"start_agents and stop_agents control the periodic cycle; both are safe to call repeatedly. " +
	"test_pipeline sends one synthetic email through the analysis pipeline without touching the mailbox. " +
	"queue_stats reports pending, processing, completed and error counts per queue."

// Controller MCP 工具需要的控制操作（server.Client 即為實作）
type Controller interface {
	Start(ctx context.Context, req control.StartRequest) (control.StartResponse, error)
	Stop(ctx context.Context) (control.StartResponse, error)
	Status(ctx context.Context) (types.OrchestratorStatus, error)
	Test(ctx context.Context) (pipeline.Result, error)
	QueueStats(ctx context.Context, queue string) ([]types.QueueStats, error)
}

// Server MCP 伺服器
type Server struct {
	server *mcpserver.MCPServer
	ctrl   Controller
}

// NewServer 建立 MCP 伺服器並註冊所有工具
func NewServer(ctrl Controller, version string) *Server {
	s := &Server{
		server: mcpserver.NewMCPServer(
			"beaver-mail",
			version,
			mcpserver.WithInstructions(serverInstructions),
		),
		ctrl: ctrl,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	startAgents := gomcp.NewTool("start_agents",
		gomcp.WithDescription(
			"Start the periodic inbox processing cycle. Omitted parameters fall back to the configured defaults. "+
				"Calling this while the cycle is already running changes nothing.",
		),
		gomcp.WithString("interval",
			gomcp.Description("Time between cycles, as seconds (\"60\") or a duration (\"90s\", \"5m\")."),
		),
		gomcp.WithNumber("batch_size",
			gomcp.Description("Maximum number of emails analysed per cycle."),
		),
		gomcp.WithBoolean("auto_send_drafts",
			gomcp.Description("Create generated reply drafts in the mailbox instead of only storing them."),
		),
	)
	s.server.AddTool(startAgents, handleStartAgents(s.ctrl))

	stopAgents := gomcp.NewTool("stop_agents",
		gomcp.WithDescription("Request a cooperative stop. A cycle already saving results finishes first."),
	)
	s.server.AddTool(stopAgents, handleStopAgents(s.ctrl))

	agentStatus := gomcp.NewTool("agent_status",
		gomcp.WithDescription("Report running state, current cycle state, uptime, counters and the last error."),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(agentStatus, handleAgentStatus(s.ctrl))

	testPipeline := gomcp.NewTool("test_pipeline",
		gomcp.WithDescription("Send one synthetic email through the analysis pipeline and return its result."),
	)
	s.server.AddTool(testPipeline, handleTestPipeline(s.ctrl))

	queueStats := gomcp.NewTool("queue_stats",
		gomcp.WithDescription("Partition counts for one queue, or for every known queue when no name is given."),
		gomcp.WithString("queue",
			gomcp.Description("Queue name, e.g. \"intake\". Leave empty for all queues."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(queueStats, handleQueueStats(s.ctrl))
}

// MCPServer 回傳底層伺服器（測試與嵌入使用）
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.server
}

// Serve 以 stdio transport 執行，直到輸入結束
func (s *Server) Serve() error {
	log.Info("Serving MCP over stdio")
	return mcpserver.ServeStdio(s.server)
}

func jsonResult(v any) (*gomcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to encode result: " + err.Error()), nil
	}
	return gomcp.NewToolResultText(string(data)), nil
}
