package mcp

import (
	"context"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ChuLiYu/beaver-mail/internal/control"
)

func handleStartAgents(ctrl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		in := control.StartRequest{
			Interval:  req.GetString("interval", ""),
			BatchSize: req.GetInt("batch_size", 0),
		}
		if args := req.GetArguments(); args != nil {
			if _, ok := args["auto_send_drafts"]; ok {
				v := req.GetBool("auto_send_drafts", false)
				in.AutoSendDrafts = &v
			}
		}
		if _, err := in.Options(); err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}

		resp, err := ctrl.Start(ctx, in)
		if err != nil {
			log.Warn("start_agents failed", "error", err)
			return gomcp.NewToolResultError("failed to start agents: " + err.Error()), nil
		}
		return jsonResult(resp)
	}
}

func handleStopAgents(ctrl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resp, err := ctrl.Stop(ctx)
		if err != nil {
			log.Warn("stop_agents failed", "error", err)
			return gomcp.NewToolResultError("failed to stop agents: " + err.Error()), nil
		}
		return jsonResult(resp)
	}
}

func handleAgentStatus(ctrl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		status, err := ctrl.Status(ctx)
		if err != nil {
			return gomcp.NewToolResultError("failed to read status: " + err.Error()), nil
		}
		return jsonResult(status)
	}
}

func handleTestPipeline(ctrl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		result, err := ctrl.Test(ctx)
		if err != nil {
			return gomcp.NewToolResultError("pipeline test failed: " + err.Error()), nil
		}
		return jsonResult(map[string]any{"success": true, "result": result})
	}
}

func handleQueueStats(ctrl Controller) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		stats, err := ctrl.QueueStats(ctx, req.GetString("queue", ""))
		if err != nil {
			return gomcp.NewToolResultError("failed to read queue stats: " + err.Error()), nil
		}
		if len(stats) == 0 {
			return gomcp.NewToolResultText("No queues have been used yet."), nil
		}
		return jsonResult(stats)
	}
}
