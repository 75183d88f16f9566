// ============================================================================
// Beaver-Mail CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 提供啟動服務與遠端控制的命令
//
// 命令結構:
//   beaver-mail                    # 根命令
//   ├── run                        # 啟動完整服務（HTTP / WebSocket / gRPC / metrics）
//   ├── status                     # 查詢協調器狀態
//   ├── start                      # 啟動協調器迴圈
//   │   ├── --interval             # 週期間隔（秒數或 duration）
//   │   ├── --batch-size           # 每週期處理數
//   │   └── --auto-send            # 自動派送草稿
//   ├── stop                       # 停止協調器迴圈
//   ├── test                       # 以測試郵件呼叫管線
//   ├── enqueue [ids...]           # 把項目加入工作佇列
//   │   ├── --queue, -q
//   │   └── --file, -f             # JSON 陣列或每行一個 ID
//   ├── queues                     # 佇列統計
//   ├── watch                      # 即時終端畫面（WebSocket）
//   └── mcp                        # 以 stdio 提供 MCP 工具
//
// 全域旗標:
//   --config, -c   設定檔（預設 configs/default.yaml，支援 .yaml / .toml）
//   --addr         gRPC 控制位址；未指定時由設定檔推得
//
// run 命令:
//   1. 載入設定並設定 slog
//   2. app.New 建立所有元件
//   3. app.Start 啟動網路服務
//   4. 等待 SIGINT / SIGTERM
//   5. app.Shutdown 依序關閉
//
// ============================================================================

package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-mail/internal/app"
	"github.com/ChuLiYu/beaver-mail/internal/config"
	"github.com/ChuLiYu/beaver-mail/internal/control"
	"github.com/ChuLiYu/beaver-mail/internal/mcp"
	"github.com/ChuLiYu/beaver-mail/internal/server"
	"github.com/ChuLiYu/beaver-mail/internal/watch"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

const (
	version        = "1.0.0"
	requestTimeout = 10 * time.Second
	// 管線測試可能比一般 RPC 慢
	testTimeout     = 3 * time.Minute
	shutdownTimeout = 30 * time.Second
)

var (
	configFile string
	grpcAddr   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-mail",
		Short: "Beaver-Mail: inbox orchestration for an analysis pipeline",
		Long: `Beaver-Mail watches an inbox and drives an external analysis pipeline with:
- Durable work queues (memory or Redis)
- A single-flight processing cycle with draft dispatch
- Realtime websocket events
- HTTP, gRPC and MCP control surfaces`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "addr", "", "gRPC control address (default: derived from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildTestCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildQueuesCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildMCPCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var autostart bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Beaver-Mail service",
		Long:  "Start the HTTP/websocket API, the gRPC control server, metrics and the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("autostart") {
				cfg.Orchestrator.Autostart = autostart
			}
			setupLogging(cfg, os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg)
		},
	}

	cmd.Flags().BoolVar(&autostart, "autostart", false, "Start the orchestrator loop immediately")
	return cmd
}

func runService(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting Beaver-Mail", "config", configFile, "queue_backend", cfg.Queue.Backend, "mailbox", cfg.Mailbox.Backend)

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start service: %w", err)
	}
	slog.Info("System started successfully", "http", a.HTTPAddr(), "grpc", a.GRPCAddr())

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// setupLogging 依設定安裝預設 slog handler
func setupLogging(cfg *config.Config, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	// 各套件在 init 時取得的 logger 經由 log 套件橋接，需同步門檻
	slog.SetLogLoggerLevel(level)
}

// ============================================================================
// 遠端控制命令
// ============================================================================

// controlAddr 回傳 gRPC 位址；--addr 優先，其次是設定檔
func controlAddr() string {
	if grpcAddr != "" {
		return grpcAddr
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		cfg = config.Default()
	}
	return dialable(cfg.Server.GRPCAddr)
}

// dialable 把 ":50051" 之類的監聽位址轉成可連線的位址
func dialable(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func withClient(timeout time.Duration, fn func(ctx context.Context, c *server.Client) error) error {
	addr := controlAddr()
	client, conn, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, client)
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		Long:  "Display the orchestrator state, counters and queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(requestTimeout, func(ctx context.Context, c *server.Client) error {
				status, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to read status: %w", err)
				}
				stats, err := c.QueueStats(ctx, "")
				if err != nil {
					return fmt.Errorf("failed to read queue stats: %w", err)
				}
				printStatus(cmd.OutOrStdout(), status, stats)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, status types.OrchestratorStatus, queues []types.QueueStats) {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Beaver-Mail System Status                       ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	running := "⏸  Stopped"
	if status.Running {
		running = "▶️  Running"
	}
	fmt.Fprintln(w, "🦫 Orchestrator:")
	fmt.Fprintf(w, "  ├─ Status:      %s\n", running)
	fmt.Fprintf(w, "  ├─ State:       %s\n", status.State)
	fmt.Fprintf(w, "  ├─ Uptime:      %s\n", status.Uptime)
	fmt.Fprintf(w, "  ├─ Interval:    %s\n", status.Interval)
	fmt.Fprintf(w, "  ├─ Batch Size:  %d\n", status.BatchSize)
	fmt.Fprintf(w, "  └─ Auto Send:   %t\n", status.AutoSend)
	if status.LastError != "" {
		fmt.Fprintf(w, "  ⚠️  Last error: %s\n", status.LastError)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Cycle Statistics:")
	fmt.Fprintf(w, "  ├─ ✅ Processed: %d\n", status.Stats.Processed)
	fmt.Fprintf(w, "  ├─ ✉️  Drafted:   %d\n", status.Stats.Drafted)
	fmt.Fprintf(w, "  └─ ❌ Errors:    %d\n", status.Stats.Errors)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📬 Queues:")
	if len(queues) == 0 {
		fmt.Fprintln(w, "  └─ No queues have been used yet")
	}
	for i, q := range queues {
		branch := "├─"
		if i == len(queues)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-12s pending=%d processing=%d completed=%d error=%d\n",
			branch, q.Queue, q.Pending, q.Processing, q.Completed, q.Error)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
}

func buildStartCommand() *cobra.Command {
	var (
		interval  string
		batchSize int
		autoSend  bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the orchestrator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := control.StartRequest{Interval: interval, BatchSize: batchSize}
			if cmd.Flags().Changed("auto-send") {
				req.AutoSendDrafts = &autoSend
			}
			if _, err := req.Options(); err != nil {
				return err
			}
			return withClient(requestTimeout, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Start(ctx, req)
				if err != nil {
					return fmt.Errorf("failed to start agents: %w", err)
				}
				if resp.Changed {
					fmt.Fprintf(cmd.OutOrStdout(), "Agents started (interval %s, batch size %d)\n", resp.Status.Interval, resp.Status.BatchSize)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Agents already running")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&interval, "interval", "", "Cycle interval in seconds or as a duration (e.g. 90s)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Messages processed per cycle")
	cmd.Flags().BoolVar(&autoSend, "auto-send", false, "Dispatch drafts to the mailbox automatically")
	return cmd
}

func buildStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the orchestrator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(requestTimeout, func(ctx context.Context, c *server.Client) error {
				resp, err := c.Stop(ctx)
				if err != nil {
					return fmt.Errorf("failed to stop agents: %w", err)
				}
				if resp.Changed {
					fmt.Fprintln(cmd.OutOrStdout(), "Agents stopped")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Agents were not running")
				}
				return nil
			})
		},
	}
}

func buildTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run the pipeline against a synthetic message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(testTimeout, func(ctx context.Context, c *server.Client) error {
				result, err := c.Test(ctx)
				if err != nil {
					return fmt.Errorf("pipeline test failed: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func buildEnqueueCommand() *cobra.Command {
	var (
		queue  string
		idFile string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [ids...]",
		Short: "Add item ids to a work queue",
		Long:  "Add item ids to a work queue. Ids come from arguments or from a file holding a JSON array or one id per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := append([]string(nil), args...)
			if idFile != "" {
				fromFile, err := readIDFile(idFile)
				if err != nil {
					return err
				}
				ids = append(ids, fromFile...)
			}
			if len(ids) == 0 {
				return errors.New("no item ids given (pass ids or use --file)")
			}
			return withClient(requestTimeout, func(ctx context.Context, c *server.Client) error {
				n, err := c.Enqueue(ctx, queue, ids...)
				if err != nil {
					return fmt.Errorf("failed to enqueue: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Successfully enqueued %d/%d items to %s\n", n, len(ids), queue)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "intake", "Queue name")
	cmd.Flags().StringVarP(&idFile, "file", "f", "", "File containing item ids")
	return cmd
}

// readIDFile 讀取 JSON 字串陣列，否則視為每行一個 ID
func readIDFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read id file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ids []string
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return nil, fmt.Errorf("failed to parse id file: %w", err)
		}
		return ids, nil
	}

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse id file: %w", err)
	}
	return ids, nil
}

func buildQueuesCommand() *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show work queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(requestTimeout, func(ctx context.Context, c *server.Client) error {
				stats, err := c.QueueStats(ctx, queue)
				if err != nil {
					return fmt.Errorf("failed to read queue stats: %w", err)
				}
				if len(stats) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No queues have been used yet.")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Only show this queue")
	return cmd
}

// ============================================================================
// watch / mcp
// ============================================================================

func buildWatchCommand() *cobra.Command {
	var (
		url    string
		token  string
		userID string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of orchestrator and queue events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					cfg = config.Default()
				}
				url = "ws://" + dialable(cfg.Server.HTTPAddr) + "/ws"
				if token == "" && len(cfg.Server.AuthTokens) > 0 {
					token = cfg.Server.AuthTokens[0]
				}
			}
			return watch.Run(cmd.Context(), url, token, userID)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Websocket URL (default: derived from config)")
	cmd.Flags().StringVar(&token, "token", "", "Auth token")
	cmd.Flags().StringVar(&userID, "user", "", "User id sent with the auth message")
	return cmd
}

func buildMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve orchestrator controls as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := controlAddr()
			client, conn, err := server.Dial(addr)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", addr, err)
			}
			defer conn.Close()

			return mcp.NewServer(client, version).Serve()
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
