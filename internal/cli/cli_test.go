package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-mail/internal/config"
	"github.com/ChuLiYu/beaver-mail/internal/mailbox"
	"github.com/ChuLiYu/beaver-mail/internal/orchestrator"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/internal/queuestore"
	"github.com/ChuLiYu/beaver-mail/internal/server"
	"github.com/ChuLiYu/beaver-mail/internal/workqueue"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "beaver-mail", cmd.Use, "Root command should be 'beaver-mail'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "status", "start", "stop", "test", "enqueue", "queues", "watch", "mcp"} {
		assert.True(t, commandNames[name], "Should have %q command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"), "Should have --addr flag")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
	assert.NotNil(t, cmd.Flags().Lookup("autostart"))
}

func TestBuildStartCommand(t *testing.T) {
	cmd := buildStartCommand()

	assert.Equal(t, "start", cmd.Use)
	for _, name := range []string{"interval", "batch-size", "auto-send"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
}

func TestBuildEnqueueCommand(t *testing.T) {
	cmd := buildEnqueueCommand()

	assert.Equal(t, "enqueue", cmd.Name(), "Command should be 'enqueue'")

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag, "Should have --file flag")
	assert.Equal(t, "f", fileFlag.Shorthand, "Should have -f shorthand")

	queueFlag := cmd.Flags().Lookup("queue")
	require.NotNil(t, queueFlag)
	assert.Equal(t, "intake", queueFlag.DefValue)
}

func TestReadIDFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "ids.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`["m1", "m2"]`), 0644))
	ids, err := readIDFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids)

	linesPath := filepath.Join(dir, "ids.txt")
	require.NoError(t, os.WriteFile(linesPath, []byte("m1\n\n# comment\n  m3  \n"), 0644))
	ids, err = readIDFile(linesPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m3"}, ids)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`["m1",`), 0644))
	_, err = readIDFile(badPath)
	assert.Error(t, err)

	_, err = readIDFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestDialable(t *testing.T) {
	assert.Equal(t, "localhost:50051", dialable(":50051"))
	assert.Equal(t, "localhost:8080", dialable("0.0.0.0:8080"))
	assert.Equal(t, "10.0.0.2:9000", dialable("10.0.0.2:9000"))
	assert.Equal(t, "not-an-addr", dialable("not-an-addr"))
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		slog.SetLogLoggerLevel(slog.LevelInfo)
	})

	cfg := config.Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	var buf bytes.Buffer
	setupLogging(cfg, &buf)
	slog.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}

func TestEnqueueRequiresIDs(t *testing.T) {
	cmd := BuildCLI()
	cmd.SetArgs([]string{"enqueue"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "no item ids")
}

// startControlServer 在本機埠上提供真實的 gRPC 控制服務
func startControlServer(t *testing.T) (addr string, orch *orchestrator.Orchestrator) {
	t.Helper()
	ctx := context.Background()

	wq := workqueue.New(queuestore.NewMemoryStore())
	orch, err := orchestrator.New(ctx, orchestrator.Deps{
		Mailbox: mailbox.NewMemory(),
		Pipeline: pipeline.Func(func(context.Context, pipeline.Request) (pipeline.Result, error) {
			return pipeline.Result{}, nil
		}),
		Queue: wq,
	}, orchestrator.Config{})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	server.RegisterControlServer(srv, server.NewServer(orch, wq, wq))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = orch.Shutdown(context.Background())
	})
	return lis.Addr().String(), orch
}

func TestRemoteCommands(t *testing.T) {
	addr, orch := startControlServer(t)

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		cmd := BuildCLI()
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--addr", addr}, args...))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("start", "--interval", "30", "--batch-size", "2"), "Agents started")
	assert.True(t, orch.Status().Running)
	assert.Equal(t, 2, orch.Status().BatchSize)
	assert.Contains(t, run("start"), "already running")

	out := run("status")
	assert.Contains(t, out, "Beaver-Mail System Status")
	assert.Contains(t, out, "Running")

	assert.Contains(t, run("enqueue", "-q", "manual", "a1", "a2"), "Successfully enqueued 2/2 items to manual")
	assert.Contains(t, run("queues", "-q", "manual"), `"pending": 2`)

	assert.Contains(t, run("stop"), "Agents stopped")
	assert.Contains(t, run("stop"), "not running")
	assert.False(t, orch.Status().Running)
}
