package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.Orchestrator.Interval)
	assert.Equal(t, 10, cfg.Orchestrator.BatchSize)
	assert.False(t, cfg.Orchestrator.AutoSendDrafts)
	assert.Equal(t, QueueBackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Queue.CompletedRetention)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "beaver.yaml", `
server:
  http_addr: ":9000"
  auth_tokens: ["secret"]
orchestrator:
  interval: 30s
  batch_size: 5
  auto_send_drafts: true
  user:
    name: Ada
    email: ada@example.com
queue:
  backend: redis
  redis_addr: "redis:6379"
  redis_db: 2
mailbox:
  backend: memory
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"secret"}, cfg.Server.AuthTokens)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Interval)
	assert.Equal(t, 5, cfg.Orchestrator.BatchSize)
	assert.True(t, cfg.Orchestrator.AutoSendDrafts)
	assert.Equal(t, "ada@example.com", cfg.Orchestrator.User.Email)
	assert.Equal(t, QueueBackendRedis, cfg.Queue.Backend)
	assert.Equal(t, 2, cfg.Queue.RedisDB)
	assert.Equal(t, "json", cfg.Logging.Format)

	// 檔案中沒有的欄位保留預設值
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
	assert.Equal(t, 120*time.Second, cfg.Orchestrator.PipelineTimeout)
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "beaver.toml", `
[orchestrator]
interval = "2m"
batch_size = 3

[orchestrator.user]
name = "Ada"

[pipeline]
endpoint = "http://pipeline:8000/process"
timeout = "45s"

[metrics]
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.Interval)
	assert.Equal(t, 3, cfg.Orchestrator.BatchSize)
	assert.Equal(t, "Ada", cfg.Orchestrator.User.Name)
	assert.Equal(t, "http://pipeline:8000/process", cfg.Pipeline.Endpoint)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.Timeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("BEAVER_PIPELINE_TOKEN", "tok-123")
	path := writeConfig(t, "env.yaml", `
pipeline:
  auth_token: ${BEAVER_PIPELINE_TOKEN}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Pipeline.AuthToken)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "broken.yaml", "orchestrator: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "beaver.ini", "x=1")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero interval", func(c *Config) { c.Orchestrator.Interval = 0 }, "orchestrator.interval"},
		{"zero batch", func(c *Config) { c.Orchestrator.BatchSize = 0 }, "orchestrator.batch_size"},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"redis without addr", func(c *Config) {
			c.Queue.Backend = QueueBackendRedis
			c.Queue.RedisAddr = ""
		}, "queue.redis_addr"},
		{"snapshot without interval", func(c *Config) {
			c.Queue.SnapshotPath = "./data/queues.json"
			c.Queue.SnapshotInterval = 0
		}, "queue.snapshot_interval"},
		{"spool without dir", func(c *Config) { c.Mailbox.SpoolDir = "" }, "mailbox.spool_dir"},
		{"unknown mailbox", func(c *Config) { c.Mailbox.Backend = "imap" }, "mailbox.backend"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_MetricsPortIgnoredWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestShippedConfigs(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PIPELINE_ENDPOINT", "http://pipeline:8000/process")

	cfg, err := Load("../../configs/default.yaml")
	require.NoError(t, err)
	assert.Equal(t, QueueBackendMemory, cfg.Queue.Backend)
	assert.Equal(t, "http://localhost:8000/process", cfg.Pipeline.Endpoint)

	cfg, err = Load("../../configs/redis.toml")
	require.NoError(t, err)
	assert.Equal(t, QueueBackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Queue.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.Timeout)
	assert.True(t, cfg.Orchestrator.Autostart)
}
