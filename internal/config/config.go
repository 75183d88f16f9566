// ============================================================================
// Beaver-Mail 設定 - YAML / TOML 設定檔載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取設定檔、套用預設值並驗證
//
// 格式:
//   - .yaml / .yml 以 gopkg.in/yaml.v3 解析
//   - .toml 以 github.com/BurntSushi/toml 解析
//   - 解析前先展開 ${VAR} 環境變數，token 類的值不必寫進檔案
//
// 時間欄位一律寫成 duration 字串，例如 "60s"、"2m"。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var (
	// ErrInvalidConfig 設定值不合法
	ErrInvalidConfig = errors.New("invalid config")
	// ErrUnsupportedFormat 無法由副檔名判斷格式
	ErrUnsupportedFormat = errors.New("unsupported config format")
)

// 佇列與信箱後端
const (
	QueueBackendMemory = "memory"
	QueueBackendRedis  = "redis"

	MailboxBackendMemory = "memory"
	MailboxBackendSpool  = "spool"
)

// Config 系統設定
type Config struct {
	Server struct {
		HTTPAddr    string        `yaml:"http_addr" toml:"http_addr"`
		GRPCAddr    string        `yaml:"grpc_addr" toml:"grpc_addr"`
		AuthTokens  []string      `yaml:"auth_tokens" toml:"auth_tokens"`
		AuthTimeout time.Duration `yaml:"auth_timeout" toml:"auth_timeout"`
	} `yaml:"server" toml:"server"`

	Orchestrator struct {
		Interval        time.Duration     `yaml:"interval" toml:"interval"`
		BatchSize       int               `yaml:"batch_size" toml:"batch_size"`
		AutoSendDrafts  bool              `yaml:"auto_send_drafts" toml:"auto_send_drafts"`
		PipelineTimeout time.Duration     `yaml:"pipeline_timeout" toml:"pipeline_timeout"`
		Autostart       bool              `yaml:"autostart" toml:"autostart"`
		Queue           string            `yaml:"queue" toml:"queue"`
		User            types.UserContext `yaml:"user" toml:"user"`
	} `yaml:"orchestrator" toml:"orchestrator"`

	Queue struct {
		Backend            string        `yaml:"backend" toml:"backend"`
		RedisAddr          string        `yaml:"redis_addr" toml:"redis_addr"`
		RedisPassword      string        `yaml:"redis_password" toml:"redis_password"`
		RedisDB            int           `yaml:"redis_db" toml:"redis_db"`
		CompletedRetention time.Duration `yaml:"completed_retention" toml:"completed_retention"`
		SnapshotPath       string        `yaml:"snapshot_path" toml:"snapshot_path"`
		SnapshotInterval   time.Duration `yaml:"snapshot_interval" toml:"snapshot_interval"`
	} `yaml:"queue" toml:"queue"`

	Storage struct {
		SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
	} `yaml:"storage" toml:"storage"`

	Mailbox struct {
		Backend  string `yaml:"backend" toml:"backend"`
		SpoolDir string `yaml:"spool_dir" toml:"spool_dir"`
	} `yaml:"mailbox" toml:"mailbox"`

	Pipeline struct {
		Endpoint  string        `yaml:"endpoint" toml:"endpoint"`
		AuthToken string        `yaml:"auth_token" toml:"auth_token"`
		Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
	} `yaml:"pipeline" toml:"pipeline"`

	Metrics struct {
		Enabled bool `yaml:"enabled" toml:"enabled"`
		Port    int  `yaml:"port" toml:"port"`
	} `yaml:"metrics" toml:"metrics"`

	Logging struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	} `yaml:"logging" toml:"logging"`
}

// Default 回傳所有欄位都有值的預設設定
func Default() *Config {
	cfg := &Config{}

	cfg.Server.HTTPAddr = ":8080"
	cfg.Server.GRPCAddr = ":50051"
	cfg.Server.AuthTimeout = 10 * time.Second

	cfg.Orchestrator.Interval = 60 * time.Second
	cfg.Orchestrator.BatchSize = 10
	cfg.Orchestrator.PipelineTimeout = 120 * time.Second
	cfg.Orchestrator.Queue = "intake"

	cfg.Queue.Backend = QueueBackendMemory
	cfg.Queue.RedisAddr = "localhost:6379"
	cfg.Queue.CompletedRetention = 24 * time.Hour
	cfg.Queue.SnapshotInterval = 30 * time.Second

	cfg.Storage.SQLitePath = "./data/beaver-mail.db"

	cfg.Mailbox.Backend = MailboxBackendSpool
	cfg.Mailbox.SpoolDir = "./data/mailbox"

	cfg.Pipeline.Timeout = 120 * time.Second

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// Load 讀取設定檔並疊加在 Default() 之上；未出現在檔案中的欄位保留預設值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse 依副檔名 (".yaml"、".yml"、".toml") 解析設定內容並驗證
func Parse(ext string, data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定值的範圍與後端名稱
func (c *Config) Validate() error {
	var problems []string

	if c.Orchestrator.Interval <= 0 {
		problems = append(problems, "orchestrator.interval must be positive")
	}
	if c.Orchestrator.BatchSize <= 0 {
		problems = append(problems, "orchestrator.batch_size must be positive")
	}
	if c.Orchestrator.PipelineTimeout <= 0 {
		problems = append(problems, "orchestrator.pipeline_timeout must be positive")
	}
	if c.Orchestrator.Queue == "" {
		problems = append(problems, "orchestrator.queue must not be empty")
	}
	if c.Server.AuthTimeout <= 0 {
		problems = append(problems, "server.auth_timeout must be positive")
	}

	switch c.Queue.Backend {
	case QueueBackendMemory:
	case QueueBackendRedis:
		if c.Queue.RedisAddr == "" {
			problems = append(problems, "queue.redis_addr is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("queue.backend %q is not one of memory, redis", c.Queue.Backend))
	}
	if c.Queue.CompletedRetention < 0 {
		problems = append(problems, "queue.completed_retention must not be negative")
	}
	if c.Queue.SnapshotPath != "" && c.Queue.SnapshotInterval <= 0 {
		problems = append(problems, "queue.snapshot_interval must be positive when snapshot_path is set")
	}

	switch c.Mailbox.Backend {
	case MailboxBackendMemory:
	case MailboxBackendSpool:
		if c.Mailbox.SpoolDir == "" {
			problems = append(problems, "mailbox.spool_dir is required for the spool backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("mailbox.backend %q is not one of memory, spool", c.Mailbox.Backend))
	}

	if c.Pipeline.Timeout < 0 {
		problems = append(problems, "pipeline.timeout must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		problems = append(problems, fmt.Sprintf("metrics.port %d is out of range", c.Metrics.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
