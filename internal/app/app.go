// ============================================================================
// Beaver-Mail 組裝根 - 依設定建立並串接所有元件
// ============================================================================
//
// Package: internal/app
// 文件: app.go
// 功能: 建立 queue store、工作佇列、連線註冊表、信箱、管線、SQLite 與協調器，
//       並啟動 HTTP / WebSocket、gRPC、metrics 與佇列事件轉送
//
// 依賴方向:
//
//   snapshot ◀─▶ queuestore (memory)
//   config ──▶ queuestore (memory | redis) ──▶ workqueue ─┐
//          ├─▶ mailbox (memory | spool)                    │
//          ├─▶ pipeline (HTTP)                             ├─▶ orchestrator
//          ├─▶ storage/sqlite                              │
//          └─▶ registry ◀── realtime (ws + relay) ─────────┘
//
//   api (REST + /ws) / server (gRPC) ──▶ orchestrator, workqueue
//
// 關閉順序: 停止協調器 → 關閉 HTTP / gRPC → 停止 relay / 快照迴圈 → 斷開訂閱者
//           → 最後一次快照 → 關閉儲存
//
// ============================================================================

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-mail/internal/api"
	"github.com/ChuLiYu/beaver-mail/internal/config"
	"github.com/ChuLiYu/beaver-mail/internal/mailbox"
	"github.com/ChuLiYu/beaver-mail/internal/metrics"
	"github.com/ChuLiYu/beaver-mail/internal/orchestrator"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/internal/queuestore"
	"github.com/ChuLiYu/beaver-mail/internal/realtime"
	"github.com/ChuLiYu/beaver-mail/internal/registry"
	"github.com/ChuLiYu/beaver-mail/internal/server"
	"github.com/ChuLiYu/beaver-mail/internal/snapshot"
	"github.com/ChuLiYu/beaver-mail/internal/storage/sqlite"
	"github.com/ChuLiYu/beaver-mail/internal/workqueue"
)

var log = slog.Default()

// ErrNoPipeline 未設定 pipeline.endpoint 且沒有注入管線
var ErrNoPipeline = errors.New("no analysis pipeline configured")

// Option 覆寫預設元件（測試與嵌入使用）
type Option func(*options)

type options struct {
	pipeline   pipeline.Pipeline
	mailbox    mailbox.Mailbox
	queueStore queuestore.Store
	registerer *prometheus.Registry
}

// WithPipeline 使用指定的管線，而非 HTTP 客戶端
func WithPipeline(p pipeline.Pipeline) Option {
	return func(o *options) { o.pipeline = p }
}

// WithMailbox 使用指定的信箱，而非設定中的後端
func WithMailbox(mb mailbox.Mailbox) Option {
	return func(o *options) { o.mailbox = mb }
}

// WithQueueStore 使用指定的 queue store；App 不負責關閉它
func WithQueueStore(s queuestore.Store) Option {
	return func(o *options) { o.queueStore = s }
}

// WithMetricsRegistry 使用指定的 Prometheus registry
func WithMetricsRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registerer = r }
}

// App 一個完整運作中的 beaver-mail 實例
type App struct {
	cfg *config.Config

	MetricsRegistry *prometheus.Registry
	Metrics         *metrics.Collector
	QueueStore      queuestore.Store
	Queues          *workqueue.Service
	Subscribers     *registry.Registry
	Mailbox         mailbox.Mailbox
	Store           *sqlite.Store
	Orchestrator    *orchestrator.Orchestrator

	http *api.Server
	grpc *grpc.Server

	ownsQueueStore bool
	memStore       *queuestore.MemoryStore
	snapshots      *snapshot.Manager

	mu       sync.Mutex
	grpcLis  net.Listener
	bgCancel context.CancelFunc
	bgDone   sync.WaitGroup
	closed   bool
}

// New 依設定建立所有元件，但不啟動任何網路服務
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	a := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.closeStores()
		}
	}()

	a.MetricsRegistry = o.registerer
	if a.MetricsRegistry == nil {
		a.MetricsRegistry = prometheus.NewRegistry()
		a.MetricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	a.Metrics = metrics.NewCollector(a.MetricsRegistry)

	if o.queueStore != nil {
		a.QueueStore = o.queueStore
	} else {
		store, err := openQueueStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.QueueStore = store
		a.ownsQueueStore = true
	}
	if err := a.restoreSnapshot(cfg); err != nil {
		return nil, err
	}
	a.Queues = workqueue.New(a.QueueStore,
		workqueue.WithMetrics(a.Metrics),
		workqueue.WithRetention(cfg.Queue.CompletedRetention),
	)

	a.Subscribers = registry.New(registry.WithMetrics(a.Metrics))

	if o.mailbox != nil {
		a.Mailbox = o.mailbox
	} else {
		mb, err := openMailbox(cfg)
		if err != nil {
			return nil, err
		}
		a.Mailbox = mb
	}

	pl := o.pipeline
	if pl == nil {
		if cfg.Pipeline.Endpoint == "" {
			return nil, ErrNoPipeline
		}
		client, err := pipeline.NewHTTPClient(pipeline.HTTPConfig{
			Endpoint:  cfg.Pipeline.Endpoint,
			AuthToken: cfg.Pipeline.AuthToken,
			Timeout:   cfg.Pipeline.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create pipeline client: %w", err)
		}
		pl = client
	}

	deps := orchestrator.Deps{
		Mailbox:     a.Mailbox,
		Pipeline:    pl,
		Queue:       a.Queues,
		Broadcaster: a.Subscribers,
		Metrics:     a.Metrics,
	}
	if cfg.Storage.SQLitePath != "" {
		store, err := openSQLite(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.Store = store
		deps.Store = store
	}

	orch, err := orchestrator.New(ctx, deps, orchestrator.Config{
		Interval:        cfg.Orchestrator.Interval,
		BatchSize:       cfg.Orchestrator.BatchSize,
		AutoSendDrafts:  cfg.Orchestrator.AutoSendDrafts,
		PipelineTimeout: cfg.Orchestrator.PipelineTimeout,
		Queue:           cfg.Orchestrator.Queue,
		User:            cfg.Orchestrator.User,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	a.Orchestrator = orch

	ws := realtime.NewHandler(a.Subscribers,
		realtime.WithTokens(cfg.Server.AuthTokens...),
		realtime.WithAuthTimeout(cfg.Server.AuthTimeout),
		realtime.WithStatus(orch),
	)
	apiOpts := []api.Option{
		api.WithWebsocket(ws),
		api.WithHealthCheck("queue_store", a.QueueStore.Ping),
	}
	if a.Store != nil {
		apiOpts = append(apiOpts,
			api.WithHistory(a.Store),
			api.WithHealthCheck("sqlite", a.Store.Ping),
		)
	}
	a.http = api.New(orch, a.Queues, apiOpts...)

	a.grpc = grpc.NewServer()
	server.RegisterControlServer(a.grpc, server.NewServer(orch, a.Queues, a.Queues))

	ok = true
	return a, nil
}

func openQueueStore(ctx context.Context, cfg *config.Config) (queuestore.Store, error) {
	switch cfg.Queue.Backend {
	case config.QueueBackendRedis:
		store, err := queuestore.NewRedisStore(ctx, queuestore.RedisOptions{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis queue store: %w", err)
		}
		log.Info("Using Redis queue store", "addr", cfg.Queue.RedisAddr, "db", cfg.Queue.RedisDB)
		return store, nil
	default:
		log.Info("Using in-memory queue store")
		return queuestore.NewMemoryStore(), nil
	}
}

// restoreSnapshot 只處理自己建立的 memory store
func (a *App) restoreSnapshot(cfg *config.Config) error {
	mem, ok := a.QueueStore.(*queuestore.MemoryStore)
	if !ok || !a.ownsQueueStore || cfg.Queue.SnapshotPath == "" {
		return nil
	}
	a.memStore = mem
	a.snapshots = snapshot.NewManager(cfg.Queue.SnapshotPath)

	restored, err := a.snapshots.Restore(mem)
	if err != nil {
		return fmt.Errorf("restore queue snapshot: %w", err)
	}
	if restored {
		log.Info("Restored queue store from snapshot", "path", cfg.Queue.SnapshotPath)
	}
	return nil
}

func (a *App) snapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.snapshots.Capture(a.memStore); err != nil {
				log.Error("Failed to write queue snapshot", "error", err)
			}
		}
	}
}

func openMailbox(cfg *config.Config) (mailbox.Mailbox, error) {
	switch cfg.Mailbox.Backend {
	case config.MailboxBackendMemory:
		return mailbox.NewMemory(), nil
	default:
		spool, err := mailbox.NewSpool(cfg.Mailbox.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("open mailbox spool: %w", err)
		}
		log.Info("Using spool mailbox", "dir", cfg.Mailbox.SpoolDir)
		return spool, nil
	}
}

func openSQLite(ctx context.Context, path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Start 啟動網路服務與 relay；設定 autostart 時一併啟動協調器
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("app already shut down")
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel
	a.bgDone.Add(1)
	go func() {
		defer a.bgDone.Done()
		if err := realtime.Relay(bgCtx, a.QueueStore, a.Subscribers); err != nil {
			log.Error("Queue event relay stopped", "error", err)
		}
	}()
	if a.snapshots != nil {
		a.bgDone.Add(1)
		go func() {
			defer a.bgDone.Done()
			a.snapshotLoop(bgCtx, a.cfg.Queue.SnapshotInterval)
		}()
	}

	if err := a.http.Start(ctx, a.cfg.Server.HTTPAddr); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.GRPCAddr, err)
	}
	a.grpcLis = lis
	go func() {
		if err := a.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server failed", "error", err)
		}
	}()
	log.Info("gRPC server listening", "addr", lis.Addr().String())

	if a.cfg.Metrics.Enabled {
		go func() {
			log.Info("Starting metrics server", "port", a.cfg.Metrics.Port)
			if err := metrics.StartServer(a.cfg.Metrics.Port, a.MetricsRegistry); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	if a.cfg.Orchestrator.Autostart {
		a.Orchestrator.Start(orchestrator.StartOptions{})
	}
	return nil
}

// HTTPAddr 實際綁定的 HTTP 位址
func (a *App) HTTPAddr() string {
	return a.http.Addr()
}

// GRPCAddr 實際綁定的 gRPC 位址
func (a *App) GRPCAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grpcLis == nil {
		return ""
	}
	return a.grpcLis.Addr().String()
}

// Shutdown 依序停止所有元件；可重複呼叫
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if err := a.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
	}
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http server: %w", err))
	}
	a.grpc.GracefulStop()

	if a.bgCancel != nil {
		a.bgCancel()
		done := make(chan struct{})
		go func() {
			a.bgDone.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	a.Subscribers.Close()

	if a.snapshots != nil {
		if err := a.snapshots.Capture(a.memStore); err != nil {
			errs = append(errs, fmt.Errorf("write queue snapshot: %w", err))
		}
	}
	a.closeStores()

	log.Info("Beaver-Mail stopped")
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Warn("Failed to close sqlite store", "error", err)
		}
	}
	if a.ownsQueueStore && a.QueueStore != nil {
		if err := a.QueueStore.Close(); err != nil {
			log.Warn("Failed to close queue store", "error", err)
		}
	}
}
