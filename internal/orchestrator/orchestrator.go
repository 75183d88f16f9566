// ============================================================================
// Beaver-Mail 協調器 - 處理週期狀態機
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 週期性地從信箱取信、送入分析管線、保存結果並推送狀態
//
// 狀態機 (初始為 idle):
//
//   idle ──tick/start──▶ checking ──沒有新郵件──▶ idle
//                           │
//                           ├──取信失敗──▶ error ──▶ idle
//                           ▼
//                       processing ──管線失敗/逾時/格式錯誤──▶ error ──▶ idle
//                           │
//                           ▼
//                        saving ──草稿派送（逐筆記錄失敗）+ 標記已處理──▶ idle
//
// 資料流:
//   0. New: 佇列中前一個行程遺留的 pending / processing 項目移到 error
//   1. checking: FetchUnread → 依已處理集合去重 → 新郵件 Enqueue 到 intake 佇列
//   2. checking→processing: 從 intake Dequeue 一批（≤ BatchSize）
//   3. processing: 單次 Pipeline.Process 呼叫（context.WithTimeout）
//   4. saving: 保存分析、建立草稿、派送；最後才更新已處理集合並 Complete 佇列項目
//
// 並發模型:
//   - 單一 goroutine 執行 tick 迴圈；cycleMu 保證任何時刻最多一個週期
//   - CycleState（fetched / processed / pendingDrafts）只在持有 cycleMu 時存取
//   - mu 只保護對外可見的狀態（Status() 讀取）
//   - Stop 是協作式的：在週期開始前、checking 結束後，以及 sleep 開頭檢查
//
// 事件:
//   - 每次狀態轉換在 agents 頻道發佈 {type: agent_event, event: "<from>_to_<to>"}
//   - 發現新郵件: emails 頻道 new_emails
//   - 草稿建立: drafts 頻道 draft_created
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-mail/internal/mailbox"
	"github.com/ChuLiYu/beaver-mail/internal/metrics"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤與常數
// ============================================================================

var (
	// ErrMissingDependency 建構時缺少必要的協作者
	ErrMissingDependency = errors.New("missing orchestrator dependency")
	// ErrStopped 週期因停止請求而提前結束
	ErrStopped = errors.New("orchestrator stop requested")
)

const (
	// DefaultQueue 新郵件進入的佇列
	DefaultQueue = "intake"

	DefaultInterval        = 60 * time.Second
	DefaultBatchSize       = 10
	DefaultPipelineTimeout = 120 * time.Second

	// 一次取信的上限為 BatchSize 的倍數，讓已處理但仍未讀的郵件不會擠掉新郵件
	fetchFactor = 4

	EventTypeAgent = "agent_event"
	EventTypeEvent = "event"

	EventNewEmails    = "new_emails"
	EventDraftCreated = "draft_created"

	ChannelEmails = "emails"
	ChannelDrafts = "drafts"
	ChannelAgents = "agents"

	unknownItemReason   = "unknown item"
	abandonedItemReason = "abandoned"
)

// ============================================================================
// 協作者介面
// ============================================================================

// Queue 協調器使用的工作佇列操作
type Queue interface {
	Enqueue(ctx context.Context, queue string, itemID types.ItemID) error
	Dequeue(ctx context.Context, queue string) (types.ItemID, bool, error)
	Complete(ctx context.Context, queue string, itemID types.ItemID) error
	Fail(ctx context.Context, queue string, itemID types.ItemID, reason string) error
	Reclaim(ctx context.Context, queue, reason string) ([]types.ItemID, error)
}

// Broadcaster 將事件扇出給即時訂閱者
type Broadcaster interface {
	Broadcast(ctx context.Context, event types.Event) int
}

// Store 結果持久化；nil 時只保留記憶體中的已處理集合
type Store interface {
	ProcessedIDs(ctx context.Context) ([]types.ItemID, error)
	MarkProcessed(ctx context.Context, ids ...types.ItemID) error
	SaveAnalysis(ctx context.Context, a types.Analysis) error
	SaveDraft(ctx context.Context, d types.Draft) error
	MarkDraftDispatched(ctx context.Context, id string, dispatchErr error) error
}

// Deps 協調器的建構依賴
type Deps struct {
	Mailbox     mailbox.Mailbox
	Pipeline    pipeline.Pipeline
	Queue       Queue
	Broadcaster Broadcaster
	Store       Store
	Metrics     *metrics.Collector
}

// Config 協調器預設設定；Start 的參數為零值時使用這裡的值
type Config struct {
	Interval        time.Duration
	BatchSize       int
	AutoSendDrafts  bool
	PipelineTimeout time.Duration
	Queue           string
	User            types.UserContext
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = DefaultPipelineTimeout
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	return c
}

// StartOptions start() 的參數
type StartOptions struct {
	Interval       time.Duration
	BatchSize      int
	AutoSendDrafts *bool
}

// cycleState 只屬於週期本身，持有 cycleMu 時才能存取
type cycleState struct {
	fetched       []types.Message
	processed     map[types.ItemID]struct{}
	pendingDrafts []types.Draft
}

func (cs *cycleState) isFetched(id types.ItemID) bool {
	for _, m := range cs.fetched {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (cs *cycleState) lookup(id types.ItemID) (types.Message, bool) {
	for _, m := range cs.fetched {
		if m.ID == id {
			return m, true
		}
	}
	return types.Message{}, false
}

func (cs *cycleState) forget(ids map[types.ItemID]struct{}) {
	kept := cs.fetched[:0]
	for _, m := range cs.fetched {
		if _, drop := ids[m.ID]; !drop {
			kept = append(kept, m)
		}
	}
	cs.fetched = kept
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator 處理週期協調器
type Orchestrator struct {
	mailbox     mailbox.Mailbox
	pipeline    pipeline.Pipeline
	queue       Queue
	broadcaster Broadcaster
	store       Store
	metrics     *metrics.Collector
	defaults    Config

	cycleMu sync.Mutex
	cycle   cycleState

	mu        sync.Mutex
	cfg       Config
	running   bool
	state     types.CycleStatus
	startedAt time.Time
	lastCheck time.Time
	stats     types.CycleStats
	lastError string
	stopCh    chan struct{}
	done      chan struct{}
}

// New 建立協調器；若有 Store，會先載入已處理的 ID 集合。
// 佇列中前一個行程遺留的項目會被移到 error 分區，信箱下次取信時重新提供
func New(ctx context.Context, deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Mailbox == nil:
		return nil, fmt.Errorf("%w: mailbox", ErrMissingDependency)
	case deps.Pipeline == nil:
		return nil, fmt.Errorf("%w: pipeline", ErrMissingDependency)
	case deps.Queue == nil:
		return nil, fmt.Errorf("%w: queue", ErrMissingDependency)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = nopBroadcaster{}
	}

	cfg = cfg.withDefaults()
	o := &Orchestrator{
		mailbox:     deps.Mailbox,
		pipeline:    deps.Pipeline,
		queue:       deps.Queue,
		broadcaster: deps.Broadcaster,
		store:       deps.Store,
		metrics:     deps.Metrics,
		defaults:    cfg,
		cfg:         cfg,
		state:       types.StatusIdle,
		cycle: cycleState{
			processed: make(map[types.ItemID]struct{}),
		},
	}

	if o.store != nil {
		ids, err := o.store.ProcessedIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("load processed ids: %w", err)
		}
		for _, id := range ids {
			o.cycle.processed[id] = struct{}{}
		}
		log.Info("Loaded processed ids", "count", len(ids))
	}

	reclaimed, err := o.queue.Reclaim(ctx, cfg.Queue, abandonedItemReason)
	if err != nil {
		return nil, fmt.Errorf("reclaim queue %s: %w", cfg.Queue, err)
	}
	if len(reclaimed) > 0 {
		log.Warn("Reclaimed leftover queue items", "queue", cfg.Queue, "count", len(reclaimed))
	}
	o.metrics.SetState(string(types.StatusIdle))
	return o, nil
}

// ============================================================================
// 控制介面
// ============================================================================

// Start 開始週期迴圈並立即執行第一個週期；已在運行時為 no-op，回傳 false
func (o *Orchestrator) Start(opts StartOptions) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		log.Info("Orchestrator already running")
		return false
	}

	cfg := o.defaults
	if opts.Interval > 0 {
		cfg.Interval = opts.Interval
	}
	if opts.BatchSize > 0 {
		cfg.BatchSize = opts.BatchSize
	}
	if opts.AutoSendDrafts != nil {
		cfg.AutoSendDrafts = *opts.AutoSendDrafts
	}

	o.cfg = cfg
	o.running = true
	o.startedAt = time.Now()
	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})

	go o.loop(o.stopCh, o.done)

	log.Info("Orchestrator started",
		"interval", cfg.Interval,
		"batch_size", cfg.BatchSize,
		"auto_send_drafts", cfg.AutoSendDrafts)
	return true
}

// Stop 要求迴圈在下一個狀態邊界停止；不等待當前步驟完成
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.running = false
	close(o.stopCh)
	log.Info("Orchestrator stop requested")
	return true
}

// Wait 等待迴圈 goroutine 結束
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止並等待迴圈結束
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Stop()
	return o.Wait(ctx)
}

// Status 回傳目前狀態快照
func (o *Orchestrator) Status() types.OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := types.OrchestratorStatus{
		Running:   o.running,
		State:     o.state,
		Stats:     o.stats,
		Uptime:    "0s",
		LastError: o.lastError,
		Interval:  o.cfg.Interval.String(),
		BatchSize: o.cfg.BatchSize,
		AutoSend:  o.cfg.AutoSendDrafts,
	}
	if !o.startedAt.IsZero() {
		started := o.startedAt
		status.StartedAt = &started
		if o.running {
			status.Uptime = time.Since(started).Truncate(time.Second).String()
		}
	}
	if !o.lastCheck.IsZero() {
		last := o.lastCheck
		status.LastCheck = &last
	}
	return status
}

// Test 以一封合成郵件呼叫管線，不接觸信箱、佇列或週期狀態
func (o *Orchestrator) Test(ctx context.Context) (pipeline.Result, error) {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()

	msg := types.Message{
		ID:         types.ItemID("test-" + uuid.NewString()),
		From:       "test@example.com",
		Subject:    "Test email",
		Body:       "This is a test email to verify the analysis pipeline is reachable.",
		Labels:     []string{"test"},
		ReceivedAt: time.Now().UTC(),
	}
	if cfg.User.Email != "" {
		msg.To = []string{cfg.User.Email}
	}
	batch := []types.Message{msg}

	pctx, cancel := context.WithTimeout(ctx, cfg.PipelineTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.pipeline.Process(pctx, pipeline.Request{Messages: batch, User: cfg.User})
	o.metrics.RecordPipeline(time.Since(start).Seconds())
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("test pipeline: %w", err)
	}
	if err := result.Validate(batch); err != nil {
		return pipeline.Result{}, fmt.Errorf("test pipeline: %w", err)
	}
	return result, nil
}

// RunCycle 同步執行恰好一個週期（與迴圈互斥）
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	return o.runCycle(ctx, nil)
}

// ============================================================================
// 迴圈
// ============================================================================

func (o *Orchestrator) loop(stopCh, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		if stopped(stopCh) {
			log.Info("Orchestrator loop stopped")
			return
		}

		o.cycleMu.Lock()
		err := o.runCycle(ctx, stopCh)
		o.cycleMu.Unlock()
		if err != nil && !errors.Is(err, ErrStopped) {
			log.Warn("Processing cycle failed", "error", err)
		}

		o.mu.Lock()
		interval := o.cfg.Interval
		o.mu.Unlock()

		// sleep 開頭先檢查停止旗標
		if stopped(stopCh) {
			log.Info("Orchestrator loop stopped")
			return
		}
		timer := time.NewTimer(interval)
		select {
		case <-stopCh:
			timer.Stop()
			log.Info("Orchestrator loop stopped")
			return
		case <-timer.C:
		}
	}
}

func stopped(stopCh chan struct{}) bool {
	if stopCh == nil {
		return false
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// ============================================================================
// 單一週期
// ============================================================================

func (o *Orchestrator) runCycle(ctx context.Context, stopCh chan struct{}) error {
	start := time.Now()

	o.mu.Lock()
	cfg := o.cfg
	o.lastCheck = start
	o.mu.Unlock()

	// ---- idle → checking ----
	o.transition(ctx, types.StatusIdle, types.StatusChecking, nil)

	newCount, err := o.check(ctx, cfg)
	if err != nil {
		return o.fail(ctx, types.StatusChecking, start, err, nil)
	}
	if len(o.cycle.fetched) == 0 {
		o.transition(ctx, types.StatusChecking, types.StatusIdle, map[string]any{"new": 0})
		o.metrics.RecordCycle("idle", time.Since(start).Seconds())
		return nil
	}
	if stopped(stopCh) {
		o.transition(ctx, types.StatusChecking, types.StatusIdle, map[string]any{"reason": "stopped"})
		o.metrics.RecordCycle("idle", time.Since(start).Seconds())
		return ErrStopped
	}

	batch, err := o.takeBatch(ctx, cfg)
	if err != nil {
		return o.fail(ctx, types.StatusChecking, start, err, batch)
	}
	if len(batch) == 0 {
		o.transition(ctx, types.StatusChecking, types.StatusIdle, map[string]any{"new": newCount})
		o.metrics.RecordCycle("idle", time.Since(start).Seconds())
		return nil
	}

	// ---- checking → processing ----
	o.transition(ctx, types.StatusChecking, types.StatusProcessing, map[string]any{
		"batch_size": len(batch),
		"items":      messageIDs(batch),
	})

	result, err := o.process(ctx, cfg, batch)
	if err != nil {
		return o.fail(ctx, types.StatusProcessing, start, err, batch)
	}

	// ---- processing → saving ----
	o.transition(ctx, types.StatusProcessing, types.StatusSaving, map[string]any{
		"results": len(result.Results),
		"drafts":  result.Drafts(),
	})

	drafted := o.save(ctx, cfg, batch, result)

	// ---- saving → idle ----
	o.transition(ctx, types.StatusSaving, types.StatusIdle, map[string]any{
		"processed": len(batch),
		"drafted":   drafted,
	})
	o.metrics.RecordCycle("saved", time.Since(start).Seconds())
	return nil
}

// check 取信、去重並把新郵件加入佇列；回傳新加入的數量
func (o *Orchestrator) check(ctx context.Context, cfg Config) (int, error) {
	msgs, err := o.mailbox.FetchUnread(ctx, cfg.BatchSize*fetchFactor)
	if err != nil {
		return 0, fmt.Errorf("fetch unread: %w", err)
	}

	added := make([]types.ItemID, 0, len(msgs))
	for _, msg := range msgs {
		if _, done := o.cycle.processed[msg.ID]; done {
			continue
		}
		if o.cycle.isFetched(msg.ID) {
			continue
		}
		if err := o.queue.Enqueue(ctx, cfg.Queue, msg.ID); err != nil {
			return len(added), fmt.Errorf("enqueue %s: %w", msg.ID, err)
		}
		o.cycle.fetched = append(o.cycle.fetched, msg)
		added = append(added, msg.ID)
	}

	if len(added) > 0 {
		log.Info("New emails found", "count", len(added))
		o.broadcast(ctx, types.NewEvent(ChannelEmails, EventTypeEvent, EventNewEmails, map[string]any{
			"count": len(added),
			"items": added,
		}))
	}
	return len(added), nil
}

// takeBatch 從佇列取出至多 BatchSize 個項目，並對應回已取得的郵件；
// 同一 ID 在批次中只出現一次
func (o *Orchestrator) takeBatch(ctx context.Context, cfg Config) ([]types.Message, error) {
	batch := make([]types.Message, 0, cfg.BatchSize)
	inBatch := make(map[types.ItemID]struct{}, cfg.BatchSize)
	for len(batch) < cfg.BatchSize {
		id, ok, err := o.queue.Dequeue(ctx, cfg.Queue)
		if err != nil {
			return batch, fmt.Errorf("dequeue: %w", err)
		}
		if !ok {
			break
		}
		if _, dup := inBatch[id]; dup {
			// processing 是集合，重複的副本已經併入批次中的那一筆
			log.Debug("Skipping duplicate queue item", "item", id)
			continue
		}
		if _, done := o.cycle.processed[id]; done {
			if err := o.queue.Complete(ctx, cfg.Queue, id); err != nil {
				log.Error("Failed to complete duplicate item", "item", id, "error", err)
			}
			continue
		}
		msg, known := o.cycle.lookup(id)
		if !known {
			// 沒有對應郵件的項目（例如經由控制介面直接加入的）
			log.Warn("Dropping queue item with no fetched message", "item", id)
			if err := o.queue.Fail(ctx, cfg.Queue, id, unknownItemReason); err != nil {
				log.Error("Failed to record unknown item", "item", id, "error", err)
			}
			continue
		}
		inBatch[id] = struct{}{}
		batch = append(batch, msg)
	}
	return batch, nil
}

// process 對整批郵件做單次管線呼叫；任何錯誤代表整批失敗
func (o *Orchestrator) process(ctx context.Context, cfg Config, batch []types.Message) (pipeline.Result, error) {
	pctx, cancel := context.WithTimeout(ctx, cfg.PipelineTimeout)
	defer cancel()

	start := time.Now()
	result, err := o.pipeline.Process(pctx, pipeline.Request{Messages: batch, User: cfg.User})
	o.metrics.RecordPipeline(time.Since(start).Seconds())
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("pipeline: %w", err)
	}
	if err := result.Validate(batch); err != nil {
		return pipeline.Result{}, err
	}
	return result, nil
}

// save 保存分析與草稿、派送草稿，最後更新已處理集合；回傳成功建立的草稿數
func (o *Orchestrator) save(ctx context.Context, cfg Config, batch []types.Message, result pipeline.Result) int {
	now := time.Now().UTC()

	for _, msg := range batch {
		mr, _ := result.For(msg.ID)
		if o.store != nil {
			if err := o.store.SaveAnalysis(ctx, analysisFrom(mr, now)); err != nil {
				log.Error("Failed to save analysis", "item", msg.ID, "error", err)
			}
		}
		if mr.Draft != nil {
			o.cycle.pendingDrafts = append(o.cycle.pendingDrafts, draftFrom(msg, *mr.Draft, now))
		}
	}

	drafted := 0
	for _, draft := range o.cycle.pendingDrafts {
		if err := o.dispatch(ctx, cfg, draft); err != nil {
			// 派送失敗逐筆記錄，不中斷其餘草稿，對應郵件仍視為已處理
			log.Error("Draft dispatch failed", "draft", draft.ID, "item", draft.MessageID, "error", err)
			o.metrics.RecordDispatchFailure()
			continue
		}
		drafted++
		o.metrics.RecordDraft()
		o.broadcast(ctx, types.NewEvent(ChannelDrafts, EventTypeEvent, EventDraftCreated, map[string]any{
			"draft_id":   draft.ID,
			"message_id": draft.MessageID,
			"subject":    draft.Subject,
			"confidence": draft.Confidence,
		}))
	}
	o.cycle.pendingDrafts = o.cycle.pendingDrafts[:0]

	// 派送嘗試都記錄完之後才更新已處理集合
	ids := messageIDs(batch)
	if o.store != nil {
		if err := o.store.MarkProcessed(ctx, ids...); err != nil {
			log.Error("Failed to persist processed ids", "count", len(ids), "error", err)
		}
	}
	done := make(map[types.ItemID]struct{}, len(ids))
	for _, id := range ids {
		o.cycle.processed[id] = struct{}{}
		done[id] = struct{}{}
	}
	o.cycle.forget(done)

	for _, id := range ids {
		if err := o.queue.Complete(ctx, cfg.Queue, id); err != nil {
			log.Error("Failed to complete queue item", "item", id, "error", err)
		}
		if err := o.mailbox.MarkRead(ctx, id); err != nil {
			log.Warn("Failed to mark email read", "item", id, "error", err)
		}
	}

	o.mu.Lock()
	o.stats.Processed += int64(len(ids))
	o.stats.Drafted += int64(drafted)
	o.mu.Unlock()
	o.metrics.RecordProcessed(len(ids))

	log.Info("Batch saved", "processed", len(ids), "drafted", drafted)
	return drafted
}

// dispatch 保存草稿並在啟用自動派送時送到信箱
func (o *Orchestrator) dispatch(ctx context.Context, cfg Config, draft types.Draft) error {
	if o.store != nil {
		if err := o.store.SaveDraft(ctx, draft); err != nil {
			return fmt.Errorf("persist draft: %w", err)
		}
	}
	if !cfg.AutoSendDrafts {
		return nil
	}

	err := o.mailbox.CreateDraft(ctx, draft)
	if o.store != nil {
		if markErr := o.store.MarkDraftDispatched(ctx, draft.ID, err); markErr != nil {
			log.Warn("Failed to record draft dispatch", "draft", draft.ID, "error", markErr)
		}
	}
	if err != nil {
		return fmt.Errorf("create mailbox draft: %w", err)
	}
	return nil
}

// fail 處理 checking/processing 的失敗：錯誤計數 +1、整批退回、轉到 error 再回到 idle
func (o *Orchestrator) fail(ctx context.Context, from types.CycleStatus, start time.Time, err error, batch []types.Message) error {
	o.mu.Lock()
	o.stats.Errors++
	o.lastError = err.Error()
	cfg := o.cfg
	o.mu.Unlock()

	if len(batch) > 0 {
		reason := failureReason(err)
		drop := make(map[types.ItemID]struct{}, len(batch))
		for _, msg := range batch {
			if qerr := o.queue.Fail(ctx, cfg.Queue, msg.ID, reason); qerr != nil {
				log.Error("Failed to record failed item", "item", msg.ID, "error", qerr)
			}
			drop[msg.ID] = struct{}{}
		}
		// 從 fetched 移除，下次取信時重新提供
		o.cycle.forget(drop)
	}

	log.Error("Cycle failed", "state", from, "batch", len(batch), "error", err)
	o.transition(ctx, from, types.StatusError, map[string]any{
		"error": err.Error(),
		"batch": len(batch),
	})
	o.transition(ctx, types.StatusError, types.StatusIdle, nil)
	o.metrics.RecordCycle("error", time.Since(start).Seconds())
	return err
}

// transition 更新狀態並在 agents 頻道發佈轉換事件
func (o *Orchestrator) transition(ctx context.Context, from, to types.CycleStatus, data map[string]any) {
	o.mu.Lock()
	o.state = to
	stats := o.stats
	o.mu.Unlock()

	o.metrics.SetState(string(to))
	log.Debug("State transition", "from", from, "to", to)

	payload := map[string]any{
		"from":  string(from),
		"to":    string(to),
		"stats": stats,
	}
	for k, v := range data {
		payload[k] = v
	}
	o.broadcast(ctx, types.NewEvent(ChannelAgents, EventTypeAgent, TransitionName(from, to), payload))
}

func (o *Orchestrator) broadcast(ctx context.Context, event types.Event) {
	o.broadcaster.Broadcast(ctx, event)
}

// TransitionName 回傳轉換事件名稱，例如 idle_to_checking
func TransitionName(from, to types.CycleStatus) string {
	return string(from) + "_to_" + string(to)
}

// ============================================================================
// 輔助函式
// ============================================================================

func messageIDs(msgs []types.Message) []types.ItemID {
	ids := make([]types.ItemID, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func analysisFrom(mr pipeline.MessageResult, now time.Time) types.Analysis {
	return types.Analysis{
		MessageID:  mr.MessageID,
		Category:   mr.Classification.Category,
		Priority:   mr.Classification.Priority,
		Confidence: mr.Classification.Confidence,
		Summary:    mr.Context.Summary,
		Approach:   mr.Strategy.Approach,
		Tone:       mr.Strategy.Tone,
		KeyPoints:  mr.Strategy.KeyPoints,
		CreatedAt:  now,
	}
}

func draftFrom(msg types.Message, reply pipeline.DraftReply, now time.Time) types.Draft {
	subject := strings.TrimSpace(reply.Subject)
	if subject == "" {
		subject = msg.Subject
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}
	return types.Draft{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		ThreadID:   msg.ThreadID,
		To:         msg.From,
		Subject:    subject,
		Body:       reply.Body,
		Confidence: reply.Confidence,
		CreatedAt:  now,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, pipeline.ErrMalformedResult):
		return "malformed result"
	default:
		return err.Error()
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(context.Context, types.Event) int { return 0 }
