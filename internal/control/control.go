// Package control 定義 REST、gRPC 與 MCP 共用的控制介面與請求格式。
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/beaver-mail/internal/orchestrator"
	"github.com/ChuLiYu/beaver-mail/internal/pipeline"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

// ErrBadRequest 控制請求參數不合法
var ErrBadRequest = errors.New("bad control request")

// Agents 協調器的控制操作
type Agents interface {
	Start(opts orchestrator.StartOptions) bool
	Stop() bool
	Status() types.OrchestratorStatus
	Test(ctx context.Context) (pipeline.Result, error)
}

// Queues 佇列的查詢操作
type Queues interface {
	Stats(ctx context.Context, queue string) (types.QueueStats, error)
	StatsAll(ctx context.Context) ([]types.QueueStats, error)
	Errors(ctx context.Context, queue string, limit int) ([]types.ErrorRecord, error)
	ClearErrors(ctx context.Context, queue string) error
}

// StartRequest start 的參數；零值欄位沿用設定檔預設
type StartRequest struct {
	// Interval 可以是 duration 字串 ("30s") 或秒數 ("30")
	Interval       string `json:"interval,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	AutoSendDrafts *bool  `json:"auto_send_drafts,omitempty"`
}

// Options 轉換為協調器的 StartOptions
func (r StartRequest) Options() (orchestrator.StartOptions, error) {
	opts := orchestrator.StartOptions{
		BatchSize:      r.BatchSize,
		AutoSendDrafts: r.AutoSendDrafts,
	}
	if r.BatchSize < 0 {
		return opts, fmt.Errorf("%w: batch_size must not be negative", ErrBadRequest)
	}
	if r.Interval != "" {
		d, err := ParseInterval(r.Interval)
		if err != nil {
			return opts, err
		}
		opts.Interval = d
	}
	return opts, nil
}

// ParseInterval 接受 duration 字串或整數秒
func ParseInterval(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("%w: interval must be positive", ErrBadRequest)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: interval %q: %v", ErrBadRequest, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be positive", ErrBadRequest)
	}
	return d, nil
}

// StartResponse start / stop 的回覆
type StartResponse struct {
	// Changed 為 false 表示已在目標狀態（重複 start 或 stop 是 no-op）
	Changed bool                     `json:"changed"`
	Status  types.OrchestratorStatus `json:"status"`
}
