// ============================================================================
// Beaver-Mail 分析管線契約 - 外部協作者的請求與回應
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 定義協調器呼叫的單一管線介面，以及結果的完整性驗證
//
// 管線階段 (每封郵件一份結果):
//   1. Classification  分類、優先級 (1-5)、信心分數 (0-1)
//   2. Context         上下文摘要
//   3. Strategy        回覆策略（做法、語氣、重點）
//   4. Draft           選擇性的回覆草稿
//
// 一次呼叫處理一整批；任一郵件的結果缺失或格式錯誤，整批視為失敗。
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var (
	// ErrMalformedResult 管線回應不完整或欄位超出範圍
	ErrMalformedResult = errors.New("malformed pipeline result")
	// ErrEmptyBatch 請求中沒有任何郵件
	ErrEmptyBatch = errors.New("pipeline request has no messages")
)

const (
	MinPriority = 1
	MaxPriority = 5
)

// Pipeline 外部分析與草稿產生管線
type Pipeline interface {
	Process(ctx context.Context, req Request) (Result, error)
}

// Func 讓一般函式滿足 Pipeline 介面
type Func func(ctx context.Context, req Request) (Result, error)

// Process 呼叫 f
func (f Func) Process(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Request 一批郵件加上使用者背景
type Request struct {
	Messages []types.Message   `json:"messages"`
	User     types.UserContext `json:"user"`
}

// Classification 分類階段輸出
type Classification struct {
	Category   string  `json:"category"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
}

// Context 上下文階段輸出
type Context struct {
	Summary        string   `json:"summary"`
	RelatedThreads []string `json:"related_threads,omitempty"`
}

// Strategy 回覆策略階段輸出
type Strategy struct {
	Approach  string   `json:"approach"`
	Tone      string   `json:"tone,omitempty"`
	KeyPoints []string `json:"key_points,omitempty"`
}

// DraftReply 草稿階段輸出
type DraftReply struct {
	Subject    string  `json:"subject"`
	Body       string  `json:"body"`
	Confidence float64 `json:"confidence"`
}

// MessageResult 單一郵件的各階段結果
type MessageResult struct {
	MessageID      types.ItemID   `json:"message_id"`
	Classification Classification `json:"classification"`
	Context        Context        `json:"context"`
	Strategy       Strategy       `json:"strategy"`
	Draft          *DraftReply    `json:"draft,omitempty"`
}

// Result 一次管線呼叫的完整輸出
type Result struct {
	Results []MessageResult `json:"results"`
}

// Drafts 回傳帶有草稿的結果數
func (r Result) Drafts() int {
	n := 0
	for _, mr := range r.Results {
		if mr.Draft != nil {
			n++
		}
	}
	return n
}

// For 依郵件 ID 取得結果
func (r Result) For(id types.ItemID) (MessageResult, bool) {
	for _, mr := range r.Results {
		if mr.MessageID == id {
			return mr, true
		}
	}
	return MessageResult{}, false
}

// Validate 確認 batch 中每封郵件都有一份完整的結果
func (r Result) Validate(batch []types.Message) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	byID := make(map[types.ItemID]MessageResult, len(r.Results))
	for _, mr := range r.Results {
		if _, dup := byID[mr.MessageID]; dup {
			return fmt.Errorf("%w: duplicate result for %s", ErrMalformedResult, mr.MessageID)
		}
		byID[mr.MessageID] = mr
	}
	for _, msg := range batch {
		mr, ok := byID[msg.ID]
		if !ok {
			return fmt.Errorf("%w: missing result for %s", ErrMalformedResult, msg.ID)
		}
		if err := mr.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedResult, msg.ID, err)
		}
	}
	return nil
}

func (mr MessageResult) validate() error {
	switch {
	case strings.TrimSpace(mr.Classification.Category) == "":
		return errors.New("classification category is empty")
	case mr.Classification.Priority < MinPriority || mr.Classification.Priority > MaxPriority:
		return fmt.Errorf("priority %d out of range", mr.Classification.Priority)
	case !unitInterval(mr.Classification.Confidence):
		return fmt.Errorf("classification confidence %v out of range", mr.Classification.Confidence)
	case strings.TrimSpace(mr.Context.Summary) == "":
		return errors.New("context summary is empty")
	case strings.TrimSpace(mr.Strategy.Approach) == "":
		return errors.New("strategy approach is empty")
	}
	if mr.Draft != nil {
		if strings.TrimSpace(mr.Draft.Body) == "" {
			return errors.New("draft body is empty")
		}
		if !unitInterval(mr.Draft.Confidence) {
			return fmt.Errorf("draft confidence %v out of range", mr.Draft.Confidence)
		}
	}
	return nil
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
