// Package mailbox 定義協調器使用的信箱協作者契約，並提供記憶體與檔案 spool 兩種實作。
//
// 真正的郵件服務整合（OAuth、Gmail API 等）不在此套件範圍內；
// 這裡只規定 fetch / mark-read / create-draft 三個邊界操作。
package mailbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

var (
	// ErrNotFound 郵件不存在
	ErrNotFound = errors.New("message not found")
	// ErrInvalidID 郵件 ID 不可用於檔名
	ErrInvalidID = errors.New("invalid message id")
)

// Mailbox 外部信箱
type Mailbox interface {
	// FetchUnread 回傳最多 limit 封未讀郵件（依收件時間排序）；limit <= 0 代表不限
	FetchUnread(ctx context.Context, limit int) ([]types.Message, error)
	// MarkRead 將郵件標記為已讀
	MarkRead(ctx context.Context, id types.ItemID) error
	// CreateDraft 在信箱中建立回覆草稿
	CreateDraft(ctx context.Context, draft types.Draft) error
}
