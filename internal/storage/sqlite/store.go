// Package sqlite 保存協調器的處理結果：已處理郵件 ID、分析結果與草稿紀錄。
//
// 已處理 ID 表讓去重在行程重啟後仍然成立；分析與草稿表供控制介面查詢歷史。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_items (
	id TEXT PRIMARY KEY,
	processed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
	message_id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	priority INTEGER NOT NULL,
	confidence REAL NOT NULL,
	summary TEXT NOT NULL,
	approach TEXT NOT NULL,
	tone TEXT NOT NULL DEFAULT '',
	key_points TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_created ON analyses(created_at);

CREATE TABLE IF NOT EXISTS drafts (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	recipient TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL,
	body TEXT NOT NULL,
	confidence REAL NOT NULL,
	dispatched INTEGER NOT NULL DEFAULT 0,
	dispatch_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drafts_message ON drafts(message_id);
CREATE INDEX IF NOT EXISTS idx_drafts_created ON drafts(created_at);
`

// ErrNotFound 查無紀錄
var ErrNotFound = errors.New("record not found")

// DraftRecord 草稿與其派送結果
type DraftRecord struct {
	types.Draft
	Dispatched    bool   `json:"dispatched"`
	DispatchError string `json:"dispatch_error,omitempty"`
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MarkProcessed 在單一交易中記錄一批已處理的 ID；重複的 ID 會被忽略
func (s *Store) MarkProcessed(ctx context.Context, ids ...types.ItemID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark processed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO processed_items(id, processed_at) VALUES(?, ?)`,
			string(id), now,
		); err != nil {
			return fmt.Errorf("mark processed %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark processed: %w", err)
	}
	return nil
}

// ProcessedIDs 回傳所有已處理的 ID
func (s *Store) ProcessedIDs(ctx context.Context) ([]types.ItemID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM processed_items ORDER BY processed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer rows.Close()

	ids := make([]types.ItemID, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		ids = append(ids, types.ItemID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed: %w", err)
	}
	return ids, nil
}

func (s *Store) IsProcessed(ctx context.Context, id types.ItemID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_items WHERE id = ?`, string(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", id, err)
	}
	return n > 0, nil
}

// SaveAnalysis 新增或覆寫一封郵件的分析結果
func (s *Store) SaveAnalysis(ctx context.Context, a types.Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	keyPoints, err := json.Marshal(nonNil(a.KeyPoints))
	if err != nil {
		return fmt.Errorf("encode key points: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analyses(message_id, category, priority, confidence, summary, approach, tone, key_points, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			category = excluded.category,
			priority = excluded.priority,
			confidence = excluded.confidence,
			summary = excluded.summary,
			approach = excluded.approach,
			tone = excluded.tone,
			key_points = excluded.key_points,
			created_at = excluded.created_at`,
		string(a.MessageID), a.Category, a.Priority, a.Confidence, a.Summary, a.Approach, a.Tone,
		string(keyPoints), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save analysis %s: %w", a.MessageID, err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, id types.ItemID) (types.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, category, priority, confidence, summary, approach, tone, key_points, created_at
		FROM analyses WHERE message_id = ?`, string(id))
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Analysis{}, fmt.Errorf("get analysis %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Analysis{}, fmt.Errorf("get analysis %s: %w", id, err)
	}
	return a, nil
}

// ListAnalyses 回傳最新的分析結果；limit <= 0 時回傳全部
func (s *Store) ListAnalyses(ctx context.Context, limit int) ([]types.Analysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, category, priority, confidence, summary, approach, tone, key_points, created_at
		FROM analyses ORDER BY created_at DESC, message_id LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	result := make([]types.Analysis, 0)
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return result, nil
}

// SaveDraft 儲存一份尚未派送的草稿
func (s *Store) SaveDraft(ctx context.Context, d types.Draft) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts(id, message_id, thread_id, recipient, subject, body, confidence, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.MessageID), d.ThreadID, d.To, d.Subject, d.Body, d.Confidence, d.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save draft %s: %w", d.ID, err)
	}
	return nil
}

// MarkDraftDispatched 記錄派送結果；dispatchErr 為 nil 表示成功
func (s *Store) MarkDraftDispatched(ctx context.Context, id string, dispatchErr error) error {
	dispatched, reason := 1, ""
	if dispatchErr != nil {
		dispatched, reason = 0, dispatchErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts SET dispatched = ?, dispatch_error = ? WHERE id = ?`,
		dispatched, reason, id,
	)
	if err != nil {
		return fmt.Errorf("mark draft %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark draft %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDrafts 回傳最新的草稿；limit <= 0 時回傳全部
func (s *Store) ListDrafts(ctx context.Context, limit int) ([]DraftRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, thread_id, recipient, subject, body, confidence, dispatched, dispatch_error, created_at
		FROM drafts ORDER BY created_at DESC, id LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	result := make([]DraftRecord, 0)
	for rows.Next() {
		var (
			d          DraftRecord
			messageID  string
			dispatched int
			created    int64
		)
		if err := rows.Scan(&d.ID, &messageID, &d.ThreadID, &d.To, &d.Subject, &d.Body,
			&d.Confidence, &dispatched, &d.DispatchError, &created); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		d.MessageID = types.ItemID(messageID)
		d.Dispatched = dispatched == 1
		d.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (types.Analysis, error) {
	var (
		a         types.Analysis
		messageID string
		keyPoints string
		created   int64
	)
	if err := row.Scan(&messageID, &a.Category, &a.Priority, &a.Confidence, &a.Summary,
		&a.Approach, &a.Tone, &keyPoints, &created); err != nil {
		return types.Analysis{}, err
	}
	a.MessageID = types.ItemID(messageID)
	a.CreatedAt = time.UnixMilli(created).UTC()
	if err := json.Unmarshal([]byte(keyPoints), &a.KeyPoints); err != nil {
		return types.Analysis{}, fmt.Errorf("decode key points: %w", err)
	}
	return a, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
