package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

// Spool 以目錄作為信箱：
//
//	<dir>/inbox/<id>.json   未讀郵件
//	<dir>/read/<id>.json    已讀郵件（MarkRead 搬移過來）
//	<dir>/drafts/<id>.json  建立的草稿
type Spool struct {
	dir string
	mu  sync.Mutex
}

// NewSpool 建立 spool 信箱並確保子目錄存在
func NewSpool(dir string) (*Spool, error) {
	for _, sub := range []string{"inbox", "read", "drafts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create spool %s: %w", sub, err)
		}
	}
	return &Spool{dir: dir}, nil
}

// Deliver 寫入一封未讀郵件（先寫暫存檔再 rename）
func (s *Spool) Deliver(msg types.Message) error {
	name, err := fileName(string(msg.ID))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, "inbox", name), msg)
}

func (s *Spool) FetchUnread(ctx context.Context, limit int) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "inbox"))
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	msgs := make([]types.Message, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, "inbox", entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Skipping unreadable spool message", "file", path, "error", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = types.ItemID(strings.TrimSuffix(entry.Name(), ".json"))
		}
		msgs = append(msgs, msg)
	}
	sortMessages(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *Spool) MarkRead(_ context.Context, id types.ItemID) error {
	name, err := fileName(string(id))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := filepath.Join(s.dir, "inbox", name)
	to := filepath.Join(s.dir, "read", name)
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(to); statErr == nil {
				return nil
			}
			return fmt.Errorf("mark read %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return nil
}

func (s *Spool) CreateDraft(_ context.Context, draft types.Draft) error {
	name, err := fileName(draft.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, "drafts", name), draft)
}

func fileName(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return id + ".json", nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
