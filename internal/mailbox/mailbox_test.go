package mailbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) types.Message {
	return types.Message{
		ID:         types.ItemID(id),
		From:       "sender@example.com",
		Subject:    "subject " + id,
		Body:       "body " + id,
		ReceivedAt: base.Add(offset),
	}
}

func eachMailbox(t *testing.T, fn func(t *testing.T, mb Mailbox, deliver func(types.Message))) {
	t.Run("memory", func(t *testing.T) {
		mem := NewMemory()
		fn(t, mem, mem.Deliver)
	})
	t.Run("spool", func(t *testing.T) {
		sp, err := NewSpool(t.TempDir())
		require.NoError(t, err)
		fn(t, sp, func(m types.Message) { require.NoError(t, sp.Deliver(m)) })
	})
}

func TestFetchUnreadOrderAndLimit(t *testing.T) {
	eachMailbox(t, func(t *testing.T, mb Mailbox, deliver func(types.Message)) {
		deliver(msg("c", 3*time.Minute))
		deliver(msg("a", time.Minute))
		deliver(msg("b", 2*time.Minute))

		msgs, err := mb.FetchUnread(context.Background(), 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, types.ItemID("a"), msgs[0].ID)
		assert.Equal(t, types.ItemID("b"), msgs[1].ID)

		all, err := mb.FetchUnread(context.Background(), 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestMarkReadHidesMessage(t *testing.T) {
	eachMailbox(t, func(t *testing.T, mb Mailbox, deliver func(types.Message)) {
		ctx := context.Background()
		deliver(msg("a", 0))
		deliver(msg("b", time.Second))

		require.NoError(t, mb.MarkRead(ctx, "a"))

		msgs, err := mb.FetchUnread(ctx, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, types.ItemID("b"), msgs[0].ID)

		err = mb.MarkRead(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateDraft(t *testing.T) {
	eachMailbox(t, func(t *testing.T, mb Mailbox, _ func(types.Message)) {
		err := mb.CreateDraft(context.Background(), types.Draft{
			ID:        "d1",
			MessageID: "a",
			Subject:   "Re: hi",
			Body:      "hello",
		})
		require.NoError(t, err)
	})
}

func TestMemoryFailureInjection(t *testing.T) {
	mem := NewMemory(msg("a", 0))
	mem.FetchErr = errors.New("imap down")
	_, err := mem.FetchUnread(context.Background(), 0)
	assert.EqualError(t, err, "imap down")

	mem.FetchErr = nil
	mem.DraftErr = func(d types.Draft) error {
		if d.MessageID == "bad" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	assert.Error(t, mem.CreateDraft(context.Background(), types.Draft{ID: "d1", MessageID: "bad"}))
	assert.NoError(t, mem.CreateDraft(context.Background(), types.Draft{ID: "d2", MessageID: "good"}))
	assert.Len(t, mem.Drafts(), 1)
}

func TestSpoolLayout(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSpool(dir)
	require.NoError(t, err)

	require.NoError(t, sp.Deliver(msg("a", 0)))
	require.NoError(t, sp.MarkRead(context.Background(), "a"))
	require.NoError(t, sp.MarkRead(context.Background(), "a"), "marking twice is a no-op")
	require.NoError(t, sp.CreateDraft(context.Background(), types.Draft{ID: "d1", MessageID: "a"}))

	_, err = os.Stat(filepath.Join(dir, "read", "a.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "drafts", "d1.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "inbox", "a.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestSpoolSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	sp, err := NewSpool(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inbox", "junk.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inbox", "notes.txt"), []byte("ignore"), 0o644))
	require.NoError(t, sp.Deliver(msg("ok", 0)))

	msgs, err := sp.FetchUnread(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.ItemID("ok"), msgs[0].ID)
}

func TestSpoolRejectsPathIDs(t *testing.T) {
	sp, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	assert.ErrorIs(t, sp.Deliver(types.Message{ID: "../escape"}), ErrInvalidID)
	assert.ErrorIs(t, sp.MarkRead(context.Background(), ""), ErrInvalidID)
}
