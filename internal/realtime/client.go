package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Incoming 客戶端收到的任何訊息：協定回覆或事件推送
type Incoming struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Event     string         `json:"event,omitempty"`
	Channels  []string       `json:"channels,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Client 即時通道的客戶端，供 watch 與測試使用
type Client struct {
	ws *websocket.Conn
	mu sync.Mutex

	SubscriberID string
	Channels     []string
}

// Dial 連線、送出 auth 訊息並等待 connected 回覆
func Dial(ctx context.Context, url, token, userID string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{ws: ws}

	if err := c.Send(ClientMessage{Type: TypeAuth, Token: token, UserID: userID}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	msg, err := c.Next()
	_ = ws.SetReadDeadline(time.Time{})
	if err != nil {
		_ = ws.Close()
		if websocket.IsCloseError(err, CloseAuthFailed) {
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("await connected: %w", err)
	}
	if msg.Type != TypeConnected {
		_ = ws.Close()
		return nil, fmt.Errorf("await connected: unexpected %q message", msg.Type)
	}

	if id, ok := msg.Data["subscriber_id"].(string); ok {
		c.SubscriberID = id
	}
	if raw, ok := msg.Data["channels"].([]any); ok {
		for _, ch := range raw {
			if s, ok := ch.(string); ok {
				c.Channels = append(c.Channels, s)
			}
		}
	}
	return c, nil
}

// Send 送出一則客戶端訊息
func (c *Client) Send(msg ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Next 阻塞直到收到下一則訊息
func (c *Client) Next() (Incoming, error) {
	var msg Incoming
	if err := c.ws.ReadJSON(&msg); err != nil {
		return Incoming{}, err
	}
	return msg, nil
}

// Close 以 normal closure 結束連線
func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
