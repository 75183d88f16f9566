// ============================================================================
// Beaver-Mail 即時通道 - WebSocket 訂閱協定
// ============================================================================
//
// Package: internal/realtime
// 文件: realtime.go
// 功能: 將 WebSocket 連線接上連線註冊表
//
// 協定:
//   1. 客戶端在 auth timeout 內送出 {"type":"auth","token","user_id"}
//      驗證失敗以 close code 4001 "authentication failed" 關閉
//   2. 成功後註冊預設頻道，回覆 {"type":"connected","data":{subscriber_id, channels}}
//   3. subscribe / unsubscribe / ping / get_status；未知類型回覆 error
//   4. 伺服器推送事件由 Registry.Broadcast 負責
//
// 並發模型:
//   - 每條連線一個讀取 goroutine（ServeHTTP 本身）
//   - 寫入經由 wsConn.Send，以 mutex 序列化（gorilla 連線只允許單一 writer）
//
// ============================================================================

package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/beaver-mail/internal/registry"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

var log = slog.Default()

var (
	// ErrAuthFailed 驗證訊息缺失、格式錯誤或 token 不正確
	ErrAuthFailed = errors.New("authentication failed")
)

// CloseAuthFailed 驗證失敗時使用的 WebSocket close code
const CloseAuthFailed = 4001

// 訊息類型
const (
	TypeAuth         = "auth"
	TypeConnected    = "connected"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeGetStatus    = "get_status"
	TypeStatus       = "status"
	TypeError        = "error"
)

const (
	DefaultAuthTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	maxMessageSize = 64 * 1024
)

// ClientMessage 客戶端送來的訊息
type ClientMessage struct {
	Type     string   `json:"type"`
	Token    string   `json:"token,omitempty"`
	UserID   string   `json:"user_id,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// ServerMessage 伺服器對單一連線的回覆（事件推送使用 types.Event）
type ServerMessage struct {
	Type      string         `json:"type"`
	Channels  []string       `json:"channels,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

func reply(msgType string) ServerMessage {
	return ServerMessage{Type: msgType, Timestamp: time.Now().UnixMilli()}
}

// StatusProvider get_status 的資料來源
type StatusProvider interface {
	Status() types.OrchestratorStatus
}

// Option Handler 建構選項
type Option func(*Handler)

// WithTokens 設定可接受的 token；未設定時接受任何 auth 訊息
func WithTokens(tokens ...string) Option {
	return func(h *Handler) {
		for _, t := range tokens {
			if t != "" {
				h.tokens = append(h.tokens, t)
			}
		}
	}
}

// WithAuthTimeout 設定等待 auth 訊息的時間
func WithAuthTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.authTimeout = d
		}
	}
}

// WithWriteTimeout 設定單次寫入的期限
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithStatus 設定 get_status 的資料來源
func WithStatus(p StatusProvider) Option {
	return func(h *Handler) {
		if p != nil {
			h.status = p
		}
	}
}

// Handler /ws 端點
type Handler struct {
	reg          *registry.Registry
	status       StatusProvider
	tokens       []string
	authTimeout  time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewHandler 建立綁定到 reg 的 WebSocket handler
func NewHandler(reg *registry.Registry, opts ...Option) *Handler {
	h := &Handler{
		reg:          reg,
		authTimeout:  DefaultAuthTimeout,
		writeTimeout: DefaultWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// ServeHTTP 升級連線並執行整個訂閱協定，直到連線結束
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	userID, err := h.authenticate(ws)
	if err != nil {
		log.Info("Rejected realtime connection", "remote", r.RemoteAddr, "error", err)
		deadline := time.Now().Add(h.writeTimeout)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseAuthFailed, ErrAuthFailed.Error()), deadline)
		_ = ws.Close()
		return
	}

	conn := newWSConn(ws, h.writeTimeout)
	id := h.reg.Connect("", conn)
	defer h.reg.Disconnect(id)

	ctx := r.Context()
	channels, _ := h.reg.Channels(id)
	connected := reply(TypeConnected)
	connected.Data = map[string]any{"subscriber_id": id, "channels": channels}
	if userID != "" {
		connected.Data["user_id"] = userID
	}
	if err := h.reg.SendTo(ctx, id, connected); err != nil {
		log.Warn("Failed to confirm realtime connection", "subscriber", id, "error", err)
		return
	}
	log.Info("Realtime subscriber connected", "subscriber", id, "user", userID)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Realtime connection closed", "subscriber", id, "error", err)
			}
			return
		}
		if err := h.handleMessage(ctx, id, data); err != nil {
			log.Debug("Realtime reply failed", "subscriber", id, "error", err)
			return
		}
	}
}

func (h *Handler) authenticate(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.authTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	var msg ClientMessage
	if err := ws.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if msg.Type != TypeAuth {
		return "", fmt.Errorf("%w: expected auth message, got %q", ErrAuthFailed, msg.Type)
	}
	if !h.validToken(msg.Token) {
		return "", fmt.Errorf("%w: invalid token", ErrAuthFailed)
	}
	return msg.UserID, nil
}

func (h *Handler) validToken(token string) bool {
	if len(h.tokens) == 0 {
		return true
	}
	for _, t := range h.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (h *Handler) handleMessage(ctx context.Context, id string, data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		out := reply(TypeError)
		out.Error = "malformed message"
		return h.reg.SendTo(ctx, id, out)
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var (
			channels []string
			err      error
			out      ServerMessage
		)
		if msg.Type == TypeSubscribe {
			channels, err = h.reg.Subscribe(id, msg.Channels...)
			out = reply(TypeSubscribed)
		} else {
			channels, err = h.reg.Unsubscribe(id, msg.Channels...)
			out = reply(TypeUnsubscribed)
		}
		if err != nil {
			return err
		}
		out.Channels = channels
		return h.reg.SendTo(ctx, id, out)

	case TypePing:
		return h.reg.SendTo(ctx, id, reply(TypePong))

	case TypeGetStatus:
		if h.status == nil {
			out := reply(TypeError)
			out.Error = "status unavailable"
			return h.reg.SendTo(ctx, id, out)
		}
		out := reply(TypeStatus)
		out.Data = statusData(h.status.Status())
		return h.reg.SendTo(ctx, id, out)

	default:
		out := reply(TypeError)
		out.Error = fmt.Sprintf("unknown message type %q", msg.Type)
		return h.reg.SendTo(ctx, id, out)
	}
}

func statusData(s types.OrchestratorStatus) map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}

// ============================================================================
// registry.Conn 實作
// ============================================================================

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

// Send 寫入一則文字訊息；期限取 writeTimeout 與 ctx deadline 較早者
func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}
