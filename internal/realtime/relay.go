package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-mail/internal/queuestore"
	"github.com/ChuLiYu/beaver-mail/internal/registry"
	"github.com/ChuLiYu/beaver-mail/internal/workqueue"
	"github.com/ChuLiYu/beaver-mail/pkg/types"
)

// Broadcaster 事件扇出目標
type Broadcaster interface {
	Broadcast(ctx context.Context, event types.Event) int
}

// Relay 訂閱 store 的 queue:events，並把每個佇列事件轉送到 queue 頻道。
// 阻塞到 ctx 結束或訂閱被關閉為止。
func Relay(ctx context.Context, store queuestore.Store, b Broadcaster) error {
	sub, err := store.Subscribe(ctx, workqueue.EventsChannel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", workqueue.EventsChannel, err)
	}
	defer sub.Close()

	log.Info("Relaying queue events", "from", workqueue.EventsChannel, "to", registry.ChannelQueue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var event types.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Warn("Dropping undecodable queue event", "channel", msg.Channel, "error", err)
				continue
			}
			event.Channel = registry.ChannelQueue
			b.Broadcast(ctx, event)
		}
	}
}
