package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultBridgeChannel = "carequeue:events"

// RedisBridge fans events out across instances. Publish sends to a Redis
// channel; Run relays every message on that channel into the local hub. A
// single subscription preserves publish order per publisher connection.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
	logger  zerolog.Logger
}

func NewRedisBridge(client redis.UniversalClient, channel string, hub *Hub, logger zerolog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultBridgeChannel
	}
	return &RedisBridge{client: client, channel: channel, hub: hub, logger: logger}
}

func (b *RedisBridge) Publish(ctx context.Context, event Event) error {
	if event.Room == "" {
		return fmt.Errorf("event %s has no room", event.Name)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.Name, err)
	}
	if err := b.client.Publish(ctx, b.channel, string(data)).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Name, err)
	}
	return nil
}

// Run subscribes to the bridge channel until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("event bridge subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(msg.Payload)
		}
	}
}

func (b *RedisBridge) deliver(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn().Err(err).Msg("event bridge: dropping malformed message")
		return
	}
	b.hub.Broadcast(ev.Room, ev)
}
