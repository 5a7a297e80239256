package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus is the cross-process broadcast surface. Publish must reach sockets on
// every process subscribed to the channel; bus errors degrade to local-only
// delivery, never crash the process.
type Bus interface {
	// Publish sends one event to every subscriber of channel, on any process.
	Publish(ctx context.Context, channel, event string, payload any) error
	// Subscribe attaches a local socket to a channel.
	Subscribe(ctx context.Context, channel, socketID string, send SendFunc)
	// Unsubscribe detaches a local socket from a channel.
	Unsubscribe(ctx context.Context, channel, socketID string)
	// UnsubscribeAll detaches a socket from every channel.
	UnsubscribeAll(ctx context.Context, socketID string)
	// GlobalCount fans the "how many subscribers" question out across all
	// processes; local registries only know their own sockets.
	GlobalCount(ctx context.Context, channel string) (int64, error)
}

const (
	redisChannelPrefix = "quizlive:chan:"
	countKeyPrefix     = "quizlive:subcount:"
	countTTL           = 12 * time.Hour
)

// RedisBus bridges the local hub over Redis pub/sub. A shared per-channel
// counter keeps the global subscriber count honest across processes.
type RedisBus struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, hub *Hub, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, hub: hub, logger: logger.With("component", "fanout")}
}

type busMessage struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (b *RedisBus) Publish(ctx context.Context, channel, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(busMessage{Channel: channel, Event: env.Event, Payload: env.Payload})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+channel, raw).Err(); err != nil {
		// Degraded mode: this process's sockets still hear the event.
		b.logger.Error("bus publish failed, delivering locally only", "channel", channel, "err", err)
		b.hub.Deliver(channel, env)
		return nil
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel, socketID string, send SendFunc) {
	b.hub.Subscribe(channel, socketID, send)
	key := countKeyPrefix + channel
	if err := b.client.Incr(ctx, key).Err(); err != nil {
		b.logger.Error("subscriber count incr failed", "channel", channel, "err", err)
		return
	}
	_ = b.client.Expire(ctx, key, countTTL).Err()
}

func (b *RedisBus) Unsubscribe(ctx context.Context, channel, socketID string) {
	b.hub.Unsubscribe(channel, socketID)
	if err := b.client.Decr(ctx, countKeyPrefix+channel).Err(); err != nil {
		b.logger.Error("subscriber count decr failed", "channel", channel, "err", err)
	}
}

func (b *RedisBus) UnsubscribeAll(ctx context.Context, socketID string) {
	channels := b.hub.UnsubscribeAll(socketID)
	for _, channel := range channels {
		if err := b.client.Decr(ctx, countKeyPrefix+channel).Err(); err != nil {
			b.logger.Error("subscriber count decr failed", "channel", channel, "err", err)
		}
	}
}

func (b *RedisBus) GlobalCount(ctx context.Context, channel string) (int64, error) {
	count, err := b.client.Get(ctx, countKeyPrefix+channel).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		// Degrade to the local view rather than failing the query.
		b.logger.Error("global count unavailable, using local", "channel", channel, "err", err)
		return int64(b.hub.LocalCount(channel)), nil
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}

// Run consumes the shared pub/sub stream and delivers to local sockets until
// ctx is canceled. Connectivity errors are logged and retried; the loop never
// panics the process.
func (b *RedisBus) Run(ctx context.Context) {
	for {
		if err := b.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("bus subscription lost, reconnecting", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (b *RedisBus) consume(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			var bm busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.logger.Error("malformed bus message", "err", err)
				continue
			}
			channel := bm.Channel
			if channel == "" {
				channel = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			}
			b.hub.Deliver(channel, Envelope{Event: bm.Event, Payload: bm.Payload})
		}
	}
}

// LocalBus is the single-process fallback used without Redis.
type LocalBus struct {
	hub *Hub
}

func NewLocalBus(hub *Hub) *LocalBus {
	return &LocalBus{hub: hub}
}

func (b *LocalBus) Publish(_ context.Context, channel, event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	b.hub.Deliver(channel, env)
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, channel, socketID string, send SendFunc) {
	b.hub.Subscribe(channel, socketID, send)
}

func (b *LocalBus) Unsubscribe(_ context.Context, channel, socketID string) {
	b.hub.Unsubscribe(channel, socketID)
}

func (b *LocalBus) UnsubscribeAll(_ context.Context, socketID string) {
	b.hub.UnsubscribeAll(socketID)
}

func (b *LocalBus) GlobalCount(_ context.Context, channel string) (int64, error) {
	return int64(b.hub.LocalCount(channel)), nil
}
