package broadcast

import (
	"context"
	"encoding/json"

	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "walkguard:broadcast"

type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin"`
}

// Redis delivers locally and relays through a pub/sub channel so every
// instance reaches its own connections
type Redis struct {
	local   *Local
	client  *redis.Client
	channel string
	origin  string
	metrics *metrics.Metrics
}

func NewRedis(local *Local, client *redis.Client, channel string, m *metrics.Metrics) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{local: local, client: client, channel: channel, origin: uuid.NewString(), metrics: m}
}

func (r *Redis) Publish(ctx context.Context, topic, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode broadcast payload")
	}
	localErr := r.local.deliver(topic, event, data)

	msg, err := json.Marshal(envelope{Topic: topic, Event: event, Payload: data, Origin: r.origin})
	if err != nil {
		return errors.Wrap(err, "encode broadcast envelope")
	}
	if err := r.client.Publish(ctx, r.channel, msg).Err(); err != nil {
		r.metrics.BroadcastError("redis")
		return errors.Unavailable(err, "redis broadcast")
	}
	return localErr
}

// Run relays messages from other instances until ctx is done
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Unavailable(err, "subscribe broadcast channel")
	}
	logger.Info("broadcast relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("dropping malformed broadcast", zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			if err := r.local.deliver(env.Topic, env.Event, env.Payload); err != nil {
				logger.Debug("relayed broadcast not delivered", zap.String("topic", env.Topic), zap.Error(err))
			}
		}
	}
}
