package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher mirrors bus traffic to Redis pub/sub channels so an
// out-of-process UI, or a fleet of Syrah instances, can share one event
// stream. Enabled by config (§ AMBIENT/DOMAIN STACK); the in-process Bus
// works fully without it.
type RedisPublisher struct {
	client        *redis.Client
	flowsChannel  string
	statusChannel string
	logger        *slog.Logger
}

// NewRedisPublisher wires a Publisher against an already-configured client.
func NewRedisPublisher(client *redis.Client, channelPrefix string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:        client,
		flowsChannel:  channelPrefix + ":flows",
		statusChannel: channelPrefix + ":status",
		logger:        logger,
	}
}

func (p *RedisPublisher) PublishFlow(evt FlowEvent) {
	b, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("eventbus: failed to marshal flow event for redis", "error", err)
		return
	}
	if err := p.client.Publish(context.Background(), p.flowsChannel, b).Err(); err != nil {
		p.logger.Warn("eventbus: redis publish failed", "channel", p.flowsChannel, "error", err)
	}
}

func (p *RedisPublisher) PublishStatus(snap StatusSnapshot) {
	b, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn("eventbus: failed to marshal status snapshot for redis", "error", err)
		return
	}
	if err := p.client.Publish(context.Background(), p.statusChannel, b).Err(); err != nil {
		p.logger.Warn("eventbus: redis publish failed", "channel", p.statusChannel, "error", err)
	}
}
