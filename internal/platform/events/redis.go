package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/agenda/agenda/internal/domain/scheduling"
)

// RedisPublisher fans events out over Redis pub/sub, one channel per
// event type.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
	nodeID string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, nodeID: NodeID()}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev scheduling.Event) error {
	data, err := encode(p.nodeID, ev)
	if err != nil {
		return err
	}
	return p.send(ctx, Subject(p.prefix, ev.Type), data)
}

func (p *RedisPublisher) send(ctx context.Context, channel string, data []byte) error {
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
