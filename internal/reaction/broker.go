package reaction

import (
	"context"
	"encoding/json"
	"fmt"

	utils "livecast/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel reactions are relayed on.
const DefaultChannel = "livecast:reactions"

// Broker relays reactions between hub instances.
type Broker interface {
	Publish(ctx context.Context, msg *Message) error
	// Subscribe calls ready once the subscription is confirmed, then deliver
	// for every relayed message until ctx is done or the subscription fails.
	Subscribe(ctx context.Context, ready func(), deliver func(*Message)) error
}

type RedisBroker struct {
	client  *redis.Client
	channel string
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{client: client, channel: channel}
}

func (b *RedisBroker) Publish(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, ready func(), deliver func(*Message)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	utils.Logger.Infof("Relaying reactions over Redis channel %s", b.channel)
	ready()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				utils.Logger.Warnf("Dropping malformed relayed reaction: %v", err)
				continue
			}
			if msg.Type != TypeEmotion || msg.StreamID == "" {
				continue
			}
			deliver(&msg)
		}
	}
}
