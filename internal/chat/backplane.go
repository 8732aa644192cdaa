package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Backplane carries relay and typing frames between server instances. Presence
// snapshots stay local to each instance.
type Backplane interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// remoteFrame is what instances exchange. An empty ReceiverID means the frame
// goes to every local client.
type remoteFrame struct {
	Origin     string          `json:"origin"`
	ReceiverID string          `json:"receiverId,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

type RedisBackplane struct {
	client  *redis.Client
	channel string
}

func NewRedisBackplane(client *redis.Client, channel string) *RedisBackplane {
	return &RedisBackplane{client: client, channel: channel}
}

func (b *RedisBackplane) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe listens on the relay channel until ctx is cancelled.
func (b *RedisBackplane) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so early publishes are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
