package notify

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Redis uses Redis pub/sub channels named after topics.
type Redis struct {
	client *redis.Client
	buffer int
}

func NewRedis(addr, password string, db int) *Redis {
	return NewRedisWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, buffer: 64}
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	ps := r.client.Subscribe(ctx, topic)
	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	in := ps.Channel()
	out := make(chan Message, r.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, topic, payload).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
