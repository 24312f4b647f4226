package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "room:"
	publishTimeout = 5 * time.Second
)

// RedisPubSub bridges room events between instances over Redis pub/sub. It
// implements RoomPublisher and RoomSubscriber; the processing worker uses
// the publishing side to push status updates to whichever instance holds
// the room's connections.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for room events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishRoomEvent publishes an envelope to the room's Redis channel.
func (r *RedisPubSub) PublishRoomEvent(roomID string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+roomID, body).Err()
}

// SubscribeRoom subscribes to a room's Redis channel and calls handler for
// each incoming envelope. Returns a cancel function to stop the
// subscription.
func (r *RedisPubSub) SubscribeRoom(roomID string, handler func(env Envelope)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+roomID)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("invalid room event payload", zap.Error(err))
					continue
				}
				handler(env)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
