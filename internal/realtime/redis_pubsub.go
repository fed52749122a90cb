package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "meeting:"
	eventTTL      = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance broadcast.
// Origin lets an instance skip its own messages, which it already delivered locally.
type redisPayload struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin"`
	At     int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber using Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for meeting events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, origin: uuid.NewString(), logger: logger}
}

// MeetingChannel is the Redis channel carrying a meeting's events.
func MeetingChannel(meetingID string) string {
	return channelPrefix + meetingID
}

// PublishMeetingEvent publishes an event to the meeting's Redis channel.
func (r *RedisPubSub) PublishMeetingEvent(meetingID string, event string, payload []byte) error {
	body, err := encodePayload(r.origin, event, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, MeetingChannel(meetingID), body).Err()
}

// SubscribeMeeting subscribes to a meeting's Redis channel and calls handler for
// each message published by another instance. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeMeeting(meetingID string, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, MeetingChannel(meetingID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
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
				event, data, ok := decodePayload(r.origin, msg.Payload)
				if !ok {
					continue
				}
				handler(event, data)
			}
		}
	}()
	return cancelCtx, nil
}

func encodePayload(origin, event string, payload []byte) ([]byte, error) {
	return json.Marshal(redisPayload{Event: event, Data: payload, Origin: origin, At: time.Now().Unix()})
}

// decodePayload reports false for malformed messages and for our own.
func decodePayload(self, raw string) (string, []byte, bool) {
	var p redisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", nil, false
	}
	if p.Origin == self {
		return "", nil, false
	}
	return p.Event, p.Data, true
}
