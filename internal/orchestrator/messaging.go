package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MessageBus publishes skill outputs to Redis Streams, one stream per instance.
type MessageBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewMessageBus creates a Redis-backed message bus.
func NewMessageBus(redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageBus{rdb: rdb, maxLen: 1000, logger: logger}, nil
}

const streamPrefix = "nuka:skill:"

// StreamName returns the stream that carries an instance's outputs.
func StreamName(instanceID string) string {
	return streamPrefix + instanceID
}

// PublishOutput appends an output event to the instance's stream.
func (mb *MessageBus) PublishOutput(ctx context.Context, event *OutputEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	stream := StreamName(event.InstanceID)
	_, err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: mb.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	mb.logger.Debug("published outputs",
		zap.String("instance", event.InstanceID),
		zap.Uint64("tick", event.Tick))
	return nil
}

// Subscribe streams output events for an instance, starting with events
// published after the call. Cancel the context to stop.
func (mb *MessageBus) Subscribe(ctx context.Context, instanceID string) <-chan *OutputEvent {
	return mb.subscribe(ctx, instanceID, "$")
}

// Replay streams every retained output event for an instance, then follows new ones.
func (mb *MessageBus) Replay(ctx context.Context, instanceID string) <-chan *OutputEvent {
	return mb.subscribe(ctx, instanceID, "0")
}

func (mb *MessageBus) subscribe(ctx context.Context, instanceID, lastID string) <-chan *OutputEvent {
	ch := make(chan *OutputEvent, 16)
	stream := StreamName(instanceID)

	go func() {
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					mb.logger.Debug("xread failed", zap.String("stream", stream), zap.Error(err))
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var event OutputEvent
					if json.Unmarshal([]byte(data), &event) != nil {
						continue
					}
					select {
					case ch <- &event:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
