// Package eventstream publishes orchestrator lifecycle events to a Redis
// stream so external consumers (dashboards, auditors, workers) can follow
// engine activity without being wired into the process.
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidra-labs/taskhive/internal/orchestrator"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultStream = "taskhive:events"

// Publisher appends orchestrator events to a Redis stream.
type Publisher struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewPublisher connects to Redis and verifies the connection. An empty
// stream name uses the default.
func NewPublisher(redisURL, stream string, logger *zap.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = defaultStream
	}
	return &Publisher{rdb: rdb, stream: stream, logger: logger}, nil
}

// Observer adapts the publisher to the orchestrator's subscription
// interface. Publish failures are logged, never propagated; a slow or
// down Redis must not stall the scheduler.
func (p *Publisher) Observer() orchestrator.Observer {
	return func(e orchestrator.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.publish(ctx, e); err != nil {
			p.logger.Warn("event publish failed",
				zap.String("type", string(e.Type)),
				zap.Error(err))
		}
	}
}

func (p *Publisher) publish(ctx context.Context, e orchestrator.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"type": string(e.Type),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return nil
}

// Tail reads events from the stream starting at new entries. Returns a
// channel that emits events. Cancel the context to stop.
func (p *Publisher) Tail(ctx context.Context) <-chan orchestrator.Event {
	ch := make(chan orchestrator.Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{p.stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
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
					var e orchestrator.Event
					if json.Unmarshal([]byte(data), &e) == nil {
						ch <- e
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
