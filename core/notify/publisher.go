// Package notify publishes terminal job outcomes for downstream consumers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"compute-broker/core/models"

	"github.com/redis/go-redis/v9"
)

type Publisher interface {
	Publish(ctx context.Context, outcome models.Outcome) error
	Close() error
}

type redisPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisPublisher appends outcomes to a Redis stream.
func NewRedisPublisher(client *redis.Client, stream string) Publisher {
	return &redisPublisher{client: client, stream: stream}
}

// Connect parses a redis:// URL and returns a publisher on stream.
func Connect(ctx context.Context, url, stream string) (Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisPublisher(client, stream), nil
}

func (p *redisPublisher) Publish(ctx context.Context, outcome models.Outcome) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: outcomeFields(outcome),
	}).Err(); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}

	slog.DebugContext(ctx, "published outcome", "job_key", outcome.JobKey, "index", outcome.Index, "status", outcome.Status)
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

func outcomeFields(o models.Outcome) map[string]any {
	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	fields := map[string]any{
		"job_key":      o.JobKey,
		"index":        o.Index,
		"block_number": o.BlockNumber,
		"requester":    o.Requester,
		"status":       string(o.Status),
		"at":           at.Format(time.RFC3339Nano),
	}
	if o.Reason != "" {
		fields["reason"] = o.Reason
	}
	if o.SchedulerJobID != "" {
		fields["scheduler_job_id"] = o.SchedulerJobID
	}
	return fields
}

// Discard drops every outcome. It is used when no stream is configured.
type Discard struct{}

func (Discard) Publish(context.Context, models.Outcome) error { return nil }
func (Discard) Close() error                                  { return nil }
