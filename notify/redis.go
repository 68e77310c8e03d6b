package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/pulse/async"
)

// DefaultChannel is the Pub/Sub channel job events are published on.
const DefaultChannel = "docpipe:jobs:events"

// Event is one job status transition as published to Redis.
type Event struct {
	JobID          string          `json:"job_id"`
	Status         async.JobStatus `json:"status"`
	ProcessingType string          `json:"processing_type"`
	Progress       int             `json:"progress"`
	CurrentStep    string          `json:"current_step,omitempty"`
	RetryCount     int             `json:"retry_count"`
	OrganizationID string          `json:"organization_id,omitempty"`
	ResultID       string          `json:"result_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	At             time.Time       `json:"at"`
}

// EventOf projects a job snapshot onto an Event.
func EventOf(j *async.Job) Event {
	return Event{
		JobID:          j.ID,
		Status:         j.Status,
		ProcessingType: string(j.ProcessingType),
		Progress:       j.Progress,
		CurrentStep:    j.CurrentStep,
		RetryCount:     j.RetryCount,
		OrganizationID: j.OrganizationID,
		ResultID:       j.ResultID,
		Error:          j.ErrorMessage,
		At:             j.UpdatedAt.UTC(),
	}
}

// RedisPublisher fans queue transitions out to a Redis Pub/Sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

// NewRedisPublisher connects to redisURL (redis://host:port/db).
func NewRedisPublisher(redisURL, channel string, log *zap.SugaredLogger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	return NewRedisPublisherWithClient(redis.NewClient(opts), channel, log), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, channel string, log *zap.SugaredLogger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisPublisher{client: client, channel: channel, logger: log.Named("redis")}
}

// Channel returns the Pub/Sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "failed to connect to redis")
	}
	return nil
}

// Publish sends one job snapshot.
func (p *RedisPublisher) Publish(ctx context.Context, j *async.Job) error {
	body, err := json.Marshal(EventOf(j))
	if err != nil {
		return errors.Wrap(err, "failed to marshal job event")
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish event for job %s", j.ID)
	}
	return nil
}

// Run publishes every transition of q until ctx ends. Publish failures are
// logged and the stream continues.
func (p *RedisPublisher) Run(ctx context.Context, q *async.Queue) error {
	if err := p.Ping(ctx); err != nil {
		return err
	}
	events := q.Subscribe()
	defer q.Unsubscribe(events)

	p.logger.Infow("Publishing job events", "channel", p.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-events:
			if err := p.Publish(ctx, j); err != nil && ctx.Err() == nil {
				p.logger.Warnw("Job event publish failed", logger.FieldJobID, j.ID, logger.FieldError, err)
			}
		}
	}
}

// Close releases the connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
