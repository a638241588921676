package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueGenerateCampaign = "queue:generate_campaign"
	QueueGenerateBeat     = "queue:generate_beat"
	QueueRenderBeat       = "queue:render_beat"
	QueueAssemble         = "queue:assemble"
)

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	CampaignID uuid.UUID              `json:"campaign_id"`
	BeatID     *uuid.UUID             `json:"beat_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// ClaimOnce sets key if it is absent. It reports whether this caller
// claimed it; a second claim within ttl returns false.
func (q *Queue) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops a claim so a failed delivery can be retried.
func (q *Queue) Release(ctx context.Context, key string) error {
	return q.client.Del(ctx, key).Err()
}

// EnqueueGenerateCampaign fans a campaign out into beat jobs on the worker.
func (q *Queue) EnqueueGenerateCampaign(ctx context.Context, campaignID uuid.UUID) error {
	return q.Enqueue(ctx, QueueGenerateCampaign, &Job{
		Type:       "generate_campaign",
		CampaignID: campaignID,
	})
}

// EnqueueGenerateBeat runs a beat's remaining stages and renders it.
func (q *Queue) EnqueueGenerateBeat(ctx context.Context, campaignID, beatID uuid.UUID) error {
	return q.Enqueue(ctx, QueueGenerateBeat, &Job{
		Type:       "generate_beat",
		CampaignID: campaignID,
		BeatID:     &beatID,
	})
}

func (q *Queue) EnqueueRenderBeat(ctx context.Context, campaignID, beatID uuid.UUID) error {
	return q.Enqueue(ctx, QueueRenderBeat, &Job{
		Type:       "render_beat",
		CampaignID: campaignID,
		BeatID:     &beatID,
	})
}

func (q *Queue) EnqueueAssemble(ctx context.Context, campaignID uuid.UUID) error {
	return q.Enqueue(ctx, QueueAssemble, &Job{
		Type:       "assemble",
		CampaignID: campaignID,
	})
}
