package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueStitchScript = "queue:stitch_script"
)

const JobTypeStitchScript = "stitch_script"

type Queue struct {
	client *redis.Client
}

var _ pipeline.StitchTrigger = (*Queue)(nil)

type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	ScriptID  uuid.UUID `json:"script_id"`
	CreatedAt time.Time `json:"created_at"`
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
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

// Dequeue blocks up to timeout for the next job. A nil job with a nil error
// means the wait timed out.
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

// EnqueueStitch enqueues a final assembly job for the script
func (q *Queue) EnqueueStitch(ctx context.Context, scriptID uuid.UUID) error {
	job := &Job{
		ID:       uuid.New(),
		Type:     JobTypeStitchScript,
		ScriptID: scriptID,
	}
	if err := q.Enqueue(ctx, QueueStitchScript, job); err != nil {
		return fmt.Errorf("failed to enqueue stitch for script %s: %w", scriptID, err)
	}
	return nil
}

// DequeueStitch waits up to timeout for the next stitch job.
func (q *Queue) DequeueStitch(ctx context.Context, timeout time.Duration) (*Job, error) {
	return q.Dequeue(ctx, QueueStitchScript, timeout)
}
