package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
)

// Local is an in-process stitch queue for single-process deployments
// without Redis. Jobs do not survive a restart.
type Local struct {
	jobs chan *Job
}

var _ pipeline.StitchTrigger = (*Local)(nil)

func NewLocal(size int) *Local {
	if size <= 0 {
		size = 64
	}
	return &Local{jobs: make(chan *Job, size)}
}

func (l *Local) EnqueueStitch(ctx context.Context, scriptID uuid.UUID) error {
	job := &Job{
		ID:        uuid.New(),
		Type:      JobTypeStitchScript,
		ScriptID:  scriptID,
		CreatedAt: time.Now(),
	}
	select {
	case l.jobs <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue stitch for script %s: %w", scriptID, ctx.Err())
	default:
		return fmt.Errorf("failed to enqueue stitch for script %s: local queue full", scriptID)
	}
}

// DequeueStitch waits up to timeout for the next stitch job.
func (l *Local) DequeueStitch(ctx context.Context, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job := <-l.jobs:
		return job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) Len() int { return len(l.jobs) }
