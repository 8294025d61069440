package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/bobarin/docurender/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// dequeueTimeout is how long a stitch consumer blocks on the queue before
// re-checking for shutdown.
const dequeueTimeout = 5 * time.Second

// StitchJobs is the source of queued stitch jobs.
type StitchJobs interface {
	DequeueStitch(ctx context.Context, timeout time.Duration) (*queue.Job, error)
}

// Worker runs the chapter scheduler and the stitch consumers of one process.
type Worker struct {
	scheduler     *pipeline.Scheduler
	stitcher      *pipeline.Stitcher
	quality       *pipeline.QualityGate
	jobs          StitchJobs // nil disables the stitch consumers
	stitchWorkers int
}

func New(
	scheduler *pipeline.Scheduler,
	stitcher *pipeline.Stitcher,
	quality *pipeline.QualityGate,
	jobs StitchJobs,
	stitchWorkers int,
) *Worker {
	if stitchWorkers <= 0 {
		stitchWorkers = 1
	}
	return &Worker{
		scheduler:     scheduler,
		stitcher:      stitcher,
		quality:       quality,
		jobs:          jobs,
		stitchWorkers: stitchWorkers,
	}
}

// Start runs until ctx is cancelled. In-flight chapters and stitches are
// allowed to finish before it returns.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("component", "worker").
		Int("max_concurrency", w.scheduler.MaxConcurrency()).
		Int("stitch_workers", w.stitchWorkers).
		Bool("stitch_queue", w.jobs != nil).
		Msg("Worker started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.scheduler.Run(gctx)
	})

	if w.jobs != nil {
		for i := 0; i < w.stitchWorkers; i++ {
			g.Go(func() error {
				w.processStitchQueue(gctx)
				return nil
			})
		}
	}

	err := g.Wait()
	log.Info().Str("component", "worker").Msg("Worker stopped")
	return err
}

func (w *Worker) processStitchQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.jobs.DequeueStitch(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("component", "worker").Msg("Error dequeuing stitch job")
			// Avoid a hot loop while Redis is unavailable
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue // No job available, retry
		}

		log.Info().Str("component", "worker").Str("job_id", job.ID.String()).Str("script_id", job.ScriptID.String()).Msg("Processing stitch job")

		// A started stitch runs to completion so the script is never left stitching
		if err := w.HandleStitch(context.WithoutCancel(ctx), job.ScriptID); err != nil {
			log.Error().Err(err).Str("component", "worker").Str("job_id", job.ID.String()).Msg("Stitch job failed")
		}
	}
}

// HandleStitch assembles the script and then runs the quality gate on it.
// Any stitch failure releases the script's queued stitch state so a later
// trigger can try again.
func (w *Worker) HandleStitch(ctx context.Context, scriptID uuid.UUID) error {
	logger := log.With().Str("component", "worker").Str("script_id", scriptID.String()).Logger()

	video, err := w.stitcher.Stitch(ctx, scriptID)
	if err != nil {
		w.stitcher.ReleaseStitch(ctx, scriptID, err)
		return fmt.Errorf("failed to stitch script %s: %w", scriptID, err)
	}

	logger.Info().
		Str("url", video.URL).
		Float64("duration_sec", video.DurationSec).
		Int("chapters", video.ChapterCount).
		Msg("Script stitched")

	if w.quality == nil {
		return nil
	}
	result, err := w.quality.Check(ctx, scriptID)
	if err != nil {
		return fmt.Errorf("failed to run quality check: %w", err)
	}
	if !result.Passed {
		// Advisory only
		logger.Warn().Str("notes", result.Notes).Msg("Stitched script failed quality checks")
	}
	return nil
}
