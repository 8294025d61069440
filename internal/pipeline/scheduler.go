package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChapterRunner executes one claimed chapter. ChapterWorker is the
// production implementation.
type ChapterRunner interface {
	Render(ctx context.Context, chapter *models.Chapter) error
}

type SchedulerConfig struct {
	MaxConcurrency int           // Simultaneously rendering chapters (default 4)
	WorkerID       string        // Prefix for claim identifiers, unique per process
	AutoStitch     bool          // Schedule a stitch once a script has nothing in flight
	PollInterval   time.Duration // Extra fill attempts for work queued by other processes (0 = only on kicks)
	ClaimTTL       time.Duration // Claims older than this are failed as abandoned (0 = never)
}

// Scheduler is the render queue scheduler: a bounded pool whose slots are
// filled on Start and re-filled every time a chapter finishes.
type Scheduler struct {
	store          Store
	runner         ChapterRunner
	stitch         StitchTrigger // nil = no auto-stitch
	maxConcurrency int
	workerID       string
	autoStitch     bool
	pollInterval   time.Duration
	claimTTL       time.Duration

	slots    chan struct{} // one token per rendering chapter
	kick     chan struct{}
	active   atomic.Int64
	seq      atomic.Int64
	inflight sync.WaitGroup
}

func NewScheduler(store Store, runner ChapterRunner, stitch StitchTrigger, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	return &Scheduler{
		store:          store,
		runner:         runner,
		stitch:         stitch,
		maxConcurrency: cfg.MaxConcurrency,
		workerID:       cfg.WorkerID,
		autoStitch:     cfg.AutoStitch,
		pollInterval:   cfg.PollInterval,
		claimTTL:       cfg.ClaimTTL,
		slots:          make(chan struct{}, cfg.MaxConcurrency),
		kick:           make(chan struct{}, 1),
	}
}

// MaxConcurrency returns the configured bound.
func (s *Scheduler) MaxConcurrency() int { return s.maxConcurrency }

// Active returns the number of chapters this process is rendering.
func (s *Scheduler) Active() int { return int(s.active.Load()) }

// Start queues every eligible chapter of the script and wakes the dispatcher.
func (s *Scheduler) Start(ctx context.Context, scriptID uuid.UUID) (int, error) {
	queued, err := s.store.EnqueueScript(ctx, scriptID)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue script %s: %w", scriptID, err)
	}

	log.Info().
		Str("component", "scheduler").
		Str("script_id", scriptID.String()).
		Int("queued", queued).
		Int("max_concurrency", s.maxConcurrency).
		Msg("Script queued for rendering")

	s.Kick()
	return queued, nil
}

// RenderChapter re-queues a single chapter. This is the only way out of failed.
func (s *Scheduler) RenderChapter(ctx context.Context, chapterID uuid.UUID) (*models.Chapter, error) {
	chapter, err := s.store.EnqueueChapter(ctx, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue chapter %s: %w", chapterID, err)
	}

	log.Info().
		Str("component", "scheduler").
		Str("script_id", chapter.ScriptID.String()).
		Int("chapter", chapter.ChapterNumber).
		Msg("Chapter queued for rendering")

	s.Kick()
	return chapter, nil
}

// Kick wakes the dispatcher without blocking.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run is the long-lived dispatcher. It fills idle slots whenever it is
// kicked and returns after ctx is cancelled and in-flight chapters finish.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("component", "scheduler").Int("max_concurrency", s.maxConcurrency).Msg("Scheduler started")

	var tick <-chan time.Time
	if s.pollInterval > 0 {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if _, err := s.fill(ctx); err != nil {
			log.Error().Err(err).Str("component", "scheduler").Msg("Fill failed")
		}

		select {
		case <-ctx.Done():
			log.Info().Str("component", "scheduler").Int("active", s.Active()).Msg("Scheduler shutting down, waiting for in-flight chapters")
			s.inflight.Wait()
			return nil
		case <-s.kick:
		case <-tick:
		}
	}
}

// Drain dispatches until a claim yields nothing and no chapter is in flight.
// Do not run Drain and Run on the same scheduler at once.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		if _, err := s.fill(ctx); err != nil {
			s.inflight.Wait()
			return err
		}
		if s.active.Load() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return ctx.Err()
		case <-s.kick:
		}
	}
}

// fill claims chapters until every local slot is busy or the store has
// nothing eligible. When a claim yields nothing, abandoned claims are reaped
// and the claim is tried again.
func (s *Scheduler) fill(ctx context.Context) (int, error) {
	dispatched := 0
	reaped := false
	for {
		if ctx.Err() != nil {
			return dispatched, nil
		}

		select {
		case s.slots <- struct{}{}:
		default:
			return dispatched, nil // all slots busy
		}

		workerID := fmt.Sprintf("%s-%d", s.workerID, s.seq.Add(1))
		chapter, err := s.store.ClaimNext(ctx, workerID, s.maxConcurrency)
		if err != nil || chapter == nil {
			<-s.slots
			if err != nil && !errors.Is(err, context.Canceled) {
				return dispatched, fmt.Errorf("failed to claim next chapter: %w", err)
			}
			if err == nil && !reaped && s.reapStale(ctx) > 0 {
				reaped = true
				continue
			}
			return dispatched, nil
		}

		s.active.Add(1)
		s.inflight.Add(1)
		dispatched++

		log.Debug().
			Str("component", "scheduler").
			Str("worker_id", workerID).
			Str("script_id", chapter.ScriptID.String()).
			Int("chapter", chapter.ChapterNumber).
			Int64("active", s.active.Load()).
			Msg("Chapter claimed")

		go s.run(ctx, chapter, workerID)
	}
}

// run executes one chapter in its slot. Whatever happens, the slot is
// released and the dispatcher is kicked so the queue keeps draining.
func (s *Scheduler) run(ctx context.Context, chapter *models.Chapter, workerID string) {
	logger := log.With().
		Str("component", "scheduler").
		Str("worker_id", workerID).
		Str("script_id", chapter.ScriptID.String()).
		Int("chapter", chapter.ChapterNumber).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Chapter worker panicked")
			s.markFailed(ctx, chapter, fmt.Sprintf("worker panic: %v", r))
		}

		s.afterChapter(ctx, chapter)

		<-s.slots
		s.active.Add(-1)
		s.inflight.Done()
		s.Kick()
	}()

	if err := s.runner.Render(ctx, chapter); err != nil {
		var re *RenderError
		if !errors.As(err, &re) {
			// The outcome write failed; fail the chapter so it leaves rendering
			logger.Error().Err(err).Msg("Chapter outcome not recorded, marking failed")
			s.markFailed(ctx, chapter, fmt.Sprintf("outcome not recorded: %v", err))
		}
	}
}

// markFailed is the scheduler's last resort for a chapter its runner could
// not finish cleanly.
func (s *Scheduler) markFailed(ctx context.Context, chapter *models.Chapter, reason string) {
	msg := fmt.Sprintf("%s: %s", models.FailureKindRenderer, reason)
	err := persist(context.WithoutCancel(ctx), "chapter_failed", func(ctx context.Context) error {
		return s.store.MarkChapterFailed(ctx, chapter.ID, models.FailureKindRenderer, msg)
	})
	if err != nil {
		log.Error().Err(err).
			Str("component", "scheduler").
			Str("script_id", chapter.ScriptID.String()).
			Int("chapter", chapter.ChapterNumber).
			Msg("Failed to mark chapter failed, leaving it to the stale claim reaper")
	}
}

// reapStale fails claims older than the claim TTL, which frees their
// concurrency slots, and returns how many were reaped.
func (s *Scheduler) reapStale(ctx context.Context) int {
	if s.claimTTL <= 0 {
		return 0
	}

	msg := fmt.Sprintf("%s: claim abandoned after %s without an outcome", models.FailureKindTimeout, s.claimTTL)
	reaped, err := s.store.FailStaleClaims(ctx, s.claimTTL, msg)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("component", "scheduler").Msg("Failed to reap stale claims")
		}
		return 0
	}

	for i := range reaped {
		log.Warn().
			Str("component", "scheduler").
			Str("script_id", reaped[i].ScriptID.String()).
			Int("chapter", reaped[i].ChapterNumber).
			Dur("claim_ttl", s.claimTTL).
			Msg("Stale claim failed")
		s.afterChapter(ctx, &reaped[i])
	}
	return len(reaped)
}

// afterChapter schedules the script's stitch once nothing is in flight.
func (s *Scheduler) afterChapter(ctx context.Context, chapter *models.Chapter) {
	if !s.autoStitch || s.stitch == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	scheduled, err := s.store.ScheduleStitch(ctx, chapter.ScriptID)
	if err != nil {
		log.Error().Err(err).Str("component", "scheduler").Str("script_id", chapter.ScriptID.String()).Msg("Failed to check stitch readiness")
		return
	}
	if !scheduled {
		return
	}

	log.Info().Str("component", "scheduler").Str("script_id", chapter.ScriptID.String()).Msg("All chapters finished, enqueuing stitch")

	if err := s.stitch.EnqueueStitch(ctx, chapter.ScriptID); err != nil {
		log.Error().Err(err).Str("component", "scheduler").Str("script_id", chapter.ScriptID.String()).Msg("Failed to enqueue stitch")
		// Release the queued state so a manual stitch or the next drain can retry
		if serr := s.store.SetScriptStitchError(ctx, chapter.ScriptID, fmt.Sprintf("failed to enqueue stitch: %v", err)); serr != nil {
			log.Error().Err(serr).Str("component", "scheduler").Msg("Failed to record stitch enqueue error")
		}
	}
}
