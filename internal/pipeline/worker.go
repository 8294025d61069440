package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ChapterVideoPath is the conventional storage path of a rendered chapter,
// used when the renderer does not report a URL.
func ChapterVideoPath(scriptID uuid.UUID, chapterNumber int) string {
	return fmt.Sprintf("scripts/%s/chapters/chapter_%02d.mp4", scriptID, chapterNumber)
}

// FinalVideoPath is the conventional storage path of a stitched script.
func FinalVideoPath(scriptID uuid.UUID) string {
	return fmt.Sprintf("scripts/%s/final.mp4", scriptID)
}

// ChapterWorker renders one claimed chapter end to end: narration, render
// spec, renderer submission, and the completed/failed transition.
type ChapterWorker struct {
	store         Store
	narrator      NarrationSynthesizer
	renderer      Renderer
	specs         *SpecBuilder
	urls          URLResolver
	renderTimeout time.Duration // 0 = no timeout
}

func NewChapterWorker(
	store Store,
	narrator NarrationSynthesizer,
	renderer Renderer,
	specs *SpecBuilder,
	urls URLResolver,
	renderTimeout time.Duration,
) *ChapterWorker {
	return &ChapterWorker{
		store:         store,
		narrator:      narrator,
		renderer:      renderer,
		specs:         specs,
		urls:          urls,
		renderTimeout: renderTimeout,
	}
}

// Render runs the chapter and records the outcome. A returned *RenderError
// means the chapter was marked failed; any other error means the outcome
// could not be persisted.
func (w *ChapterWorker) Render(ctx context.Context, chapter *models.Chapter) error {
	logger := log.With().
		Str("component", "chapter_worker").
		Str("script_id", chapter.ScriptID.String()).
		Int("chapter", chapter.ChapterNumber).
		Logger()

	// Outcome writes must land even if the caller is shutting down. They are
	// retried; a chapter left rendering holds a concurrency slot.
	persistCtx := context.WithoutCancel(ctx)

	// Step 1: narration (never fatal)
	audioURL := w.narrator.Synthesize(ctx, chapter)

	// Step 2: render spec
	spec := w.specs.Build(chapter, audioURL)
	target := TargetMinutes(chapter)

	// Step 3: submit
	logger.Info().Float64("target_minutes", target).Str("transition", spec.Transition.Type).Msg("Submitting chapter render")
	started := time.Now()

	result, renderErr := w.submit(ctx, models.RenderRequest{Spec: spec, TargetMinutes: target})
	if renderErr != nil {
		logger.Error().Err(renderErr.Err).Str("kind", renderErr.Kind).Dur("elapsed", time.Since(started)).Msg("Chapter render failed")
		err := persist(persistCtx, "chapter_failed", func(ctx context.Context) error {
			return w.store.MarkChapterFailed(ctx, chapter.ID, renderErr.Kind, renderErr.Error())
		})
		if err != nil {
			return fmt.Errorf("failed to mark chapter %d failed: %w", chapter.ChapterNumber, err)
		}
		return renderErr
	}

	// Step 4: record success, substituting conventions for omitted fields
	videoURL := result.URL
	if videoURL == "" {
		videoURL = w.urls.GetPublicURL(ChapterVideoPath(chapter.ScriptID, chapter.ChapterNumber))
		logger.Warn().Str("video_url", videoURL).Msg("Renderer returned no URL, using conventional path")
	}
	duration := result.DurationSec
	if duration <= 0 {
		duration = target * 60
	}

	err := persist(persistCtx, "chapter_completed", func(ctx context.Context) error {
		return w.store.MarkChapterCompleted(ctx, chapter.ID, videoURL, duration, audioURL)
	})
	if err != nil {
		return fmt.Errorf("failed to mark chapter %d completed: %w", chapter.ChapterNumber, err)
	}

	logger.Info().Float64("duration_sec", duration).Dur("elapsed", time.Since(started)).Msg("Chapter render completed")
	return nil
}

func (w *ChapterWorker) submit(ctx context.Context, req models.RenderRequest) (*models.RenderResult, *RenderError) {
	callCtx := ctx
	if w.renderTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.renderTimeout)
		defer cancel()
	}

	result, err := w.renderer.RenderChapter(callCtx, req)
	if err != nil {
		return nil, classify(callCtx, err)
	}
	if result == nil {
		result = &models.RenderResult{}
	}
	return result, nil
}
