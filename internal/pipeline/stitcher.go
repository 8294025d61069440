package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StitchPolicy decides what happens when some chapters are not completed.
type StitchPolicy string

const (
	// StitchBestEffort assembles whatever is completed and skips the rest.
	StitchBestEffort StitchPolicy = "best-effort"
	// StitchStrict refuses to stitch until every chapter is completed.
	StitchStrict StitchPolicy = "strict"
)

// ParseStitchPolicy accepts "strict" or "best-effort" (also "best_effort").
func ParseStitchPolicy(s string) (StitchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(StitchBestEffort), "best_effort":
		return StitchBestEffort, nil
	case string(StitchStrict):
		return StitchStrict, nil
	}
	return "", fmt.Errorf("unknown stitch policy %q (want strict or best-effort)", s)
}

// Stitch output and fallback constants.
const (
	outputContainer     = "mp4"
	outputResolution    = "1920x1080"
	defaultAmbientTrack = "ambient/documentary-bed.mp3"
	stitchMusicVolume   = 0.1
)

var (
	defaultAcknowledgments = []string{
		"Produced with the support of our learners and contributors",
		"Archival material used under license from the respective rights holders",
	}
	defaultMusicCredits = []string{
		"Background music: ambient documentary bed (royalty free)",
	}
)

type StitcherConfig struct {
	Policy       StitchPolicy
	Timeout      time.Duration // 0 = no timeout
	AmbientTrack string        // default music when the script has none
	OutputFormat models.OutputFormat
}

// Stitcher assembles a script's completed chapters into one video.
type Stitcher struct {
	store    Store
	renderer Renderer
	urls     URLResolver
	cfg      StitcherConfig
}

func NewStitcher(store Store, renderer Renderer, urls URLResolver, cfg StitcherConfig) *Stitcher {
	if cfg.Policy == "" {
		cfg.Policy = StitchBestEffort
	}
	if cfg.AmbientTrack == "" {
		cfg.AmbientTrack = defaultAmbientTrack
	}
	if cfg.OutputFormat.Container == "" {
		cfg.OutputFormat.Container = outputContainer
	}
	if cfg.OutputFormat.Resolution == "" {
		cfg.OutputFormat.Resolution = outputResolution
	}
	return &Stitcher{store: store, renderer: renderer, urls: urls, cfg: cfg}
}

// Policy returns the configured stitch policy.
func (s *Stitcher) Policy() StitchPolicy { return s.cfg.Policy }

// Stitch assembles the script. Precondition failures (no completed chapters,
// or incomplete chapters under the strict policy) return before any write.
func (s *Stitcher) Stitch(ctx context.Context, scriptID uuid.UUID) (*models.AssembledVideo, error) {
	logger := log.With().Str("component", "stitcher").Str("script_id", scriptID.String()).Logger()

	script, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get script: %w", err)
	}

	chapters, err := s.store.GetScriptChapters(ctx, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chapters: %w", err)
	}

	completed, skipped := partitionCompleted(chapters)
	if len(completed) == 0 {
		return nil, ErrNothingToStitch
	}
	if len(skipped) > 0 {
		if s.cfg.Policy == StitchStrict {
			return nil, fmt.Errorf("%w: chapters %v", ErrIncompleteScript, skipped)
		}
		logger.Warn().Ints("skipped_chapters", skipped).Msg("Stitching without incomplete chapters")
	}

	credits, generated := creditsFor(script)
	music := musicFor(script, s.cfg.AmbientTrack)

	req := models.StitchRequest{
		ScriptID: scriptID,
		Title:    script.Title,
		Credits:  credits,
		Music:    music,
		Output:   s.cfg.OutputFormat,
	}
	var (
		numbers    []int
		sumSeconds float64
	)
	for i := range completed {
		ch := &completed[i]
		duration := derefFloat(ch.VideoDurationSec)
		req.Segments = append(req.Segments, models.StitchSegment{
			ChapterNumber: ch.ChapterNumber,
			VideoURL:      derefString(ch.VideoURL),
			DurationSec:   duration,
			Transition:    TransitionFor(ch),
		})
		numbers = append(numbers, ch.ChapterNumber)
		sumSeconds += duration
	}

	// Preconditions passed; from here on every failure is recorded on the script
	if generated {
		if err := s.store.SetScriptCredits(ctx, scriptID, credits); err != nil {
			err = fmt.Errorf("failed to save default credits: %w", err)
			s.recordError(ctx, scriptID, err)
			return nil, err
		}
	}
	if err := s.store.MarkStitching(ctx, scriptID); err != nil {
		err = fmt.Errorf("failed to mark script stitching: %w", err)
		s.recordError(ctx, scriptID, err)
		return nil, err
	}

	logger.Info().Ints("chapters", numbers).Float64("sum_duration_sec", sumSeconds).Str("policy", string(s.cfg.Policy)).Msg("Submitting stitch")

	result, renderErr := s.submit(ctx, req)
	if renderErr != nil {
		logger.Error().Err(renderErr.Err).Str("kind", renderErr.Kind).Msg("Stitch failed")
		s.recordError(ctx, scriptID, renderErr)
		return nil, fmt.Errorf("stitch failed: %w", renderErr)
	}

	video := models.AssembledVideo{
		ScriptID:       scriptID,
		URL:            result.URL,
		DurationSec:    result.DurationSec,
		ChapterCount:   len(completed),
		ChapterNumbers: numbers,
		Credits:        credits,
	}
	if video.URL == "" {
		video.URL = s.urls.GetPublicURL(FinalVideoPath(scriptID))
	}
	if video.DurationSec <= 0 {
		video.DurationSec = sumSeconds
	}

	err = persist(context.WithoutCancel(ctx), "final_video", func(ctx context.Context) error {
		return s.store.SetScriptFinalVideo(ctx, video)
	})
	if err != nil {
		err = fmt.Errorf("failed to save final video: %w", err)
		s.recordError(ctx, scriptID, err)
		return nil, err
	}

	logger.Info().Str("url", video.URL).Float64("duration_sec", video.DurationSec).Int("chapters", video.ChapterCount).Msg("Stitch completed")
	return &video, nil
}

// ReleaseStitch records cause as the script's stitch error unless a failure
// is already recorded. Stitch consumers call it on every failure so the
// script never stays queued or stitching and ScheduleStitch can run again.
func (s *Stitcher) ReleaseStitch(ctx context.Context, scriptID uuid.UUID, cause error) {
	script, err := s.store.GetScript(ctx, scriptID)
	if err == nil && script.FinalStatus == models.FinalRenderStatusFailed {
		return
	}
	if errors.Is(err, ErrScriptNotFound) {
		return
	}
	s.recordError(ctx, scriptID, cause)
}

// recordError moves the script to failed with cause as its stitch error.
func (s *Stitcher) recordError(ctx context.Context, scriptID uuid.UUID, cause error) {
	err := persist(context.WithoutCancel(ctx), "stitch_error", func(ctx context.Context) error {
		return s.store.SetScriptStitchError(ctx, scriptID, cause.Error())
	})
	if err != nil {
		log.Error().Err(err).Str("component", "stitcher").Str("script_id", scriptID.String()).Msg("Failed to record stitch error")
	}
}

func (s *Stitcher) submit(ctx context.Context, req models.StitchRequest) (*models.RenderResult, *RenderError) {
	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	result, err := s.renderer.Stitch(callCtx, req)
	if err != nil {
		return nil, classify(callCtx, err)
	}
	if result == nil {
		result = &models.RenderResult{}
	}
	return result, nil
}

// partitionCompleted returns completed chapters sorted by chapter number and
// the numbers of every other chapter.
func partitionCompleted(chapters []models.Chapter) ([]models.Chapter, []int) {
	var (
		completed []models.Chapter
		skipped   []int
	)
	for _, ch := range chapters {
		if ch.RenderStatus == models.RenderStatusCompleted {
			completed = append(completed, ch)
		} else {
			skipped = append(skipped, ch.ChapterNumber)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].ChapterNumber < completed[j].ChapterNumber
	})
	sort.Ints(skipped)
	return completed, skipped
}

// creditsFor returns the script's credits, or a generated default and true.
func creditsFor(script *models.Script) (models.Credits, bool) {
	if !script.Credits.IsEmpty() {
		return *script.Credits, false
	}
	return models.Credits{
		Title:           script.Title,
		Sources:         append([]string(nil), script.Sources...),
		Acknowledgments: append([]string(nil), defaultAcknowledgments...),
		MusicCredits:    append([]string(nil), defaultMusicCredits...),
	}, true
}

func musicFor(script *models.Script, ambientTrack string) models.MusicConfig {
	if script.Music != nil && script.Music.Track != "" {
		return *script.Music
	}
	return models.MusicConfig{Track: ambientTrack, Volume: stitchMusicVolume, Loop: true}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
