package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultPlaceholderAudioURL is returned when narration cannot be produced.
const DefaultPlaceholderAudioURL = "https://placeholder.local/narration/silence.mp3"

// narrationTimeout bounds one TTS call plus its upload.
const narrationTimeout = 3 * time.Minute

// Uploader stores generated assets.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
}

// NarrationService turns chapter narration into an uploaded audio asset.
// It never fails: a missing provider, empty text or any error yields the
// placeholder URL.
type NarrationService struct {
	tts         TTSService
	uploader    Uploader
	urls        pipeline.URLResolver
	placeholder string
}

var _ pipeline.NarrationSynthesizer = (*NarrationService)(nil)

func NewNarrationService(tts TTSService, uploader Uploader, urls pipeline.URLResolver, placeholder string) *NarrationService {
	if placeholder == "" {
		placeholder = DefaultPlaceholderAudioURL
	}
	return &NarrationService{
		tts:         tts,
		uploader:    uploader,
		urls:        urls,
		placeholder: placeholder,
	}
}

// NarrationPath is the storage path of a chapter's narration audio.
func NarrationPath(scriptID uuid.UUID, chapterNumber int, format string) string {
	return fmt.Sprintf("scripts/%s/narration/chapter_%02d.%s", scriptID, chapterNumber, format)
}

func (s *NarrationService) Synthesize(ctx context.Context, chapter *models.Chapter) string {
	logger := log.With().
		Str("component", "narration").
		Str("script_id", chapter.ScriptID.String()).
		Int("chapter", chapter.ChapterNumber).
		Logger()

	text := strings.TrimSpace(chapter.NarrationText)
	if text == "" {
		logger.Debug().Msg("No narration text, using placeholder")
		return s.placeholder
	}
	if s.tts == nil || s.uploader == nil || s.urls == nil {
		logger.Warn().Msg("Narration provider not configured, using placeholder")
		return s.placeholder
	}

	ctx, cancel := context.WithTimeout(ctx, narrationTimeout)
	defer cancel()

	audio, err := s.tts.GenerateSpeech(ctx, text)
	if err != nil {
		logger.Warn().Err(err).Msg("Narration synthesis failed, using placeholder")
		return s.placeholder
	}

	path := NarrationPath(chapter.ScriptID, chapter.ChapterNumber, audio.Format)
	if err := s.uploader.Upload(ctx, path, audio.AudioData, audio.ContentType()); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Narration upload failed, using placeholder")
		return s.placeholder
	}

	logger.Info().Int("duration_ms", audio.DurationMs).Int("bytes", len(audio.AudioData)).Msg("Narration ready")
	return s.urls.GetPublicURL(path)
}
