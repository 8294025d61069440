package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/bobarin/docurender/internal/models"
)

// Render spec layout constants.
const (
	titleCardDuration      = 5.0  // seconds
	introDuration          = 3.0  // seconds
	summaryOffsetFromEnd   = 30.0 // overlay starts this many seconds before the chapter ends
	summaryDuration        = 10.0
	defaultTransitionType  = "fade"
	defaultTransitionSec   = 1.0
	defaultIntroStyle      = "slide_in"
	chapterMusicVolume     = 0.15
	narrationWordsPerMin   = 140.0 // narration pace, slightly slower than conversation
	minChapterTargetMinute = 1.0
)

// Template config keys read from Chapter.TemplateConfig.
const (
	templateVisualMarkers      = "visual_markers"
	templateIntroStyle         = "intro_style"
	templateSummary            = "summary"
	templateSubtitle           = "subtitle"
	templateTransitionDuration = "transition_duration"
	templateMusicTrack         = "music_track"
)

// SpecBuilder is the render request builder. It turns one chapter into a
// renderer-agnostic RenderSpec.
type SpecBuilder struct {
	DefaultMusicTrack string
}

// NewSpecBuilder returns a builder that falls back to musicTrack when a
// chapter does not name its own.
func NewSpecBuilder(musicTrack string) *SpecBuilder {
	return &SpecBuilder{DefaultMusicTrack: musicTrack}
}

// Build constructs the render spec for chapter with the given narration audio.
func (b *SpecBuilder) Build(chapter *models.Chapter, audioURL string) models.RenderSpec {
	cfg := chapter.TemplateConfig

	intro := cfg.String(templateIntroStyle)
	if intro == "" {
		intro = defaultIntroStyle
	}

	summary := cfg.String(templateSummary)
	if summary == "" {
		summary = chapter.Title
	}

	track := cfg.String(templateMusicTrack)
	if track == "" {
		track = b.DefaultMusicTrack
	}

	return models.RenderSpec{
		ChapterID:     chapter.ID,
		ScriptID:      chapter.ScriptID,
		ChapterNumber: chapter.ChapterNumber,
		TitleCard: models.TitleCard{
			Title:       chapter.Title,
			Subtitle:    subtitleFor(chapter),
			DurationSec: titleCardDuration,
		},
		Intro: models.IntroAnimation{
			Style:       intro,
			DurationSec: introDuration,
		},
		Body: models.ContentBlock{
			Narration:     chapter.NarrationText,
			AudioURL:      audioURL,
			VisualMarkers: cfg.Strings(templateVisualMarkers),
		},
		SummaryOverlay: models.SummaryOverlay{
			Text:             summary,
			OffsetFromEndSec: summaryOffsetFromEnd,
			DurationSec:      summaryDuration,
		},
		Transition: TransitionFor(chapter),
		Music: models.MusicConfig{
			Track:  track,
			Volume: chapterMusicVolume,
			Loop:   true,
		},
	}
}

// TransitionFor returns the chapter's outgoing transition with defaults applied.
func TransitionFor(chapter *models.Chapter) models.Transition {
	t := models.Transition{Type: defaultTransitionType, DurationSec: defaultTransitionSec}
	if chapter.TransitionType != nil && strings.TrimSpace(*chapter.TransitionType) != "" {
		t.Type = strings.TrimSpace(*chapter.TransitionType)
	}
	if d := chapter.TemplateConfig.Float(templateTransitionDuration); d > 0 {
		t.DurationSec = d
	}
	return t
}

// TargetMinutes is the runtime hint sent with a render: the chapter's own
// target when set, otherwise an estimate from the narration length.
func TargetMinutes(chapter *models.Chapter) float64 {
	if chapter.TargetDurationMin != nil && *chapter.TargetDurationMin > 0 {
		return *chapter.TargetDurationMin
	}
	words := len(strings.Fields(chapter.NarrationText))
	minutes := float64(words) / narrationWordsPerMin
	// Round up to the nearest half minute
	minutes = math.Ceil(minutes*2) / 2
	return math.Max(minutes, minChapterTargetMinute)
}

func subtitleFor(chapter *models.Chapter) string {
	if s := chapter.TemplateConfig.String(templateSubtitle); s != "" {
		return s
	}
	return fmt.Sprintf("Chapter %d", chapter.ChapterNumber)
}
