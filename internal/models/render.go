package models

import "github.com/google/uuid"

// RenderSpec is the renderer-agnostic description of one chapter video.
// Segments play in field order: title card, intro, body; the summary overlay
// sits on top of the body near its end and the transition closes the chapter.
type RenderSpec struct {
	ChapterID      uuid.UUID      `json:"chapter_id"`
	ScriptID       uuid.UUID      `json:"script_id"`
	ChapterNumber  int            `json:"chapter_number"`
	TitleCard      TitleCard      `json:"title_card"`
	Intro          IntroAnimation `json:"intro"`
	Body           ContentBlock   `json:"body"`
	SummaryOverlay SummaryOverlay `json:"summary_overlay"`
	Transition     Transition     `json:"transition"`
	Music          MusicConfig    `json:"music"`
}

type TitleCard struct {
	Title       string  `json:"title"`
	Subtitle    string  `json:"subtitle,omitempty"`
	DurationSec float64 `json:"duration_sec"`
}

type IntroAnimation struct {
	Style       string  `json:"style"`
	DurationSec float64 `json:"duration_sec"`
}

type ContentBlock struct {
	Narration     string   `json:"narration"`
	AudioURL      string   `json:"audio_url"`
	VisualMarkers []string `json:"visual_markers,omitempty"`
}

type SummaryOverlay struct {
	Text             string  `json:"text"`
	OffsetFromEndSec float64 `json:"offset_from_end_sec"`
	DurationSec      float64 `json:"duration_sec"`
}

type Transition struct {
	Type        string  `json:"type"`
	DurationSec float64 `json:"duration_sec"`
}

// RenderRequest is submitted to the external renderer for a single chapter.
// TargetMinutes is a hint; the renderer is free to produce a different length.
type RenderRequest struct {
	Spec          RenderSpec `json:"spec"`
	TargetMinutes float64    `json:"target_minutes"`
}

// RenderResult is what the renderer reports for a finished render or stitch.
// Either field may be empty when the renderer omits it.
type RenderResult struct {
	URL         string  `json:"url,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// StitchSegment is one chapter reference inside a stitch request.
type StitchSegment struct {
	ChapterNumber int        `json:"chapter_number"`
	VideoURL      string     `json:"video_url"`
	DurationSec   float64    `json:"duration_sec"`
	Transition    Transition `json:"transition"`
}

type OutputFormat struct {
	Container  string `json:"container"`
	Resolution string `json:"resolution"`
}

// StitchRequest is submitted to the renderer's stitch endpoint.
type StitchRequest struct {
	ScriptID uuid.UUID       `json:"script_id"`
	Title    string          `json:"title"`
	Segments []StitchSegment `json:"segments"`
	Credits  Credits         `json:"credits"`
	Music    MusicConfig     `json:"music"`
	Output   OutputFormat    `json:"output"`
}
