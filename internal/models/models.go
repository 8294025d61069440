package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type RenderStatus string

const (
	RenderStatusNotQueued RenderStatus = "not_queued"
	RenderStatusQueued    RenderStatus = "queued"
	RenderStatusRendering RenderStatus = "rendering"
	RenderStatusCompleted RenderStatus = "completed"
	RenderStatusFailed    RenderStatus = "failed"
)

// Terminal reports whether the status is an end state for a render attempt.
func (s RenderStatus) Terminal() bool {
	return s == RenderStatusCompleted || s == RenderStatusFailed
}

// InFlight reports whether the chapter currently holds a render queue entry.
func (s RenderStatus) InFlight() bool {
	return s == RenderStatusQueued || s == RenderStatusRendering
}

type FinalRenderStatus string

const (
	FinalRenderStatusNone      FinalRenderStatus = "none"
	FinalRenderStatusQueued    FinalRenderStatus = "queued"
	FinalRenderStatusStitching FinalRenderStatus = "stitching"
	FinalRenderStatusCompleted FinalRenderStatus = "completed"
	FinalRenderStatusFailed    FinalRenderStatus = "failed"
)

// Pending reports whether a stitch is queued or running.
func (s FinalRenderStatus) Pending() bool {
	return s == FinalRenderStatusQueued || s == FinalRenderStatusStitching
}

// Failure kinds recorded on a chapter when its render fails.
const (
	FailureKindTimeout  = "timeout"
	FailureKindRenderer = "renderer_error"
)

// Quality check names.
const (
	CheckAllChaptersRendered = "all_chapters_rendered"
	CheckTotalDurationOK     = "total_duration_ok"
	CheckCreditsPresent      = "credits_present"
	CheckTransitionsSmooth   = "transitions_smooth"
	CheckAudioConsistent     = "audio_consistent"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// String returns the value at key when it is a non-empty string.
func (j JSONB) String(key string) string {
	if j == nil {
		return ""
	}
	if s, ok := j[key].(string); ok {
		return s
	}
	return ""
}

// Float returns the numeric value at key, or 0.
func (j JSONB) Float(key string) float64 {
	if j == nil {
		return 0
	}
	switch v := j[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Strings returns the string list at key, skipping non-string members.
func (j JSONB) Strings(key string) []string {
	if j == nil {
		return nil
	}
	switch v := j[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Credits is the end-credits payload embedded into the final video.
type Credits struct {
	Title           string   `json:"title,omitempty"`
	Sources         []string `json:"sources,omitempty"`
	Acknowledgments []string `json:"acknowledgments,omitempty"`
	MusicCredits    []string `json:"music_credits,omitempty"`
}

// IsEmpty reports whether the credits carry nothing worth rolling.
func (c *Credits) IsEmpty() bool {
	return c == nil || (c.Title == "" && len(c.Sources) == 0 && len(c.Acknowledgments) == 0 && len(c.MusicCredits) == 0)
}

func (c Credits) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *Credits) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// MusicConfig describes the background music bed.
type MusicConfig struct {
	Track  string  `json:"track"`
	Volume float64 `json:"volume"`
	Loop   bool    `json:"loop"`
}

func (m MusicConfig) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *MusicConfig) Scan(value interface{}) error {
	return scanJSON(value, m)
}

// StringList is a JSONB-backed list of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Models

type Script struct {
	ID                uuid.UUID           `json:"id"`
	Title             string              `json:"title"`
	Credits           *Credits            `json:"credits,omitempty"`
	Music             *MusicConfig        `json:"music,omitempty"`
	Sources           StringList          `json:"sources,omitempty"` // Tracked research sources, rolled into default credits
	FinalStatus       FinalRenderStatus   `json:"final_status"`
	FinalVideoURL     *string             `json:"final_video_url,omitempty"`
	FinalDurationSec  *float64            `json:"final_duration_sec,omitempty"`
	FinalChapterCount *int                `json:"final_chapter_count,omitempty"`
	StitchError       *string             `json:"stitch_error,omitempty"`
	Quality           *QualityCheckResult `json:"quality,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type Chapter struct {
	ID                uuid.UUID    `json:"id"`
	ScriptID          uuid.UUID    `json:"script_id"`
	ChapterNumber     int          `json:"chapter_number"`
	Title             string       `json:"title"`
	NarrationText     string       `json:"narration_text"`
	TemplateConfig    JSONB        `json:"template_config,omitempty"` // visual_markers, intro_style, summary, transition_duration, music_track
	TransitionType    *string      `json:"transition_type,omitempty"`
	TargetDurationMin *float64     `json:"target_duration_min,omitempty"`
	RenderStatus      RenderStatus `json:"render_status"`
	VideoURL          *string      `json:"video_url,omitempty"`
	VideoDurationSec  *float64     `json:"video_duration_sec,omitempty"`
	NarrationAudioURL *string      `json:"narration_audio_url,omitempty"`
	ErrorKind         *string      `json:"error_kind,omitempty"`
	ErrorMessage      *string      `json:"error_message,omitempty"`
	RenderAttempts    int          `json:"render_attempts"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// RenderQueueEntry is the unit the scheduler claims. One per chapter while
// the chapter is queued or rendering.
type RenderQueueEntry struct {
	ChapterID uuid.UUID    `json:"chapter_id"`
	ScriptID  uuid.UUID    `json:"script_id"`
	Priority  int          `json:"priority"`
	WorkerID  *string      `json:"worker_id,omitempty"`
	Status    RenderStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	QueuedAt  time.Time    `json:"queued_at"`
	ClaimedAt *time.Time   `json:"claimed_at,omitempty"`
}

// AssembledVideo is the stitcher's output for a script.
type AssembledVideo struct {
	ScriptID       uuid.UUID `json:"script_id"`
	URL            string    `json:"url"`
	DurationSec    float64   `json:"duration_sec"`
	ChapterCount   int       `json:"chapter_count"`
	ChapterNumbers []int     `json:"chapter_numbers"`
	Credits        Credits   `json:"credits"`
}

// QualityCheckResult is the advisory post-stitch checklist.
type QualityCheckResult struct {
	Passed    bool            `json:"passed"`
	Checks    map[string]bool `json:"checks"`
	Notes     string          `json:"notes"`
	CheckedAt time.Time       `json:"checked_at"`
}

func (q QualityCheckResult) Value() (driver.Value, error) {
	return json.Marshal(q)
}

func (q *QualityCheckResult) Scan(value interface{}) error {
	return scanJSON(value, q)
}

// DTOs for API responses

type ChapterProgress struct {
	ChapterID     uuid.UUID    `json:"chapter_id"`
	ChapterNumber int          `json:"chapter_number"`
	Title         string       `json:"title"`
	Status        RenderStatus `json:"status"`
	VideoURL      *string      `json:"video_url,omitempty"`
	ErrorMessage  *string      `json:"error_message,omitempty"`
}

type StatusCounts struct {
	NotQueued int `json:"not_queued"`
	Queued    int `json:"queued"`
	Rendering int `json:"rendering"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Add increments the counter for status.
func (c *StatusCounts) Add(status RenderStatus) {
	switch status {
	case RenderStatusQueued:
		c.Queued++
	case RenderStatusRendering:
		c.Rendering++
	case RenderStatusCompleted:
		c.Completed++
	case RenderStatusFailed:
		c.Failed++
	default:
		c.NotQueued++
	}
}

// Total is the number of chapters counted.
func (c StatusCounts) Total() int {
	return c.NotQueued + c.Queued + c.Rendering + c.Completed + c.Failed
}

type ScriptProgress struct {
	ScriptID        uuid.UUID         `json:"script_id"`
	Title           string            `json:"title"`
	TotalChapters   int               `json:"total_chapters"`
	Counts          StatusCounts      `json:"counts"`
	PercentComplete float64           `json:"percent_complete"`
	Drained         bool              `json:"drained"` // Nothing queued or rendering
	FinalStatus     FinalRenderStatus `json:"final_status"`
	FinalVideoURL   *string           `json:"final_video_url,omitempty"`
	Chapters        []ChapterProgress `json:"chapters"`
}

// ImportScriptRequest carries a generated script into the pipeline.
type ImportScriptRequest struct {
	ID       uuid.UUID       `json:"id"` // optional, generated when zero
	Title    string          `json:"title" validate:"required"`
	Credits  *Credits        `json:"credits,omitempty"`
	Music    *MusicConfig    `json:"music,omitempty"`
	Sources  []string        `json:"sources,omitempty"`
	Chapters []ImportChapter `json:"chapters" validate:"required,min=1,dive"`
}

type ImportChapter struct {
	ChapterNumber     int      `json:"chapter_number" validate:"min=1"`
	Title             string   `json:"title"`
	NarrationText     string   `json:"narration_text" validate:"required"`
	TemplateConfig    JSONB    `json:"template_config,omitempty"`
	TransitionType    *string  `json:"transition_type,omitempty"`
	TargetDurationMin *float64 `json:"target_duration_min,omitempty" validate:"omitempty,gt=0"`
}

// Script splits the request into the rows CreateScript inserts.
func (r ImportScriptRequest) Script() (Script, []Chapter) {
	script := Script{
		ID:      r.ID,
		Title:   r.Title,
		Credits: r.Credits,
		Music:   r.Music,
		Sources: StringList(r.Sources),
	}
	chapters := make([]Chapter, 0, len(r.Chapters))
	for _, ch := range r.Chapters {
		chapters = append(chapters, Chapter{
			ChapterNumber:     ch.ChapterNumber,
			Title:             ch.Title,
			NarrationText:     ch.NarrationText,
			TemplateConfig:    ch.TemplateConfig,
			TransitionType:    ch.TransitionType,
			TargetDurationMin: ch.TargetDurationMin,
		})
	}
	return script, chapters
}

type ImportScriptResponse struct {
	ScriptID   uuid.UUID   `json:"script_id"`
	Title      string      `json:"title"`
	ChapterIDs []uuid.UUID `json:"chapter_ids"`
}

type StartRenderResponse struct {
	ScriptID uuid.UUID `json:"script_id"`
	Queued   int       `json:"queued"`
}

type RenderChapterResponse struct {
	ScriptID  uuid.UUID    `json:"script_id"`
	ChapterID uuid.UUID    `json:"chapter_id"`
	Status    RenderStatus `json:"status"`
}

type StitchQueuedResponse struct {
	ScriptID uuid.UUID         `json:"script_id"`
	Status   FinalRenderStatus `json:"status"`
}

// Envelope is the structured success/error payload every API operation returns.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
