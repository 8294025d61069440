// Package pipeline schedules, renders, stitches and checks multi-chapter
// documentaries. Persistence and the external renderer are injected; see
// Store and Renderer.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
)

// MaxPriority is the base for queue priorities: entry priority is
// MaxPriority - chapterNumber, so earlier chapters are claimed first.
const MaxPriority = 10000

// DefaultMaxConcurrency bounds simultaneously rendering chapters.
const DefaultMaxConcurrency = 4

var (
	ErrScriptNotFound   = errors.New("script not found")
	ErrChapterNotFound  = errors.New("chapter not found")
	ErrChapterInFlight  = errors.New("chapter is already queued or rendering")
	ErrDuplicateScript  = errors.New("script id or chapter number already exists")
	ErrNothingToStitch  = errors.New("nothing to stitch: no completed chapters")
	ErrIncompleteScript = errors.New("script has chapters that are not completed")
	ErrNotStitched      = errors.New("script has no stitched video")
)

// Store is the persistence contract the pipeline needs. Claim, complete and
// fail are the only chapter transitions and each must be atomic.
type Store interface {
	// EnqueueScript queues every chapter of the script that is neither
	// terminal nor in flight and returns how many were queued.
	EnqueueScript(ctx context.Context, scriptID uuid.UUID) (int, error)
	// EnqueueChapter re-queues a single chapter from any non-in-flight status.
	EnqueueChapter(ctx context.Context, chapterID uuid.UUID) (*models.Chapter, error)
	// ClaimNext marks the highest priority queued chapter as rendering for
	// workerID and returns it. It returns nil when nothing is queued or when
	// maxConcurrency chapters are already rendering.
	ClaimNext(ctx context.Context, workerID string, maxConcurrency int) (*models.Chapter, error)
	MarkChapterCompleted(ctx context.Context, chapterID uuid.UUID, videoURL string, durationSec float64, narrationURL string) error
	MarkChapterFailed(ctx context.Context, chapterID uuid.UUID, kind, message string) error
	// FailStaleClaims marks every chapter claimed more than olderThan ago as
	// failed with kind timeout, drops its queue entry and returns the
	// chapters it failed.
	FailStaleClaims(ctx context.Context, olderThan time.Duration, message string) ([]models.Chapter, error)

	// CreateScript inserts a script with its chapters, assigning missing ids.
	CreateScript(ctx context.Context, script *models.Script, chapters []models.Chapter) error

	GetScript(ctx context.Context, scriptID uuid.UUID) (*models.Script, error)
	// GetScriptChapters returns chapters ordered by chapter number.
	GetScriptChapters(ctx context.Context, scriptID uuid.UUID) ([]models.Chapter, error)
	GetProgress(ctx context.Context, scriptID uuid.UUID) (*models.ScriptProgress, error)

	// ScheduleStitch moves the script's final render state to queued when no
	// chapter is in flight and no stitch is already queued or running. It
	// reports whether this call made the transition.
	ScheduleStitch(ctx context.Context, scriptID uuid.UUID) (bool, error)
	MarkStitching(ctx context.Context, scriptID uuid.UUID) error
	SetScriptCredits(ctx context.Context, scriptID uuid.UUID, credits models.Credits) error
	SetScriptFinalVideo(ctx context.Context, video models.AssembledVideo) error
	SetScriptStitchError(ctx context.Context, scriptID uuid.UUID, message string) error
	SetQualityResult(ctx context.Context, scriptID uuid.UUID, result models.QualityCheckResult) error
}

// Renderer is the external video rendering service.
type Renderer interface {
	RenderChapter(ctx context.Context, req models.RenderRequest) (*models.RenderResult, error)
	Stitch(ctx context.Context, req models.StitchRequest) (*models.RenderResult, error)
}

// NarrationSynthesizer turns a chapter's narration into an audio URL. It
// never fails: on any provider error it returns a placeholder URL.
type NarrationSynthesizer interface {
	Synthesize(ctx context.Context, chapter *models.Chapter) string
}

// StitchTrigger receives scripts whose chapters have all finished.
type StitchTrigger interface {
	EnqueueStitch(ctx context.Context, scriptID uuid.UUID) error
}

// URLResolver maps a storage path to its public URL.
type URLResolver interface {
	GetPublicURL(path string) string
}
