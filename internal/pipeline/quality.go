package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Default runtime band for a long-form documentary.
const (
	DefaultMinTotalDuration = 2 * time.Hour
	DefaultMaxTotalDuration = 4 * time.Hour
)

const notesAllPassed = "All checks passed"

// QualityGate runs the advisory post-stitch checklist. Its result is stored
// on the script and never undoes the stitched video.
type QualityGate struct {
	store    Store
	minTotal time.Duration
	maxTotal time.Duration
	now      func() time.Time
}

// NewQualityGate returns a gate for the [minTotal, maxTotal] runtime band.
// Zero bounds fall back to the defaults.
func NewQualityGate(store Store, minTotal, maxTotal time.Duration) *QualityGate {
	if minTotal <= 0 {
		minTotal = DefaultMinTotalDuration
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalDuration
	}
	return &QualityGate{store: store, minTotal: minTotal, maxTotal: maxTotal, now: time.Now}
}

func (g *QualityGate) Check(ctx context.Context, scriptID uuid.UUID) (*models.QualityCheckResult, error) {
	script, err := g.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get script: %w", err)
	}
	if script.FinalStatus != models.FinalRenderStatusCompleted {
		return nil, ErrNotStitched
	}

	chapters, err := g.store.GetScriptChapters(ctx, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chapters: %w", err)
	}

	result := Evaluate(script, chapters, g.minTotal, g.maxTotal)
	result.CheckedAt = g.now().UTC()

	if err := g.store.SetQualityResult(ctx, scriptID, result); err != nil {
		return nil, fmt.Errorf("failed to save quality result: %w", err)
	}

	event := log.Info()
	if !result.Passed {
		event = log.Warn()
	}
	event.Str("component", "quality_gate").Str("script_id", scriptID.String()).Bool("passed", result.Passed).Msg(result.Notes)

	return &result, nil
}

// Evaluate computes the checklist without touching the store.
func Evaluate(script *models.Script, chapters []models.Chapter, minTotal, maxTotal time.Duration) models.QualityCheckResult {
	allRendered := len(chapters) > 0
	var total float64
	for _, ch := range chapters {
		if ch.RenderStatus != models.RenderStatusCompleted {
			allRendered = false
			continue
		}
		total += derefFloat(ch.VideoDurationSec)
	}
	totalDuration := time.Duration(total * float64(time.Second))

	checks := map[string]bool{
		models.CheckAllChaptersRendered: allRendered,
		models.CheckTotalDurationOK:     totalDuration >= minTotal && totalDuration <= maxTotal,
		models.CheckCreditsPresent:      !script.Credits.IsEmpty(),
		// Placeholders until the renderer reports signal-level metrics
		models.CheckTransitionsSmooth: true,
		models.CheckAudioConsistent:   true,
	}

	var failed []string
	for name, ok := range checks {
		if !ok {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	result := models.QualityCheckResult{
		Passed: len(failed) == 0,
		Checks: checks,
		Notes:  notesAllPassed,
	}
	if len(failed) > 0 {
		result.Notes = "Failed checks: " + strings.Join(failed, ", ")
	}
	return result
}
