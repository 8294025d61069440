package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
)

// ProgressReporter is a read-only view over a script's render state.
type ProgressReporter struct {
	store Store
}

func NewProgressReporter(store Store) *ProgressReporter {
	return &ProgressReporter{store: store}
}

// Report returns per-status counts and per-chapter detail. The store supplies
// the script header and chapter rows; the aggregates are derived here so
// every store reports them the same way.
func (p *ProgressReporter) Report(ctx context.Context, scriptID uuid.UUID) (*models.ScriptProgress, error) {
	progress, err := p.store.GetProgress(ctx, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	Summarize(progress)
	return progress, nil
}

// Summarize recomputes counts, percent complete and the drained flag from
// progress.Chapters.
func Summarize(progress *models.ScriptProgress) {
	var counts models.StatusCounts
	for _, ch := range progress.Chapters {
		counts.Add(ch.Status)
	}

	progress.Counts = counts
	progress.TotalChapters = counts.Total()
	progress.Drained = counts.Queued == 0 && counts.Rendering == 0
	progress.PercentComplete = 0
	if progress.TotalChapters > 0 {
		terminal := float64(counts.Completed + counts.Failed)
		progress.PercentComplete = math.Round(terminal/float64(progress.TotalChapters)*1000) / 10
	}
	if progress.FinalStatus == "" {
		progress.FinalStatus = models.FinalRenderStatusNone
	}
}
