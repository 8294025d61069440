package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
)

const chapterColumns = `
	id, script_id, chapter_number, title, narration_text, template_config,
	transition_type, target_duration_min, render_status, video_url,
	video_duration_sec, narration_audio_url, error_kind, error_message,
	render_attempts, created_at, updated_at
`

func scanChapter(row interface{ Scan(...interface{}) error }, ch *models.Chapter) error {
	return row.Scan(
		&ch.ID, &ch.ScriptID, &ch.ChapterNumber, &ch.Title, &ch.NarrationText,
		&ch.TemplateConfig, &ch.TransitionType, &ch.TargetDurationMin,
		&ch.RenderStatus, &ch.VideoURL, &ch.VideoDurationSec,
		&ch.NarrationAudioURL, &ch.ErrorKind, &ch.ErrorMessage,
		&ch.RenderAttempts, &ch.CreatedAt, &ch.UpdatedAt,
	)
}

func (db *DB) GetChapter(ctx context.Context, id uuid.UUID) (*models.Chapter, error) {
	query := `SELECT ` + chapterColumns + ` FROM chapters WHERE id = $1`

	ch := &models.Chapter{}
	err := scanChapter(db.QueryRowContext(ctx, query, id), ch)
	if err == sql.ErrNoRows {
		return nil, pipeline.ErrChapterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}

	return ch, nil
}

func (db *DB) GetScriptChapters(ctx context.Context, scriptID uuid.UUID) ([]models.Chapter, error) {
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM scripts WHERE id = $1)`, scriptID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check script: %w", err)
	}
	if !exists {
		return nil, pipeline.ErrScriptNotFound
	}

	query := `SELECT ` + chapterColumns + ` FROM chapters WHERE script_id = $1 ORDER BY chapter_number`

	rows, err := db.QueryContext(ctx, query, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chapters: %w", err)
	}
	defer rows.Close()

	var chapters []models.Chapter
	for rows.Next() {
		var ch models.Chapter
		if err := scanChapter(rows, &ch); err != nil {
			return nil, fmt.Errorf("failed to scan chapter: %w", err)
		}
		chapters = append(chapters, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chapters: %w", err)
	}

	return chapters, nil
}

// MarkChapterCompleted records the render result and drops the queue entry.
func (db *DB) MarkChapterCompleted(ctx context.Context, chapterID uuid.UUID, videoURL string, durationSec float64, narrationURL string) error {
	var narration *string
	if narrationURL != "" {
		narration = &narrationURL
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE chapters
			SET render_status = $2, video_url = $3, video_duration_sec = $4,
			    narration_audio_url = COALESCE($5, narration_audio_url),
			    error_kind = NULL, error_message = NULL, updated_at = NOW()
			WHERE id = $1
		`
		err := execOne(ctx, tx, pipeline.ErrChapterNotFound, query,
			chapterID, models.RenderStatusCompleted, videoURL, durationSec, narration)
		if err != nil {
			return fmt.Errorf("failed to mark chapter completed: %w", err)
		}
		return deleteQueueEntry(ctx, tx, chapterID)
	})
}

// MarkChapterFailed records the failure and drops the queue entry.
func (db *DB) MarkChapterFailed(ctx context.Context, chapterID uuid.UUID, kind, message string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE chapters
			SET render_status = $2, error_kind = $3, error_message = $4, updated_at = NOW()
			WHERE id = $1
		`
		err := execOne(ctx, tx, pipeline.ErrChapterNotFound, query,
			chapterID, models.RenderStatusFailed, kind, message)
		if err != nil {
			return fmt.Errorf("failed to mark chapter failed: %w", err)
		}
		return deleteQueueEntry(ctx, tx, chapterID)
	})
}

func deleteQueueEntry(ctx context.Context, tx *sql.Tx, chapterID uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM render_queue WHERE chapter_id = $1`, chapterID); err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	return nil
}
