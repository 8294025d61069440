package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
)

const scriptColumns = `
	id, title, credits, music, sources, final_status, final_video_url,
	final_duration_sec, final_chapter_count, stitch_error, quality,
	created_at, updated_at
`

func scanScript(row interface{ Scan(...interface{}) error }, script *models.Script) error {
	return row.Scan(
		&script.ID, &script.Title, &script.Credits, &script.Music, &script.Sources,
		&script.FinalStatus, &script.FinalVideoURL, &script.FinalDurationSec,
		&script.FinalChapterCount, &script.StitchError, &script.Quality,
		&script.CreatedAt, &script.UpdatedAt,
	)
}

func (db *DB) GetScript(ctx context.Context, id uuid.UUID) (*models.Script, error) {
	query := `SELECT ` + scriptColumns + ` FROM scripts WHERE id = $1`

	script := &models.Script{}
	err := scanScript(db.QueryRowContext(ctx, query, id), script)
	if err == sql.ErrNoRows {
		return nil, pipeline.ErrScriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get script: %w", err)
	}

	return script, nil
}

// CreateScript inserts a script with its chapters. Generation happens
// upstream; the import endpoint is how its output lands in these tables.
func (db *DB) CreateScript(ctx context.Context, script *models.Script, chapters []models.Chapter) error {
	if script.ID == uuid.Nil {
		script.ID = uuid.New()
	}
	if script.FinalStatus == "" {
		script.FinalStatus = models.FinalRenderStatusNone
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO scripts (id, title, credits, music, sources, final_status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at
		`, script.ID, script.Title, script.Credits, script.Music, script.Sources, script.FinalStatus,
		).Scan(&script.CreatedAt, &script.UpdatedAt)
		if isUniqueViolation(err) {
			return pipeline.ErrDuplicateScript
		}
		if err != nil {
			return fmt.Errorf("failed to insert script: %w", err)
		}

		for i := range chapters {
			ch := &chapters[i]
			if ch.ID == uuid.Nil {
				ch.ID = uuid.New()
			}
			ch.ScriptID = script.ID
			if ch.RenderStatus == "" {
				ch.RenderStatus = models.RenderStatusNotQueued
			}
			if ch.TemplateConfig == nil {
				ch.TemplateConfig = models.JSONB{}
			}
			err := tx.QueryRowContext(ctx, `
				INSERT INTO chapters (
					id, script_id, chapter_number, title, narration_text,
					template_config, transition_type, target_duration_min, render_status
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING created_at, updated_at
			`, ch.ID, ch.ScriptID, ch.ChapterNumber, ch.Title, ch.NarrationText,
				ch.TemplateConfig, ch.TransitionType, ch.TargetDurationMin, ch.RenderStatus,
			).Scan(&ch.CreatedAt, &ch.UpdatedAt)
			if isUniqueViolation(err) {
				return pipeline.ErrDuplicateScript
			}
			if err != nil {
				return fmt.Errorf("failed to insert chapter %d: %w", ch.ChapterNumber, err)
			}
		}
		return nil
	})
}

func (db *DB) GetProgress(ctx context.Context, scriptID uuid.UUID) (*models.ScriptProgress, error) {
	script, err := db.GetScript(ctx, scriptID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, chapter_number, title, render_status, video_url, error_message
		FROM chapters
		WHERE script_id = $1
		ORDER BY chapter_number
	`

	rows, err := db.QueryContext(ctx, query, scriptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chapter progress: %w", err)
	}
	defer rows.Close()

	progress := &models.ScriptProgress{
		ScriptID:      script.ID,
		Title:         script.Title,
		FinalStatus:   script.FinalStatus,
		FinalVideoURL: script.FinalVideoURL,
		Chapters:      []models.ChapterProgress{},
	}
	for rows.Next() {
		var cp models.ChapterProgress
		if err := rows.Scan(&cp.ChapterID, &cp.ChapterNumber, &cp.Title, &cp.Status, &cp.VideoURL, &cp.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan chapter progress: %w", err)
		}
		progress.Counts.Add(cp.Status)
		progress.Chapters = append(progress.Chapters, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chapter progress: %w", err)
	}
	progress.TotalChapters = progress.Counts.Total()

	return progress, nil
}

// ScheduleStitch is a compare-and-set on final_status: it only succeeds when
// no chapter is in flight, at least one is completed and no stitch is
// already queued or running.
func (db *DB) ScheduleStitch(ctx context.Context, scriptID uuid.UUID) (bool, error) {
	query := `
		UPDATE scripts
		SET final_status = $2, updated_at = NOW()
		WHERE id = $1
		  AND final_status NOT IN ($2, $3)
		  AND NOT EXISTS (
		      SELECT 1 FROM chapters
		      WHERE script_id = $1 AND render_status IN ($4, $5)
		  )
		  AND EXISTS (
		      SELECT 1 FROM chapters
		      WHERE script_id = $1 AND render_status = $6
		  )
	`

	result, err := db.ExecContext(ctx, query, scriptID,
		models.FinalRenderStatusQueued, models.FinalRenderStatusStitching,
		models.RenderStatusQueued, models.RenderStatusRendering,
		models.RenderStatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to schedule stitch: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to schedule stitch: %w", err)
	}
	return n == 1, nil
}

func (db *DB) MarkStitching(ctx context.Context, scriptID uuid.UUID) error {
	query := `UPDATE scripts SET final_status = $2, stitch_error = NULL, updated_at = NOW() WHERE id = $1`
	if err := execOne(ctx, db, pipeline.ErrScriptNotFound, query, scriptID, models.FinalRenderStatusStitching); err != nil {
		return fmt.Errorf("failed to mark script stitching: %w", err)
	}
	return nil
}

func (db *DB) SetScriptCredits(ctx context.Context, scriptID uuid.UUID, credits models.Credits) error {
	query := `UPDATE scripts SET credits = $2, updated_at = NOW() WHERE id = $1`
	if err := execOne(ctx, db, pipeline.ErrScriptNotFound, query, scriptID, credits); err != nil {
		return fmt.Errorf("failed to set credits: %w", err)
	}
	return nil
}

func (db *DB) SetScriptFinalVideo(ctx context.Context, video models.AssembledVideo) error {
	query := `
		UPDATE scripts
		SET final_status = $2, final_video_url = $3, final_duration_sec = $4,
		    final_chapter_count = $5, credits = $6, stitch_error = NULL, updated_at = NOW()
		WHERE id = $1
	`
	err := execOne(ctx, db, pipeline.ErrScriptNotFound, query,
		video.ScriptID, models.FinalRenderStatusCompleted, video.URL,
		video.DurationSec, video.ChapterCount, video.Credits,
	)
	if err != nil {
		return fmt.Errorf("failed to set final video: %w", err)
	}
	return nil
}

func (db *DB) SetScriptStitchError(ctx context.Context, scriptID uuid.UUID, message string) error {
	query := `UPDATE scripts SET final_status = $2, stitch_error = $3, updated_at = NOW() WHERE id = $1`
	if err := execOne(ctx, db, pipeline.ErrScriptNotFound, query, scriptID, models.FinalRenderStatusFailed, message); err != nil {
		return fmt.Errorf("failed to set stitch error: %w", err)
	}
	return nil
}

func (db *DB) SetQualityResult(ctx context.Context, scriptID uuid.UUID, result models.QualityCheckResult) error {
	query := `UPDATE scripts SET quality = $2, updated_at = NOW() WHERE id = $1`
	if err := execOne(ctx, db, pipeline.ErrScriptNotFound, query, scriptID, result); err != nil {
		return fmt.Errorf("failed to set quality result: %w", err)
	}
	return nil
}
