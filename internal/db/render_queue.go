package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
)

// claimLockKey serializes claims across every process sharing the database,
// so the rendering count and the pick happen as one step.
const claimLockKey int64 = 0x646f6375 // "docu"

// EnqueueScript queues every not_queued chapter of the script.
func (db *DB) EnqueueScript(ctx context.Context, scriptID uuid.UUID) (int, error) {
	var queued int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM scripts WHERE id = $1)`, scriptID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check script: %w", err)
		}
		if !exists {
			return pipeline.ErrScriptNotFound
		}

		query := `
			WITH queued AS (
				UPDATE chapters
				SET render_status = $3, error_kind = NULL, error_message = NULL, updated_at = NOW()
				WHERE script_id = $1 AND render_status = $4
				RETURNING id, script_id, chapter_number
			)
			INSERT INTO render_queue (chapter_id, script_id, priority, status, queued_at)
			SELECT id, script_id, $2 - chapter_number, $3, NOW()
			FROM queued
			ON CONFLICT (chapter_id) DO UPDATE
			SET priority = EXCLUDED.priority, status = EXCLUDED.status,
			    worker_id = NULL, claimed_at = NULL, queued_at = NOW()
		`

		result, err := tx.ExecContext(ctx, query, scriptID, pipeline.MaxPriority,
			models.RenderStatusQueued, models.RenderStatusNotQueued)
		if err != nil {
			return fmt.Errorf("failed to enqueue chapters: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to enqueue chapters: %w", err)
		}
		queued = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return queued, nil
}

// EnqueueChapter re-queues one chapter from not_queued, completed or failed.
func (db *DB) EnqueueChapter(ctx context.Context, chapterID uuid.UUID) (*models.Chapter, error) {
	ch := &models.Chapter{}
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var status models.RenderStatus
		err := tx.QueryRowContext(ctx, `SELECT render_status FROM chapters WHERE id = $1 FOR UPDATE`, chapterID).Scan(&status)
		if err == sql.ErrNoRows {
			return pipeline.ErrChapterNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock chapter: %w", err)
		}
		if status.InFlight() {
			return pipeline.ErrChapterInFlight
		}

		query := `
			UPDATE chapters
			SET render_status = $2, error_kind = NULL, error_message = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING ` + chapterColumns
		if err := scanChapter(tx.QueryRowContext(ctx, query, chapterID, models.RenderStatusQueued), ch); err != nil {
			return fmt.Errorf("failed to queue chapter: %w", err)
		}

		insert := `
			INSERT INTO render_queue (chapter_id, script_id, priority, status, queued_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (chapter_id) DO UPDATE
			SET priority = EXCLUDED.priority, status = EXCLUDED.status,
			    worker_id = NULL, claimed_at = NULL, queued_at = NOW()
		`
		if _, err := tx.ExecContext(ctx, insert, ch.ID, ch.ScriptID, pipeline.MaxPriority-ch.ChapterNumber, models.RenderStatusQueued); err != nil {
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ClaimNext takes the claim lock, checks the global rendering count against
// maxConcurrency and moves the best queued entry to rendering. The lock is
// released at commit; no network call happens while it is held.
func (db *DB) ClaimNext(ctx context.Context, workerID string, maxConcurrency int) (*models.Chapter, error) {
	var claimed *models.Chapter
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil

		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
			return fmt.Errorf("failed to take claim lock: %w", err)
		}

		if maxConcurrency > 0 {
			var rendering int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM render_queue WHERE status = $1`, models.RenderStatusRendering).Scan(&rendering); err != nil {
				return fmt.Errorf("failed to count rendering chapters: %w", err)
			}
			if rendering >= maxConcurrency {
				return nil
			}
		}

		var chapterID uuid.UUID
		pick := `
			SELECT chapter_id FROM render_queue
			WHERE status = $1
			ORDER BY priority DESC, queued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`
		err := tx.QueryRowContext(ctx, pick, models.RenderStatusQueued).Scan(&chapterID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to pick queue entry: %w", err)
		}

		mark := `
			UPDATE render_queue
			SET status = $2, worker_id = $3, claimed_at = NOW(), attempts = attempts + 1
			WHERE chapter_id = $1
		`
		if _, err := tx.ExecContext(ctx, mark, chapterID, models.RenderStatusRendering, workerID); err != nil {
			return fmt.Errorf("failed to claim queue entry: %w", err)
		}

		update := `
			UPDATE chapters
			SET render_status = $2, render_attempts = render_attempts + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING ` + chapterColumns
		ch := &models.Chapter{}
		if err := scanChapter(tx.QueryRowContext(ctx, update, chapterID, models.RenderStatusRendering), ch); err != nil {
			return fmt.Errorf("failed to mark chapter rendering: %w", err)
		}
		claimed = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FailStaleClaims fails chapters whose claim is older than olderThan. It runs
// under the claim lock so a reaped slot cannot be double counted by a
// concurrent ClaimNext.
func (db *DB) FailStaleClaims(ctx context.Context, olderThan time.Duration, message string) ([]models.Chapter, error) {
	var failed []models.Chapter
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		failed = nil

		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
			return fmt.Errorf("failed to take claim lock: %w", err)
		}

		query := `
			WITH stale AS (
				DELETE FROM render_queue
				WHERE status = $1 AND claimed_at < NOW() - make_interval(secs => $2)
				RETURNING chapter_id
			)
			UPDATE chapters
			SET render_status = $3, error_kind = $4, error_message = $5, updated_at = NOW()
			WHERE id IN (SELECT chapter_id FROM stale)
			RETURNING ` + chapterColumns

		rows, err := tx.QueryContext(ctx, query, models.RenderStatusRendering, olderThan.Seconds(),
			models.RenderStatusFailed, models.FailureKindTimeout, message)
		if err != nil {
			return fmt.Errorf("failed to fail stale claims: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var ch models.Chapter
			if err := scanChapter(rows, &ch); err != nil {
				return fmt.Errorf("failed to scan stale chapter: %w", err)
			}
			failed = append(failed, ch)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}
