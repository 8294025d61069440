package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/bobarin/docurender/internal/testsupport"
	"github.com/google/uuid"
)

// These tests run against a real PostgreSQL. They truncate the pipeline
// tables, so point TEST_DATABASE_URL at a throwaway database.
func testDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := New(url)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE render_queue, chapters, scripts`); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return db
}

func createScript(t *testing.T, db *DB, n int) (*models.Script, []models.Chapter) {
	t.Helper()

	script := &models.Script{Title: "Deep Time", Sources: models.StringList{"Annals of the Earth"}}
	chapters := make([]models.Chapter, 0, n)
	for i := 1; i <= n; i++ {
		chapters = append(chapters, models.Chapter{
			ChapterNumber: i,
			Title:         fmt.Sprintf("Era %d", i),
			NarrationText: "Sediment settled layer upon layer.",
		})
	}
	if err := db.CreateScript(context.Background(), script, chapters); err != nil {
		t.Fatalf("CreateScript failed: %v", err)
	}
	return script, chapters
}

func TestPostgresCreateScript(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	script, chapters := createScript(t, db, 3)

	got, err := db.GetScript(ctx, script.ID)
	if err != nil {
		t.Fatalf("GetScript failed: %v", err)
	}
	if got.Title != "Deep Time" || got.FinalStatus != models.FinalRenderStatusNone || len(got.Sources) != 1 {
		t.Errorf("unexpected script %+v", got)
	}

	stored, err := db.GetScriptChapters(ctx, script.ID)
	if err != nil {
		t.Fatalf("GetScriptChapters failed: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 chapters, got %d", len(stored))
	}
	for i, ch := range stored {
		if ch.ID != chapters[i].ID || ch.RenderStatus != models.RenderStatusNotQueued {
			t.Errorf("chapter %d: unexpected row %+v", i+1, ch)
		}
	}

	dup := &models.Script{ID: script.ID, Title: "Again"}
	if err := db.CreateScript(ctx, dup, nil); !errors.Is(err, pipeline.ErrDuplicateScript) {
		t.Errorf("duplicate id: got %v, want ErrDuplicateScript", err)
	}
	clash := []models.Chapter{{ChapterNumber: 1, NarrationText: "a"}, {ChapterNumber: 1, NarrationText: "b"}}
	if err := db.CreateScript(ctx, &models.Script{Title: "Clash"}, clash); !errors.Is(err, pipeline.ErrDuplicateScript) {
		t.Errorf("duplicate chapter number: got %v, want ErrDuplicateScript", err)
	}
}

func TestPostgresClaimExclusivity(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	script, _ := createScript(t, db, 12)

	queued, err := db.EnqueueScript(ctx, script.ID)
	if err != nil || queued != 12 {
		t.Fatalf("EnqueueScript = %d, %v; want 12", queued, err)
	}
	if again, err := db.EnqueueScript(ctx, script.ID); err != nil || again != 0 {
		t.Errorf("second EnqueueScript = %d, %v; want 0", again, err)
	}

	const (
		claimers       = 8
		maxConcurrency = 4
	)
	seen := make(map[uuid.UUID]bool)
	var order []int

	for round := 0; ; round++ {
		var (
			mu      sync.Mutex
			claimed []models.Chapter
			wg      sync.WaitGroup
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for {
					ch, err := db.ClaimNext(ctx, fmt.Sprintf("claimer-%d", i), maxConcurrency)
					if err != nil {
						t.Errorf("ClaimNext failed: %v", err)
						return
					}
					if ch == nil {
						return
					}
					mu.Lock()
					claimed = append(claimed, *ch)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if len(claimed) == 0 {
			break
		}
		if len(claimed) > maxConcurrency {
			t.Fatalf("round %d: %d chapters claimed, bound is %d", round, len(claimed), maxConcurrency)
		}

		var rendering int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chapters WHERE script_id = $1 AND render_status = $2`,
			script.ID, models.RenderStatusRendering).Scan(&rendering); err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if rendering != len(claimed) {
			t.Errorf("round %d: %d chapters rendering, %d claimed", round, rendering, len(claimed))
		}

		for _, ch := range claimed {
			if seen[ch.ID] {
				t.Fatalf("chapter %d claimed twice", ch.ChapterNumber)
			}
			seen[ch.ID] = true
			order = append(order, ch.ChapterNumber)
			if err := db.MarkChapterCompleted(ctx, ch.ID, "https://renders.test/x.mp4", 600, ""); err != nil {
				t.Fatalf("MarkChapterCompleted failed: %v", err)
			}
		}
	}

	if len(seen) != 12 {
		t.Fatalf("expected 12 distinct claims, got %d", len(seen))
	}
	// Rounds take the highest priority first: chapters 1-4, then 5-8, then 9-12
	for i, n := range order {
		round := i / maxConcurrency
		if n <= round*maxConcurrency || n > (round+1)*maxConcurrency {
			t.Errorf("claim %d was chapter %d, outside round %d", i, n, round)
		}
	}

	var left int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM render_queue`).Scan(&left); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if left != 0 {
		t.Errorf("expected empty render queue, got %d rows", left)
	}
}

func TestPostgresEnqueueChapterRejectsInFlight(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, chapters := createScript(t, db, 2)

	ch, err := db.EnqueueChapter(ctx, chapters[0].ID)
	if err != nil || ch.RenderStatus != models.RenderStatusQueued {
		t.Fatalf("EnqueueChapter = %+v, %v", ch, err)
	}
	if _, err := db.EnqueueChapter(ctx, chapters[0].ID); !errors.Is(err, pipeline.ErrChapterInFlight) {
		t.Errorf("second EnqueueChapter: got %v, want ErrChapterInFlight", err)
	}
	if _, err := db.EnqueueChapter(ctx, uuid.New()); !errors.Is(err, pipeline.ErrChapterNotFound) {
		t.Errorf("unknown chapter: got %v, want ErrChapterNotFound", err)
	}
	if err := db.MarkChapterFailed(ctx, uuid.New(), models.FailureKindRenderer, "x"); !errors.Is(err, pipeline.ErrChapterNotFound) {
		t.Errorf("MarkChapterFailed unknown chapter: got %v, want ErrChapterNotFound", err)
	}
}

type stitchRecorder struct {
	mu      sync.Mutex
	scripts []uuid.UUID
}

func (r *stitchRecorder) EnqueueStitch(ctx context.Context, scriptID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, scriptID)
	return nil
}

func TestPostgresFiveChaptersWithThirdFailing(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	script, _ := createScript(t, db, 5)

	renderer := testsupport.NewRenderer(600)
	renderer.Fail[3] = true
	trigger := &stitchRecorder{}
	worker := pipeline.NewChapterWorker(db, testsupport.Narrator{}, renderer, pipeline.NewSpecBuilder(""), testsupport.URLs{}, 10*time.Second)
	scheduler := pipeline.NewScheduler(db, worker, trigger, pipeline.SchedulerConfig{MaxConcurrency: 4, AutoStitch: true, ClaimTTL: time.Hour})

	if _, err := scheduler.Start(ctx, script.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := scheduler.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	progress, err := db.GetProgress(ctx, script.ID)
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if want := (models.StatusCounts{Completed: 4, Failed: 1}); progress.Counts != want {
		t.Fatalf("counts = %+v, want %+v", progress.Counts, want)
	}
	if progress.Chapters[2].Status != models.RenderStatusFailed || progress.Chapters[2].ErrorMessage == nil {
		t.Errorf("chapter 3: unexpected progress %+v", progress.Chapters[2])
	}

	// The last chapter to finish scheduled the stitch exactly once
	if len(trigger.scripts) != 1 || trigger.scripts[0] != script.ID {
		t.Fatalf("expected one stitch trigger, got %v", trigger.scripts)
	}
	if again, err := db.ScheduleStitch(ctx, script.ID); err != nil || again {
		t.Errorf("ScheduleStitch while queued = %v, %v; want false", again, err)
	}

	stitcher := pipeline.NewStitcher(db, renderer, testsupport.URLs{}, pipeline.StitcherConfig{})
	video, err := stitcher.Stitch(ctx, script.ID)
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	if video.ChapterCount != 4 || video.DurationSec != 2400 {
		t.Errorf("unexpected video %+v", video)
	}

	stored, err := db.GetScript(ctx, script.ID)
	if err != nil {
		t.Fatalf("GetScript failed: %v", err)
	}
	if stored.FinalStatus != models.FinalRenderStatusCompleted || stored.Credits == nil || stored.FinalChapterCount == nil || *stored.FinalChapterCount != 4 {
		t.Errorf("unexpected stitched script %+v", stored)
	}

	// A finished stitch can be scheduled again
	if again, err := db.ScheduleStitch(ctx, script.ID); err != nil || !again {
		t.Errorf("ScheduleStitch after completion = %v, %v; want true", again, err)
	}
}

func TestPostgresFailStaleClaims(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	script, chapters := createScript(t, db, 2)

	if _, err := db.EnqueueScript(ctx, script.ID); err != nil {
		t.Fatalf("EnqueueScript failed: %v", err)
	}
	first, err := db.ClaimNext(ctx, "gone-1", 0)
	if err != nil || first == nil || first.ID != chapters[0].ID {
		t.Fatalf("ClaimNext = %v, %v; want chapter 1", first, err)
	}
	second, err := db.ClaimNext(ctx, "alive-1", 0)
	if err != nil || second == nil {
		t.Fatalf("ClaimNext = %v, %v; want chapter 2", second, err)
	}

	if _, err := db.ExecContext(ctx, `UPDATE render_queue SET claimed_at = NOW() - INTERVAL '2 hours' WHERE chapter_id = $1`, first.ID); err != nil {
		t.Fatalf("failed to age claim: %v", err)
	}

	failed, err := db.FailStaleClaims(ctx, time.Hour, "timeout: claim abandoned")
	if err != nil {
		t.Fatalf("FailStaleClaims failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != first.ID {
		t.Fatalf("expected only chapter 1 reaped, got %+v", failed)
	}
	if failed[0].RenderStatus != models.RenderStatusFailed || failed[0].ErrorKind == nil || *failed[0].ErrorKind != models.FailureKindTimeout {
		t.Errorf("unexpected reaped chapter %+v", failed[0])
	}

	var rendering int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM render_queue WHERE status = $1`, models.RenderStatusRendering).Scan(&rendering); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rendering != 1 {
		t.Errorf("expected the fresh claim to survive, %d rendering", rendering)
	}
}
