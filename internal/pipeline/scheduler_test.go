package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/docurender/internal/memstore"
	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
)

func TestClaimNextHandsEachChapterToOneCaller(t *testing.T) {
	store := memstore.New()
	scriptID, _ := seedScript(t, store, 20)

	ctx := context.Background()
	if _, err := store.EnqueueScript(ctx, scriptID); err != nil {
		t.Fatalf("EnqueueScript failed: %v", err)
	}

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := store.ClaimNext(ctx, fmt.Sprintf("w-%d", i), 4)
			if err != nil {
				t.Errorf("ClaimNext failed: %v", err)
				return
			}
			if ch == nil {
				return
			}
			mu.Lock()
			claimed[ch.ID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(claimed) != 4 {
		t.Fatalf("expected 4 claims under the concurrency bound, got %d", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("chapter %s claimed %d times", id, n)
		}
	}
	if got := store.MaxRendering(); got != 4 {
		t.Errorf("expected max rendering 4, got %d", got)
	}
}

func TestClaimNextPrefersEarlierChapters(t *testing.T) {
	store := memstore.New()
	scriptID, ids := seedScript(t, store, 6)

	ctx := context.Background()
	if _, err := store.EnqueueScript(ctx, scriptID); err != nil {
		t.Fatalf("EnqueueScript failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		ch, err := store.ClaimNext(ctx, "w", 10)
		if err != nil || ch == nil {
			t.Fatalf("ClaimNext = %v, %v", ch, err)
		}
		if ch.ChapterNumber != want {
			t.Fatalf("expected chapter %d, got %d", want, ch.ChapterNumber)
		}
		if ch.RenderStatus != models.RenderStatusRendering {
			t.Errorf("expected rendering, got %s", ch.RenderStatus)
		}
	}

	entries := store.QueueEntries()
	if len(entries) != len(ids) {
		t.Fatalf("expected %d queue entries, got %d", len(ids), len(entries))
	}
	if entries[0].Priority != pipeline.MaxPriority-1 {
		t.Errorf("expected top priority %d, got %d", pipeline.MaxPriority-1, entries[0].Priority)
	}
}

func TestEnqueueScriptSkipsTerminalAndInFlight(t *testing.T) {
	store := memstore.New()
	scriptID, _ := store.AddScript(models.Script{Title: "Mixed"},
		models.Chapter{ChapterNumber: 1, RenderStatus: models.RenderStatusCompleted},
		models.Chapter{ChapterNumber: 2, RenderStatus: models.RenderStatusFailed},
		models.Chapter{ChapterNumber: 3, RenderStatus: models.RenderStatusQueued},
		models.Chapter{ChapterNumber: 4},
		models.Chapter{ChapterNumber: 5},
	)

	queued, err := store.EnqueueScript(context.Background(), scriptID)
	if err != nil {
		t.Fatalf("EnqueueScript failed: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected 2 chapters queued, got %d", queued)
	}

	if _, err := store.EnqueueScript(context.Background(), uuid.New()); !errors.Is(err, pipeline.ErrScriptNotFound) {
		t.Errorf("expected ErrScriptNotFound, got %v", err)
	}
}

func TestDrainRendersEveryChapterWithinBound(t *testing.T) {
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 3}, 0)
	scriptID, _ := seedScript(t, h.store, 9)
	for n := 1; n <= 9; n++ {
		h.renderer.delay[n] = time.Duration(10-n) * 2 * time.Millisecond
	}

	h.startAndDrain(t, scriptID)

	for _, ch := range mustChapters(t, h.store, scriptID) {
		if ch.RenderStatus != models.RenderStatusCompleted {
			t.Errorf("chapter %d: expected completed, got %s", ch.ChapterNumber, ch.RenderStatus)
		}
		if ch.RenderAttempts != 1 {
			t.Errorf("chapter %d: expected 1 attempt, got %d", ch.ChapterNumber, ch.RenderAttempts)
		}
	}

	next, err := h.store.ClaimNext(context.Background(), "final", 3)
	if err != nil || next != nil {
		t.Fatalf("expected empty claim after drain, got %v, %v", next, err)
	}
	if entries := h.store.QueueEntries(); len(entries) != 0 {
		t.Errorf("expected empty render queue, got %d entries", len(entries))
	}
	if got := h.renderer.MaxInFlight(); got > 3 {
		t.Errorf("renderer saw %d concurrent renders, bound is 3", got)
	}
	if got := h.store.MaxRendering(); got > 3 {
		t.Errorf("store saw %d rendering chapters, bound is 3", got)
	}
	if got := h.scheduler.Active(); got != 0 {
		t.Errorf("expected no active slots after drain, got %d", got)
	}
}

func TestFiveChaptersWithThirdFailing(t *testing.T) {
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 4}, 0)
	scriptID, _ := seedScript(t, h.store, 5)
	h.renderer.fail[3] = errors.New("renderer returned status 500: encoder crashed")

	h.startAndDrain(t, scriptID)

	for _, ch := range mustChapters(t, h.store, scriptID) {
		if ch.ChapterNumber == 3 {
			if ch.RenderStatus != models.RenderStatusFailed {
				t.Fatalf("chapter 3: expected failed, got %s", ch.RenderStatus)
			}
			if ch.ErrorMessage == nil || !strings.Contains(*ch.ErrorMessage, "encoder crashed") {
				t.Errorf("chapter 3: expected captured error text, got %v", ch.ErrorMessage)
			}
			if ch.ErrorKind == nil || *ch.ErrorKind != models.FailureKindRenderer {
				t.Errorf("chapter 3: expected kind %s, got %v", models.FailureKindRenderer, ch.ErrorKind)
			}
			continue
		}
		if ch.RenderStatus != models.RenderStatusCompleted {
			t.Errorf("chapter %d: expected completed, got %s", ch.ChapterNumber, ch.RenderStatus)
		}
	}

	stitcher := pipeline.NewStitcher(h.store, h.renderer, staticURLs{}, pipeline.StitcherConfig{})
	video, err := stitcher.Stitch(context.Background(), scriptID)
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	if video.ChapterCount != 4 {
		t.Fatalf("expected 4 chapters assembled, got %d", video.ChapterCount)
	}
	want := []int{1, 2, 4, 5}
	stitches := h.renderer.Stitches()
	if len(stitches) != 1 {
		t.Fatalf("expected 1 stitch call, got %d", len(stitches))
	}
	for i, seg := range stitches[0].Segments {
		if seg.ChapterNumber != want[i] {
			t.Errorf("segment %d: expected chapter %d, got %d", i, want[i], seg.ChapterNumber)
		}
	}
}

func TestFailureDoesNotBlockLaterChapters(t *testing.T) {
	// One slot: every chapter after the failing one must still be claimed
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 1}, 0)
	scriptID, _ := seedScript(t, h.store, 4)
	h.renderer.fail[1] = errors.New("connection refused")

	h.startAndDrain(t, scriptID)

	statuses := map[int]models.RenderStatus{}
	for _, ch := range mustChapters(t, h.store, scriptID) {
		statuses[ch.ChapterNumber] = ch.RenderStatus
	}
	want := map[int]models.RenderStatus{
		1: models.RenderStatusFailed,
		2: models.RenderStatusCompleted,
		3: models.RenderStatusCompleted,
		4: models.RenderStatusCompleted,
	}
	for n, status := range want {
		if statuses[n] != status {
			t.Errorf("chapter %d: expected %s, got %s", n, status, statuses[n])
		}
	}
}

func TestRenderTimeoutIsClassified(t *testing.T) {
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 2}, 20*time.Millisecond)
	scriptID, _ := seedScript(t, h.store, 2)
	h.renderer.block = true

	h.startAndDrain(t, scriptID)

	for _, ch := range mustChapters(t, h.store, scriptID) {
		if ch.RenderStatus != models.RenderStatusFailed {
			t.Fatalf("chapter %d: expected failed, got %s", ch.ChapterNumber, ch.RenderStatus)
		}
		if ch.ErrorKind == nil || *ch.ErrorKind != models.FailureKindTimeout {
			t.Errorf("chapter %d: expected kind timeout, got %v", ch.ChapterNumber, ch.ErrorKind)
		}
		if ch.ErrorMessage == nil || !strings.HasPrefix(*ch.ErrorMessage, "timeout: ") {
			t.Errorf("chapter %d: unexpected message %v", ch.ChapterNumber, ch.ErrorMessage)
		}
	}
}

type kindError struct{ kind string }

func (e kindError) Error() string     { return "classified failure" }
func (e kindError) ErrorKind() string { return e.kind }

func TestFailureKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, models.FailureKindTimeout},
		{"wrapped deadline", fmt.Errorf("poll: %w", context.DeadlineExceeded), models.FailureKindTimeout},
		{"plain", errors.New("status 502"), models.FailureKindRenderer},
		{"classifier", fmt.Errorf("submit: %w", kindError{kind: models.FailureKindTimeout}), models.FailureKindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pipeline.FailureKind(tt.err); got != tt.want {
				t.Errorf("FailureKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAutoStitchEnqueuedOnce(t *testing.T) {
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 4, AutoStitch: true}, 0)
	scriptID, _ := seedScript(t, h.store, 6)
	h.renderer.fail[2] = errors.New("bad template")

	h.startAndDrain(t, scriptID)

	scripts := h.trigger.Scripts()
	if len(scripts) != 1 || scripts[0] != scriptID {
		t.Fatalf("expected exactly one stitch enqueue for %s, got %v", scriptID, scripts)
	}
	script, err := h.store.GetScript(context.Background(), scriptID)
	if err != nil {
		t.Fatalf("GetScript failed: %v", err)
	}
	if script.FinalStatus != models.FinalRenderStatusQueued {
		t.Errorf("expected final status queued, got %s", script.FinalStatus)
	}
}

func TestAutoStitchEnqueueFailureReleasesScript(t *testing.T) {
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 2, AutoStitch: true}, 0)
	scriptID, _ := seedScript(t, h.store, 2)
	h.trigger.err = errors.New("redis unavailable")

	h.startAndDrain(t, scriptID)

	script, err := h.store.GetScript(context.Background(), scriptID)
	if err != nil {
		t.Fatalf("GetScript failed: %v", err)
	}
	if script.FinalStatus != models.FinalRenderStatusFailed {
		t.Fatalf("expected final status failed, got %s", script.FinalStatus)
	}
	if script.StitchError == nil || !strings.Contains(*script.StitchError, "redis unavailable") {
		t.Errorf("unexpected stitch error %v", script.StitchError)
	}
}

func TestRenderChapterRequeuesFailedChapter(t *testing.T) {
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 2}, 0)
	scriptID, ids := seedScript(t, h.store, 3)
	h.renderer.fail[2] = errors.New("flaky upstream")

	h.startAndDrain(t, scriptID)

	ctx := context.Background()
	h.renderer.mu.Lock()
	delete(h.renderer.fail, 2)
	h.renderer.mu.Unlock()

	ch, err := h.scheduler.RenderChapter(ctx, ids[1])
	if err != nil {
		t.Fatalf("RenderChapter failed: %v", err)
	}
	if ch.RenderStatus != models.RenderStatusQueued || ch.ErrorMessage != nil {
		t.Fatalf("expected clean queued chapter, got %s / %v", ch.RenderStatus, ch.ErrorMessage)
	}
	if _, err := h.scheduler.RenderChapter(ctx, ids[1]); !errors.Is(err, pipeline.ErrChapterInFlight) {
		t.Fatalf("expected ErrChapterInFlight for a queued chapter, got %v", err)
	}
	if err := h.scheduler.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	for _, ch := range mustChapters(t, h.store, scriptID) {
		if ch.RenderStatus != models.RenderStatusCompleted {
			t.Errorf("chapter %d: expected completed, got %s", ch.ChapterNumber, ch.RenderStatus)
		}
	}
	if _, err := h.scheduler.RenderChapter(ctx, uuid.New()); !errors.Is(err, pipeline.ErrChapterNotFound) {
		t.Errorf("expected ErrChapterNotFound, got %v", err)
	}
}

type panicRunner struct{}

func (panicRunner) Render(ctx context.Context, chapter *models.Chapter) error {
	panic("template engine exploded")
}

func TestSchedulerRecoversPanickingRunner(t *testing.T) {
	store := memstore.New()
	scriptID, _ := seedScript(t, store, 3)
	scheduler := pipeline.NewScheduler(store, panicRunner{}, nil, pipeline.SchedulerConfig{MaxConcurrency: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := scheduler.Start(ctx, scriptID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := scheduler.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	for _, ch := range mustChapters(t, store, scriptID) {
		if ch.RenderStatus != models.RenderStatusFailed {
			t.Errorf("chapter %d: expected failed, got %s", ch.ChapterNumber, ch.RenderStatus)
		}
	}
}

func TestRunProcessesKicksUntilCancelled(t *testing.T) {
	h := newHarness(t, pipeline.SchedulerConfig{MaxConcurrency: 2}, 0)
	scriptID, _ := seedScript(t, h.store, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.scheduler.Run(ctx) }()

	if _, err := h.scheduler.Start(ctx, scriptID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		progress, err := pipeline.NewProgressReporter(h.store).Report(context.Background(), scriptID)
		if err != nil {
			t.Fatalf("Report failed: %v", err)
		}
		if progress.Counts.Completed == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("chapters not completed in time: %+v", progress.Counts)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewSchedulerDefaultsConcurrency(t *testing.T) {
	s := pipeline.NewScheduler(memstore.New(), panicRunner{}, nil, pipeline.SchedulerConfig{})
	if got := s.MaxConcurrency(); got != pipeline.DefaultMaxConcurrency {
		t.Errorf("expected default concurrency %d, got %d", pipeline.DefaultMaxConcurrency, got)
	}
}
