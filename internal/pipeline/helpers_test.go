package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/docurender/internal/memstore"
	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
)

const testPublicBase = "https://cdn.test/"

type fakeRenderer struct {
	mu          sync.Mutex
	fail        map[int]error
	delay       map[int]time.Duration
	block       bool
	duration    float64
	omitResult  bool
	inFlight    int
	maxInFlight int
	rendered    []int
	requests    []models.RenderRequest

	stitchErr    error
	stitchResult *models.RenderResult
	stitches     []models.StitchRequest
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		fail:     make(map[int]error),
		delay:    make(map[int]time.Duration),
		duration: 600,
	}
}

func (r *fakeRenderer) RenderChapter(ctx context.Context, req models.RenderRequest) (*models.RenderResult, error) {
	n := req.Spec.ChapterNumber

	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	r.requests = append(r.requests, req)
	block, delay, failErr := r.block, r.delay[n], r.fail[n]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}

	r.mu.Lock()
	r.rendered = append(r.rendered, n)
	r.mu.Unlock()

	if r.omitResult {
		return &models.RenderResult{}, nil
	}
	return &models.RenderResult{
		URL:         fmt.Sprintf("https://renders.test/chapter-%d.mp4", n),
		DurationSec: r.duration,
	}, nil
}

func (r *fakeRenderer) Stitch(ctx context.Context, req models.StitchRequest) (*models.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stitches = append(r.stitches, req)
	if r.stitchErr != nil {
		return nil, r.stitchErr
	}
	if r.stitchResult != nil {
		return r.stitchResult, nil
	}
	return &models.RenderResult{URL: "https://renders.test/final.mp4", DurationSec: 7300}, nil
}

func (r *fakeRenderer) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

func (r *fakeRenderer) Stitches() []models.StitchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StitchRequest(nil), r.stitches...)
}

type fakeNarrator struct{}

func (fakeNarrator) Synthesize(ctx context.Context, chapter *models.Chapter) string {
	return fmt.Sprintf("https://audio.test/chapter-%d.mp3", chapter.ChapterNumber)
}

type staticURLs struct{}

func (staticURLs) GetPublicURL(path string) string { return testPublicBase + path }

type recordingTrigger struct {
	mu      sync.Mutex
	scripts []uuid.UUID
	err     error
}

func (t *recordingTrigger) EnqueueStitch(ctx context.Context, scriptID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.scripts = append(t.scripts, scriptID)
	return nil
}

func (t *recordingTrigger) Scripts() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uuid.UUID(nil), t.scripts...)
}

// seedScript adds a script with n not_queued chapters numbered 1..n.
func seedScript(t *testing.T, store *memstore.Store, n int) (uuid.UUID, []uuid.UUID) {
	t.Helper()

	chapters := make([]models.Chapter, 0, n)
	for i := 1; i <= n; i++ {
		chapters = append(chapters, models.Chapter{
			ChapterNumber: i,
			Title:         fmt.Sprintf("Part %d", i),
			NarrationText: "The river carved the canyon over millions of years.",
		})
	}
	return store.AddScript(models.Script{Title: "Rivers of Time"}, chapters...)
}

type harness struct {
	store     *memstore.Store
	renderer  *fakeRenderer
	trigger   *recordingTrigger
	scheduler *pipeline.Scheduler
}

func newHarness(t *testing.T, cfg pipeline.SchedulerConfig, renderTimeout time.Duration) *harness {
	t.Helper()

	store := memstore.New()
	renderer := newFakeRenderer()
	trigger := &recordingTrigger{}
	worker := pipeline.NewChapterWorker(store, fakeNarrator{}, renderer, pipeline.NewSpecBuilder("music/bed.mp3"), staticURLs{}, renderTimeout)
	return &harness{
		store:     store,
		renderer:  renderer,
		trigger:   trigger,
		scheduler: pipeline.NewScheduler(store, worker, trigger, cfg),
	}
}

func (h *harness) startAndDrain(t *testing.T, scriptID uuid.UUID) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.scheduler.Start(ctx, scriptID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.scheduler.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

func mustChapters(t *testing.T, store *memstore.Store, scriptID uuid.UUID) []models.Chapter {
	t.Helper()

	chapters, err := store.GetScriptChapters(context.Background(), scriptID)
	if err != nil {
		t.Fatalf("GetScriptChapters failed: %v", err)
	}
	return chapters
}

func floatPtr(f float64) *float64 { return &f }

func stringPtr(s string) *string { return &s }
