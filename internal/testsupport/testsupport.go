// Package testsupport holds fakes shared by package tests that need a
// working pipeline without external services.
package testsupport

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bobarin/docurender/internal/memstore"
	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
)

// PublicBase prefixes every URL returned by URLs.
const PublicBase = "https://cdn.test/"

// Renderer completes every chapter with a fixed duration unless the chapter
// number is listed in Fail.
type Renderer struct {
	mu              sync.Mutex
	Fail            map[int]bool
	ChapterDuration float64
	stitches        int
}

func NewRenderer(chapterDuration float64) *Renderer {
	return &Renderer{Fail: make(map[int]bool), ChapterDuration: chapterDuration}
}

func (r *Renderer) RenderChapter(ctx context.Context, req models.RenderRequest) (*models.RenderResult, error) {
	r.mu.Lock()
	fail := r.Fail[req.Spec.ChapterNumber]
	r.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("renderer rejected chapter %d", req.Spec.ChapterNumber)
	}
	return &models.RenderResult{
		URL:         fmt.Sprintf("https://renders.test/chapter-%d.mp4", req.Spec.ChapterNumber),
		DurationSec: r.ChapterDuration,
	}, nil
}

func (r *Renderer) Stitch(ctx context.Context, req models.StitchRequest) (*models.RenderResult, error) {
	r.mu.Lock()
	r.stitches++
	r.mu.Unlock()

	var total float64
	for _, seg := range req.Segments {
		total += seg.DurationSec
	}
	return &models.RenderResult{URL: "https://renders.test/final.mp4", DurationSec: total}, nil
}

// Stitches reports how many stitch requests were received.
func (r *Renderer) Stitches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stitches
}

// Narrator returns a deterministic audio URL per chapter.
type Narrator struct{}

func (Narrator) Synthesize(ctx context.Context, chapter *models.Chapter) string {
	return fmt.Sprintf("https://audio.test/chapter-%d.mp3", chapter.ChapterNumber)
}

// URLs resolves storage paths under PublicBase.
type URLs struct{}

func (URLs) GetPublicURL(path string) string { return PublicBase + path }

// SeedScript adds a script with n not_queued chapters numbered 1..n.
func SeedScript(t testing.TB, store *memstore.Store, n int) (uuid.UUID, []uuid.UUID) {
	t.Helper()

	chapters := make([]models.Chapter, 0, n)
	for i := 1; i <= n; i++ {
		chapters = append(chapters, models.Chapter{
			ChapterNumber: i,
			Title:         fmt.Sprintf("Part %d", i),
			NarrationText: "The tide came in over the salt marsh.",
		})
	}
	return store.AddScript(models.Script{Title: "Salt and Stone"}, chapters...)
}
