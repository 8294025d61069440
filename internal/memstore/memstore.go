// Package memstore is an in-memory pipeline.Store. One mutex serializes every
// transition, which makes ClaimNext trivially atomic. It backs the pipeline
// tests and local runs without PostgreSQL.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/google/uuid"
)

type Store struct {
	mu       sync.Mutex
	scripts  map[uuid.UUID]*models.Script
	chapters map[uuid.UUID]*models.Chapter
	queue    map[uuid.UUID]*queueEntry // keyed by chapter id
	seq      int64
	now      func() time.Time

	writes       int
	maxRendering int
}

type queueEntry struct {
	models.RenderQueueEntry
	seq int64
}

var _ pipeline.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		scripts:  make(map[uuid.UUID]*models.Script),
		chapters: make(map[uuid.UUID]*models.Chapter),
		queue:    make(map[uuid.UUID]*queueEntry),
		now:      time.Now,
	}
}

// AddScript seeds a script and its chapters. Missing ids are generated and
// empty statuses default to not_queued. It returns the stored script id and
// chapter ids in argument order.
func (s *Store) AddScript(script models.Script, chapters ...models.Chapter) (uuid.UUID, []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chapters = append([]models.Chapter(nil), chapters...)
	s.insertLocked(&script, chapters)
	ids := make([]uuid.UUID, 0, len(chapters))
	for _, ch := range chapters {
		ids = append(ids, ch.ID)
	}
	return script.ID, ids
}

// SetClock replaces the time source used for timestamps and claim ages.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateScript(ctx context.Context, script *models.Script, chapters []models.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[script.ID]; ok && script.ID != uuid.Nil {
		return pipeline.ErrDuplicateScript
	}
	seen := make(map[int]bool, len(chapters))
	for _, ch := range chapters {
		if seen[ch.ChapterNumber] {
			return pipeline.ErrDuplicateScript
		}
		if _, ok := s.chapters[ch.ID]; ok && ch.ID != uuid.Nil {
			return pipeline.ErrDuplicateScript
		}
		seen[ch.ChapterNumber] = true
	}

	s.insertLocked(script, chapters)
	s.writes++
	return nil
}

// insertLocked stores the script and chapters, filling ids, defaults and
// timestamps in place.
func (s *Store) insertLocked(script *models.Script, chapters []models.Chapter) {
	now := s.now()
	if script.ID == uuid.Nil {
		script.ID = uuid.New()
	}
	if script.FinalStatus == "" {
		script.FinalStatus = models.FinalRenderStatusNone
	}
	script.CreatedAt, script.UpdatedAt = now, now
	stored := *script
	s.scripts[script.ID] = &stored

	for i := range chapters {
		ch := &chapters[i]
		if ch.ID == uuid.Nil {
			ch.ID = uuid.New()
		}
		ch.ScriptID = script.ID
		if ch.RenderStatus == "" {
			ch.RenderStatus = models.RenderStatusNotQueued
		}
		ch.CreatedAt, ch.UpdatedAt = now, now
		row := *ch
		s.chapters[ch.ID] = &row
		if row.RenderStatus.InFlight() {
			s.enqueueLocked(&row)
		}
	}
}

// Writes is the number of mutations applied since New.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// MaxRendering is the highest number of simultaneously rendering chapters
// observed across all scripts.
func (s *Store) MaxRendering() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRendering
}

// QueueEntries returns a snapshot of the render queue ordered by claim priority.
func (s *Store) QueueEntries() []models.RenderQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sortedQueueLocked()
	out := make([]models.RenderQueueEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.RenderQueueEntry)
	}
	return out
}

func (s *Store) EnqueueScript(ctx context.Context, scriptID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[scriptID]; !ok {
		return 0, pipeline.ErrScriptNotFound
	}

	queued := 0
	for _, ch := range s.scriptChaptersLocked(scriptID) {
		if ch.RenderStatus.Terminal() || ch.RenderStatus.InFlight() {
			continue
		}
		ch.RenderStatus = models.RenderStatusQueued
		ch.UpdatedAt = s.now()
		s.enqueueLocked(ch)
		queued++
	}
	if queued > 0 {
		s.writes++
	}
	return queued, nil
}

func (s *Store) EnqueueChapter(ctx context.Context, chapterID uuid.UUID) (*models.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chapters[chapterID]
	if !ok {
		return nil, pipeline.ErrChapterNotFound
	}
	if ch.RenderStatus.InFlight() {
		return nil, pipeline.ErrChapterInFlight
	}

	ch.RenderStatus = models.RenderStatusQueued
	ch.ErrorKind = nil
	ch.ErrorMessage = nil
	ch.UpdatedAt = s.now()
	s.enqueueLocked(ch)
	s.writes++

	out := *ch
	return &out, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, maxConcurrency int) (*models.Chapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rendering := 0
	for _, e := range s.queue {
		if e.Status == models.RenderStatusRendering {
			rendering++
		}
	}
	if maxConcurrency > 0 && rendering >= maxConcurrency {
		return nil, nil
	}

	var next *queueEntry
	for _, e := range s.sortedQueueLocked() {
		if e.Status == models.RenderStatusQueued {
			next = e
			break
		}
	}
	if next == nil {
		return nil, nil
	}

	now := s.now()
	worker := workerID
	next.Status = models.RenderStatusRendering
	next.WorkerID = &worker
	next.ClaimedAt = &now
	next.Attempts++

	ch := s.chapters[next.ChapterID]
	ch.RenderStatus = models.RenderStatusRendering
	ch.RenderAttempts++
	ch.UpdatedAt = now
	s.writes++

	if rendering+1 > s.maxRendering {
		s.maxRendering = rendering + 1
	}

	out := *ch
	return &out, nil
}

func (s *Store) FailStaleClaims(ctx context.Context, olderThan time.Duration, message string) ([]models.Chapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	kind := models.FailureKindTimeout

	var failed []models.Chapter
	for _, e := range s.sortedQueueLocked() {
		if e.Status != models.RenderStatusRendering || e.ClaimedAt == nil || !e.ClaimedAt.Before(cutoff) {
			continue
		}
		ch := s.chapters[e.ChapterID]
		msg := message
		ch.RenderStatus = models.RenderStatusFailed
		ch.ErrorKind = &kind
		ch.ErrorMessage = &msg
		ch.UpdatedAt = now
		delete(s.queue, e.ChapterID)
		failed = append(failed, *ch)
	}
	if len(failed) > 0 {
		s.writes++
	}
	return failed, nil
}

func (s *Store) MarkChapterCompleted(ctx context.Context, chapterID uuid.UUID, videoURL string, durationSec float64, narrationURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chapters[chapterID]
	if !ok {
		return pipeline.ErrChapterNotFound
	}
	ch.RenderStatus = models.RenderStatusCompleted
	ch.VideoURL = &videoURL
	ch.VideoDurationSec = &durationSec
	if narrationURL != "" {
		ch.NarrationAudioURL = &narrationURL
	}
	ch.ErrorKind = nil
	ch.ErrorMessage = nil
	ch.UpdatedAt = s.now()
	delete(s.queue, chapterID)
	s.writes++
	return nil
}

func (s *Store) MarkChapterFailed(ctx context.Context, chapterID uuid.UUID, kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chapters[chapterID]
	if !ok {
		return pipeline.ErrChapterNotFound
	}
	ch.RenderStatus = models.RenderStatusFailed
	ch.ErrorKind = &kind
	ch.ErrorMessage = &message
	ch.UpdatedAt = s.now()
	delete(s.queue, chapterID)
	s.writes++
	return nil
}

func (s *Store) GetScript(ctx context.Context, scriptID uuid.UUID) (*models.Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[scriptID]
	if !ok {
		return nil, pipeline.ErrScriptNotFound
	}
	out := *script
	return &out, nil
}

func (s *Store) GetScriptChapters(ctx context.Context, scriptID uuid.UUID) ([]models.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[scriptID]; !ok {
		return nil, pipeline.ErrScriptNotFound
	}
	chapters := s.scriptChaptersLocked(scriptID)
	out := make([]models.Chapter, 0, len(chapters))
	for _, ch := range chapters {
		out = append(out, *ch)
	}
	return out, nil
}

func (s *Store) GetProgress(ctx context.Context, scriptID uuid.UUID) (*models.ScriptProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[scriptID]
	if !ok {
		return nil, pipeline.ErrScriptNotFound
	}

	progress := &models.ScriptProgress{
		ScriptID:      script.ID,
		Title:         script.Title,
		FinalStatus:   script.FinalStatus,
		FinalVideoURL: script.FinalVideoURL,
		Chapters:      []models.ChapterProgress{},
	}
	for _, ch := range s.scriptChaptersLocked(scriptID) {
		progress.Counts.Add(ch.RenderStatus)
		progress.Chapters = append(progress.Chapters, models.ChapterProgress{
			ChapterID:     ch.ID,
			ChapterNumber: ch.ChapterNumber,
			Title:         ch.Title,
			Status:        ch.RenderStatus,
			VideoURL:      ch.VideoURL,
			ErrorMessage:  ch.ErrorMessage,
		})
	}
	progress.TotalChapters = progress.Counts.Total()
	return progress, nil
}

func (s *Store) ScheduleStitch(ctx context.Context, scriptID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[scriptID]
	if !ok {
		return false, pipeline.ErrScriptNotFound
	}
	if script.FinalStatus.Pending() {
		return false, nil
	}

	completed := 0
	for _, ch := range s.scriptChaptersLocked(scriptID) {
		if ch.RenderStatus.InFlight() {
			return false, nil
		}
		if ch.RenderStatus == models.RenderStatusCompleted {
			completed++
		}
	}
	if completed == 0 {
		return false, nil
	}

	script.FinalStatus = models.FinalRenderStatusQueued
	script.UpdatedAt = s.now()
	s.writes++
	return true, nil
}

func (s *Store) MarkStitching(ctx context.Context, scriptID uuid.UUID) error {
	return s.updateScript(scriptID, func(script *models.Script) {
		script.FinalStatus = models.FinalRenderStatusStitching
		script.StitchError = nil
	})
}

func (s *Store) SetScriptCredits(ctx context.Context, scriptID uuid.UUID, credits models.Credits) error {
	return s.updateScript(scriptID, func(script *models.Script) {
		script.Credits = &credits
	})
}

func (s *Store) SetScriptFinalVideo(ctx context.Context, video models.AssembledVideo) error {
	return s.updateScript(video.ScriptID, func(script *models.Script) {
		url, duration, count, credits := video.URL, video.DurationSec, video.ChapterCount, video.Credits
		script.FinalStatus = models.FinalRenderStatusCompleted
		script.FinalVideoURL = &url
		script.FinalDurationSec = &duration
		script.FinalChapterCount = &count
		script.Credits = &credits
		script.StitchError = nil
	})
}

func (s *Store) SetScriptStitchError(ctx context.Context, scriptID uuid.UUID, message string) error {
	return s.updateScript(scriptID, func(script *models.Script) {
		script.FinalStatus = models.FinalRenderStatusFailed
		script.StitchError = &message
	})
}

func (s *Store) SetQualityResult(ctx context.Context, scriptID uuid.UUID, result models.QualityCheckResult) error {
	return s.updateScript(scriptID, func(script *models.Script) {
		script.Quality = &result
	})
}

func (s *Store) updateScript(scriptID uuid.UUID, fn func(*models.Script)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[scriptID]
	if !ok {
		return pipeline.ErrScriptNotFound
	}
	fn(script)
	script.UpdatedAt = s.now()
	s.writes++
	return nil
}

func (s *Store) enqueueLocked(ch *models.Chapter) {
	now := s.now()
	s.seq++
	entry := &queueEntry{
		RenderQueueEntry: models.RenderQueueEntry{
			ChapterID: ch.ID,
			ScriptID:  ch.ScriptID,
			Priority:  pipeline.MaxPriority - ch.ChapterNumber,
			Status:    ch.RenderStatus,
			QueuedAt:  now,
		},
		seq: s.seq,
	}
	if ch.RenderStatus == models.RenderStatusRendering {
		entry.ClaimedAt = &now
	}
	s.queue[ch.ID] = entry
}

// sortedQueueLocked orders entries by priority, then by enqueue order.
func (s *Store) sortedQueueLocked() []*queueEntry {
	entries := make([]*queueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].seq < entries[j].seq
	})
	return entries
}

func (s *Store) scriptChaptersLocked(scriptID uuid.UUID) []*models.Chapter {
	var chapters []*models.Chapter
	for _, ch := range s.chapters {
		if ch.ScriptID == scriptID {
			chapters = append(chapters, ch)
		}
	}
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].ChapterNumber < chapters[j].ChapterNumber
	})
	return chapters
}
