package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/bobarin/docurender/internal/models"
	"github.com/bobarin/docurender/internal/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	store     pipeline.Store
	scheduler *pipeline.Scheduler
	stitcher  *pipeline.Stitcher
	quality   *pipeline.QualityGate
	progress  *pipeline.ProgressReporter
	stitches  pipeline.StitchTrigger // nil = async stitch runs synchronously
}

func NewHandler(
	store pipeline.Store,
	scheduler *pipeline.Scheduler,
	stitcher *pipeline.Stitcher,
	quality *pipeline.QualityGate,
	progress *pipeline.ProgressReporter,
	stitches pipeline.StitchTrigger,
) *Handler {
	return &Handler{
		store:     store,
		scheduler: scheduler,
		stitcher:  stitcher,
		quality:   quality,
		progress:  progress,
		stitches:  stitches,
	}
}

// maxImportBytes bounds an imported script body.
const maxImportBytes = 8 << 20

// ImportScript handles POST /v1/scripts
func (h *Handler) ImportScript(w http.ResponseWriter, r *http.Request) {
	var req models.ImportScriptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxImportBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, describeValidation(err))
		return
	}

	script, chapters := req.Script()
	if err := h.store.CreateScript(r.Context(), &script, chapters); err != nil {
		respondPipelineError(w, err, "Failed to import script")
		return
	}

	ids := make([]uuid.UUID, 0, len(chapters))
	for _, ch := range chapters {
		ids = append(ids, ch.ID)
	}

	log.Info().Str("component", "api").Str("script_id", script.ID.String()).Int("chapters", len(ids)).Msg("Script imported")

	respondData(w, http.StatusCreated, models.ImportScriptResponse{
		ScriptID:   script.ID,
		Title:      script.Title,
		ChapterIDs: ids,
	})
}

// StartRender handles POST /v1/scripts/{id}/render
func (h *Handler) StartRender(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := parseID(w, r, "id", "Invalid script ID")
	if !ok {
		return
	}

	queued, err := h.scheduler.Start(r.Context(), scriptID)
	if err != nil {
		respondPipelineError(w, err, "Failed to start render")
		return
	}

	respondData(w, http.StatusAccepted, models.StartRenderResponse{
		ScriptID: scriptID,
		Queued:   queued,
	})
}

// RenderChapter handles POST /v1/scripts/{id}/chapters/{chapterId}/render
func (h *Handler) RenderChapter(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := parseID(w, r, "id", "Invalid script ID")
	if !ok {
		return
	}
	chapterID, ok := parseID(w, r, "chapterId", "Invalid chapter ID")
	if !ok {
		return
	}

	// The chapter must belong to the script in the path
	chapters, err := h.store.GetScriptChapters(r.Context(), scriptID)
	if err != nil {
		respondPipelineError(w, err, "Failed to get chapters")
		return
	}
	found := false
	for _, ch := range chapters {
		if ch.ID == chapterID {
			found = true
			break
		}
	}
	if !found {
		respondError(w, http.StatusNotFound, pipeline.ErrChapterNotFound.Error())
		return
	}

	chapter, err := h.scheduler.RenderChapter(r.Context(), chapterID)
	if err != nil {
		respondPipelineError(w, err, "Failed to queue chapter")
		return
	}

	respondData(w, http.StatusAccepted, models.RenderChapterResponse{
		ScriptID:  chapter.ScriptID,
		ChapterID: chapter.ID,
		Status:    chapter.RenderStatus,
	})
}

// Stitch handles POST /v1/scripts/{id}/stitch
// Query params:
//   - async: when true the stitch is queued for a worker and 202 is returned
func (h *Handler) Stitch(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := parseID(w, r, "id", "Invalid script ID")
	if !ok {
		return
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async && h.stitches != nil {
		h.enqueueStitch(w, r, scriptID)
		return
	}

	video, err := h.stitcher.Stitch(r.Context(), scriptID)
	if err != nil {
		respondPipelineError(w, err, "Failed to stitch script")
		return
	}
	respondData(w, http.StatusOK, video)
}

func (h *Handler) enqueueStitch(w http.ResponseWriter, r *http.Request, scriptID uuid.UUID) {
	scheduled, err := h.store.ScheduleStitch(r.Context(), scriptID)
	if err != nil {
		respondPipelineError(w, err, "Failed to schedule stitch")
		return
	}
	if !scheduled {
		respondError(w, http.StatusConflict, "Script is not ready to stitch: a stitch is already queued, chapters are still rendering, or none are completed")
		return
	}

	if err := h.stitches.EnqueueStitch(r.Context(), scriptID); err != nil {
		log.Error().Err(err).Str("component", "api").Str("script_id", scriptID.String()).Msg("Failed to enqueue stitch")
		// Release the queued state so the caller can retry
		if serr := h.store.SetScriptStitchError(r.Context(), scriptID, "failed to enqueue stitch: "+err.Error()); serr != nil {
			log.Error().Err(serr).Str("component", "api").Msg("Failed to record stitch enqueue error")
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue stitch")
		return
	}

	respondData(w, http.StatusAccepted, models.StitchQueuedResponse{
		ScriptID: scriptID,
		Status:   models.FinalRenderStatusQueued,
	})
}

// QualityCheck handles POST /v1/scripts/{id}/quality
func (h *Handler) QualityCheck(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := parseID(w, r, "id", "Invalid script ID")
	if !ok {
		return
	}

	result, err := h.quality.Check(r.Context(), scriptID)
	if err != nil {
		respondPipelineError(w, err, "Failed to run quality check")
		return
	}
	respondData(w, http.StatusOK, result)
}

// GetProgress handles GET /v1/scripts/{id}/progress
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := parseID(w, r, "id", "Invalid script ID")
	if !ok {
		return
	}

	progress, err := h.progress.Report(r.Context(), scriptID)
	if err != nil {
		respondPipelineError(w, err, "Failed to get progress")
		return
	}
	respondData(w, http.StatusOK, progress)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"max_concurrency": h.scheduler.MaxConcurrency(),
		"active_renders":  h.scheduler.Active(),
		"stitch_policy":   h.stitcher.Policy(),
	})
}

func parseID(w http.ResponseWriter, r *http.Request, param, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, message)
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrScriptNotFound), errors.Is(err, pipeline.ErrChapterNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrChapterInFlight), errors.Is(err, pipeline.ErrDuplicateScript):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNothingToStitch),
		errors.Is(err, pipeline.ErrIncompleteScript),
		errors.Is(err, pipeline.ErrNotStitched):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondPipelineError reports client errors verbatim and hides internal
// ones behind message.
func respondPipelineError(w http.ResponseWriter, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "api").Msg(message)
		respondError(w, status, message)
		return
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, models.Envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.Envelope{Success: false, Error: message})
}
