package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/engine"
	"genstudio/internal/graph"
	"genstudio/internal/models"
	"genstudio/internal/store"
	"genstudio/internal/telemetry"
)

// handleSubmit fills the workflow template, records the job as queued and
// hands the graph to the engine. A rejected submission leaves the record in
// error with the engine's message.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	wf, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filled := graph.Fill(wf.Graph, wf.Mappings, graph.FillInput{
		Params:         req.Params,
		Prompt:         req.Prompt,
		EnhancedPrompt: req.EnhancedPrompt,
		NegativePrompt: req.NegativePrompt,
		InputFilename:  req.InputImageFilename,
	})

	rec, err := s.store.CreateJob(ctx, models.JobRecord{
		Mode:           req.Mode,
		WorkflowID:     req.WorkflowID,
		OriginalPrompt: req.Prompt,
		EnhancedPrompt: optional(req.EnhancedPrompt),
		NegativePrompt: req.NegativePrompt,
		Params:         req.Params,
		InputImagePath: optional(req.InputImageFilename),
		Status:         models.StatusQueued,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logger := s.logger.With().Str("job_id", rec.ID).Logger()

	res, err := s.engineClient(req.EngineBaseURL).Submit(ctx, filled, req.ClientID)
	if err != nil {
		s.markFailed(rec.ID, err)
		logger.Warn().Err(err).Msg("engine refused job")
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.UpdateJob(ctx, rec.ID, models.RecordPatch{EnginePromptID: &res.PromptID}); err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.JobsSubmitted.Inc()
	logger.Info().Str("prompt_id", res.PromptID).Int("number", res.Number).Msg("job submitted")

	writeJSON(w, http.StatusOK, models.SubmitResponse{
		PromptID:    res.PromptID,
		JobRecordID: rec.ID,
		Number:      res.Number,
	})
}

// markFailed records a submission failure. It runs on a fresh context so a
// client that hung up still leaves a terminal record behind.
func (s *Server) markFailed(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := models.StatusError
	msg := cause.Error()
	now := time.Now().UTC()
	if _, err := s.store.UpdateJob(ctx, id, models.RecordPatch{Status: &status, Error: &msg, CompletedAt: &now}); err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("mark job failed")
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(status)).Inc()
}

type listJobsResponse struct {
	Jobs   []models.JobRecord `json:"jobs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := models.Mode(q.Get("mode"))
	if mode != "" && !mode.Valid() {
		s.writeError(w, r, models.Invalid("mode", "must be one of the supported modes"))
		return
	}
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		s.writeError(w, r, models.Invalid("limit", "must be a number"))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		s.writeError(w, r, models.Invalid("offset", "must be a number"))
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), store.ListFilter{Mode: mode, Limit: limit, Offset: offset})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.store.CountJobs(r.Context(), mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateJob applies a partial update. Moving a record to completed
// queues its outputs for local caching.
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req models.RecordUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RecordPatch.Empty() {
		s.writeError(w, r, models.Invalid("", "no fields to update"))
		return
	}
	if req.Status != nil && !req.Status.Valid() {
		s.writeError(w, r, models.Invalid("status", "unknown status"))
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := s.store.UpdateJob(r.Context(), id, req.RecordPatch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Status != nil {
		switch *req.Status {
		case models.StatusCompleted:
			telemetry.JobsCompleted.Inc()
			if s.cacheQueue != nil && len(rec.OutputFiles) > 0 {
				n := s.cacheQueue.EnqueueOutputs(rec.ID, s.engineURL(req.EngineBaseURL), rec.OutputFiles)
				s.logger.Debug().Str("job_id", rec.ID).Int("queued", n).Msg("outputs queued for caching")
			}
		case models.StatusError, models.StatusAbandoned:
			telemetry.JobsFailed.WithLabelValues(string(*req.Status)).Inc()
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteJob removes the record and its cached outputs. Files stored on
// the engine are left alone.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.outputs != nil {
		if err := s.outputs.Remove(id); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("remove cached outputs")
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleResult reports the engine's view of a job. An unknown prompt id is an
// incomplete result, not an error.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	telemetry.ResultPolls.Inc()
	promptID := chi.URLParam(r, "promptId")
	res, err := s.engineClient(r.URL.Query().Get("engineBaseUrl")).Result(r.Context(), promptID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Failed() && res.Error == "" {
		res.Error = engine.DefaultErrorMessage
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
