package api

import (
	"net/http"
	"strings"
	"time"

	"genstudio/internal/models"
	"genstudio/internal/textgen"
)

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	var req models.EnhanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, r, models.Invalid("prompt", "is required"))
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeTextToImage
	}
	if !req.Mode.Valid() {
		s.writeError(w, r, models.Invalid("mode", "must be one of the supported modes"))
		return
	}

	enhanced, err := s.textgenClient(req.TextGenBaseURL, req.Model).Enhance(r.Context(), req.Mode, req.Prompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.EnhanceResponse{EnhancedPrompt: enhanced})
}

type explainRequest struct {
	WorkflowSummary string `json:"workflowSummary"`
	TextGenBaseURL  string `json:"textgenBaseUrl"`
	Model           string `json:"model"`
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.WorkflowSummary) == "" {
		s.writeError(w, r, models.Invalid("workflowSummary", "is required"))
		return
	}

	explanation, err := s.textgenClient(req.TextGenBaseURL, req.Model).Explain(r.Context(), req.WorkflowSummary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*textgen.Explanation{"explanation": explanation})
}

// handleTextGenStatus lists the backend's models as a connectivity probe.
func (s *Server) handleTextGenStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	names, err := s.textgenClient(r.URL.Query().Get("url"), "").ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, connectionStatus{Error: err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, connectionStatus{
		Connected: true,
		LatencyMs: time.Since(start).Milliseconds(),
		Models:    names,
	})
}
