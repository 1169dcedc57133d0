package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/graph"
	"genstudio/internal/models"
)

type createWorkflowRequest struct {
	Name         string               `json:"name"`
	Description  string               `json:"description"`
	Category     models.Mode          `json:"category"`
	Graph        json.RawMessage      `json:"graph"`
	Mappings     []graph.FieldMapping `json:"mappings"`
	OutputNodeID string               `json:"outputNodeId"`
}

// handleCreateWorkflow stores a template exported in the engine's API format.
// Mappings, category and output node are detected when left out.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, r, models.Invalid("name", "is required"))
		return
	}
	g, err := graph.ParseAPIFormat(req.Graph)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	wf := graph.Workflow{
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
		Category:     req.Category,
		Graph:        g,
		Mappings:     req.Mappings,
		OutputNodeID: req.OutputNodeID,
	}
	if wf.Category == "" {
		wf.Category = graph.SuggestMode(g)
	}
	if !wf.Category.Valid() {
		s.writeError(w, r, models.Invalid("category", "must be one of the supported modes"))
		return
	}
	if len(wf.Mappings) == 0 {
		wf.Mappings = graph.DetectMappings(g)
	}
	if wf.OutputNodeID == "" {
		wf.OutputNodeID = graph.DetectOutputNode(g)
	}
	if err := graph.Validate(g, wf.Mappings); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.store.CreateWorkflow(r.Context(), wf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info().Str("workflow_id", created.ID).Str("category", string(created.Category)).Int("mappings", len(created.Mappings)).Msg("workflow stored")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	category := models.Mode(r.URL.Query().Get("category"))
	if category != "" && !category.Valid() {
		s.writeError(w, r, models.Invalid("category", "must be one of the supported modes"))
		return
	}
	list, err := s.store.ListWorkflows(r.Context(), category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []graph.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string][]graph.Workflow{"workflows": list})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type detectResponse struct {
	Mappings      []graph.FieldMapping `json:"mappings"`
	OutputNodeID  string               `json:"outputNodeId"`
	SuggestedMode models.Mode          `json:"suggestedMode"`
}

// handleDetect suggests mappings for a raw graph without storing anything.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Graph json.RawMessage `json:"graph"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := graph.ParseAPIFormat(req.Graph)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mappings := graph.DetectMappings(g)
	if mappings == nil {
		mappings = []graph.FieldMapping{}
	}
	writeJSON(w, http.StatusOK, detectResponse{
		Mappings:      mappings,
		OutputNodeID:  graph.DetectOutputNode(g),
		SuggestedMode: graph.SuggestMode(g),
	})
}
