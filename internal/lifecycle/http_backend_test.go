package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/bridge"
	"genstudio/internal/models"
)

func TestHTTPBackendDrivesJobToCompletion(t *testing.T) {
	patches := make(chan models.RecordPatch, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req models.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode submit: %v", err)
		}
		if req.EngineBaseURL != "http://engine.test" || req.WorkflowID != "wf-1" {
			t.Errorf("submit request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(models.SubmitResponse{PromptID: "p9", JobRecordID: "job-9"})
	})
	mux.HandleFunc("GET /api/engine/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("promptId") != "p9" || r.URL.Query().Get("engineBaseUrl") != "http://engine.test" {
			t.Errorf("events query = %s", r.URL.RawQuery)
		}
		sw := bridge.NewWriter(w)
		_ = sw.JSON(bridge.EventConnected, map[string]string{"clientId": r.URL.Query().Get("clientId")})
		_ = sw.Comment("keepalive")
		_ = sw.Event("execution_start", []byte(`{"prompt_id":"p9"}`))
		_ = sw.Event("executing", []byte(`{"node":null,"prompt_id":"p9"}`))
	})
	mux.HandleFunc("GET /api/engine/results/{promptId}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("promptId") != "p9" {
			t.Errorf("result prompt = %s", r.PathValue("promptId"))
		}
		_ = json.NewEncoder(w).Encode(models.JobResult{
			Completed: true,
			Status:    "success",
			Outputs:   []models.OutputFile{{Filename: "clip.mp4", Type: models.FileTypeOutput, MediaType: models.MediaVideo}},
		})
	})
	mux.HandleFunc("PATCH /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-9" {
			t.Errorf("patched id = %s", r.PathValue("id"))
		}
		var p models.RecordPatch
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode patch: %v", err)
		}
		patches <- p
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := NewHTTPBackend(HTTPBackendOptions{APIURL: srv.URL, EngineURL: "http://engine.test"})
	c := New(Options{Mode: models.ModeTextToVideo, Backend: backend, PollDelay: time.Hour, Logger: zerolog.Nop()})

	if err := c.Generate(context.Background(), generateReq); err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	snap := waitStatus(t, c, models.StatusCompleted)
	if snap.JobRecordID != "job-9" || len(snap.Outputs) != 1 || snap.Outputs[0].MediaType != models.MediaVideo {
		t.Fatalf("snapshot = %+v", snap)
	}

	select {
	case p := <-patches:
		if *p.Status != models.StatusCompleted || len(*p.OutputFiles) != 1 {
			t.Fatalf("patch = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("record was not patched")
	}
}

func TestHTTPBackendDecodesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "workflowId: is required"})
	}))
	defer srv.Close()

	backend := NewHTTPBackend(HTTPBackendOptions{APIURL: srv.URL})
	_, err := backend.Submit(context.Background(), models.SubmitRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "workflowId: is required" {
		t.Fatalf("api error = %+v", apiErr)
	}
}
