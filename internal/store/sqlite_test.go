package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"genstudio/internal/graph"
	"genstudio/internal/models"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func sampleRecord(mode models.Mode) models.JobRecord {
	return models.JobRecord{
		Mode:           mode,
		WorkflowID:     "wf-1",
		OriginalPrompt: "a cat",
		NegativePrompt: "blurry",
		Params: models.JobParams{
			Width: 512, Height: 768, Steps: 20, CFGScale: 6.5, Seed: -1,
			Extra: map[string]any{"ckpt_name": "sd15.safetensors"},
		},
	}
}

func ptr[T any](v T) *T { return &v }

func TestSQLiteJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	created, err := s.CreateJob(ctx, sampleRecord(models.ModeTextToImage))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != models.StatusQueued {
		t.Fatalf("unexpected created record %+v", created)
	}

	got, err := s.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Params.Height != 768 || got.Params.CFGScale != 6.5 || got.Params.Seed != -1 {
		t.Fatalf("params not preserved: %+v", got.Params)
	}
	if v, ok := got.Params.Lookup("ckpt_name"); !ok || v != "sd15.safetensors" {
		t.Fatalf("extra params not preserved: %+v", got.Params.Extra)
	}
	if got.EnhancedPrompt != nil || got.EnginePromptID != nil || got.CompletedAt != nil {
		t.Fatalf("optional fields should be nil: %+v", got)
	}
	if got.OutputFiles == nil || len(got.OutputFiles) != 0 {
		t.Fatalf("expected empty outputs, got %v", got.OutputFiles)
	}
	if !got.CreatedAt.Equal(created.CreatedAt.Truncate(time.Millisecond)) {
		t.Fatalf("created_at = %s, want %s", got.CreatedAt, created.CreatedAt)
	}
}

func TestSQLiteUpdateIsPartialAndGuarded(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	rec, err := s.CreateJob(ctx, sampleRecord(models.ModeTextToVideo))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.UpdateJob(ctx, rec.ID, models.RecordPatch{EnginePromptID: ptr("p-1")})
	if err != nil {
		t.Fatalf("update prompt id: %v", err)
	}
	if updated.EnginePromptID == nil || *updated.EnginePromptID != "p-1" || updated.OriginalPrompt != "a cat" {
		t.Fatalf("partial update lost fields: %+v", updated)
	}

	done := time.Now().UTC()
	outputs := []models.OutputFile{{Filename: "a.mp4", Type: models.FileTypeOutput, MediaType: models.MediaVideo}}
	updated, err = s.UpdateJob(ctx, rec.ID, models.RecordPatch{
		Status:      ptr(models.StatusCompleted),
		OutputFiles: &outputs,
		CompletedAt: &done,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if updated.Status != models.StatusCompleted || len(updated.OutputFiles) != 1 || updated.CompletedAt == nil {
		t.Fatalf("completion not stored: %+v", updated)
	}

	_, err = s.UpdateJob(ctx, rec.ID, models.RecordPatch{Status: ptr(models.StatusError), Error: ptr("late")})
	if !errors.Is(err, models.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	again, _ := s.GetJob(ctx, rec.ID)
	if again.Status != models.StatusCompleted || again.Error != nil {
		t.Fatalf("terminal record overwritten: %+v", again)
	}

	if _, err := s.UpdateJob(ctx, rec.ID, models.RecordPatch{EnhancedPrompt: ptr("better cat")}); err != nil {
		t.Fatalf("non-status patch on terminal record: %v", err)
	}

	if _, err := s.UpdateJob(ctx, "missing", models.RecordPatch{Status: ptr(models.StatusError)}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var verr *models.ValidationError
	if _, err := s.UpdateJob(ctx, rec.ID, models.RecordPatch{Status: ptr(models.Status("bogus"))}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSQLiteListCountDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i, mode := range []models.Mode{models.ModeTextToImage, models.ModeTextToVideo, models.ModeTextToImage} {
		rec := sampleRecord(mode)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		created, err := s.CreateJob(ctx, rec)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, created.ID)
	}

	all, err := s.ListJobs(ctx, ListFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list all = %d, err %v", len(all), err)
	}
	if all[0].ID != ids[2] {
		t.Fatalf("expected newest first")
	}
	images, _ := s.ListJobs(ctx, ListFilter{Mode: models.ModeTextToImage, Limit: 1, Offset: 1})
	if len(images) != 1 || images[0].ID != ids[0] {
		t.Fatalf("paged image listing = %+v", images)
	}
	if n, _ := s.CountJobs(ctx, models.ModeTextToImage); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	if err := s.DeleteJob(ctx, ids[1]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteJob(ctx, ids[1]); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	if n, _ := s.CountJobs(ctx, ""); n != 2 {
		t.Fatalf("count after delete = %d", n)
	}
}

func TestSQLiteWorkflows(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	w := graph.Workflow{
		Name:     "Basic txt2img",
		Category: models.ModeTextToImage,
		Graph: graph.JobGraph{
			"3": {ClassType: "KSampler", Inputs: map[string]any{"seed": float64(1), "model": []any{"4", float64(0)}}},
			"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "a.safetensors"}},
		},
		Mappings:     []graph.FieldMapping{{NodeID: "3", FieldName: "seed", Role: graph.RoleSeed, Label: "Seed"}},
		OutputNodeID: "9",
	}
	created, err := s.CreateWorkflow(ctx, w)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := s.CreateWorkflow(ctx, created); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}

	got, err := s.GetWorkflow(ctx, created.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Graph["4"].Inputs["ckpt_name"] != "a.safetensors" || len(got.Mappings) != 1 || got.OutputNodeID != "9" {
		t.Fatalf("workflow not preserved: %+v", got)
	}
	if link, ok := graph.AsLink(got.Graph["3"].Inputs["model"]); !ok || link.NodeID != "4" {
		t.Fatalf("link not preserved: %v", got.Graph["3"].Inputs["model"])
	}

	videos, _ := s.ListWorkflows(ctx, models.ModeTextToVideo)
	if len(videos) != 0 {
		t.Fatalf("expected no video workflows, got %d", len(videos))
	}
	all, _ := s.ListWorkflows(ctx, "")
	if len(all) != 1 {
		t.Fatalf("expected one workflow, got %d", len(all))
	}

	if err := s.DeleteWorkflow(ctx, created.ID); err != nil {
		t.Fatalf("delete workflow: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, created.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "mongo"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
