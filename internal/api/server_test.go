package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"genstudio/internal/config"
	"genstudio/internal/graph"
	"genstudio/internal/models"
	"genstudio/internal/store"
)

const sampleGraph = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 5, "steps": 20, "cfg": 7, "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}},
	"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd15.safetensors"}},
	"5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "placeholder", "clip": ["4", 1]}},
	"7": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}},
	"9": {"class_type": "SaveImage", "inputs": {"images": ["3", 0]}}
}`

type queuedOutputs struct {
	jobID     string
	engineURL string
	files     []models.OutputFile
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []queuedOutputs
}

func (q *fakeQueue) EnqueueOutputs(jobID, engineURL string, files []models.OutputFile) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, queuedOutputs{jobID: jobID, engineURL: engineURL, files: files})
	return len(files)
}

func (q *fakeQueue) snapshot() []queuedOutputs {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedOutputs(nil), q.calls...)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

type testEnv struct {
	api    *httptest.Server
	engine *httptest.Server
	store  store.Store
	queue  *fakeQueue
	hits   *atomic.Int32
}

// newTestEnv starts the API against a fake engine built from routes. Every
// request reaching the engine is counted in hits.
func newTestEnv(t *testing.T, routes map[string]http.HandlerFunc, tweak ...func(*config.Config, *Options)) *testEnv {
	t.Helper()
	hits := &atomic.Int32{}
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			h(w, r)
		})
	}
	engineSrv := httptest.NewServer(mux)
	t.Cleanup(engineSrv.Close)

	st, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)

	cfg := config.Config{EngineURL: engineSrv.URL, TextGenURL: "http://127.0.0.1:1"}
	queue := &fakeQueue{}
	opts := Options{CacheQueue: queue, Logger: zerolog.Nop()}
	for _, fn := range tweak {
		fn(&cfg, &opts)
	}

	apiSrv := httptest.NewServer(New(cfg, st, opts).Router())
	t.Cleanup(apiSrv.Close)
	return &testEnv{api: apiSrv, engine: engineSrv, store: st, queue: queue, hits: hits}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func (e *testEnv) createWorkflow(t *testing.T) graph.Workflow {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"name":  "sd15 basic",
		"graph": json.RawMessage(sampleGraph),
		"mappings": []graph.FieldMapping{
			{NodeID: "6", FieldName: "text", Role: graph.RolePrompt, Label: "Prompt"},
			{NodeID: "7", FieldName: "text", Role: graph.RoleNegativePrompt, Label: "Negative"},
			{NodeID: "3", FieldName: "seed", Role: graph.RoleSeed, Label: "Seed"},
			{NodeID: "5", FieldName: "width", Role: graph.RoleWidth, Label: "Width"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", resp.StatusCode, body)
	}
	var wf graph.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		t.Fatalf("decode workflow: %v", err)
	}
	return wf
}

func decodeError(t *testing.T, body []byte) string {
	t.Helper()
	var e models.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return e.Error
}

var validParams = models.JobParams{Width: 512, Height: 512, Steps: 20, CFGScale: 7, Seed: models.RandomSeed}

func TestSubmitFillsTemplateAndRecordsJob(t *testing.T) {
	var (
		mu       sync.Mutex
		sent     graph.JobGraph
		clientID string
	)
	env := newTestEnv(t, map[string]http.HandlerFunc{
		"POST /prompt": func(w http.ResponseWriter, r *http.Request) {
			var payload struct {
				Prompt   graph.JobGraph `json:"prompt"`
				ClientID string         `json:"client_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			mu.Lock()
			sent, clientID = payload.Prompt, payload.ClientID
			mu.Unlock()
			_, _ = w.Write([]byte(`{"prompt_id": "p-1", "number": 3, "node_errors": {}}`))
		},
	})
	wf := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/jobs", models.SubmitRequest{
		WorkflowID:     wf.ID,
		Mode:           models.ModeTextToImage,
		Prompt:         "a fox",
		EnhancedPrompt: "a red fox in golden hour light",
		NegativePrompt: "blurry",
		Params:         models.JobParams{Width: 768, Height: 512, Steps: 20, CFGScale: 7, Seed: 42},
		ClientID:       "ui-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", resp.StatusCode, body)
	}
	var out models.SubmitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if out.PromptID != "p-1" || out.JobRecordID == "" || out.Number != 3 {
		t.Fatalf("unexpected submit response %+v", out)
	}

	mu.Lock()
	defer mu.Unlock()
	if clientID != "ui-1" {
		t.Fatalf("client id = %q", clientID)
	}
	if got := sent["6"].Inputs["text"]; got != "a red fox in golden hour light" {
		t.Fatalf("prompt = %v, want the enhanced prompt", got)
	}
	if got := sent["7"].Inputs["text"]; got != "blurry" {
		t.Fatalf("negative prompt = %v", got)
	}
	if got := sent["3"].Inputs["seed"]; got != float64(42) {
		t.Fatalf("seed = %v, want 42", got)
	}
	if got := sent["5"].Inputs["width"]; got != float64(768) {
		t.Fatalf("width = %v, want 768", got)
	}

	rec, err := env.store.GetJob(context.Background(), out.JobRecordID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if rec.Status != models.StatusQueued || rec.EnginePromptID == nil || *rec.EnginePromptID != "p-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.EnhancedPrompt == nil || rec.OriginalPrompt != "a fox" {
		t.Fatalf("prompts not recorded: %+v", rec)
	}

	stored, err := env.store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if stored.Graph["6"].Inputs["text"] != "placeholder" {
		t.Fatalf("template was modified: %v", stored.Graph["6"].Inputs)
	}
}

func TestSubmitRejectedByEngineMarksRecordFailed(t *testing.T) {
	env := newTestEnv(t, map[string]http.HandlerFunc{
		"POST /prompt": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error": "invalid prompt"}`, http.StatusBadRequest)
		},
	})
	wf := env.createWorkflow(t)

	resp, body := env.do(t, http.MethodPost, "/api/jobs", models.SubmitRequest{
		WorkflowID: wf.ID, Mode: models.ModeTextToImage, Prompt: "a fox",
		Params: validParams,
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	msg := decodeError(t, body)
	if !strings.Contains(msg, "400") || !strings.Contains(msg, "invalid prompt") {
		t.Fatalf("error should carry engine status and body, got %q", msg)
	}

	jobs, err := env.store.ListJobs(context.Background(), store.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != models.StatusError || jobs[0].Error == nil {
		t.Fatalf("expected one failed record, got %+v", jobs)
	}
}

func TestSubmitValidatesBeforeCallingEngine(t *testing.T) {
	env := newTestEnv(t, map[string]http.HandlerFunc{
		"POST /prompt": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"prompt_id": "p-1"}`))
		},
	})

	resp, _ := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"mode": "text-to-image", "prompt": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing workflow: status %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/jobs", map[string]any{"workflowId": "wf", "mode": "oil-painting", "prompt": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode: status %d, want 400", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"workflowId": "wf", "mode": "text-to-image", "prompt": "x"})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(decodeError(t, body), "params.width") {
		t.Fatalf("missing params: status %d %s, want 400 naming params.width", resp.StatusCode, body)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/jobs", map[string]any{"workflowId": "wf", "mode": "text-to-image", "prompt": "x",
		"params": map[string]any{"width": 512, "height": 512, "steps": 0}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero steps: status %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/jobs", map[string]any{"workflowId": "missing", "mode": "text-to-image", "prompt": "x", "params": validParams})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown workflow: status %d, want 404", resp.StatusCode)
	}
	if n := env.hits.Load(); n != 0 {
		t.Fatalf("engine called %d times for invalid submissions", n)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, nil, func(_ *config.Config, o *Options) { o.Limiter = denyAll{} })

	resp, _ := env.do(t, http.MethodPost, "/api/jobs", map[string]any{"workflowId": "wf", "mode": "text-to-image", "prompt": "x"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestUpdateJobQueuesOutputsAndGuardsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.store.CreateJob(context.Background(), models.JobRecord{Mode: models.ModeTextToImage, WorkflowID: "wf", OriginalPrompt: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	completed := models.StatusCompleted
	files := []models.OutputFile{{Filename: "a.png", Type: models.FileTypeOutput, MediaType: models.MediaImage}}
	resp, body := env.do(t, http.MethodPatch, "/api/jobs/"+rec.ID, models.RecordUpdate{
		RecordPatch:   models.RecordPatch{Status: &completed, OutputFiles: &files},
		EngineBaseURL: "http://gpu-box:8188",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", resp.StatusCode, body)
	}
	var updated models.JobRecord
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Status != models.StatusCompleted || len(updated.OutputFiles) != 1 {
		t.Fatalf("unexpected record %+v", updated)
	}

	calls := env.queue.snapshot()
	if len(calls) != 1 || calls[0].jobID != rec.ID || calls[0].engineURL != "http://gpu-box:8188" || len(calls[0].files) != 1 {
		t.Fatalf("unexpected cache queue calls %+v", calls)
	}

	failed := models.StatusError
	resp, _ = env.do(t, http.MethodPatch, "/api/jobs/"+rec.ID, models.RecordPatch{Status: &failed})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second terminal patch: status %d, want 409", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/jobs/"+rec.ID, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty patch: status %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/jobs/nope", models.RecordPatch{Status: &failed})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job: status %d, want 404", resp.StatusCode)
	}
}

func TestListAndDeleteJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, mode := range []models.Mode{models.ModeTextToImage, models.ModeTextToVideo, models.ModeTextToImage} {
		if _, err := env.store.CreateJob(ctx, models.JobRecord{Mode: mode, WorkflowID: "wf", OriginalPrompt: "x"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	resp, body := env.do(t, http.MethodGet, "/api/jobs?mode=text-to-image&limit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", resp.StatusCode, body)
	}
	var page listJobsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Jobs) != 1 || page.Limit != 1 {
		t.Fatalf("unexpected page %+v", page)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/jobs?limit=lots", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d, want 400", resp.StatusCode)
	}

	id := page.Jobs[0].ID
	resp, _ = env.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/jobs/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted job: status %d, want 404", resp.StatusCode)
	}
}

func TestResultInfersCompletion(t *testing.T) {
	env := newTestEnv(t, map[string]http.HandlerFunc{
		"GET /history/{id}": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("id") != "p-1" {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(`{"p-1": {
				"status": {"status_str": "success", "completed": false, "messages": []},
				"outputs": {"9": {"images": [{"filename": "a.png", "subfolder": "", "type": "output"}], "gifs": [{"filename": "a.png", "type": "output"}]}}
			}}`))
		},
	})

	resp, body := env.do(t, http.MethodGet, "/api/engine/results/p-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status %d: %s", resp.StatusCode, body)
	}
	var res models.JobResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Completed || len(res.Outputs) != 1 || res.Outputs[0].MediaType != models.MediaImage {
		t.Fatalf("unexpected result %+v", res)
	}

	_, body = env.do(t, http.MethodGet, "/api/engine/results/unknown", nil)
	res = models.JobResult{}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Completed || res.IsComplete() {
		t.Fatalf("unknown prompt should be incomplete, got %+v", res)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config, _ *Options) { c.AllowedOrigins = []string{"http://ui.test"} })

	req, _ := http.NewRequest(http.MethodOptions, env.api.URL+"/api/jobs", nil)
	req.Header.Set("Origin", "http://ui.test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://ui.test" {
		t.Fatalf("unexpected preflight response %d %v", resp.StatusCode, resp.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, env.api.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://evil.test")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected allow-origin for foreign origin")
	}
}
