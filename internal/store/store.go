// Package store persists job records and workflow templates.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"genstudio/internal/graph"
	"genstudio/internal/models"
)

// ListFilter narrows a job listing. An empty Mode lists every mode.
type ListFilter struct {
	Mode   models.Mode
	Limit  int
	Offset int
}

// Records stores job records.
type Records interface {
	CreateJob(ctx context.Context, rec models.JobRecord) (models.JobRecord, error)
	GetJob(ctx context.Context, id string) (models.JobRecord, error)
	ListJobs(ctx context.Context, f ListFilter) ([]models.JobRecord, error)
	CountJobs(ctx context.Context, mode models.Mode) (int, error)
	// UpdateJob applies patch and returns the updated record. A patch that
	// carries a status fails with models.ErrAlreadyTerminal once the record is
	// completed, error or abandoned.
	UpdateJob(ctx context.Context, id string, patch models.RecordPatch) (models.JobRecord, error)
	DeleteJob(ctx context.Context, id string) error
}

// Workflows stores workflow templates.
type Workflows interface {
	CreateWorkflow(ctx context.Context, w graph.Workflow) (graph.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (graph.Workflow, error)
	ListWorkflows(ctx context.Context, category models.Mode) ([]graph.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// Store is a full persistence backend.
type Store interface {
	Records
	Workflows
	Close()
}

// Options selects and configures a backend.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// Open connects to the configured backend and applies its migrations.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite", "sqlite3":
		return NewSQLite(ctx, opts.SQLitePath)
	case "postgres", "postgresql", "pg":
		s, err := NewPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := s.RunMigrations(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

var terminalStatuses = []any{string(models.StatusCompleted), string(models.StatusError), string(models.StatusAbandoned)}

// patchSQL renders the SET clause of a record patch. ph renders the n-th
// placeholder (1-based). Times are passed through encodeTime.
func patchSQL(p models.RecordPatch, ph func(int) string, encodeTime func(time.Time) any) (string, []any, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return "", nil, models.Invalid("status", fmt.Sprintf("unknown status %q", *p.Status))
		}
		add("status", string(*p.Status))
	}
	if p.EnginePromptID != nil {
		add("engine_prompt_id", *p.EnginePromptID)
	}
	if p.EnhancedPrompt != nil {
		add("enhanced_prompt", *p.EnhancedPrompt)
	}
	if p.OutputFiles != nil {
		files := *p.OutputFiles
		if files == nil {
			files = []models.OutputFile{}
		}
		raw, err := json.Marshal(files)
		if err != nil {
			return "", nil, fmt.Errorf("marshal output files: %w", err)
		}
		add("output_files", raw)
	}
	if p.Error != nil {
		add("error", *p.Error)
	}
	if p.CompletedAt != nil {
		add("completed_at", encodeTime(*p.CompletedAt))
	}
	return strings.Join(sets, ", "), args, nil
}

func marshalRecord(rec models.JobRecord) (params, outputs []byte, err error) {
	params, err = json.Marshal(rec.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal params: %w", err)
	}
	files := rec.OutputFiles
	if files == nil {
		files = []models.OutputFile{}
	}
	outputs, err = json.Marshal(files)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal output files: %w", err)
	}
	return params, outputs, nil
}

func unmarshalRecordJSON(rec *models.JobRecord, params, outputs []byte) error {
	if err := json.Unmarshal(params, &rec.Params); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	rec.OutputFiles = []models.OutputFile{}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &rec.OutputFiles); err != nil {
			return fmt.Errorf("unmarshal output files: %w", err)
		}
	}
	return nil
}

func marshalWorkflow(w graph.Workflow) (g, mappings []byte, err error) {
	g, err = json.Marshal(w.Graph)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal graph: %w", err)
	}
	m := w.Mappings
	if m == nil {
		m = []graph.FieldMapping{}
	}
	mappings, err = json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal mappings: %w", err)
	}
	return g, mappings, nil
}

func unmarshalWorkflowJSON(w *graph.Workflow, g, mappings []byte) error {
	if err := json.Unmarshal(g, &w.Graph); err != nil {
		return fmt.Errorf("unmarshal graph: %w", err)
	}
	w.Mappings = []graph.FieldMapping{}
	if err := json.Unmarshal(mappings, &w.Mappings); err != nil {
		return fmt.Errorf("unmarshal mappings: %w", err)
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
