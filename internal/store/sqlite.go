package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"genstudio/internal/graph"
	"genstudio/internal/models"
)

// SQLite is the default single-node backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) the database at path and migrates it.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := runMigrations(ctx, "sqlite", func(ctx context.Context, q string) error {
		_, err := db.ExecContext(ctx, q)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func sqliteTime(t time.Time) any { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}

const jobColumns = `id, mode, workflow_id, original_prompt, enhanced_prompt, negative_prompt, params,
	input_image_path, output_files, status, engine_prompt_id, error, created_at, completed_at`

// CreateJob inserts rec, assigning an id and creation time when absent.
func (s *SQLite) CreateJob(ctx context.Context, rec models.JobRecord) (models.JobRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = models.StatusQueued
	}
	if rec.OutputFiles == nil {
		rec.OutputFiles = []models.OutputFile{}
	}
	params, outputs, err := marshalRecord(rec)
	if err != nil {
		return models.JobRecord{}, err
	}
	var completed any
	if rec.CompletedAt != nil {
		completed = sqliteTime(*rec.CompletedAt)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Mode), rec.WorkflowID, rec.OriginalPrompt, rec.EnhancedPrompt, rec.NegativePrompt,
		string(params), rec.InputImagePath, string(outputs), string(rec.Status), rec.EnginePromptID, rec.Error,
		sqliteTime(rec.CreatedAt), completed)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert job: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.JobRecord, error) {
	var (
		rec                          models.JobRecord
		mode, status, params, output string
		enhanced, input, prompt, msg sql.NullString
		created                      int64
		completed                    sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &mode, &rec.WorkflowID, &rec.OriginalPrompt, &enhanced, &rec.NegativePrompt,
		&params, &input, &output, &status, &prompt, &msg, &created, &completed); err != nil {
		return models.JobRecord{}, err
	}
	rec.Mode = models.Mode(mode)
	rec.Status = models.Status(status)
	rec.EnhancedPrompt = nullString(enhanced)
	rec.InputImagePath = nullString(input)
	rec.EnginePromptID = nullString(prompt)
	rec.Error = nullString(msg)
	rec.CreatedAt = fromMillis(created)
	rec.CompletedAt = nullMillis(completed)
	if err := unmarshalRecordJSON(&rec, []byte(params), []byte(output)); err != nil {
		return models.JobRecord{}, err
	}
	return rec, nil
}

// GetJob fetches a job record by id.
func (s *SQLite) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	rec, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobRecord{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	return rec, nil
}

// ListJobs returns records newest first.
func (s *SQLite) ListJobs(ctx context.Context, f ListFilter) ([]models.JobRecord, error) {
	f = f.normalized()
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Mode != "" {
		q += ` WHERE mode = ?`
		args = append(args, string(f.Mode))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []models.JobRecord{}
	for rows.Next() {
		rec, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountJobs counts records, optionally of one mode.
func (s *SQLite) CountJobs(ctx context.Context, mode models.Mode) (int, error) {
	q := `SELECT COUNT(*) FROM jobs`
	var args []any
	if mode != "" {
		q += ` WHERE mode = ?`
		args = append(args, string(mode))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// UpdateJob applies a partial update in a single statement.
func (s *SQLite) UpdateJob(ctx context.Context, id string, patch models.RecordPatch) (models.JobRecord, error) {
	if patch.Empty() {
		return s.GetJob(ctx, id)
	}
	set, args, err := patchSQL(patch, func(int) string { return "?" }, sqliteTime)
	if err != nil {
		return models.JobRecord{}, err
	}
	q := `UPDATE jobs SET ` + set + ` WHERE id = ?`
	args = append(args, id)
	if patch.Status != nil {
		q += ` AND status NOT IN (?, ?, ?)`
		args = append(args, terminalStatuses...)
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return models.JobRecord{}, gerr
		}
		return models.JobRecord{}, fmt.Errorf("job %s: %w", id, models.ErrAlreadyTerminal)
	}
	return s.GetJob(ctx, id)
}

// DeleteJob removes a record.
func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

const workflowColumns = `id, name, description, category, graph, mappings, output_node_id, created_at, updated_at`

// CreateWorkflow stores a template, assigning id and timestamps.
func (s *SQLite) CreateWorkflow(ctx context.Context, w graph.Workflow) (graph.Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	g, mappings, err := marshalWorkflow(w)
	if err != nil {
		return graph.Workflow{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Description, string(w.Category), string(g), string(mappings), emptyToNil(w.OutputNodeID),
		sqliteTime(now), sqliteTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return graph.Workflow{}, models.Invalid("id", "workflow already exists")
		}
		return graph.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	return w, nil
}

func scanSQLiteWorkflow(row rowScanner) (graph.Workflow, error) {
	var (
		w                            graph.Workflow
		category, g, mappings        string
		output                       sql.NullString
		createdMillis, updatedMillis int64
	)
	if err := row.Scan(&w.ID, &w.Name, &w.Description, &category, &g, &mappings, &output, &createdMillis, &updatedMillis); err != nil {
		return graph.Workflow{}, err
	}
	w.Category = models.Mode(category)
	w.OutputNodeID = output.String
	w.CreatedAt = fromMillis(createdMillis)
	w.UpdatedAt = fromMillis(updatedMillis)
	if err := unmarshalWorkflowJSON(&w, []byte(g), []byte(mappings)); err != nil {
		return graph.Workflow{}, err
	}
	return w, nil
}

// GetWorkflow fetches a template by id.
func (s *SQLite) GetWorkflow(ctx context.Context, id string) (graph.Workflow, error) {
	w, err := scanSQLiteWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Workflow{}, fmt.Errorf("workflow %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return graph.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	return w, nil
}

// ListWorkflows returns templates by name, optionally of one category.
func (s *SQLite) ListWorkflows(ctx context.Context, category models.Mode) ([]graph.Workflow, error) {
	q := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, string(category))
	}
	q += ` ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []graph.Workflow{}
	for rows.Next() {
		w, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a template. Job records that reference it are kept.
func (s *SQLite) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workflow %s: %w", id, models.ErrNotFound)
	}
	return nil
}
