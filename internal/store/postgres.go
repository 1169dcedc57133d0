package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"genstudio/internal/graph"
	"genstudio/internal/models"
)

// Postgres wraps pgxpool for multi-instance deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func pgTime(t time.Time) any { return t.UTC() }

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// CreateJob inserts rec, assigning an id and creation time when absent.
func (s *Postgres) CreateJob(ctx context.Context, rec models.JobRecord) (models.JobRecord, error) {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rec.ID, string(rec.Mode), rec.WorkflowID, rec.OriginalPrompt, rec.EnhancedPrompt, rec.NegativePrompt,
		params, rec.InputImagePath, outputs, string(rec.Status), rec.EnginePromptID, rec.Error,
		rec.CreatedAt, rec.CompletedAt)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert job: %w", err)
	}
	return rec, nil
}

func scanPostgresJob(row pgx.Row) (models.JobRecord, error) {
	var (
		rec                          models.JobRecord
		mode, status                 string
		params, outputs              []byte
		enhanced, input, prompt, msg pgtype.Text
		completed                    pgtype.Timestamptz
	)
	if err := row.Scan(&rec.ID, &mode, &rec.WorkflowID, &rec.OriginalPrompt, &enhanced, &rec.NegativePrompt,
		&params, &input, &outputs, &status, &prompt, &msg, &rec.CreatedAt, &completed); err != nil {
		return models.JobRecord{}, err
	}
	rec.Mode = models.Mode(mode)
	rec.Status = models.Status(status)
	rec.EnhancedPrompt = textPtr(enhanced)
	rec.InputImagePath = textPtr(input)
	rec.EnginePromptID = textPtr(prompt)
	rec.Error = textPtr(msg)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.CompletedAt = timePtr(completed)
	if err := unmarshalRecordJSON(&rec, params, outputs); err != nil {
		return models.JobRecord{}, err
	}
	return rec, nil
}

// GetJob fetches a job record by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.JobRecord, error) {
	rec, err := scanPostgresJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	return rec, nil
}

// ListJobs returns records newest first.
func (s *Postgres) ListJobs(ctx context.Context, f ListFilter) ([]models.JobRecord, error) {
	f = f.normalized()
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Mode != "" {
		args = append(args, string(f.Mode))
		q += ` WHERE mode = $1`
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []models.JobRecord{}
	for rows.Next() {
		rec, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountJobs counts records, optionally of one mode.
func (s *Postgres) CountJobs(ctx context.Context, mode models.Mode) (int, error) {
	var n int64
	var err error
	if mode == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE mode = $1`, string(mode)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return int(n), nil
}

// UpdateJob applies a partial update in a single statement.
func (s *Postgres) UpdateJob(ctx context.Context, id string, patch models.RecordPatch) (models.JobRecord, error) {
	if patch.Empty() {
		return s.GetJob(ctx, id)
	}
	set, args, err := patchSQL(patch, pgPlaceholder, pgTime)
	if err != nil {
		return models.JobRecord{}, err
	}
	args = append(args, id)
	q := `UPDATE jobs SET ` + set + ` WHERE id = ` + pgPlaceholder(len(args))
	if patch.Status != nil {
		n := len(args)
		args = append(args, terminalStatuses...)
		q += fmt.Sprintf(` AND status NOT IN ($%d, $%d, $%d)`, n+1, n+2, n+3)
	}

	var tag pgconn.CommandTag
	if tag, err = s.pool.Exec(ctx, q, args...); err != nil {
		return models.JobRecord{}, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return models.JobRecord{}, gerr
		}
		return models.JobRecord{}, fmt.Errorf("job %s: %w", id, models.ErrAlreadyTerminal)
	}
	return s.GetJob(ctx, id)
}

// DeleteJob removes a record.
func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// CreateWorkflow stores a template, assigning id and timestamps.
func (s *Postgres) CreateWorkflow(ctx context.Context, w graph.Workflow) (graph.Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	g, mappings, err := marshalWorkflow(w)
	if err != nil {
		return graph.Workflow{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING
	`, w.ID, w.Name, w.Description, string(w.Category), g, mappings, emptyToNil(w.OutputNodeID), now)
	if err != nil {
		return graph.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return graph.Workflow{}, models.Invalid("id", "workflow already exists")
	}
	return w, nil
}

func scanPostgresWorkflow(row pgx.Row) (graph.Workflow, error) {
	var (
		w           graph.Workflow
		category    string
		g, mappings []byte
		output      pgtype.Text
	)
	if err := row.Scan(&w.ID, &w.Name, &w.Description, &category, &g, &mappings, &output, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return graph.Workflow{}, err
	}
	w.Category = models.Mode(category)
	if p := textPtr(output); p != nil {
		w.OutputNodeID = *p
	}
	if err := unmarshalWorkflowJSON(&w, g, mappings); err != nil {
		return graph.Workflow{}, err
	}
	return w, nil
}

// GetWorkflow fetches a template by id.
func (s *Postgres) GetWorkflow(ctx context.Context, id string) (graph.Workflow, error) {
	w, err := scanPostgresWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.Workflow{}, fmt.Errorf("workflow %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return graph.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	return w, nil
}

// ListWorkflows returns templates by name, optionally of one category.
func (s *Postgres) ListWorkflows(ctx context.Context, category models.Mode) ([]graph.Workflow, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if category == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY name ASC`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE category = $1 ORDER BY name ASC`, string(category))
	}
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []graph.Workflow{}
	for rows.Next() {
		w, err := scanPostgresWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a template. Job records that reference it are kept.
func (s *Postgres) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, models.ErrNotFound)
	}
	return nil
}
