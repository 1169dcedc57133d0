package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"genstudio/internal/engine"
	"genstudio/internal/models"
	"genstudio/internal/outputs"
)

// FileFetcher streams engine files.
type FileFetcher interface {
	FetchFile(ctx context.Context, ref engine.FileRef) (*engine.File, error)
}

// OutputHandler downloads engine outputs into the local cache and renders
// thumbnails for images.
type OutputHandler struct {
	cache    *outputs.Cache
	fetcher  func(engineURL string) FileFetcher
	maxBytes int64
}

// NewOutputHandler builds a handler that fetches files through engine.Client.
func NewOutputHandler(cache *outputs.Cache, httpClient *http.Client, maxBytes int64) *OutputHandler {
	if maxBytes <= 0 {
		maxBytes = 512 << 20
	}
	return &OutputHandler{
		cache: cache,
		fetcher: func(engineURL string) FileFetcher {
			return engine.NewClient(engine.Options{BaseURL: engineURL, HTTPClient: httpClient})
		},
		maxBytes: maxBytes,
	}
}

// Register wires the handler into p for every media type.
func (h *OutputHandler) Register(p *Processor) {
	p.RegisterHandler(models.MediaImage, h.HandleImage)
	p.RegisterHandler(models.MediaVideo, h.HandleVideo)
	p.SetDefaultHandler(h.HandleVideo)
}

// HandleVideo caches the file as is.
func (h *OutputHandler) HandleVideo(ctx context.Context, task Task) error {
	_, err := h.download(ctx, task)
	return err
}

// HandleImage caches the file and renders its thumbnail. A thumbnail failure
// is logged through the context logger and does not fail the task once the
// original is cached.
func (h *OutputHandler) HandleImage(ctx context.Context, task Task) error {
	body, err := h.download(ctx, task)
	if err != nil {
		return err
	}
	if err := h.cache.Thumbnail(ctx, task.JobID, task.File.Filename, body); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", task.JobID).Str("file", task.File.Filename).Msg("render thumbnail")
	}
	return nil
}

func (h *OutputHandler) download(ctx context.Context, task Task) ([]byte, error) {
	f, err := h.fetcher(task.EngineURL).FetchFile(ctx, engine.FileRef{
		Filename:  task.File.Filename,
		Subfolder: task.File.Subfolder,
		Type:      string(task.File.Type),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch output: %w", err)
	}
	defer f.Body.Close()

	body, err := io.ReadAll(io.LimitReader(f.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, fmt.Errorf("output too large (>%d bytes)", h.maxBytes)
	}
	if err := h.cache.Put(ctx, task.JobID, task.File.Filename, body, f.ContentType); err != nil {
		return nil, err
	}
	return body, nil
}
