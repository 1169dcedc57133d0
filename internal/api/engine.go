package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"genstudio/internal/engine"
	"genstudio/internal/models"
	"genstudio/internal/outputs"
)

const (
	immutableCache = "public, max-age=31536000, immutable"

	maxUploadBytes = 64 << 20
	// maxTeeBytes bounds how much of a proxied file is buffered for the cache.
	maxTeeBytes = 128 << 20
)

// handleView serves an engine file. With a jobRecordId the local cache is
// tried first, and a proxied file is written back to it.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filename := q.Get("filename")
	if filename == "" {
		s.writeError(w, r, models.Invalid("filename", "is required"))
		return
	}
	jobID := q.Get("jobRecordId")
	caching := jobID != "" && s.outputs != nil
	if caching && s.serveCached(w, r, jobID, filename, s.outputs.Open) {
		return
	}

	file, err := s.engineClient(q.Get("engineBaseUrl")).FetchFile(r.Context(), engine.FileRef{
		Filename:  filename,
		Subfolder: q.Get("subfolder"),
		Type:      q.Get("type"),
	})
	if err != nil {
		if caching && s.serveCached(w, r, jobID, filename, s.outputs.Open) {
			return
		}
		s.writeError(w, r, err)
		return
	}
	defer file.Body.Close()

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Cache-Control", immutableCache)
	if file.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	if !caching {
		_, _ = io.Copy(w, file.Body)
		return
	}
	tee := &cappedBuffer{limit: maxTeeBytes}
	if _, err := io.Copy(w, io.TeeReader(file.Body, tee)); err != nil || tee.overflow {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	if err := s.outputs.Put(ctx, jobID, filename, tee.buf.Bytes(), file.ContentType); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("filename", filename).Msg("cache proxied file")
	}
}

// handleThumbnail serves the JPEG thumbnail of a cached image, rendering it
// from the cached original when it is missing.
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobID, filename := q.Get("jobRecordId"), q.Get("filename")
	if jobID == "" || filename == "" {
		s.writeError(w, r, models.Invalid("", "jobRecordId and filename are required"))
		return
	}
	if s.outputs == nil {
		s.writeError(w, r, models.ErrNotFound)
		return
	}
	if s.serveCached(w, r, jobID, filename, s.outputs.OpenThumbnail) {
		return
	}
	if models.MediaTypeFor(filename) != models.MediaImage {
		s.writeError(w, r, models.ErrNotFound)
		return
	}

	entry, err := s.outputs.Open(jobID, filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(entry)
	entry.Close()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.outputs.Thumbnail(r.Context(), jobID, filename, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.serveCached(w, r, jobID, filename, s.outputs.OpenThumbnail) {
		s.writeError(w, r, models.ErrNotFound)
	}
}

func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, jobID, filename string, open func(jobID, filename string) (*outputs.Entry, error)) bool {
	entry, err := open(jobID, filename)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Debug().Err(err).Str("job_id", jobID).Msg("cache lookup")
		}
		return false
	}
	defer entry.Close()

	var modTime time.Time
	if info, err := entry.Stat(); err == nil {
		modTime = info.ModTime()
	}
	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Cache-Control", immutableCache)
	w.Header().Set("X-Cache", "hit")
	http.ServeContent(w, r, filename, modTime, entry.File)
	return true
}

// handleUpload forwards a multipart "image" to the engine's input folder,
// replacing any file of the same name.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, err)
			return
		}
		s.writeError(w, r, models.Invalid("image", "multipart form expected"))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, r, models.Invalid("image", "is required"))
		return
	}
	defer file.Close()

	engineURL := r.FormValue("engineBaseUrl")
	if engineURL == "" {
		engineURL = r.URL.Query().Get("engineBaseUrl")
	}
	res, err := s.engineClient(engineURL).Upload(r.Context(), header.Filename, file, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type engineTarget struct {
	EngineBaseURL string `json:"engineBaseUrl"`
}

// handleInterrupt stops whatever the engine is running. The body is optional.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var body engineTarget
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, models.Invalid("", "invalid json"))
		return
	}
	if body.EngineBaseURL == "" {
		body.EngineBaseURL = r.URL.Query().Get("engineBaseUrl")
	}
	if err := s.engineClient(body.EngineBaseURL).Interrupt(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type connectionStatus struct {
	Connected bool           `json:"connected"`
	LatencyMs int64          `json:"latencyMs,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
	Models    []string       `json:"models,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// handleEngineStatus probes the engine and reports round-trip latency.
func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stats, err := s.engineClient(r.URL.Query().Get("engineBaseUrl")).SystemStats(r.Context())
	if err != nil {
		code := http.StatusServiceUnavailable
		var rejected *engine.RejectedError
		if errors.As(err, &rejected) {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, connectionStatus{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, connectionStatus{
		Connected: true,
		LatencyMs: time.Since(start).Milliseconds(),
		Stats:     stats,
	})
}

// handleCheckpoints lists checkpoint filenames from the cached catalog.
// refresh=true drops the cached copy first.
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client := s.engineClient(q.Get("engineBaseUrl"))
	if refresh, _ := strconv.ParseBool(q.Get("refresh")); refresh {
		if err := s.catalog.Invalidate(r.Context(), client.BaseURL()); err != nil {
			s.logger.Warn().Err(err).Msg("invalidate catalog")
		}
	}
	names, err := s.catalog.Checkpoints(r.Context(), client.BaseURL(), client)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"checkpoints": names})
}

// cappedBuffer keeps written bytes until limit is exceeded, then drops them.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.overflow {
		return len(p), nil
	}
	if c.buf.Len()+len(p) > c.limit {
		c.overflow = true
		c.buf.Reset()
		return len(p), nil
	}
	return c.buf.Write(p)
}
