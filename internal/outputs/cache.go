// Package outputs keeps local copies of engine output files, keyed by job record.
package outputs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"genstudio/internal/models"
)

// ErrInvalidKey rejects job ids or filenames that would escape the cache root.
var ErrInvalidKey = errors.New("invalid cache key")

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Options configures a Cache.
type Options struct {
	Dir            string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PathStyle    bool
	ThumbnailWidth int
	Logger         zerolog.Logger
}

// Cache stores output files under <dir>/<jobId>/<filename> and optionally
// mirrors them to S3. Deleting a job only removes the local copies.
type Cache struct {
	dir        string
	local      *localUploader
	mirror     uploader
	thumbWidth int
	logger     zerolog.Logger
}

// New builds a cache rooted at opts.Dir.
func New(ctx context.Context, opts Options) (*Cache, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "./data/outputs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	width := opts.ThumbnailWidth
	if width <= 0 {
		width = 320
	}
	c := &Cache{
		dir:        dir,
		local:      &localUploader{baseDir: dir},
		thumbWidth: width,
		logger:     opts.Logger.With().Str("component", "outputs").Logger(),
	}
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		c.mirror = &s3Uploader{client: client, bucket: opts.S3Bucket}
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Key returns the cache-relative path of a job's file.
func Key(jobID, filename string) (string, error) {
	id, err := cleanSegment(jobID)
	if err != nil {
		return "", err
	}
	name, err := cleanSegment(filepath.Base(filename))
	if err != nil {
		return "", err
	}
	return sanitizeKey(filepath.Join(id, name)), nil
}

func thumbKey(jobID, filename string) (string, error) {
	key, err := Key(jobID, filename)
	if err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(key), filepath.Ext(key))
	return filepath.Join(filepath.Dir(key), "thumbs", base+".jpg"), nil
}

func cleanSegment(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return s, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

// ContentTypeFor guesses a content type from the filename extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Entry is an opened cached file. Callers must close it.
type Entry struct {
	*os.File
	ContentType string
	Size        int64
}

// Open returns the cached copy of a job's file, or models.ErrNotFound.
func (c *Cache) Open(jobID, filename string) (*Entry, error) {
	key, err := Key(jobID, filename)
	if err != nil {
		return nil, err
	}
	return c.openKey(key, ContentTypeFor(filename))
}

// OpenThumbnail returns the JPEG thumbnail of a job's image, or models.ErrNotFound.
func (c *Cache) OpenThumbnail(jobID, filename string) (*Entry, error) {
	key, err := thumbKey(jobID, filename)
	if err != nil {
		return nil, err
	}
	return c.openKey(key, "image/jpeg")
}

func (c *Cache) openKey(key, contentType string) (*Entry, error) {
	f, err := os.Open(filepath.Join(c.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cached %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open cached file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat cached file: %w", err)
	}
	return &Entry{File: f, ContentType: contentType, Size: info.Size()}, nil
}

// Has reports whether a job's file is cached.
func (c *Cache) Has(jobID, filename string) bool {
	key, err := Key(jobID, filename)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(c.dir, key))
	return err == nil
}

// Put writes body as the cached copy of a job's file and mirrors it when S3 is
// configured. Mirror failures are returned after the local write succeeded.
func (c *Cache) Put(ctx context.Context, jobID, filename string, body []byte, contentType string) error {
	key, err := Key(jobID, filename)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = ContentTypeFor(filename)
	}
	if _, err := c.local.Upload(ctx, key, body, contentType); err != nil {
		return err
	}
	if c.mirror != nil {
		if _, err := c.mirror.Upload(ctx, filepath.ToSlash(key), body, contentType); err != nil {
			return fmt.Errorf("mirror %s: %w", key, err)
		}
	}
	return nil
}

// PutStream copies r into the cache, then writes it like Put. At most limit
// bytes are accepted.
func (c *Cache) PutStream(ctx context.Context, jobID, filename string, r io.Reader, contentType string, limit int64) error {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	if n > limit {
		return fmt.Errorf("output too large (>%d bytes)", limit)
	}
	return c.Put(ctx, jobID, filename, buf.Bytes(), contentType)
}

// Remove deletes every cached file of a job. Missing directories are not an error.
func (c *Cache) Remove(jobID string) error {
	id, err := cleanSegment(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(c.dir, id)); err != nil {
		return fmt.Errorf("remove cached outputs: %w", err)
	}
	return nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename file: %w", err)
	}
	return path, nil
}
