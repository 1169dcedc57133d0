package outputs

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"genstudio/internal/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(context.Background(), Options{Dir: t.TempDir(), ThumbnailWidth: 16, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestKeyRejectsTraversal(t *testing.T) {
	if _, err := Key("../etc", "passwd"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := Key("", "a.png"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for empty job id, got %v", err)
	}
	key, err := Key("job-1", "../../sub/out.png")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != filepath.Join("job-1", "out.png") {
		t.Fatalf("key = %q", key)
	}
}

func TestPutOpenRemove(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if _, err := c.Open("job-1", "a.mp4"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := c.Put(ctx, "job-1", "a.mp4", []byte("video"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !c.Has("job-1", "a.mp4") {
		t.Fatalf("expected cached file")
	}
	e, err := c.Open("job-1", "a.mp4")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(e)
	e.Close()
	if string(body) != "video" || e.ContentType != "video/mp4" || e.Size != 5 {
		t.Fatalf("entry = %q %q %d", body, e.ContentType, e.Size)
	}

	if err := c.Remove("job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), "job-1")); !os.IsNotExist(err) {
		t.Fatalf("job dir still present: %v", err)
	}
	if err := c.Remove("job-1"); err != nil {
		t.Fatalf("removing a missing job should succeed: %v", err)
	}
}

func TestPutStreamEnforcesLimit(t *testing.T) {
	c := newTestCache(t)
	err := c.PutStream(context.Background(), "job-2", "big.png", bytes.NewReader(make([]byte, 11)), "image/png", 10)
	if err == nil {
		t.Fatalf("expected size error")
	}
	if c.Has("job-2", "big.png") {
		t.Fatalf("oversized file should not be cached")
	}
}

func TestThumbnail(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for x := 0; x < 64; x++ {
		img.Set(x, x%32, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	if err := c.Thumbnail(ctx, "job-3", "render.png", buf.Bytes()); err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	e, err := c.OpenThumbnail("job-3", "render.png")
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	defer e.Close()
	thumb, format, err := image.Decode(e)
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if format != "jpeg" || thumb.Bounds().Dx() != 16 || thumb.Bounds().Dy() != 8 {
		t.Fatalf("thumbnail = %s %v", format, thumb.Bounds())
	}

	if err := c.Thumbnail(ctx, "job-3", "clip.mp4", []byte("not an image")); err == nil {
		t.Fatalf("expected decode error for non-image input")
	}
}
