package outputs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Thumbnail renders a JPEG preview of an image output at the configured width
// and stores it next to the cached original. Animated images use their first
// frame.
func (c *Cache) Thumbnail(ctx context.Context, jobID, filename string, body []byte) error {
	key, err := thumbKey(jobID, filename)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return errors.New("invalid image dimensions")
	}

	if img.Bounds().Dx() > c.thumbWidth {
		img = imaging.Resize(img, c.thumbWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if _, err := c.local.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		return err
	}
	return nil
}
