package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/imgbatch/internal/domain"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels is the largest input accepted when no limit is configured (16383x16383).
const DefaultMaxPixels = 268402689

// TransformConfig holds configuration for the image transformer.
type TransformConfig struct {
	MaxWidth     int
	MaxHeight    int
	Quality      int
	FetchTimeout time.Duration
	MaxBytes     int64
	// MaxPixels bounds width*height as declared by the image header.
	MaxPixels    int64
}

// ImageTransformer downloads a source image, fits it inside the configured
// box without enlarging it, and re-encodes it as JPEG.
type ImageTransformer struct {
	client *resty.Client
	cfg    TransformConfig
}

// NewImageTransformer creates a new ImageTransformer.
// Parameters:
//   - cfg: resize box, JPEG quality and download limits.
//
// Returns:
//   - *ImageTransformer: transformer with its own HTTP client.
func NewImageTransformer(cfg *TransformConfig) *ImageTransformer {
	c := *cfg
	if c.MaxWidth <= 0 {
		c.MaxWidth = 800
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 800
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 80
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.MaxPixels <= 0 {
		c.MaxPixels = DefaultMaxPixels
	}

	client := resty.New()
	client.SetTimeout(c.FetchTimeout)
	// retries belong to the job queue, not the HTTP client
	client.SetRetryCount(0)
	if c.MaxBytes > 0 {
		client.SetResponseBodyLimit(int(c.MaxBytes))
	}

	return &ImageTransformer{client: client, cfg: c}
}

// Transform fetches inputURL and returns the re-encoded JPEG bytes.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - inputURL: absolute http(s) URL of the source image.
//
// Returns:
//   - []byte: JPEG data.
//   - error: *domain.TransformError classified as timeout, fetch_failed or decode_failed.
func (t *ImageTransformer) Transform(ctx context.Context, inputURL string) ([]byte, error) {
	resp, err := t.client.R().SetContext(ctx).Get(inputURL)
	if err != nil {
		kind := domain.TransformFetchFailed
		if isTimeout(ctx, err) {
			kind = domain.TransformTimeout
		}
		return nil, &domain.TransformError{Kind: kind, URL: inputURL, Err: err}
	}
	if resp.IsError() {
		return nil, &domain.TransformError{
			Kind: domain.TransformFetchFailed,
			URL:  inputURL,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode()),
		}
	}

	body := resp.Body()
	// the header is enough to refuse inputs that would not fit in memory
	header, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformDecodeFailed, URL: inputURL, Err: err}
	}
	if pixels := int64(header.Width) * int64(header.Height); pixels > t.cfg.MaxPixels {
		return nil, &domain.TransformError{
			Kind: domain.TransformDecodeFailed,
			URL:  inputURL,
			Err:  fmt.Errorf("image is %dx%d, limit is %d pixels", header.Width, header.Height, t.cfg.MaxPixels),
		}
	}

	src, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformDecodeFailed, URL: inputURL, Err: err}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, t.fit(src), &jpeg.Options{Quality: t.cfg.Quality}); err != nil {
		return nil, &domain.TransformError{Kind: domain.TransformDecodeFailed, URL: inputURL, Err: fmt.Errorf("encode jpeg: %w", err)}
	}
	return buf.Bytes(), nil
}

// fit scales src into the configured box on a white canvas; JPEG has no alpha.
func (t *ImageTransformer) fit(src image.Image) image.Image {
	b := src.Bounds()
	w, h := fitInside(b.Dx(), b.Dy(), t.cfg.MaxWidth, t.cfg.MaxHeight)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}
	return dst
}

// fitInside returns the largest size with the same aspect ratio that fits in
// maxW x maxH, never larger than the original.
func fitInside(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
