package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"

	"pdxseg/internal/artifacts"
	"pdxseg/internal/imaging"
	"pdxseg/internal/logging"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
)

// SliceReader loads decoded slices.
type SliceReader interface {
	Slice(ctx context.Context, studyID string, index int) (studies.Slice, error)
}

// Cache serves rendered slices and overlays as PNG bytes, storing them as
// derived artifacts. Overlays at a non-default alpha are never cached.
type Cache struct {
	slices SliceReader
	store  *artifacts.Store
	logger *slog.Logger
}

// NewCache wires a render cache.
func NewCache(slices SliceReader, store *artifacts.Store, logger *slog.Logger) *Cache {
	return &Cache{slices: slices, store: store, logger: logging.NewComponentLogger(logger, "overlay")}
}

// SlicePNG returns the rendered slice.
func (c *Cache) SlicePNG(ctx context.Context, studyID string, index int) ([]byte, error) {
	if data, err := c.store.Get(studyID, index, artifacts.KindRender); err == nil {
		return data, nil
	} else if !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}
	gray, err := c.render(ctx, studyID, index)
	if err != nil {
		return nil, err
	}
	data, err := encode(gray)
	if err != nil {
		return nil, err
	}
	c.keep(studyID, index, artifacts.KindRender, data)
	return data, nil
}

// OverlayPNG returns the slice with its mask blended at alpha. A slice without
// a stored mask reports ErrNotFound.
func (c *Cache) OverlayPNG(ctx context.Context, studyID string, index int, alpha float64) ([]byte, error) {
	if err := ValidateAlpha(alpha); err != nil {
		return nil, err
	}
	cacheable := alpha == DefaultAlpha
	if cacheable {
		if data, err := c.store.Get(studyID, index, artifacts.KindOverlay); err == nil {
			return data, nil
		} else if !errors.Is(err, services.ErrNotFound) {
			return nil, err
		}
		// Held until the overlay is kept so a concurrent PutMask cannot
		// land between reading the mask and caching its overlay.
		defer c.store.LockSlice(studyID, index)()
	}

	mask, err := c.store.GetMask(studyID, index)
	if err != nil {
		return nil, err
	}
	gray, err := c.render(ctx, studyID, index)
	if err != nil {
		return nil, err
	}
	if native := (imaging.Size{Width: gray.Rect.Dx(), Height: gray.Rect.Dy()}); mask.Size() != native {
		mask = imaging.ResizeMask(mask, native)
	}
	composed, err := Compose(gray, mask, DefaultColor, alpha)
	if err != nil {
		return nil, err
	}
	data, err := encode(composed)
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.keep(studyID, index, artifacts.KindOverlay, data)
	}
	return data, nil
}

func (c *Cache) render(ctx context.Context, studyID string, index int) (*image.Gray, error) {
	slice, err := c.slices.Slice(ctx, studyID, index)
	if err != nil {
		return nil, err
	}
	return Render(slice.Data), nil
}

func (c *Cache) keep(studyID string, index int, kind artifacts.Kind, data []byte) {
	if err := c.store.Put(studyID, index, kind, data); err != nil {
		logging.WarnWithContext(c.logger, "render cache write failed", "render_cache_failed",
			logging.String(logging.FieldStudyID, studyID),
			logging.Int(logging.FieldSliceIndex, index),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check storage_dir permissions"),
			logging.String(logging.FieldImpact, "image is re-rendered on every request"),
		)
	}
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
