package thumbs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/h2non/bimg"

	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/pool"
	"github.com/stillframe/shoebox/pkg/units"
)

const (
	// vipsCacheMaxMem caps tracked libvips cache memory per process, so
	// long-lived thumb workers keep a flat memory profile.
	vipsCacheMaxMem = 32 * units.MiB

	// vipsCacheMaxOps caps cached libvips operations.
	vipsCacheMaxOps = 100
)

// vipsSetup applies the cache ceilings once, before the first decode.
var vipsSetup sync.Once

// ImagePayload reports image task output in the completion result.
type ImagePayload struct {
	Quality  int   `json:"quality"`
	Pixels   int64 `json:"pixels"`
	SafeMode bool  `json:"safeMode,omitempty"`
}

// runImageTask decodes the source, picks a quality tier from its pixel
// count, encodes a width-bounded webp, and lands it atomically.
func (e *Engine) runImageTask(ctx context.Context, task pool.Task, emit func(pool.Message)) (pool.Result, error) {
	vipsSetup.Do(func() {
		bimg.VipsCacheSetMaxMem(vipsCacheMaxMem)
		bimg.VipsCacheSetMax(vipsCacheMaxOps)
	})

	buf, err := os.ReadFile(task.AbsPath)
	if err != nil {
		return pool.Result{}, faults.Wrap(faults.KindNotFound, faults.CodePathNotFound,
			"read source", err)
	}

	size, err := bimg.NewImage(buf).Size()
	if err != nil {
		return pool.Result{}, faults.Wrap(faults.KindValidation, "", "decode dimensions", err)
	}

	pixels := int64(size.Width) * int64(size.Height)
	if pixels > e.opts.Config.SharpMaxPixels {
		return pool.Result{}, faults.Newf(faults.KindValidation, faults.CodeSourceTooLarge,
			"%s is %d px, above the %d px decode ceiling",
			task.RelPath, pixels, e.opts.Config.SharpMaxPixels)
	}

	if err := ctx.Err(); err != nil {
		return pool.Result{}, err
	}

	payload := ImagePayload{
		Quality: qualityFor(pixels, e.opts.Config.Thumb),
		Pixels:  pixels,
	}

	webp, err := e.encodeThumb(buf, payload.Quality)
	if err != nil {
		emit(pool.Log{
			Level:   slog.LevelWarn,
			Message: "encode failed, retrying in safe mode",
			Attrs: []slog.Attr{
				slog.String("path", task.RelPath),
				slog.String("error", err.Error()),
			},
		})

		payload.Quality = e.opts.Config.Thumb.QualitySafe
		payload.SafeMode = true

		webp, err = e.encodeThumb(buf, payload.Quality)
		if err != nil {
			return pool.Result{}, faults.Wrap(faults.KindInternal, "", "encode thumbnail", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return pool.Result{}, err
	}

	if err := writeAtomic(task.OutPath, webp); err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "write artifact", err)
	}

	return pool.Result{Payload: payload}, nil
}

// encodeThumb downscales to the target width and encodes webp. Smaller
// sources pass through at their own size; only metadata is stripped.
func (e *Engine) encodeThumb(buf []byte, quality int) ([]byte, error) {
	return bimg.NewImage(buf).Process(bimg.Options{
		Width:         e.opts.Config.Thumb.TargetWidth,
		Type:          bimg.WEBP,
		Quality:       quality,
		StripMetadata: true,
		NoProfile:     true,
	})
}

// qualityFor picks the webp quality tier for a source pixel count: large
// sources compress harder because their downscaled thumbnails hide
// artifacts better.
func qualityFor(pixels int64, c config.ThumbConfig) int {
	switch {
	case pixels > int64(c.PixelThresholdHigh):
		return c.QualityLow
	case pixels > int64(c.PixelThresholdMedium):
		return c.QualityMedium
	default:
		return c.QualityHigh
	}
}

// writeAtomic lands data at path via a temp file and rename, so readers
// never observe a partial artifact and an aborted task leaves nothing.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".thumb-*")
	if err != nil {
		return err
	}

	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()

	if err := errors.Join(writeErr, syncErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())

		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())

		return err
	}

	return nil
}
