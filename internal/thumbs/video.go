package thumbs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/hls"
	"github.com/stillframe/shoebox/internal/pool"
)

const (
	// videoSeekFraction positions the poster frame inside the clip.
	videoSeekFraction = 0.10

	// videoSeekMax caps the poster-frame seek offset.
	videoSeekMax = 60 * time.Second

	// videoSeekFallback is the seek used when probing fails.
	videoSeekFallback = 3 * time.Second

	// videoFrameWidth is the poster frame width in pixels.
	videoFrameWidth = 320

	// videoFrameQuality is the ffmpeg JPEG quantizer for poster frames.
	videoFrameQuality = 5
)

// PosterPayload reports video poster extraction details.
type PosterPayload struct {
	SeekSeconds float64 `json:"seekSeconds"`
	DurationS   float64 `json:"durationS,omitempty"`
}

// runVideoTask probes the clip, extracts one scaled frame, and lands it
// atomically. The whole task runs under the video thumbnail deadline.
func (e *Engine) runVideoTask(ctx context.Context, task pool.Task, emit func(pool.Message)) (pool.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Config.VideoThumbTimeout())
	defer cancel()

	payload := PosterPayload{SeekSeconds: videoSeekFallback.Seconds()}
	seek := videoSeekFallback

	info, err := e.opts.Runner.Probe(ctx, task.AbsPath)
	if err != nil {
		if faults.IsKind(err, faults.KindTimeout) || ctx.Err() != nil {
			return pool.Result{}, err
		}

		emit(pool.Log{
			Level:   slog.LevelWarn,
			Message: "probe failed, using fallback seek",
			Attrs: []slog.Attr{
				slog.String("path", task.RelPath),
				slog.String("error", err.Error()),
			},
		})
	} else {
		seek = seekOffset(info.DurationS)
		payload.SeekSeconds = seek.Seconds()
		payload.DurationS = info.DurationS
	}

	dir := filepath.Dir(task.OutPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "create artifact dir", err)
	}

	tmp, err := os.CreateTemp(dir, ".poster-*.jpg")
	if err != nil {
		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "create temp frame", err)
	}

	tmpName := tmp.Name()
	_ = tmp.Close()

	err = e.opts.Runner.ExtractFrame(ctx, hls.FrameSpec{
		Source:  task.AbsPath,
		Dest:    tmpName,
		Offset:  seek,
		Width:   videoFrameWidth,
		Quality: videoFrameQuality,
	})
	if err != nil {
		_ = os.Remove(tmpName)

		return pool.Result{}, err
	}

	if err := os.Rename(tmpName, task.OutPath); err != nil {
		_ = os.Remove(tmpName)

		return pool.Result{}, faults.Wrap(faults.KindInternal, "", "land poster frame", err)
	}

	return pool.Result{Payload: payload}, nil
}

// seekOffset picks the poster position: a tenth of the clip, capped at
// one minute so long recordings do not seek forever.
func seekOffset(durationS float64) time.Duration {
	offset := time.Duration(durationS * videoSeekFraction * float64(time.Second))

	if offset > videoSeekMax {
		return videoSeekMax
	}

	if offset < 0 {
		return 0
	}

	return offset
}
