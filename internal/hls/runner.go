package hls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
)

const (
	// DefaultKeyframeIntervalS forces a keyframe every two seconds so
	// segment boundaries land on seekable frames.
	DefaultKeyframeIntervalS = 2

	// SegmentPattern names the MPEG-TS segments inside an artifact dir.
	SegmentPattern = "seg_%03d.ts"

	// stderrTailLimit bounds how much tool output rides along in errors.
	stderrTailLimit = 512
)

// ProbeInfo is the subset of container metadata the pipeline needs.
type ProbeInfo struct {
	DurationS float64
	Width     int
	Height    int
}

// TranscodeSpec describes one source-to-HLS conversion. OutDir must already
// exist; callers stage into a temp dir and rename it into place afterward.
type TranscodeSpec struct {
	Source string
	OutDir string

	// KeyframeIntervalS overrides DefaultKeyframeIntervalS when positive.
	KeyframeIntervalS int
}

// FrameSpec describes a single-frame extraction for video thumbnails.
type FrameSpec struct {
	Source string
	Dest   string

	// Offset is the seek position of the extracted frame.
	Offset time.Duration

	// Width is the output frame width; height follows the aspect ratio.
	Width int

	// Quality is the JPEG quantizer, 2 (best) to 31 (worst).
	Quality int
}

// Runner abstracts the external media toolchain. The production
// implementation shells out to ffmpeg and ffprobe; tests substitute fakes.
type Runner interface {
	Probe(ctx context.Context, absPath string) (ProbeInfo, error)
	Transcode(ctx context.Context, spec TranscodeSpec) error
	ExtractFrame(ctx context.Context, spec FrameSpec) error
}

// FFmpegRunner runs ffmpeg and ffprobe as subprocesses.
type FFmpegRunner struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// NewFFmpegRunner builds a runner around the given binary paths. Bare
// names resolve through PATH.
func NewFFmpegRunner(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpegRunner {
	if logger == nil {
		logger = slog.Default()
	}

	return &FFmpegRunner{ffmpeg: ffmpegPath, ffprobe: ffprobePath, logger: logger}
}

// probeOutput mirrors the ffprobe -of json shape for the fields we select.
type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads duration and the first video stream's dimensions.
func (r *FFmpegRunner) Probe(ctx context.Context, absPath string) (ProbeInfo, error) {
	out, err := r.run(ctx, r.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-show_entries", "format=duration",
		"-of", "json",
		absPath,
	)
	if err != nil {
		return ProbeInfo{}, err
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return ProbeInfo{}, faults.Wrap(faults.KindExternal, "", "ffprobe output", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64)
	if err != nil {
		return ProbeInfo{}, faults.Newf(faults.KindExternal, "",
			"ffprobe reported no duration for %s", filepath.Base(absPath))
	}

	info := ProbeInfo{DurationS: duration}
	if len(parsed.Streams) > 0 {
		info.Width = parsed.Streams[0].Width
		info.Height = parsed.Streams[0].Height
	}

	return info, nil
}

// Transcode writes an index.m3u8 playlist plus seg_NNN.ts segments into
// spec.OutDir.
func (r *FFmpegRunner) Transcode(ctx context.Context, spec TranscodeSpec) error {
	interval := spec.KeyframeIntervalS
	if interval <= 0 {
		interval = DefaultKeyframeIntervalS
	}

	start := time.Now()

	_, err := r.run(ctx, r.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", spec.Source,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", interval),
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(interval),
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(spec.OutDir, SegmentPattern),
		"-y", filepath.Join(spec.OutDir, media.PlaylistName),
	)
	if err != nil {
		return err
	}

	r.logger.Debug("transcode finished",
		slog.String("source", filepath.Base(spec.Source)),
		slog.Duration("took", time.Since(start)),
	)

	return nil
}

// ExtractFrame seeks to spec.Offset and writes one scaled JPEG frame.
func (r *FFmpegRunner) ExtractFrame(ctx context.Context, spec FrameSpec) error {
	_, err := r.run(ctx, r.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", spec.Offset.Seconds()),
		"-i", spec.Source,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", spec.Width),
		"-q:v", strconv.Itoa(spec.Quality),
		"-y", spec.Dest,
	)

	return err
}

// run executes one tool invocation and classifies its failure: deadline
// expiry becomes a timeout fault, everything else an external fault
// carrying the stderr tail.
func (r *FFmpegRunner) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	name := filepath.Base(bin)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, faults.Wrap(faults.KindTimeout, "", name+" deadline exceeded", ctx.Err())
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	detail := stderrTail(stderr.String())
	if detail == "" {
		detail = err.Error()
	}

	return nil, faults.Newf(faults.KindExternal, "", "%s: %s", name, detail)
}

// stderrTail trims tool output to its informative tail: the last non-empty
// line, capped at stderrTailLimit bytes.
func stderrTail(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}

	lines := strings.Split(out, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])

	if len(last) > stderrTailLimit {
		last = last[:stderrTailLimit]
	}

	return last
}
