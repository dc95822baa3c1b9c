package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config is the top-level configuration struct for shoebox.
// Field tags use mapstructure for viper unmarshalling; the flattened key
// names, uppercased with underscores, are the public environment surface
// (PORT, PHOTOS_DIR, INDEX_BATCH_SIZE, ...).
type Config struct {
	Port                int    `mapstructure:"port"`
	PhotosDir           string `mapstructure:"photos_dir"`
	DataDir             string `mapstructure:"data_dir"`
	ThumbsDir           string `mapstructure:"thumbs_dir"`
	NumWorkers          int    `mapstructure:"num_workers"`
	SharpConcurrency    int    `mapstructure:"sharp_concurrency"`
	SharpMaxPixels      int64  `mapstructure:"sharp_max_pixels"`
	DisableStartupIndex bool   `mapstructure:"disable_startup_index"`
	RedisAddr           string `mapstructure:"redis_addr"`
	OTLPEndpoint        string `mapstructure:"otlp_endpoint"`
	FFmpegPath          string `mapstructure:"ffmpeg_path"`
	FFprobePath         string `mapstructure:"ffprobe_path"`

	Index IndexConfig `mapstructure:"index"`
	HLS   HLSConfig   `mapstructure:"hls"`
	Thumb ThumbConfig `mapstructure:"thumb"`
	Video VideoConfig `mapstructure:"video"`
	Log   LogConfig   `mapstructure:"log"`
}

// IndexConfig holds indexer and index-maintenance knobs.
type IndexConfig struct {
	Concurrency     int `mapstructure:"concurrency"`
	BatchSize       int `mapstructure:"batch_size"`
	StartDelayMS    int `mapstructure:"start_delay_ms"`
	RetryIntervalMS int `mapstructure:"retry_interval_ms"`
	TimeoutMS       int `mapstructure:"timeout_ms"`
	LockTTLSec      int `mapstructure:"lock_ttl_sec"`
}

// HLSConfig holds HLS batch pipeline knobs.
type HLSConfig struct {
	BatchTimeoutMS int `mapstructure:"batch_timeout_ms"`
	InflightTTLMS  int `mapstructure:"inflight_ttl_ms"`
}

// ThumbConfig holds thumbnail generation knobs. Quality tiers are selected
// by source pixel count against the two thresholds.
type ThumbConfig struct {
	TargetWidth          int `mapstructure:"target_width"`
	PixelThresholdHigh   int `mapstructure:"pixel_threshold_high"`
	PixelThresholdMedium int `mapstructure:"pixel_threshold_medium"`
	QualityLow           int `mapstructure:"quality_low"`
	QualityMedium        int `mapstructure:"quality_medium"`
	QualityHigh          int `mapstructure:"quality_high"`
	QualitySafe          int `mapstructure:"quality_safe"`
}

// VideoConfig holds video worker knobs.
type VideoConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
	ThumbTimeoutMS int `mapstructure:"thumb_timeout_ms"`
}

// LogConfig holds logging knobs.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Defaults for the public environment surface.
const (
	// DefaultPort is the HTTP listen port.
	DefaultPort = 8080

	// DefaultPhotosDir is the photo root in the container layout.
	DefaultPhotosDir = "/photos"

	// DefaultDataDir holds databases, artifacts, and logs.
	DefaultDataDir = "/data"

	// DefaultSharpConcurrency is the per-worker image library concurrency.
	// Thumbnail workers each process one image at a time; parallelism comes
	// from the pool, not from the codec.
	DefaultSharpConcurrency = 1

	// DefaultSharpMaxPixels refuses decoding sources above ~2.7e8 pixels
	// (16383x16383); larger inputs exhaust memory during decode.
	DefaultSharpMaxPixels = 268402689

	// DefaultIndexConcurrency bounds reconciliation scan fan-out.
	DefaultIndexConcurrency = 4

	// DefaultIndexBatchSize is the upsert batch flushed per transaction
	// during a full walk.
	DefaultIndexBatchSize = 1000

	// DefaultIndexStartDelayMS delays the startup rebuild so boot IO settles.
	DefaultIndexStartDelayMS = 5000

	// DefaultIndexRetryIntervalMS reschedules maintenance refused under load.
	DefaultIndexRetryIntervalMS = 60000

	// DefaultIndexTimeoutMS caps one index maintenance run (20 min).
	DefaultIndexTimeoutMS = 1200000

	// DefaultIndexLockTTLSec is the advisory lock TTL for index maintenance.
	DefaultIndexLockTTLSec = 1800

	// DefaultHLSBatchTimeoutMS fails an HLS batch after this much silence
	// from the video worker (10 min). Progress messages rearm the timer.
	DefaultHLSBatchTimeoutMS = 600000

	// DefaultHLSInflightTTLMS expires stale in-flight dedup entries (30 min).
	DefaultHLSInflightTTLMS = 1800000

	// DefaultThumbTargetWidth is the thumbnail width in pixels.
	DefaultThumbTargetWidth = 500

	// DefaultThumbPixelThresholdHigh selects the low quality tier above 8 MP.
	DefaultThumbPixelThresholdHigh = 8000000

	// DefaultThumbPixelThresholdMedium selects the medium tier above 2 MP.
	DefaultThumbPixelThresholdMedium = 2000000

	// Webp quality tiers by source pixel count.
	DefaultThumbQualityLow    = 65
	DefaultThumbQualityMedium = 70
	DefaultThumbQualityHigh   = 80

	// DefaultThumbQualitySafe is the quality for the permissive-decode retry
	// after a first failure.
	DefaultThumbQualitySafe = 60

	// DefaultVideoMaxConcurrency caps concurrent video tasks regardless of
	// CPU count; transcodes are memory-bound.
	DefaultVideoMaxConcurrency = 3

	// DefaultVideoThumbTimeoutMS is the hard deadline for one video
	// thumbnail extraction.
	DefaultVideoThumbTimeoutMS = 60000

	// DefaultLogLevel is the minimum slog severity name.
	DefaultLogLevel = "info"

	// DefaultFFmpegPath resolves ffmpeg from PATH.
	DefaultFFmpegPath = "ffmpeg"

	// DefaultFFprobePath resolves ffprobe from PATH.
	DefaultFFprobePath = "ffprobe"
)

// Subdirectories of DataDir owned by the core.
const (
	dbSubdir    = "db"
	thumbSubdir = "thumbs"
	hlsSubdir   = "hls"
	logsSubdir  = "logs"
)

// maxPort is the largest valid TCP port.
const maxPort = 65535

// Sentinel errors for configuration validation.
var (
	// ErrInvalidPort indicates the port is outside 1..65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
	// ErrEmptyPhotosDir indicates the photo root is unset.
	ErrEmptyPhotosDir = errors.New("photos_dir must not be empty")
	// ErrEmptyDataDir indicates the data root is unset.
	ErrEmptyDataDir = errors.New("data_dir must not be empty")
)

// Validate checks hard invariants and returns the first error found.
// Soft out-of-range values are handled by Normalize instead.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port)
	}

	if c.PhotosDir == "" {
		return ErrEmptyPhotosDir
	}

	if c.DataDir == "" {
		return ErrEmptyDataDir
	}

	return nil
}

// Normalize clamps out-of-range soft values back to their defaults and
// returns a human-readable warning per correction. The caller logs the
// warnings once the logger exists.
func (c *Config) Normalize() []string {
	var warnings []string

	clampInt := func(name string, field *int, def, minAllowed int) {
		if *field < minAllowed {
			warnings = append(warnings, fmt.Sprintf("%s=%d out of range, using default %d", name, *field, def))
			*field = def
		}
	}

	clampInt("NUM_WORKERS", &c.NumWorkers, 0, 0)
	clampInt("SHARP_CONCURRENCY", &c.SharpConcurrency, DefaultSharpConcurrency, 1)
	clampInt("INDEX_CONCURRENCY", &c.Index.Concurrency, DefaultIndexConcurrency, 1)
	clampInt("INDEX_BATCH_SIZE", &c.Index.BatchSize, DefaultIndexBatchSize, 1)
	clampInt("INDEX_START_DELAY_MS", &c.Index.StartDelayMS, DefaultIndexStartDelayMS, 0)
	clampInt("INDEX_RETRY_INTERVAL_MS", &c.Index.RetryIntervalMS, DefaultIndexRetryIntervalMS, 1)
	clampInt("INDEX_TIMEOUT_MS", &c.Index.TimeoutMS, DefaultIndexTimeoutMS, 1)
	clampInt("INDEX_LOCK_TTL_SEC", &c.Index.LockTTLSec, DefaultIndexLockTTLSec, 1)
	clampInt("HLS_BATCH_TIMEOUT_MS", &c.HLS.BatchTimeoutMS, DefaultHLSBatchTimeoutMS, 1)
	clampInt("HLS_INFLIGHT_TTL_MS", &c.HLS.InflightTTLMS, DefaultHLSInflightTTLMS, 1)
	clampInt("THUMB_TARGET_WIDTH", &c.Thumb.TargetWidth, DefaultThumbTargetWidth, 1)
	clampInt("THUMB_PIXEL_THRESHOLD_HIGH", &c.Thumb.PixelThresholdHigh, DefaultThumbPixelThresholdHigh, 1)
	clampInt("THUMB_PIXEL_THRESHOLD_MEDIUM", &c.Thumb.PixelThresholdMedium, DefaultThumbPixelThresholdMedium, 1)
	clampInt("VIDEO_MAX_CONCURRENCY", &c.Video.MaxConcurrency, DefaultVideoMaxConcurrency, 1)
	clampInt("VIDEO_THUMB_TIMEOUT_MS", &c.Video.ThumbTimeoutMS, DefaultVideoThumbTimeoutMS, 1)

	clampQuality := func(name string, field *int, def int) {
		if *field < 1 || *field > 100 {
			warnings = append(warnings, fmt.Sprintf("%s=%d out of range, using default %d", name, *field, def))
			*field = def
		}
	}

	clampQuality("THUMB_QUALITY_LOW", &c.Thumb.QualityLow, DefaultThumbQualityLow)
	clampQuality("THUMB_QUALITY_MEDIUM", &c.Thumb.QualityMedium, DefaultThumbQualityMedium)
	clampQuality("THUMB_QUALITY_HIGH", &c.Thumb.QualityHigh, DefaultThumbQualityHigh)
	clampQuality("THUMB_QUALITY_SAFE", &c.Thumb.QualitySafe, DefaultThumbQualitySafe)

	if c.SharpMaxPixels < 1 {
		warnings = append(warnings, fmt.Sprintf("SHARP_MAX_PIXELS=%d out of range, using default %d",
			c.SharpMaxPixels, DefaultSharpMaxPixels))
		c.SharpMaxPixels = DefaultSharpMaxPixels
	}

	return warnings
}

// DBDir returns the directory holding the four catalog database files.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, dbSubdir)
}

// ThumbsRoot returns the thumbnail artifact root: THUMBS_DIR when set,
// otherwise <data>/thumbs.
func (c *Config) ThumbsRoot() string {
	if c.ThumbsDir != "" {
		return c.ThumbsDir
	}

	return filepath.Join(c.DataDir, thumbSubdir)
}

// HLSRoot returns the HLS artifact root.
func (c *Config) HLSRoot() string {
	return filepath.Join(c.DataDir, hlsSubdir)
}

// LogsDir returns the rotating log file directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, logsSubdir)
}

// Duration accessors for millisecond/second knobs.

// IndexStartDelay returns the startup rebuild delay.
func (c *Config) IndexStartDelay() time.Duration {
	return time.Duration(c.Index.StartDelayMS) * time.Millisecond
}

// IndexRetryInterval returns the maintenance retry interval.
func (c *Config) IndexRetryInterval() time.Duration {
	return time.Duration(c.Index.RetryIntervalMS) * time.Millisecond
}

// IndexTimeout returns the per-run index maintenance deadline.
func (c *Config) IndexTimeout() time.Duration {
	return time.Duration(c.Index.TimeoutMS) * time.Millisecond
}

// IndexLockTTL returns the index maintenance advisory lock TTL.
func (c *Config) IndexLockTTL() time.Duration {
	return time.Duration(c.Index.LockTTLSec) * time.Second
}

// HLSBatchTimeout returns the rearming HLS watchdog duration.
func (c *Config) HLSBatchTimeout() time.Duration {
	return time.Duration(c.HLS.BatchTimeoutMS) * time.Millisecond
}

// HLSInflightTTL returns the HLS dedup entry lifetime.
func (c *Config) HLSInflightTTL() time.Duration {
	return time.Duration(c.HLS.InflightTTLMS) * time.Millisecond
}

// VideoThumbTimeout returns the per-extraction video thumbnail deadline.
func (c *Config) VideoThumbTimeout() time.Duration {
	return time.Duration(c.Video.ThumbTimeoutMS) * time.Millisecond
}
