package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPort, cfg.Port)
	assert.Equal(t, config.DefaultPhotosDir, cfg.PhotosDir)
	assert.Equal(t, config.DefaultDataDir, cfg.DataDir)
	assert.Equal(t, config.DefaultIndexBatchSize, cfg.Index.BatchSize)
	assert.Equal(t, config.DefaultThumbTargetWidth, cfg.Thumb.TargetWidth)
	assert.Equal(t, config.DefaultThumbQualityHigh, cfg.Thumb.QualityHigh)
	assert.Equal(t, config.DefaultVideoMaxConcurrency, cfg.Video.MaxConcurrency)
	assert.Equal(t, config.DefaultLogLevel, cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
	assert.EqualValues(t, config.DefaultSharpMaxPixels, cfg.SharpMaxPixels)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("PHOTOS_DIR", "/srv/pics")
	t.Setenv("INDEX_BATCH_SIZE", "250")
	t.Setenv("THUMB_QUALITY_HIGH", "85")
	t.Setenv("LOG_JSON", "true")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/srv/pics", cfg.PhotosDir)
	assert.Equal(t, 250, cfg.Index.BatchSize)
	assert.Equal(t, 85, cfg.Thumb.QualityHigh)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shoebox.yaml")

	const body = "port: 4444\nphotos_dir: /mnt/photos\nthumb:\n  target_width: 320\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4444, cfg.Port)
	assert.Equal(t, "/mnt/photos", cfg.PhotosDir)
	assert.Equal(t, 320, cfg.Thumb.TargetWidth)
}

func TestEnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shoebox.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 4444\n"), 0o600))

	t.Setenv("PORT", "5555")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5555, cfg.Port)
}

func TestValidateRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "70000")

	_, err := config.Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidPort)
}

func TestValidateRejectsEmptyPhotosDir(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Port: config.DefaultPort, DataDir: config.DefaultDataDir}
	assert.ErrorIs(t, cfg.Validate(), config.ErrEmptyPhotosDir)
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Port: config.DefaultPort, PhotosDir: config.DefaultPhotosDir}
	assert.ErrorIs(t, cfg.Validate(), config.ErrEmptyDataDir)
}

func TestNormalizeClampsOutOfRange(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Port:      config.DefaultPort,
		PhotosDir: config.DefaultPhotosDir,
		DataDir:   config.DefaultDataDir,
	}
	cfg.Thumb.QualityHigh = 150
	cfg.Index.BatchSize = -5
	cfg.SharpMaxPixels = 0

	warnings := cfg.Normalize()

	assert.Equal(t, config.DefaultThumbQualityHigh, cfg.Thumb.QualityHigh)
	assert.Equal(t, config.DefaultIndexBatchSize, cfg.Index.BatchSize)
	assert.EqualValues(t, config.DefaultSharpMaxPixels, cfg.SharpMaxPixels)
	assert.GreaterOrEqual(t, len(warnings), 3)
}

func TestNormalizeCleanConfigNoWarnings(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.Normalize())
}

func TestDerivedPaths(t *testing.T) {
	t.Parallel()

	cfg := config.Config{DataDir: "/data"}

	assert.Equal(t, filepath.Join("/data", "db"), cfg.DBDir())
	assert.Equal(t, filepath.Join("/data", "thumbs"), cfg.ThumbsRoot())
	assert.Equal(t, filepath.Join("/data", "hls"), cfg.HLSRoot())
	assert.Equal(t, filepath.Join("/data", "logs"), cfg.LogsDir())

	cfg.ThumbsDir = "/fast/thumbs"
	assert.Equal(t, "/fast/thumbs", cfg.ThumbsRoot())
}
