// Package config loads and validates the shoebox configuration from
// environment variables, an optional config file, and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// configType is the config file format when --config is given.
const configType = "yaml"

// envKeySeparator replaces the nested key separator in environment
// variable names, so "index.batch_size" binds to INDEX_BATCH_SIZE.
const envKeySeparator = "_"

// Load reads configuration from the optional config file, the process
// environment, and defaults, in ascending precedence: defaults < file <
// environment. A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)

		readErr := viperCfg.ReadInConfig()
		if readErr != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(readErr, &notFound) {
				return nil, fmt.Errorf("read config: %w", readErr)
			}
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("port", DefaultPort)
	viperCfg.SetDefault("photos_dir", DefaultPhotosDir)
	viperCfg.SetDefault("data_dir", DefaultDataDir)
	viperCfg.SetDefault("thumbs_dir", "")
	viperCfg.SetDefault("num_workers", 0)
	viperCfg.SetDefault("sharp_concurrency", DefaultSharpConcurrency)
	viperCfg.SetDefault("sharp_max_pixels", DefaultSharpMaxPixels)
	viperCfg.SetDefault("disable_startup_index", false)
	viperCfg.SetDefault("redis_addr", "")
	viperCfg.SetDefault("otlp_endpoint", "")
	viperCfg.SetDefault("ffmpeg_path", DefaultFFmpegPath)
	viperCfg.SetDefault("ffprobe_path", DefaultFFprobePath)

	viperCfg.SetDefault("index.concurrency", DefaultIndexConcurrency)
	viperCfg.SetDefault("index.batch_size", DefaultIndexBatchSize)
	viperCfg.SetDefault("index.start_delay_ms", DefaultIndexStartDelayMS)
	viperCfg.SetDefault("index.retry_interval_ms", DefaultIndexRetryIntervalMS)
	viperCfg.SetDefault("index.timeout_ms", DefaultIndexTimeoutMS)
	viperCfg.SetDefault("index.lock_ttl_sec", DefaultIndexLockTTLSec)

	viperCfg.SetDefault("hls.batch_timeout_ms", DefaultHLSBatchTimeoutMS)
	viperCfg.SetDefault("hls.inflight_ttl_ms", DefaultHLSInflightTTLMS)

	viperCfg.SetDefault("thumb.target_width", DefaultThumbTargetWidth)
	viperCfg.SetDefault("thumb.pixel_threshold_high", DefaultThumbPixelThresholdHigh)
	viperCfg.SetDefault("thumb.pixel_threshold_medium", DefaultThumbPixelThresholdMedium)
	viperCfg.SetDefault("thumb.quality_low", DefaultThumbQualityLow)
	viperCfg.SetDefault("thumb.quality_medium", DefaultThumbQualityMedium)
	viperCfg.SetDefault("thumb.quality_high", DefaultThumbQualityHigh)
	viperCfg.SetDefault("thumb.quality_safe", DefaultThumbQualitySafe)

	viperCfg.SetDefault("video.max_concurrency", DefaultVideoMaxConcurrency)
	viperCfg.SetDefault("video.thumb_timeout_ms", DefaultVideoThumbTimeoutMS)

	viperCfg.SetDefault("log.level", DefaultLogLevel)
	viperCfg.SetDefault("log.json", false)
}
