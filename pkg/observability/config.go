// Package observability provides OpenTelemetry-based tracing, metrics, and
// structured logging for the shoebox server and CLI.
package observability

import "log/slog"

// AppMode identifies the application execution mode.
type AppMode string

const (
	// ModeServe is the long-running HTTP server mode.
	ModeServe AppMode = "serve"
	// ModeCLI is a one-shot CLI command (index, migrate, stats).
	ModeCLI AppMode = "cli"
)

const (
	// defaultServiceName is the default OTel service name.
	defaultServiceName = "shoebox"

	// defaultShutdownTimeoutSec is the default telemetry flush timeout.
	defaultShutdownTimeoutSec = 5
)

// Config holds all observability configuration.
type Config struct {
	// ServiceName is the OTel resource service name.
	ServiceName string

	// ServiceVersion is the semantic version of the running binary.
	ServiceVersion string

	// Mode identifies how the binary was launched.
	Mode AppMode

	// OTLPEndpoint is the OTLP gRPC collector address (e.g. "localhost:4317").
	// Empty disables trace export; the tracer becomes no-op.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP gRPC connection.
	OTLPInsecure bool

	// OTLPHeaders are extra headers sent with every OTLP export request,
	// typically parsed from OTEL_EXPORTER_OTLP_HEADERS via ParseOTLPHeaders.
	OTLPHeaders map[string]string

	// SampleRatio is the trace sampling ratio (0.0 to 1.0).
	// Zero uses parent-based with an always-on root.
	SampleRatio float64

	// LogLevel controls the minimum slog severity.
	LogLevel slog.Level

	// LogJSON enables JSON-formatted log output.
	LogJSON bool

	// LogsDir enables rotating file sinks (activity.log, errors.log) when
	// non-empty. Console output on stderr is unaffected.
	LogsDir string

	// ShutdownTimeoutSec is the maximum seconds to wait for flush on shutdown.
	ShutdownTimeoutSec int
}

// DefaultConfig returns a Config with sensible defaults for zero-config startup.
func DefaultConfig() Config {
	return Config{
		ServiceName:        defaultServiceName,
		Mode:               ModeServe,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeoutSec: defaultShutdownTimeoutSec,
	}
}

// ParseLevel maps a level name to a slog.Level. Unknown names return
// slog.LevelInfo and ok=false so the caller can warn.
func ParseLevel(name string) (slog.Level, bool) {
	switch name {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
