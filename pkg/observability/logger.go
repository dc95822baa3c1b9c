package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
	attrService = "service"
	attrMode    = "mode"
)

// Rotating file sink names inside LogsDir.
const (
	activityLogName = "activity.log"
	errorsLogName   = "errors.log"
)

// Rotation policy for file sinks.
const (
	// logMaxSizeMB rotates a sink once it reaches this size.
	logMaxSizeMB = 10

	// logMaxBackups keeps this many rotated files per sink.
	logMaxBackups = 3

	// logMaxAgeDays removes rotated files older than this.
	logMaxAgeDays = 28
)

// TracingHandler is an [slog.Handler] that injects OpenTelemetry trace
// context (trace_id, span_id) and service metadata into every log record.
// Service attributes are pre-attached at construction so they remain at the
// top level even when groups are used.
type TracingHandler struct {
	inner slog.Handler
}

// NewTracingHandler wraps an [slog.Handler], injecting trace context and
// service metadata.
func NewTracingHandler(inner slog.Handler, service string, appMode AppMode) *TracingHandler {
	attrs := []slog.Attr{
		slog.String(attrService, service),
		slog.String(attrMode, string(appMode)),
	}

	return &TracingHandler{
		inner: inner.WithAttrs(attrs),
	}
}

// Enabled delegates to the inner handler.
func (th *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return th.inner.Enabled(ctx, level)
}

// Handle adds trace context attributes from the span context, then delegates.
func (th *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		record.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}

	err := th.inner.Handle(ctx, record)
	if err != nil {
		return fmt.Errorf("tracing handler: %w", err)
	}

	return nil
}

// WithAttrs returns a new TracingHandler with additional attributes on the inner handler.
func (th *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{
		inner: th.inner.WithAttrs(attrs),
	}
}

// WithGroup returns a new TracingHandler with a group prefix on the inner handler.
func (th *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{
		inner: th.inner.WithGroup(name),
	}
}

// fanoutHandler duplicates records across handlers. Enabled is true when
// any sink would accept the level; each sink still applies its own floor.
type fanoutHandler struct {
	sinks []slog.Handler
}

func (fh *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range fh.sinks {
		if sink.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (fh *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error

	for _, sink := range fh.sinks {
		if !sink.Enabled(ctx, record.Level) {
			continue
		}

		err := sink.Handle(ctx, record.Clone())
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (fh *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(fh.sinks))
	for i, sink := range fh.sinks {
		next[i] = sink.WithAttrs(attrs)
	}

	return &fanoutHandler{sinks: next}
}

func (fh *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(fh.sinks))
	for i, sink := range fh.sinks {
		next[i] = sink.WithGroup(name)
	}

	return &fanoutHandler{sinks: next}
}

// buildLogger assembles the process logger: console on stderr, plus the
// rotating activity and errors file sinks when LogsDir is set. File sinks
// are always JSON; the console follows cfg.LogJSON.
func buildLogger(cfg Config) *slog.Logger {
	consoleOpts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var console slog.Handler
	if cfg.LogJSON {
		console = slog.NewJSONHandler(os.Stderr, consoleOpts)
	} else {
		console = slog.NewTextHandler(os.Stderr, consoleOpts)
	}

	sinks := []slog.Handler{console}

	if cfg.LogsDir != "" {
		activity := slog.NewJSONHandler(
			newRotatingSink(filepath.Join(cfg.LogsDir, activityLogName)),
			&slog.HandlerOptions{Level: cfg.LogLevel},
		)
		errorsOnly := slog.NewJSONHandler(
			newRotatingSink(filepath.Join(cfg.LogsDir, errorsLogName)),
			&slog.HandlerOptions{Level: slog.LevelError},
		)

		sinks = append(sinks, activity, errorsOnly)
	}

	var root slog.Handler
	if len(sinks) == 1 {
		root = sinks[0]
	} else {
		root = &fanoutHandler{sinks: sinks}
	}

	return slog.New(NewTracingHandler(root, cfg.ServiceName, cfg.Mode))
}

func newRotatingSink(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
	}
}
