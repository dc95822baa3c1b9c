package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricThumbsGenerated = "shoebox.thumbs.generated.total"
	metricThumbsFailed    = "shoebox.thumbs.failed.total"
	metricInflightThumbs  = "shoebox.thumbs.inflight"
	metricHLSBatches      = "shoebox.hls.batches.total"
	metricItemsUpserted   = "shoebox.index.items.upserted.total"
	metricEventsPublished = "shoebox.events.published.total"
	metricTaskDuration    = "shoebox.task.duration.seconds"
	metricPoolWorkers     = "shoebox.pool.workers"
	metricAllowHeavy      = "shoebox.budget.allow_heavy"

	attrKind   = "kind"
	attrPool   = "pool"
	attrTopic  = "topic"
	attrStatus = "status"
)

// Task kinds recorded in the duration histogram.
const (
	TaskKindThumbnail   = "thumbnail"
	TaskKindVideoThumb  = "video_thumbnail"
	TaskKindHLS         = "hls"
	TaskKindIndex       = "index"
	TaskKindMaintenance = "maintenance"
)

// Task outcome labels.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// taskDurationBoundaries covers sub-second thumbnail encodes up to
// multi-minute HLS transcode batches.
var taskDurationBoundaries = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// CoreMetrics holds the OTel instruments for the media pipeline.
type CoreMetrics struct {
	thumbsGenerated metric.Int64Counter
	thumbsFailed    metric.Int64Counter
	inflightThumbs  metric.Int64UpDownCounter
	hlsBatches      metric.Int64Counter
	itemsUpserted   metric.Int64Counter
	eventsPublished metric.Int64Counter
	taskDuration    metric.Float64Histogram

	meter metric.Meter
}

// GaugeSnapshot is a point-in-time view of pool and budget state, observed
// on each metrics scrape.
type GaugeSnapshot struct {
	// PoolWorkers maps pool name to its current worker count.
	PoolWorkers map[string]int64

	// AllowHeavy reports whether the budget currently admits heavy tasks.
	AllowHeavy bool
}

// NewCoreMetrics creates the pipeline metric instruments from the given meter.
func NewCoreMetrics(mt metric.Meter) (*CoreMetrics, error) {
	thumbsGenerated, err := mt.Int64Counter(metricThumbsGenerated,
		metric.WithDescription("Total thumbnails generated successfully"),
		metric.WithUnit("{thumbnail}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricThumbsGenerated, err)
	}

	thumbsFailed, err := mt.Int64Counter(metricThumbsFailed,
		metric.WithDescription("Total thumbnail generation failures"),
		metric.WithUnit("{thumbnail}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricThumbsFailed, err)
	}

	inflightThumbs, err := mt.Int64UpDownCounter(metricInflightThumbs,
		metric.WithDescription("Thumbnail generations currently in flight"),
		metric.WithUnit("{thumbnail}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricInflightThumbs, err)
	}

	hlsBatches, err := mt.Int64Counter(metricHLSBatches,
		metric.WithDescription("Total HLS transcode batches processed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricHLSBatches, err)
	}

	itemsUpserted, err := mt.Int64Counter(metricItemsUpserted,
		metric.WithDescription("Total catalog items upserted by the indexer"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricItemsUpserted, err)
	}

	eventsPublished, err := mt.Int64Counter(metricEventsPublished,
		metric.WithDescription("Total events published on the in-process bus"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricEventsPublished, err)
	}

	taskDuration, err := mt.Float64Histogram(metricTaskDuration,
		metric.WithDescription("Pipeline task duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(taskDurationBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTaskDuration, err)
	}

	return &CoreMetrics{
		thumbsGenerated: thumbsGenerated,
		thumbsFailed:    thumbsFailed,
		inflightThumbs:  inflightThumbs,
		hlsBatches:      hlsBatches,
		itemsUpserted:   itemsUpserted,
		eventsPublished: eventsPublished,
		taskDuration:    taskDuration,
		meter:           mt,
	}, nil
}

// RecordThumbnail records a finished thumbnail generation. kind is
// TaskKindThumbnail or TaskKindVideoThumb; status is StatusOK or StatusError.
func (cm *CoreMetrics) RecordThumbnail(ctx context.Context, kind, status string, duration time.Duration) {
	if status == StatusOK {
		cm.thumbsGenerated.Add(ctx, 1)
	} else {
		cm.thumbsFailed.Add(ctx, 1)
	}

	cm.RecordTask(ctx, kind, status, duration)
}

// TrackInflightThumb increments the in-flight gauge and returns a function
// to decrement it.
func (cm *CoreMetrics) TrackInflightThumb(ctx context.Context) func() {
	cm.inflightThumbs.Add(ctx, 1)

	return func() {
		cm.inflightThumbs.Add(ctx, -1)
	}
}

// RecordHLSBatch records a finished HLS transcode batch.
func (cm *CoreMetrics) RecordHLSBatch(ctx context.Context, status string, duration time.Duration) {
	cm.hlsBatches.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
	cm.RecordTask(ctx, TaskKindHLS, status, duration)
}

// AddItemsUpserted adds to the indexer upsert counter.
func (cm *CoreMetrics) AddItemsUpserted(ctx context.Context, n int64) {
	cm.itemsUpserted.Add(ctx, n)
}

// EventPublished counts one bus publish on the given topic.
func (cm *CoreMetrics) EventPublished(ctx context.Context, topic string) {
	cm.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String(attrTopic, topic)))
}

// RecordTask records a task duration with kind and status attributes.
func (cm *CoreMetrics) RecordTask(ctx context.Context, kind, status string, duration time.Duration) {
	cm.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(attrKind, kind),
		attribute.String(attrStatus, status),
	))
}

// RegisterGauges registers observable gauges fed by snap on every scrape.
func (cm *CoreMetrics) RegisterGauges(snap func() GaugeSnapshot) error {
	workers, err := cm.meter.Int64ObservableGauge(metricPoolWorkers,
		metric.WithDescription("Current worker count per pool"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricPoolWorkers, err)
	}

	allowHeavy, err := cm.meter.Int64ObservableGauge(metricAllowHeavy,
		metric.WithDescription("Whether the budget currently admits heavy tasks (0 or 1)"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricAllowHeavy, err)
	}

	_, err = cm.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		view := snap()

		for pool, count := range view.PoolWorkers {
			obs.ObserveInt64(workers, count, metric.WithAttributes(
				attribute.String(attrPool, pool),
			))
		}

		var heavy int64
		if view.AllowHeavy {
			heavy = 1
		}

		obs.ObserveInt64(allowHeavy, heavy)

		return nil
	}, workers, allowHeavy)
	if err != nil {
		return fmt.Errorf("register gauge callback: %w", err)
	}

	return nil
}
