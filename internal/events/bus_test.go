package events_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/stillframe/shoebox/internal/events"
)

const testTopic = "thumbnail-generated"

func newTestBus() *events.Bus {
	return events.NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestBus_PublishDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := newTestBus()

	var got []any

	bus.Subscribe(testTopic, func(_ context.Context, payload any) error {
		got = append(got, payload)

		return nil
	})

	bus.Publish(context.Background(), testTopic, "a")
	bus.Publish(context.Background(), testTopic, "b")
	bus.Publish(context.Background(), testTopic, "c")

	assert.Equal(t, []any{"a", "b", "c"}, got)
}

func TestBus_MultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := newTestBus()

	var first, second int

	bus.Subscribe(testTopic, func(_ context.Context, _ any) error {
		first++

		return nil
	})
	bus.Subscribe(testTopic, func(_ context.Context, _ any) error {
		second++

		return nil
	})

	bus.Publish(context.Background(), testTopic, nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()

	bus := newTestBus()

	var calls int

	id := bus.Subscribe(testTopic, func(_ context.Context, _ any) error {
		calls++

		return nil
	})

	bus.Publish(context.Background(), testTopic, nil)
	bus.Unsubscribe(id)
	bus.Publish(context.Background(), testTopic, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount(testTopic))
}

func TestBus_RemovesHandlerAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	bus := newTestBus()

	var calls int

	bus.Subscribe(testTopic, func(_ context.Context, _ any) error {
		calls++

		return errors.New("broken handler")
	})

	// Three consecutive failures drop the subscription.
	bus.Publish(context.Background(), testTopic, nil)
	bus.Publish(context.Background(), testTopic, nil)
	bus.Publish(context.Background(), testTopic, nil)
	bus.Publish(context.Background(), testTopic, nil)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, bus.SubscriberCount(testTopic))
}

func TestBus_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	bus := newTestBus()

	var calls int

	bus.Subscribe(testTopic, func(_ context.Context, _ any) error {
		calls++

		// Fail twice, succeed, fail twice more: never three in a row.
		if calls == 3 {
			return nil
		}

		return errors.New("flaky handler")
	})

	for range 5 {
		bus.Publish(context.Background(), testTopic, nil)
	}

	assert.Equal(t, 5, calls)
	assert.Equal(t, 1, bus.SubscriberCount(testTopic))
}

func TestBus_PanickingHandlerDoesNotCrashPublish(t *testing.T) {
	t.Parallel()

	bus := newTestBus()

	var survived int

	bus.Subscribe(testTopic, func(_ context.Context, _ any) error {
		panic("handler exploded")
	})
	bus.Subscribe(testTopic, func(_ context.Context, _ any) error {
		survived++

		return nil
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), testTopic, nil)
	})

	assert.Equal(t, 1, survived)
}

func TestTraceFrom_GeneratesFreshIDs(t *testing.T) {
	t.Parallel()

	tc := events.TraceFrom(context.Background())

	assert.Len(t, tc.TraceID, 32)
	assert.Len(t, tc.SpanID, 16)
	assert.False(t, tc.StartTime.IsZero())
}

func TestTraceFrom_PrefersActiveSpan(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tc := events.TraceFrom(ctx)

	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", tc.TraceID)
	assert.Equal(t, "0102030405060708", tc.SpanID)
}

func TestWithTrace_RoundTrip(t *testing.T) {
	t.Parallel()

	original := events.NewTrace()
	ctx := events.WithTrace(context.Background(), original)

	// The re-entered context exposes the same ids through the span context,
	// which is what the logging handler reads.
	sc := trace.SpanContextFromContext(ctx)
	require.True(t, sc.IsValid())
	assert.Equal(t, original.TraceID, sc.TraceID().String())
	assert.Equal(t, original.SpanID, sc.SpanID().String())
}

func TestWithTrace_InvalidIDsStillStored(t *testing.T) {
	t.Parallel()

	tc := events.TraceContext{TraceID: "not-hex", SpanID: "nope"}
	ctx := events.WithTrace(context.Background(), tc)

	got := events.TraceFrom(ctx)
	assert.Equal(t, "not-hex", got.TraceID)
}
