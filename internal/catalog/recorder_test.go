package catalog_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillframe/shoebox/internal/catalog"
)

// recorderTestInterval keeps the periodic tick out of the way so tests
// drive flushes explicitly.
const recorderTestInterval = time.Hour

func newTestRecorder(t *testing.T) (*catalog.ViewRecorder, *catalog.Store) {
	t.Helper()

	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := catalog.NewViewRecorder(store, logger, recorderTestInterval)

	t.Cleanup(func() {
		require.NoError(t, rec.Close(context.Background()))
	})

	return rec, store
}

func TestViewRecorderCoalescesPerPair(t *testing.T) {
	t.Parallel()

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	rec.Record(catalog.View{UserID: testUserID, ItemPath: "trips/a.jpg", ViewedAt: 100})

	// An out-of-order older view must not regress the buffered timestamp.
	rec.Record(catalog.View{UserID: testUserID, ItemPath: "trips/a.jpg", ViewedAt: 50})
	rec.Record(catalog.View{UserID: testUserID, ItemPath: "trips/b.jpg", ViewedAt: 70})

	assert.Equal(t, 2, rec.PendingForTest())

	require.NoError(t, rec.FlushForTest(ctx))
	assert.Zero(t, rec.PendingForTest())

	views, err := store.RecentViews(ctx, testUserID, 10)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "trips/a.jpg", views[0].ItemPath)
	assert.Equal(t, int64(100), views[0].ViewedAt)
	assert.Equal(t, "trips/b.jpg", views[1].ItemPath)
}

func TestViewRecorderCloseFlushesRemainder(t *testing.T) {
	t.Parallel()

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	rec.Record(catalog.View{UserID: testUserID, ItemPath: "inbox/last.jpg", ViewedAt: 42})

	require.NoError(t, rec.Close(ctx))
	require.NoError(t, rec.Close(ctx))

	views, err := store.RecentViews(ctx, testUserID, 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "inbox/last.jpg", views[0].ItemPath)
	assert.Equal(t, int64(42), views[0].ViewedAt)

	// Recording after Close buffers without a writer; it must not panic.
	rec.Record(catalog.View{UserID: testUserID, ItemPath: "inbox/late.jpg", ViewedAt: 43})
	assert.Equal(t, 1, rec.PendingForTest())
}

func TestViewRecorderFlushesEarlyPastSoftCap(t *testing.T) {
	t.Parallel()

	rec, store := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < catalog.RecorderSoftCap; i++ {
		rec.Record(catalog.View{
			UserID:   testUserID,
			ItemPath: fmt.Sprintf("bulk/%04d.jpg", i),
			ViewedAt: int64(i + 1),
		})
	}

	require.Eventually(t, func() bool {
		views, err := store.RecentViews(ctx, testUserID, catalog.RecorderSoftCap+1)

		return err == nil && len(views) == catalog.RecorderSoftCap
	}, 3*time.Second, 25*time.Millisecond)

	assert.Zero(t, rec.PendingForTest())
}
