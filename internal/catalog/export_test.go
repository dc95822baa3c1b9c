package catalog

import "context"

// RecorderSoftCap exposes the early-flush threshold.
const RecorderSoftCap = recorderSoftCap

// FlushForTest persists the recorder buffer synchronously.
func (r *ViewRecorder) FlushForTest(ctx context.Context) error {
	return r.flush(ctx)
}

// PendingForTest counts buffered views not yet persisted.
func (r *ViewRecorder) PendingForTest() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}
