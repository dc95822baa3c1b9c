package indexer

import "time"

// CmpPath exposes the component-wise path ordering the walk emits.
var CmpPath = cmpPath

// SetDebounceForTest shrinks the coalescing window.
func (ix *Indexer) SetDebounceForTest(d time.Duration) {
	ix.debounce = d
}

// QueuedForTest reports records waiting in the current window.
func (ix *Indexer) QueuedForTest() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return len(ix.queued)
}
