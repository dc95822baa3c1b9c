// Package pool runs the media worker pools: a resizable set of long-lived
// thumbnail workers, lazily started singletons for indexing, settings, and
// video work, and one-shot disposable workers for back-fill jobs. Workers
// and the pool exchange tagged messages; unknown message kinds are ignored
// rather than crashing a worker.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/faults"
)

// TaskKind selects the handler behavior for a task.
type TaskKind string

// Task kinds the engines submit.
const (
	KindImageThumb  TaskKind = "image-thumb"
	KindVideoThumb  TaskKind = "video-thumb"
	KindHLS         TaskKind = "hls"
	KindIndex       TaskKind = "index"
	KindSettings    TaskKind = "settings"
	KindMaintenance TaskKind = "maintenance"
)

// Message is the envelope exchanged between the pool and its workers.
type Message interface {
	isMessage()
}

// Task asks a worker to process one media item.
type Task struct {
	ID      string
	Channel string
	Kind    TaskKind
	AbsPath string
	RelPath string

	// OutPath is the artifact destination: a file for thumbnails, a
	// directory for HLS output.
	OutPath string

	// Trace propagates the submitting request's trace across the worker
	// boundary.
	Trace events.TraceContext

	// Ctx bounds the task; cancelling it aborts the handler. Nil means
	// the pool's own lifetime.
	Ctx context.Context

	// Progress, when set, receives intermediate Log and Heartbeat
	// messages for this task. Sends never block; a full channel drops.
	Progress chan<- Message
}

// Result reports successful task completion.
type Result struct {
	TaskID  string
	Status  string
	Payload any
}

// ErrorMsg reports task failure with its fault classification.
type ErrorMsg struct {
	TaskID  string
	Kind    faults.Kind
	Code    string
	Message string
}

// Log routes a worker-side log line to the parent logger.
type Log struct {
	TaskID  string
	Level   slog.Level
	Message string
	Attrs   []slog.Attr
}

// Heartbeat is a worker liveness beacon.
type Heartbeat struct {
	WorkerID string
	At       time.Time
}

// Shutdown tells a worker to exit. With Drain set the worker finishes its
// current task first; without it the pool is tearing down hard.
type Shutdown struct {
	Drain bool
}

func (Task) isMessage()      {}
func (Result) isMessage()    {}
func (ErrorMsg) isMessage()  {}
func (Log) isMessage()       {}
func (Heartbeat) isMessage() {}
func (Shutdown) isMessage()  {}

// Err converts the message back into a typed fault.
func (e ErrorMsg) Err() error {
	return faults.New(e.Kind, e.Code, e.Message)
}

// Future is the completion handle for a submitted task. Many goroutines
// may Wait on the same future.
type Future struct {
	taskID string
	done   chan struct{}

	mu     sync.Mutex
	result Result
	err    error
}

func newFuture(taskID string) *Future {
	return &Future{
		taskID: taskID,
		done:   make(chan struct{}),
	}
}

// TaskID returns the id of the task this future tracks.
func (f *Future) TaskID() string {
	return f.taskID
}

// Wait blocks until the task completes or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-f.done:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.result, f.err
}

// Done exposes the completion channel for select loops.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// resolve completes the future exactly once; later calls are ignored.
func (f *Future) resolve(result Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
		return
	default:
	}

	f.result = result
	f.err = err
	close(f.done)
}
