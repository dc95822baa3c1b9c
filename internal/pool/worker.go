package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/faults"
)

// Handler executes one task. Intermediate progress goes through emit; the
// returned result's Status defaults to ok when left empty.
type Handler func(ctx context.Context, task Task, emit func(Message)) (Result, error)

const (
	// heartbeatInterval is how often a worker refreshes its liveness mark.
	heartbeatInterval = 5 * time.Second

	// missedBeatsUnhealthy is how many intervals without a beat mark a
	// worker unhealthy.
	missedBeatsUnhealthy = 2
)

type workerExit struct {
	id       string
	panicked bool
}

// worker consumes tasks from the pool's shared inbox, one at a time.
type worker struct {
	id      string
	channel string
	handler Handler
	inbox   <-chan Message
	results chan<- Message
	exits   chan<- workerExit
	baseCtx context.Context
	logger  *slog.Logger

	lastBeat atomic.Int64
	inflight atomic.Int32

	// currentTask is only touched by the worker goroutine; the panic
	// defer reads it to fail the right future.
	currentTask string
}

func (w *worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panicked",
				slog.String("worker_id", w.id),
				slog.Any("panic", r),
			)

			if w.currentTask != "" {
				w.results <- ErrorMsg{
					TaskID:  w.currentTask,
					Kind:    faults.KindInternal,
					Code:    faults.CodeWorkerPanic,
					Message: fmt.Sprintf("worker panic: %v", r),
				}
			}

			w.exits <- workerExit{id: w.id, panicked: true}

			return
		}

		w.exits <- workerExit{id: w.id}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	w.beat()

	for {
		select {
		case <-w.baseCtx.Done():
			return
		case <-ticker.C:
			w.beat()
		case msg, ok := <-w.inbox:
			if !ok {
				return
			}

			switch m := msg.(type) {
			case Task:
				w.execute(m)
			case Shutdown:
				return
			default:
				// Unknown kinds are ignored, never a crash.
			}
		}
	}
}

func (w *worker) execute(task Task) {
	w.currentTask = task.ID
	w.inflight.Add(1)

	defer func() {
		w.inflight.Add(-1)
		w.currentTask = ""
		w.beat()
	}()

	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	// The task aborts when either its own scope or the pool dies.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(w.baseCtx, cancel)
	defer stop()

	ctx = events.WithTrace(ctx, task.Trace)

	result, err := w.handler(ctx, task, func(msg Message) {
		w.forward(task, msg)
	})
	if err != nil {
		w.results <- ErrorMsg{
			TaskID:  task.ID,
			Kind:    faults.KindOf(err),
			Code:    faults.CodeOf(err),
			Message: err.Error(),
		}

		return
	}

	result.TaskID = task.ID
	if result.Status == "" {
		result.Status = StatusOK
	}

	w.results <- result
}

// forward relays a handler-emitted message to the task's progress channel
// and routes Log lines to the pool logger. Progress sends never block.
func (w *worker) forward(task Task, msg Message) {
	if logMsg, ok := msg.(Log); ok {
		logMsg.TaskID = task.ID
		args := make([]any, 0, len(logMsg.Attrs)+1)
		args = append(args, slog.String("task_id", task.ID))

		for _, attr := range logMsg.Attrs {
			args = append(args, attr)
		}

		w.logger.Log(context.Background(), logMsg.Level, logMsg.Message, args...)
	}

	if task.Progress == nil {
		return
	}

	select {
	case task.Progress <- msg:
	default:
	}
}

func (w *worker) beat() {
	w.lastBeat.Store(time.Now().UnixNano())
}

func (w *worker) lastHeartbeat() time.Time {
	return time.Unix(0, w.lastBeat.Load())
}
