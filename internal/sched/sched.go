// Package sched publishes the resource budget the rest of the system reads
// before dispatching heavy media work. It samples load average and heap
// usage on a fixed tick and adjusts per-pool concurrency suggestions with
// hysteresis: slow to raise, immediate to drop.
package sched

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stillframe/shoebox/pkg/safeconv"
	"github.com/stillframe/shoebox/pkg/units"
)

// Pool names the budget publishes suggestions for.
const (
	// PoolThumb is the long-lived thumbnail worker pool.
	PoolThumb = "thumb"

	// PoolVideo is the video transcode pool.
	PoolVideo = "video"
)

const (
	// DefaultTickInterval is how often the budget is re-sampled.
	DefaultTickInterval = 10 * time.Second

	// loadPerCPUMax marks a sample unhealthy once the 1-minute load
	// exceeds this fraction of the detected CPU count.
	loadPerCPUMax = 0.85

	// heapBudgetMax marks a sample unhealthy once the Go heap exceeds
	// this fraction of the memory budget.
	heapBudgetMax = 0.8

	// healthySamplesToRaise is how many consecutive healthy samples are
	// needed before a pool's suggestion rises one step.
	healthySamplesToRaise = 3

	// minConcurrency is the floor a pool suggestion never drops below.
	minConcurrency = 1
)

// Stepped concurrency table thresholds.
const (
	// smallCPUMax is the top of the small-host band (suggestion 2).
	smallCPUMax = 4

	// smallConcurrency is the fixed suggestion for small hosts.
	smallConcurrency = 2

	// midCPUMax is the top of the mid band (5 to 8 CPUs).
	midCPUMax = 8

	// midCPUReserve is how many CPUs the mid band leaves for the rest of
	// the process.
	midCPUReserve = 2

	// midConcurrencyCap bounds the mid band suggestion.
	midConcurrencyCap = 6

	// midConcurrencyFloor is the least the mid band suggests.
	midConcurrencyFloor = 3

	// largeConcurrencyCap bounds the suggestion on big hosts.
	largeConcurrencyCap = 12

	// videoConcurrencyCap bounds video transcodes regardless of CPU count.
	videoConcurrencyCap = 3
)

// Budget is an immutable point-in-time view of the resource budget.
type Budget struct {
	CPUs                 int            `json:"cpus"`
	MemBudgetMB          int            `json:"memBudgetMB"`
	Load1                float64        `json:"load1"`
	HeapMB               int            `json:"heapMB"`
	LoadOk               bool           `json:"loadOk"`
	MemOk                bool           `json:"memOk"`
	AllowHeavyTasks      bool           `json:"allowHeavyTasks"`
	SuggestedConcurrency map[string]int `json:"suggestedConcurrency"`
	SampledAt            time.Time      `json:"sampledAt"`
}

// Concurrency returns the suggestion for a pool, defaulting to the floor.
func (b Budget) Concurrency(pool string) int {
	if n, ok := b.SuggestedConcurrency[pool]; ok {
		return n
	}

	return minConcurrency
}

// Options configure a Scheduler.
type Options struct {
	CPUs        int
	MemBudgetMB int

	// ThumbWorkerCap and VideoWorkerCap clamp the stepped table when
	// positive; they come from the NUM_WORKERS and VIDEO_MAX_CONCURRENCY
	// settings.
	ThumbWorkerCap int
	VideoWorkerCap int

	// TickInterval overrides the sample cadence when positive.
	TickInterval time.Duration

	// ProcRoot overrides the /proc mount for load sampling.
	ProcRoot string

	Logger *slog.Logger
}

// Scheduler samples system pressure and maintains per-pool suggestions.
type Scheduler struct {
	cpus        int
	memBudgetMB int
	tick        time.Duration
	logger      *slog.Logger

	loadFn func() (float64, bool)
	heapFn func() uint64

	targets map[string]int

	mu      sync.Mutex
	current Budget
	healthy map[string]int
	subs    []chan Budget
}

// New builds a scheduler from the detected hardware and config caps. The
// initial budget starts at the stepped targets with heavy tasks allowed;
// the first sample corrects it.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}

	procRoot := opts.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}

	thumbTarget := clampPositive(steppedConcurrency(opts.CPUs), opts.ThumbWorkerCap)
	videoTarget := clampPositive(min(thumbTarget, videoConcurrencyCap), opts.VideoWorkerCap)

	s := &Scheduler{
		cpus:        opts.CPUs,
		memBudgetMB: opts.MemBudgetMB,
		tick:        tick,
		logger:      logger,
		loadFn:      func() (float64, bool) { return readLoad1(procRoot) },
		heapFn:      heapAlloc,
		targets: map[string]int{
			PoolThumb: thumbTarget,
			PoolVideo: videoTarget,
		},
		healthy: map[string]int{},
	}

	s.current = Budget{
		CPUs:                 opts.CPUs,
		MemBudgetMB:          opts.MemBudgetMB,
		LoadOk:               true,
		MemOk:                true,
		AllowHeavyTasks:      true,
		SuggestedConcurrency: maps.Clone(s.targets),
		SampledAt:            time.Now(),
	}

	return s
}

// Budget returns the latest snapshot. The map is copied so callers cannot
// mutate shared state.
func (s *Scheduler) Budget() Budget {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current
	snap.SuggestedConcurrency = maps.Clone(snap.SuggestedConcurrency)

	return snap
}

// Subscribe returns a channel that receives a budget snapshot whenever a
// suggestion or the heavy-task gate changes. The channel holds the latest
// value only; a slow reader never blocks the sampler.
func (s *Scheduler) Subscribe() <-chan Budget {
	ch := make(chan Budget, 1)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	return ch
}

// Run samples immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.sample()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Scheduler) sample() {
	load1, loadKnown := s.loadFn()
	heapBytes := s.heapFn()
	heapMB := safeconv.MustInt64ToInt(safeconv.MustUint64ToInt64(heapBytes / units.MiB))

	loadOk := !loadKnown || load1 < float64(s.cpus)*loadPerCPUMax
	memOk := s.memBudgetMB <= 0 || float64(heapMB) < float64(s.memBudgetMB)*heapBudgetMax
	healthy := loadOk && memOk

	s.mu.Lock()

	changed := s.current.AllowHeavyTasks != healthy
	next := maps.Clone(s.current.SuggestedConcurrency)

	for pool, target := range s.targets {
		cur := next[pool]
		if cur == 0 {
			cur = target
		}

		if healthy {
			s.healthy[pool]++
			if s.healthy[pool] >= healthySamplesToRaise && cur < target {
				cur++
				s.healthy[pool] = 0
				changed = true
			}
		} else {
			s.healthy[pool] = 0

			if cur > minConcurrency {
				cur--
				changed = true
			}
		}

		next[pool] = cur
	}

	s.current = Budget{
		CPUs:                 s.cpus,
		MemBudgetMB:          s.memBudgetMB,
		Load1:                load1,
		HeapMB:               heapMB,
		LoadOk:               loadOk,
		MemOk:                memOk,
		AllowHeavyTasks:      healthy,
		SuggestedConcurrency: next,
		SampledAt:            time.Now(),
	}
	snap := s.current
	snap.SuggestedConcurrency = maps.Clone(next)
	subs := s.subs

	s.mu.Unlock()

	if !healthy {
		s.logger.Debug("budget under pressure",
			slog.Float64("load1", load1),
			slog.Int("heap_mb", heapMB),
			slog.Bool("load_ok", loadOk),
			slog.Bool("mem_ok", memOk),
		)
	}

	if !changed {
		return
	}

	for _, ch := range subs {
		// Replace any unread snapshot so subscribers always see the newest.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- snap:
		default:
		}
	}
}

// steppedConcurrency maps a CPU count onto the concurrency table.
func steppedConcurrency(cpus int) int {
	switch {
	case cpus <= smallCPUMax:
		return smallConcurrency
	case cpus <= midCPUMax:
		return max(midConcurrencyFloor, min(cpus-midCPUReserve, midConcurrencyCap))
	default:
		return min(cpus, largeConcurrencyCap)
	}
}

func clampPositive(value, limit int) int {
	if limit > 0 && value > limit {
		value = limit
	}

	return max(value, minConcurrency)
}

// readLoad1 parses the 1-minute load average from proc. The second return
// is false when the file is unreadable, e.g. on non-Linux dev machines;
// load is then treated as healthy.
func readLoad1(procRoot string) (float64, bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, "loadavg"))
	if err != nil {
		return 0, false
	}

	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, false
	}

	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}

	return load1, true
}

func heapAlloc() uint64 {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	return m.HeapAlloc
}
