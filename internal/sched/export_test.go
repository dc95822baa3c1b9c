package sched

// SetProbes swaps the load and heap samplers; tests inject deterministic
// readings through it.
func (s *Scheduler) SetProbes(load func() (float64, bool), heap func() uint64) {
	s.loadFn = load
	s.heapFn = heap
}

// SampleOnce runs a single budget sample synchronously.
func (s *Scheduler) SampleOnce() {
	s.sample()
}

// SteppedConcurrency exposes the concurrency table for table tests.
var SteppedConcurrency = steppedConcurrency

// ReadLoad1 exposes the loadavg parser.
var ReadLoad1 = readLoad1
