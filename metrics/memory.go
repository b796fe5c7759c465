package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/queuebus/messaging"
)

const maxSamples = 100

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64
}

func (s *TimeStats) add(d time.Duration) {
	ms := d.Milliseconds()
	if s.Count == 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.Count++
	s.TotalMs += ms

	if len(s.samples) >= maxSamples {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, ms)
}

// Memory keeps counters in memory.
type Memory struct {
	mu       sync.RWMutex
	sends    map[string]int64
	sendErrs map[string]int64
	states   map[string]map[messaging.DispatchState]int64
	faults   map[messaging.FaultReason]int64
	timing   map[string]*TimeStats
	pending  int
}

var _ messaging.MetricsCollector = (*Memory)(nil)

// NewMemory creates an empty collector
func NewMemory() *Memory {
	return &Memory{
		sends:    make(map[string]int64),
		sendErrs: make(map[string]int64),
		states:   make(map[string]map[messaging.DispatchState]int64),
		faults:   make(map[messaging.FaultReason]int64),
		timing:   make(map[string]*TimeStats),
	}
}

func (m *Memory) RecordSend(queue, typeTag string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sends[typeTag]++
	if err != nil {
		m.sendErrs[typeTag]++
	}
}

func (m *Memory) RecordDispatch(queue, typeTag string, state messaging.DispatchState, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.states[typeTag] == nil {
		m.states[typeTag] = make(map[messaging.DispatchState]int64)
	}
	m.states[typeTag][state]++

	stats, ok := m.timing[typeTag]
	if !ok {
		stats = &TimeStats{samples: make([]int64, 0, maxSamples)}
		m.timing[typeTag] = stats
	}
	stats.add(duration)
}

func (m *Memory) RecordFault(queue, typeTag string, reason messaging.FaultReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[reason]++
}

func (m *Memory) SetPending(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = n
}

// ProcessingStats summarises dispatch timings for one type.
type ProcessingStats struct {
	Count int64
	AvgMs int64
	MinMs int64
	MaxMs int64
	P50Ms int64
	P95Ms int64
	P99Ms int64
}

// Summary is a point-in-time copy of the collected metrics.
type Summary struct {
	Sends       map[string]int64
	SendErrors  map[string]int64
	Dispatches  map[string]map[string]int64
	Faults      map[string]int64
	Processing  map[string]ProcessingStats
	Pending     int
	CollectedAt time.Time
}

// Summary returns a copy of the current counters.
func (m *Memory) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		Sends:       make(map[string]int64, len(m.sends)),
		SendErrors:  make(map[string]int64, len(m.sendErrs)),
		Dispatches:  make(map[string]map[string]int64, len(m.states)),
		Faults:      make(map[string]int64, len(m.faults)),
		Processing:  make(map[string]ProcessingStats, len(m.timing)),
		Pending:     m.pending,
		CollectedAt: time.Now(),
	}
	for k, v := range m.sends {
		s.Sends[k] = v
	}
	for k, v := range m.sendErrs {
		s.SendErrors[k] = v
	}
	for tag, states := range m.states {
		s.Dispatches[tag] = make(map[string]int64, len(states))
		for state, n := range states {
			s.Dispatches[tag][state.String()] = n
		}
	}
	for reason, n := range m.faults {
		s.Faults[string(reason)] = n
	}
	for tag, stats := range m.timing {
		ps := ProcessingStats{Count: stats.Count, MinMs: stats.MinMs, MaxMs: stats.MaxMs}
		if stats.Count > 0 {
			ps.AvgMs = stats.TotalMs / stats.Count
		}
		ps.P50Ms = percentile(stats.samples, 0.50)
		ps.P95Ms = percentile(stats.samples, 0.95)
		ps.P99Ms = percentile(stats.samples, 0.99)
		s.Processing[tag] = ps
	}
	return s
}

func percentile(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// Multi fans every measurement out to several collectors.
type Multi []messaging.MetricsCollector

var _ messaging.MetricsCollector = Multi(nil)

func (m Multi) RecordSend(queue, typeTag string, duration time.Duration, err error) {
	for _, c := range m {
		c.RecordSend(queue, typeTag, duration, err)
	}
}

func (m Multi) RecordDispatch(queue, typeTag string, state messaging.DispatchState, duration time.Duration) {
	for _, c := range m {
		c.RecordDispatch(queue, typeTag, state, duration)
	}
}

func (m Multi) RecordFault(queue, typeTag string, reason messaging.FaultReason) {
	for _, c := range m {
		c.RecordFault(queue, typeTag, reason)
	}
}

func (m Multi) SetPending(n int) {
	for _, c := range m {
		c.SetPending(n)
	}
}
