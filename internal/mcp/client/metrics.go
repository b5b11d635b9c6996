package client

import (
	"sync"
	"time"

	"github.com/nydiokar/toolfleet/internal/mcp"
)

// statsWindowSize is the capacity of the response-time rolling window.
const statsWindowSize = 100

// callStats accumulates per-client call statistics: monotonic counters plus a
// ring buffer of the most recent response times. All methods are safe for
// concurrent use.
type callStats struct {
	mu        sync.Mutex
	requests  int64
	errors    int64
	toolCalls int64

	samples []int64 // ring buffer of response times in ms
	pos     int     // next write position
	filled  int     // number of meaningful samples (≤ len(samples))

	startTime  time.Time
	lastUpdate time.Time
}

// newCallStats creates callStats with its window sized to [statsWindowSize].
func newCallStats(now time.Time) *callStats {
	return &callStats{
		samples:   make([]int64, statsWindowSize),
		startTime: now,
	}
}

// recordRequest counts one request. Tool calls additionally record a
// response-time sample; failures bump the error counter.
func (s *callStats) recordRequest(now time.Time, toolCall bool, durationMs int64, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.lastUpdate = now
	if isError {
		s.errors++
	}
	if !toolCall {
		return
	}
	s.toolCalls++
	s.samples[s.pos] = durationMs
	s.pos = (s.pos + 1) % len(s.samples)
	if s.filled < len(s.samples) {
		s.filled++
	}
}

// reset clears all counters and the window. Derived data only; safe to drop.
func (s *callStats) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = 0
	s.errors = 0
	s.toolCalls = 0
	s.pos = 0
	s.filled = 0
	s.startTime = now
	s.lastUpdate = time.Time{}
}

// snapshot derives a [mcp.ClientMetrics] from the current counters. The
// success rate guards the zero-request case to 1.0.
func (s *callStats) snapshot() mcp.ClientMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg int64
	if s.filled > 0 {
		var sum int64
		for i := 0; i < s.filled; i++ {
			sum += s.samples[i]
		}
		avg = sum / int64(s.filled)
	}

	rate := 1.0
	if s.requests > 0 {
		rate = float64(s.requests-s.errors) / float64(s.requests)
	}

	return mcp.ClientMetrics{
		Requests:          s.requests,
		Errors:            s.errors,
		ToolCalls:         s.toolCalls,
		AvgResponseTimeMs: avg,
		SuccessRate:       rate,
		StartTime:         s.startTime,
		LastUpdate:        s.lastUpdate,
	}
}
