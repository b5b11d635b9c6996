package manager

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nydiokar/toolfleet/internal/mcp"
)

// maxErrorRecords caps the per-server error history; the oldest entries are
// dropped first.
const maxErrorRecords = 100

// errorLog is the append-only error history for one server plus the
// aggregate statistics keyed by message. Safe for concurrent use.
type errorLog struct {
	mu      sync.Mutex
	records []mcp.ErrorRecord
	stats   map[string]*mcp.ErrorStat // key: message
}

func newErrorLog() *errorLog {
	return &errorLog{stats: make(map[string]*mcp.ErrorStat)}
}

// add appends rec, evicting the oldest entry once the cap is reached, and
// folds it into the aggregate stats.
func (l *errorLog) add(rec mcp.ErrorRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	if len(l.records) > maxErrorRecords {
		l.records = l.records[len(l.records)-maxErrorRecords:]
	}

	st, ok := l.stats[rec.Message]
	if !ok {
		st = &mcp.ErrorStat{
			ServerID:  rec.ServerID,
			Message:   rec.Message,
			FirstSeen: rec.Timestamp,
		}
		l.stats[rec.Message] = st
	}
	st.Count++
	st.LastSeen = rec.Timestamp
	if !slices.Contains(st.Sources, rec.Source) {
		st.Sources = append(st.Sources, rec.Source)
	}
}

// list returns a copy of the history, oldest first.
func (l *errorLog) list() []mcp.ErrorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.records)
}

// count returns the number of retained records.
func (l *errorLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// countSince returns how many retained records are newer than cutoff.
func (l *errorLog) countSince(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// statsSnapshot returns copies of the aggregate stats, sorted by message.
func (l *errorLog) statsSnapshot() []mcp.ErrorStat {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]mcp.ErrorStat, 0, len(l.stats))
	for _, st := range l.stats {
		cp := *st
		cp.Sources = slices.Clone(st.Sources)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b mcp.ErrorStat) int {
		return strings.Compare(a.Message, b.Message)
	})
	return out
}

// clear drops both the history and the aggregate stats.
func (l *errorLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.stats = make(map[string]*mcp.ErrorStat)
}
