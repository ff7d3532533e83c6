package errs

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultHistorySize bounds the number of retained error records.
	DefaultHistorySize = 1000
	// DefaultWindow is the sliding window used for rate and trend figures.
	DefaultWindow = 300 * time.Second
)

// Record is one produced error, kept for analytics only.
type Record struct {
	Code      int       `json:"code"`
	Kind      string    `json:"kind"`
	Tool      string    `json:"tool,omitempty"`
	Service   string    `json:"service,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// Analytics is a bounded ring of error records with sliding-window counters.
type Analytics struct {
	mu      sync.RWMutex
	records []Record
	next    int
	filled  bool
	window  time.Duration
	total   uint64
	now     func() time.Time
}

// NewAnalytics builds an analytics buffer. Zero arguments select defaults.
func NewAnalytics(historySize int, window time.Duration) *Analytics {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Analytics{
		records: make([]Record, historySize),
		window:  window,
		now:     time.Now,
	}
}

// Observe appends one error record, evicting the oldest when full.
func (a *Analytics) Observe(e *Error, tool, requestID string) {
	if e == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records[a.next] = Record{
		Code:      e.Code,
		Kind:      string(e.Kind),
		Tool:      tool,
		Service:   e.Service,
		RequestID: requestID,
		At:        a.now(),
	}
	a.next++
	if a.next == len(a.records) {
		a.next = 0
		a.filled = true
	}
	a.total++
}

// ToolCount pairs a tool name with its error count for top-offender lists.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// Snapshot summarizes the records inside the sliding window.
type Snapshot struct {
	TotalObserved  uint64         `json:"total_observed"`
	WindowSeconds  int            `json:"window_seconds"`
	WindowCount    int            `json:"window_count"`
	ByCode         map[string]int `json:"by_code"`
	ByKind         map[string]int `json:"by_kind"`
	ByTool         map[string]int `json:"by_tool"`
	Trend          string         `json:"trend"` // increasing, decreasing, stable
	TopOffenders   []ToolCount    `json:"top_offenders"`
	OldestInWindow *time.Time     `json:"oldest_in_window,omitempty"`
}

// Snapshot computes current window statistics. Read-only; safe under load.
func (a *Analytics) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now()
	cutoff := now.Add(-a.window)
	half := now.Add(-a.window / 2)

	snap := Snapshot{
		TotalObserved: a.total,
		WindowSeconds: int(a.window.Seconds()),
		ByCode:        make(map[string]int),
		ByKind:        make(map[string]int),
		ByTool:        make(map[string]int),
	}

	var firstHalf, secondHalf int
	var oldest time.Time
	for _, rec := range a.iterLocked() {
		if rec.At.Before(cutoff) {
			continue
		}
		snap.WindowCount++
		snap.ByCode[codeLabel(rec.Code)]++
		snap.ByKind[rec.Kind]++
		if rec.Tool != "" {
			snap.ByTool[rec.Tool]++
		}
		if rec.At.Before(half) {
			firstHalf++
		} else {
			secondHalf++
		}
		if oldest.IsZero() || rec.At.Before(oldest) {
			oldest = rec.At
		}
	}
	if !oldest.IsZero() {
		snap.OldestInWindow = &oldest
	}

	switch {
	case secondHalf > firstHalf+firstHalf/4+1:
		snap.Trend = "increasing"
	case firstHalf > secondHalf+secondHalf/4+1:
		snap.Trend = "decreasing"
	default:
		snap.Trend = "stable"
	}

	snap.TopOffenders = topOffenders(snap.ByTool, 5)
	return snap
}

// iterLocked returns the populated records oldest-first.
func (a *Analytics) iterLocked() []Record {
	if !a.filled {
		return a.records[:a.next]
	}
	out := make([]Record, 0, len(a.records))
	out = append(out, a.records[a.next:]...)
	out = append(out, a.records[:a.next]...)
	return out
}

func topOffenders(byTool map[string]int, n int) []ToolCount {
	out := make([]ToolCount, 0, len(byTool))
	for tool, count := range byTool {
		out = append(out, ToolCount{Tool: tool, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tool < out[j].Tool
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func codeLabel(code int) string {
	switch code {
	case CodeParse:
		return "PARSE_ERROR"
	case CodeInvalidRequest:
		return "INVALID_REQUEST"
	case CodeMethodNotFound:
		return "METHOD_NOT_FOUND"
	case CodeInvalidParams:
		return "INVALID_PARAMS"
	case CodeInternal:
		return "INTERNAL_ERROR"
	case CodeExternalService:
		return "EXTERNAL_SERVICE_ERROR"
	case CodeAuthRequired:
		return "AUTH_REQUIRED"
	case CodeAccessDenied:
		return "ACCESS_DENIED"
	case CodeFeatureUnavailable:
		return "FEATURE_UNAVAILABLE"
	case CodeValidation:
		return "VALIDATION_ERROR"
	case CodeTimeout:
		return "TIMEOUT_ERROR"
	case CodeRateLimited:
		return "RATE_LIMIT_EXCEEDED"
	case CodeCircuitOpen:
		return "CIRCUIT_BREAKER_OPEN"
	default:
		return "UNKNOWN"
	}
}
