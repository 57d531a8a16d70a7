// Package metrics keeps in-process counters for the authority service and
// serves them as a JSON snapshot. Distinct from pkg/shadowmetrics, which
// aggregates persisted decisions over a time window.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/httpx"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	wouldTotals    map[string]int64
	enforceTotals  map[string]int64
	bypassTotals   map[string]int64
	conflictTotals map[string]int64
	guardTotals    map[string]int64
	divergences    int64
	casesOpened    int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	WouldDecisions    map[string]int64        `json:"would_decisions"`
	EnforcementTotals map[string]int64        `json:"enforcement_totals"`
	BypassTotals      map[string]int64        `json:"bypass_totals"`
	ConflictTotals    map[string]int64        `json:"conflict_totals"`
	GuardTotals       map[string]int64        `json:"guard_totals"`
	Divergences       int64                   `json:"divergences_total"`
	CasesOpened       int64                   `json:"cases_opened_total"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		wouldTotals:    map[string]int64{},
		enforceTotals:  map[string]int64{},
		bypassTotals:   map[string]int64{},
		conflictTotals: map[string]int64{},
		guardTotals:    map[string]int64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 500 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

// ObserveDecision records one decided request's counters.
func (r *Registry) ObserveDecision(wouldDecision, enforcementResult, bypassReason, conflictCode string, divergence, caseOpened bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wouldDecision != "" {
		r.wouldTotals[wouldDecision]++
	}
	if enforcementResult != "" {
		r.enforceTotals[enforcementResult]++
	}
	if bypassReason != "" {
		r.bypassTotals[bypassReason]++
	}
	if conflictCode != "" {
		r.conflictTotals[conflictCode]++
	}
	if divergence {
		r.divergences++
	}
	if caseOpened {
		r.casesOpened++
	}
}

func (r *Registry) ObserveGuardStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guardTotals[status]++
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         map[string]EndpointStat{},
		WouldDecisions:    copyCounts(r.wouldTotals),
		EnforcementTotals: copyCounts(r.enforceTotals),
		BypassTotals:      copyCounts(r.bypassTotals),
		ConflictTotals:    copyCounts(r.conflictTotals),
		GuardTotals:       copyCounts(r.guardTotals),
		Divergences:       r.divergences,
		CasesOpened:       r.casesOpened,
	}
	for path, stat := range r.endpoint {
		snap.Endpoints[path] = *stat
	}
	return snap
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Handler serves the snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}

// Middleware records per-endpoint latency and status.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.Observe(req.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
