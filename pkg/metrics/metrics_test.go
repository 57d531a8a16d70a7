package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/models"
)

func TestObserveEndpointStats(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/authority/decide", http.StatusOK, 10*time.Millisecond)
	r.Observe("/v1/authority/decide", http.StatusInternalServerError, 30*time.Millisecond)

	snap := r.Snapshot()
	stat, ok := snap.Endpoints["/v1/authority/decide"]
	if !ok {
		t.Fatalf("endpoint missing from snapshot")
	}
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("counts: %+v", stat)
	}
	if stat.MaxMillis != 30 || stat.AverageMillis != 20 {
		t.Fatalf("latency: %+v", stat)
	}
	if stat.LastStatusCode != http.StatusInternalServerError {
		t.Fatalf("last status: %d", stat.LastStatusCode)
	}
}

func TestObserveDecisionCounters(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision(models.WouldAllow, models.EnforceAllow, "", "", false, false)
	r.ObserveDecision(models.WouldBlock, models.EnforceBlock, "", "", false, true)
	r.ObserveDecision(models.WouldAllow, "", models.BypassKillSwitchEnabled, "", false, false)
	r.ObserveDecision(models.WouldBlock, models.EnforceAllow, "", models.ConflictNoActivePolicy, true, false)
	r.ObserveGuardStatus(models.GuardPage)

	snap := r.Snapshot()
	if snap.WouldDecisions[models.WouldAllow] != 2 || snap.WouldDecisions[models.WouldBlock] != 2 {
		t.Fatalf("would totals: %v", snap.WouldDecisions)
	}
	if snap.EnforcementTotals[models.EnforceAllow] != 2 || snap.EnforcementTotals[models.EnforceBlock] != 1 {
		t.Fatalf("enforce totals: %v", snap.EnforcementTotals)
	}
	if snap.BypassTotals[models.BypassKillSwitchEnabled] != 1 {
		t.Fatalf("bypass totals: %v", snap.BypassTotals)
	}
	if snap.ConflictTotals[models.ConflictNoActivePolicy] != 1 {
		t.Fatalf("conflict totals: %v", snap.ConflictTotals)
	}
	if snap.Divergences != 1 || snap.CasesOpened != 1 {
		t.Fatalf("divergences=%d cases=%d", snap.Divergences, snap.CasesOpened)
	}
	if snap.GuardTotals[models.GuardPage] != 1 {
		t.Fatalf("guard totals: %v", snap.GuardTotals)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision(models.WouldAllow, "", "", "", false, false)
	snap := r.Snapshot()
	snap.WouldDecisions[models.WouldAllow] = 99
	if r.Snapshot().WouldDecisions[models.WouldAllow] != 1 {
		t.Fatalf("snapshot mutation leaked into the registry")
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	r := NewRegistry()
	handler := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/authority/policies", nil))

	stat := r.Snapshot().Endpoints["/v1/authority/policies"]
	if stat.Count != 1 || stat.LastStatusCode != http.StatusTeapot {
		t.Fatalf("middleware stat: %+v", stat)
	}
}

func TestHandlerServesSnapshot(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision(models.WouldAllow, models.EnforceAllow, "", "", false, false)
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/v1/authority/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("body: %v", err)
	}
	if snap.WouldDecisions[models.WouldAllow] != 1 {
		t.Fatalf("served snapshot: %v", snap.WouldDecisions)
	}
}
