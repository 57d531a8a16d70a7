package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/delegation"
	"github.com/RedRooEnergy/authority-engine/pkg/enforce"
	"github.com/RedRooEnergy/authority-engine/pkg/export"
	"github.com/RedRooEnergy/authority-engine/pkg/guard"
	"github.com/RedRooEnergy/authority-engine/pkg/metrics"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/policystore"
	"github.com/RedRooEnergy/authority-engine/pkg/shadoweval"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowmetrics"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowstore"
	"github.com/RedRooEnergy/authority-engine/pkg/store"

	"github.com/go-chi/chi/v5"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	col := store.NewMemCollection()
	policies := policystore.New(col, nil)
	delegations := delegation.New(col, nil)
	shadow := shadowstore.New(col, nil)
	control := enforce.NewControlStore(col, store.NewMemoryCache(), nil)
	enforcements := enforce.NewDecisionStore(col, shadow, nil)
	loader := &shadoweval.Loader{Policies: policies, Delegations: delegations}
	svc := enforce.NewService(enforce.Config{
		EnforcementEnabled: true,
		TenantAllowlist:    enforce.NewAllowlist([]string{"tenant-a"}),
	}, loader, shadow, enforcements, control)
	svc.Logf = t.Logf

	s := &Server{
		Svc:          svc,
		Policies:     policies,
		Delegations:  delegations,
		Shadow:       shadow,
		Enforcements: enforcements,
		Control:      control,
		Aggregator:   shadowmetrics.NewAggregator(col, nil),
		Exporter:     export.NewExporter(col, nil),
		GuardReports: guard.NewReportStore(col, nil),
		Registry:     metrics.NewRegistry(),
		AuthMode:     "off",
		Flags:        Flags{MetricsJob: true, ExportJob: true, GuardJob: true},
		Logf:         t.Logf,
		Now:          time.Now,
	}

	r := chi.NewRouter()
	r.Post("/v1/authority/decide", s.handleDecide)
	r.Post("/v1/authority/observe", s.handleObserve)
	r.Post("/v1/authority/policies/{policyID}/versions", s.handleRegisterVersion)
	r.Get("/v1/authority/policies/{policyID}/versions", s.handleListVersions)
	r.Post("/v1/authority/policies/{policyID}/lifecycle", s.handleAppendLifecycle)
	r.Post("/v1/authority/delegations", s.handleAppendDelegation)
	r.Get("/v1/authority/decisions", s.handleListDecisions)
	r.Get("/v1/authority/cases", s.handleListCases)
	r.Post("/v1/authority/cases/{caseID}/ack", s.handleAcknowledgeCase)
	r.Post("/v1/authority/control", s.handleAppendControl)
	r.Get("/v1/authority/control", s.handleControlState)
	r.Post("/v1/authority/jobs/metrics", s.requireFlag(s.Flags.MetricsJob, s.handleMetricsJob))
	r.Post("/v1/authority/jobs/export", s.requireFlag(s.Flags.ExportJob, s.handleExportJob))
	r.Post("/v1/authority/jobs/guard", s.requireFlag(s.Flags.GuardJob, s.handleGuardJob))
	return s, r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func registerActivePolicy(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/policies/p1/versions", map[string]any{
		"tenantId":      "tenant-a",
		"schemaVersion": "v1",
		"document":      json.RawMessage(`{"resource":"orders","action":"approve","allowRoles":["manager"]}`),
		"actor":         "admin",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register version: %d %s", rec.Code, rec.Body.String())
	}
	var ver models.PolicyVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &ver); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/v1/authority/policies/p1/lifecycle", map[string]any{
		"tenantId":          "tenant-a",
		"policyVersionHash": ver.PolicyVersionHash,
		"lifecycleState":    models.LifecycleActive,
		"actor":             "admin",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("activate: %d %s", rec.Code, rec.Body.String())
	}
	return ver.PolicyVersionHash
}

func TestRegisterVersionIdempotentStatus(t *testing.T) {
	_, handler := newTestServer(t)
	body := map[string]any{
		"tenantId":      "tenant-a",
		"schemaVersion": "v1",
		"document":      json.RawMessage(`{"resource":"orders","action":"approve","allowRoles":["manager"]}`),
		"actor":         "admin",
	}
	if rec := doJSON(t, handler, http.MethodPost, "/v1/authority/policies/p1/versions", body); rec.Code != http.StatusCreated {
		t.Fatalf("first register: %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodPost, "/v1/authority/policies/p1/versions", body); rec.Code != http.StatusOK {
		t.Fatalf("replay register: %d", rec.Code)
	}
}

func TestRegisterVersionValidation(t *testing.T) {
	_, handler := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/policies/p1/versions", map[string]any{
		"tenantId": "tenant-a",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDecideAllowAndBlock(t *testing.T) {
	_, handler := newTestServer(t)
	registerActivePolicy(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/decide", map[string]any{
		"tenantId":         "tenant-a",
		"policyId":         "p1",
		"subjectActorId":   "subject-1",
		"requestActorId":   "requester-1",
		"requestActorRole": "manager",
		"resource":         "orders",
		"action":           "approve",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("allow: %d %s", rec.Code, rec.Body.String())
	}
	var out enforce.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.Result != models.EnforceAllow || !out.Applied {
		t.Fatalf("outcome: %+v", out)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/authority/decide", map[string]any{
		"tenantId":         "tenant-a",
		"policyId":         "p1",
		"subjectActorId":   "subject-1",
		"requestActorId":   "requester-2",
		"requestActorRole": "buyer",
		"resource":         "orders",
		"action":           "approve",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("block: %d %s", rec.Code, rec.Body.String())
	}
	var blocked map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &blocked); err != nil {
		t.Fatalf("decode block body: %v", err)
	}
	if blocked["code"] != models.MutationBlock || blocked["shadowDecisionId"] == "" || blocked["enforcementDecisionId"] == "" {
		t.Fatalf("block body: %v", blocked)
	}
}

func TestDecideRejectsUnknownFields(t *testing.T) {
	_, handler := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/decide", map[string]any{
		"tenantId": "tenant-a",
		"bogus":    true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", rec.Code)
	}
}

func TestObserveAccepted(t *testing.T) {
	_, handler := newTestServer(t)
	registerActivePolicy(t, handler)
	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/observe", map[string]any{
		"tenantId":         "tenant-a",
		"policyId":         "p1",
		"subjectActorId":   "subject-1",
		"requestActorId":   "requester-1",
		"requestActorRole": "buyer",
		"resource":         "orders",
		"action":           "approve",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("observe: %d %s", rec.Code, rec.Body.String())
	}
	var out enforce.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Shadow.WouldDecision != models.ObservedDeny || out.Result != models.EnforceAllow {
		t.Fatalf("observe outcome: %+v", out)
	}
}

func TestCaseAcknowledgeFlow(t *testing.T) {
	_, handler := newTestServer(t)
	registerActivePolicy(t, handler)
	doJSON(t, handler, http.MethodPost, "/v1/authority/decide", map[string]any{
		"tenantId":         "tenant-a",
		"policyId":         "p1",
		"subjectActorId":   "subject-1",
		"requestActorId":   "requester-2",
		"requestActorRole": "buyer",
		"resource":         "orders",
		"action":           "approve",
	})

	rec := doJSON(t, handler, http.MethodGet, "/v1/authority/cases?tenantId=tenant-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list cases: %d", rec.Code)
	}
	var listed struct {
		Cases []models.ShadowOverrideCase `json:"cases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode cases: %v", err)
	}
	if len(listed.Cases) != 1 {
		t.Fatalf("cases: %d", len(listed.Cases))
	}

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/v1/authority/cases/%s/ack", listed.Cases[0].CaseID), map[string]any{
		"tenantId": "tenant-a",
		"actor":    "operator-1",
		"note":     "triaged",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ack: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/v1/authority/cases/missing-case/ack", map[string]any{
		"tenantId": "tenant-a",
		"actor":    "operator-1",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown case: %d %s", rec.Code, rec.Body.String())
	}
}

func TestControlEndpoints(t *testing.T) {
	_, handler := newTestServer(t)
	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/control", map[string]any{
		"tenantId":        "tenant-a",
		"killSwitchState": true,
		"reasonCode":      "DRILL",
		"triggeredBy":     "operator-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("engage: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodGet, "/v1/authority/control?tenantId=tenant-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state: %d", rec.Code)
	}
	var state map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !state["killSwitchEngaged"] {
		t.Fatalf("state: %v", state)
	}
}

func TestMetricsJobHandler(t *testing.T) {
	_, handler := newTestServer(t)
	registerActivePolicy(t, handler)
	doJSON(t, handler, http.MethodPost, "/v1/authority/decide", map[string]any{
		"tenantId":         "tenant-a",
		"policyId":         "p1",
		"subjectActorId":   "subject-1",
		"requestActorId":   "requester-1",
		"requestActorRole": "manager",
		"resource":         "orders",
		"action":           "approve",
	})

	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/jobs/metrics", map[string]any{
		"tenantId": "tenant-a",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics job: %d %s", rec.Code, rec.Body.String())
	}
	var rep shadowmetrics.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.TotalDecisions != 1 || rep.WouldAllow != 1 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestExportJobHandler(t *testing.T) {
	_, handler := newTestServer(t)
	registerActivePolicy(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/jobs/export", map[string]any{
		"tenantId": "tenant-a",
		"source":   "conformance",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("export job: %d %s", rec.Code, rec.Body.String())
	}
	var pack export.Pack
	if err := json.Unmarshal(rec.Body.Bytes(), &pack); err != nil {
		t.Fatalf("decode pack: %v", err)
	}
	if pack.RecordCount == 0 || pack.ExportRootHash == "" {
		t.Fatalf("pack: count=%d root=%q", pack.RecordCount, pack.ExportRootHash)
	}
	if idx, err := export.Verify(pack); idx != -1 || err != nil {
		t.Fatalf("served pack failed verification at %d: %v", idx, err)
	}
}

func TestGuardJobEngagesKillSwitch(t *testing.T) {
	s, handler := newTestServer(t)
	registerActivePolicy(t, handler)
	// A buyer-role decide produces a would-block and opens a case: 1 case
	// over 1 decision is far past the default page threshold.
	doJSON(t, handler, http.MethodPost, "/v1/authority/decide", map[string]any{
		"tenantId":         "tenant-a",
		"policyId":         "p1",
		"subjectActorId":   "subject-1",
		"requestActorId":   "requester-2",
		"requestActorRole": "buyer",
		"resource":         "orders",
		"action":           "approve",
	})

	rec := doJSON(t, handler, http.MethodPost, "/v1/authority/jobs/guard", map[string]any{
		"tenantId":         "tenant-a",
		"engageKillSwitch": true,
		"actor":            "operator-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("guard job: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Report            models.EnforcementGuardReport `json:"report"`
		KillSwitchEngaged bool                          `json:"killSwitchEngaged"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Report.RollbackRecommended || !resp.KillSwitchEngaged {
		t.Fatalf("guard response: %+v", resp)
	}

	engaged, err := s.Control.CurrentState(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "tenant-a")
	if err != nil || !engaged {
		t.Fatalf("kill switch not engaged: %v %v", engaged, err)
	}
}

func TestRequireFlagDisabledSurface(t *testing.T) {
	s, _ := newTestServer(t)
	s.Flags.ExportJob = false
	handler := s.requireFlag(s.Flags.ExportJob, s.handleExportJob)
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/v1/authority/jobs/export", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled surface: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "FEATURE_DISABLED" {
		t.Fatalf("body: %v", body)
	}
}

func TestGetDecisionNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	r := chi.NewRouter()
	r.Get("/v1/authority/decisions/{decisionID}", s.handleGetDecision)
	rec := doJSON(t, r, http.MethodGet, "/v1/authority/decisions/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing decision: %d", rec.Code)
	}
}
