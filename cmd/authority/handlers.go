package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/delegation"
	"github.com/RedRooEnergy/authority-engine/pkg/enforce"
	"github.com/RedRooEnergy/authority-engine/pkg/export"
	"github.com/RedRooEnergy/authority-engine/pkg/guard"
	"github.com/RedRooEnergy/authority-engine/pkg/httpx"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/policystore"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowmetrics"
	"github.com/RedRooEnergy/authority-engine/pkg/store"

	"github.com/go-chi/chi/v5"
)

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		httpx.Error(w, 400, err.Error())
	case errors.Is(err, models.ErrReferentialIntegrity):
		httpx.Error(w, 422, err.Error())
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, 404, "not found")
	default:
		s.Logf("authority handler error: request=%s err=%v", httpx.RequestID(r.Context()), err)
		httpx.Error(w, 500, "internal error")
	}
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	out, err := s.Svc.Decide(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if out.Result == models.EnforceBlock {
		body := httpx.ErrorBody{
			Error:                "request blocked",
			Code:                 out.FailureCode,
			ShadowDecisionID:     out.Shadow.DecisionID,
			ResponseMutationCode: out.ResponseMutationCode,
		}
		if out.Enforcement != nil {
			body.EnforcementDecisionID = out.Enforcement.ArtifactID
		}
		if body.Code == "" {
			body.Code = models.MutationBlock
		}
		httpx.ErrorCode(w, 403, body)
		return
	}
	httpx.WriteJSON(w, 200, out)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req models.EvaluationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	out, err := s.Svc.Observe(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 202, out)
}

type registerVersionRequest struct {
	TenantID      string          `json:"tenantId"`
	SchemaVersion string          `json:"schemaVersion"`
	Document      json.RawMessage `json:"document"`
	Actor         string          `json:"actor"`
}

func (s *Server) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	var body registerVersionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	rec, created, err := s.Policies.RegisterVersion(r.Context(), policystore.RegisterVersionInput{
		TenantID:      body.TenantID,
		PolicyID:      chi.URLParam(r, "policyID"),
		SchemaVersion: body.SchemaVersion,
		Document:      body.Document,
		Actor:         body.Actor,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), rec)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Policies.ListVersions(r.Context(), r.URL.Query().Get("tenantId"), chi.URLParam(r, "policyID"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"versions": recs})
}

type lifecycleRequest struct {
	TenantID          string `json:"tenantId"`
	PolicyVersionHash string `json:"policyVersionHash"`
	LifecycleState    string `json:"lifecycleState"`
	Actor             string `json:"actor"`
	ReasonCode        string `json:"reasonCode"`
	EventAtUTC        string `json:"eventAtUtc"`
}

func (s *Server) handleAppendLifecycle(w http.ResponseWriter, r *http.Request) {
	var body lifecycleRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	eventAt, err := optionalTime(body.EventAtUTC)
	if err != nil {
		httpx.Error(w, 400, "eventAtUtc must be RFC3339")
		return
	}
	rec, created, err := s.Policies.AppendLifecycleEvent(r.Context(), policystore.LifecycleInput{
		TenantID:          body.TenantID,
		PolicyID:          chi.URLParam(r, "policyID"),
		PolicyVersionHash: body.PolicyVersionHash,
		LifecycleState:    body.LifecycleState,
		Actor:             body.Actor,
		ReasonCode:        body.ReasonCode,
		EventAt:           eventAt,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), rec)
}

func (s *Server) handleListLifecycle(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	recs, err := s.Policies.ListLifecycleEvents(r.Context(), r.URL.Query().Get("tenantId"), chi.URLParam(r, "policyID"), from, to, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"events": recs})
}

type delegationRequest struct {
	TenantID     string `json:"tenantId"`
	EventType    string `json:"eventType"`
	GrantorID    string `json:"grantorId"`
	GranteeID    string `json:"granteeId"`
	Resource     string `json:"resource"`
	Action       string `json:"action"`
	ScopeHash    string `json:"scopeHash"`
	ApprovalID   string `json:"approvalId"`
	ValidFromUTC string `json:"validFromUtc"`
	ValidToUTC   string `json:"validToUtc"`
	EventAtUTC   string `json:"eventAtUtc"`
}

func (s *Server) handleAppendDelegation(w http.ResponseWriter, r *http.Request) {
	var body delegationRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	validFrom, err := optionalTime(body.ValidFromUTC)
	if err != nil {
		httpx.Error(w, 400, "validFromUtc must be RFC3339")
		return
	}
	validTo, err := optionalTime(body.ValidToUTC)
	if err != nil {
		httpx.Error(w, 400, "validToUtc must be RFC3339")
		return
	}
	eventAt, err := optionalTime(body.EventAtUTC)
	if err != nil {
		httpx.Error(w, 400, "eventAtUtc must be RFC3339")
		return
	}
	rec, created, err := s.Delegations.AppendEvent(r.Context(), delegation.AppendEventInput{
		TenantID:   body.TenantID,
		EventType:  body.EventType,
		GrantorID:  body.GrantorID,
		GranteeID:  body.GranteeID,
		Resource:   body.Resource,
		Action:     body.Action,
		ScopeHash:  body.ScopeHash,
		ApprovalID: body.ApprovalID,
		ValidFrom:  validFrom,
		ValidTo:    validTo,
		EventAt:    eventAt,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), rec)
}

func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	recs, err := s.Delegations.ListEvents(r.Context(), r.URL.Query().Get("tenantId"), r.URL.Query().Get("granteeId"), from, to, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"events": recs})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	recs, err := s.Shadow.ListDecisions(r.Context(), r.URL.Query().Get("tenantId"), r.URL.Query().Get("policyId"), from, to, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"decisions": recs})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Shadow.GetDecision(r.Context(), chi.URLParam(r, "decisionID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) handleListEnforcements(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	recs, err := s.Enforcements.ListDecisions(r.Context(), r.URL.Query().Get("tenantId"), from, to, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"decisions": recs})
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	recs, err := s.Shadow.ListCases(r.Context(), r.URL.Query().Get("tenantId"), from, to, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"cases": recs})
}

func (s *Server) handleListCaseEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Shadow.ListCaseEvents(r.Context(), r.URL.Query().Get("tenantId"), chi.URLParam(r, "caseID"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"events": recs})
}

type caseActionRequest struct {
	TenantID string `json:"tenantId"`
	Actor    string `json:"actor"`
	Note     string `json:"note"`
}

func (s *Server) handleAcknowledgeCase(w http.ResponseWriter, r *http.Request) {
	var body caseActionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	rec, created, err := s.Shadow.AcknowledgeCase(r.Context(), body.TenantID, chi.URLParam(r, "caseID"), body.Actor, body.Note)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), rec)
}

func (s *Server) handleCloseCase(w http.ResponseWriter, r *http.Request) {
	var body caseActionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	rec, created, err := s.Shadow.CloseCase(r.Context(), body.TenantID, chi.URLParam(r, "caseID"), body.Actor, body.Note)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), rec)
}

type controlRequest struct {
	TenantID        string `json:"tenantId"`
	KillSwitchState bool   `json:"killSwitchState"`
	ReasonCode      string `json:"reasonCode"`
	TriggeredBy     string `json:"triggeredBy"`
	GuardReportID   string `json:"guardReportId"`
	EventAtUTC      string `json:"eventAtUtc"`
}

func (s *Server) handleAppendControl(w http.ResponseWriter, r *http.Request) {
	var body controlRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	eventAt, err := optionalTime(body.EventAtUTC)
	if err != nil {
		httpx.Error(w, 400, "eventAtUtc must be RFC3339")
		return
	}
	rec, created, err := s.Control.AppendEvent(r.Context(), enforce.ControlInput{
		TenantID:        body.TenantID,
		KillSwitchState: body.KillSwitchState,
		ReasonCode:      body.ReasonCode,
		TriggeredBy:     body.TriggeredBy,
		GuardReportID:   body.GuardReportID,
		EventAt:         eventAt,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, createdStatus(created), rec)
}

func (s *Server) handleControlState(w http.ResponseWriter, r *http.Request) {
	engaged, err := s.Control.CurrentState(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"killSwitchEngaged": engaged})
}

func (s *Server) handleListControlEvents(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	recs, err := s.Control.ListEvents(r.Context(), r.URL.Query().Get("tenantId"), from, to, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"events": recs})
}

func (s *Server) handleListGuardReports(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	recs, err := s.GuardReports.ListReports(r.Context(), r.URL.Query().Get("tenantId"), from, to, queryInt(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"reports": recs})
}

type metricsJobRequest struct {
	TenantID string `json:"tenantId"`
	PolicyID string `json:"policyId"`
	FromUTC  string `json:"fromUtc"`
	ToUTC    string `json:"toUtc"`
	Limit    int    `json:"limit"`
}

func (s *Server) handleMetricsJob(w http.ResponseWriter, r *http.Request) {
	var body metricsJobRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	from, to, err := parseWindow(body.FromUTC, body.ToUTC)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	rep, err := s.Aggregator.Aggregate(r.Context(), shadowmetrics.Query{
		TenantID: body.TenantID,
		PolicyID: body.PolicyID,
		From:     from,
		To:       to,
		Limit:    body.Limit,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, rep)
}

type exportJobRequest struct {
	Source        string `json:"source"`
	TenantID      string `json:"tenantId"`
	PolicyID      string `json:"policyId"`
	FromUTC       string `json:"fromUtc"`
	ToUTC         string `json:"toUtc"`
	Limit         int    `json:"limit"`
	SchemaVersion string `json:"schemaVersion"`
}

func (s *Server) handleExportJob(w http.ResponseWriter, r *http.Request) {
	var body exportJobRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	from, to, err := parseWindow(body.FromUTC, body.ToUTC)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	pack, err := s.Exporter.Export(r.Context(), export.Request{
		Source:        body.Source,
		TenantID:      body.TenantID,
		PolicyID:      body.PolicyID,
		From:          from,
		To:            to,
		Limit:         body.Limit,
		SchemaVersion: body.SchemaVersion,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, 200, pack)
}

type guardJobRequest struct {
	TenantID         string            `json:"tenantId"`
	PolicyID         string            `json:"policyId"`
	FromUTC          string            `json:"fromUtc"`
	ToUTC            string            `json:"toUtc"`
	Limit            int               `json:"limit"`
	Thresholds       *guard.Thresholds `json:"thresholds"`
	EngageKillSwitch bool              `json:"engageKillSwitch"`
	Actor            string            `json:"actor"`
}

func (s *Server) handleGuardJob(w http.ResponseWriter, r *http.Request) {
	var body guardJobRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	from, to, err := parseWindow(body.FromUTC, body.ToUTC)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	rep, err := s.Aggregator.Aggregate(r.Context(), shadowmetrics.Query{
		TenantID: body.TenantID,
		PolicyID: body.PolicyID,
		From:     from,
		To:       to,
		Limit:    body.Limit,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	th := guard.DefaultThresholds()
	if body.Thresholds != nil {
		th = *body.Thresholds
	}
	guardReport, err := guard.Score(rep, th, s.Now().UTC())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	guardReport.TenantID = body.TenantID
	stored, _, err := s.GuardReports.AppendReport(r.Context(), guardReport)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.Registry.ObserveGuardStatus(stored.OverallStatus)

	response := map[string]any{"report": stored, "killSwitchEngaged": false}
	if stored.RollbackRecommended && body.EngageKillSwitch {
		actor := body.Actor
		if actor == "" {
			actor = "authority-guard"
		}
		ev, _, err := s.Control.AppendEvent(r.Context(), enforce.ControlInput{
			TenantID:        body.TenantID,
			KillSwitchState: true,
			ReasonCode:      "GUARD_ROLLBACK_RECOMMENDED",
			TriggeredBy:     actor,
			GuardReportID:   stored.ArtifactID,
		})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		response["killSwitchEngaged"] = true
		response["controlEvent"] = ev
	}
	httpx.WriteJSON(w, 200, response)
}

func createdStatus(created bool) int {
	if created {
		return 201
	}
	return 200
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func optionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func queryWindow(r *http.Request) (time.Time, time.Time, error) {
	return parseWindow(r.URL.Query().Get("fromUtc"), r.URL.Query().Get("toUtc"))
}

func parseWindow(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from, err := optionalTime(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("fromUtc must be RFC3339")
	}
	to, err := optionalTime(toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("toUtc must be RFC3339")
	}
	return from, to, nil
}
