// Package guard scores a metrics window into WARN/PAGE signals and a
// rollback recommendation. Scoring is pure; the report store persists the
// resulting verdict as an immutable artifact.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowmetrics"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

// Signal names.
const (
	SignalConflictRate            = "conflict_rate"
	SignalCaseOpenRate            = "case_open_rate"
	SignalPolicyVersionUnresolved = "policy_version_unresolved_rate"
	SignalDivergenceRate          = "divergence_rate"
	SignalDeterministicMismatch   = "deterministic_mismatch_count"
)

// ActionEngageKillSwitch is the kill-switch directive a PAGE report carries.
const ActionEngageKillSwitch = "ENGAGE_KILL_SWITCH"

// RateThreshold holds the WARN/PAGE fractions for one rate signal.
type RateThreshold struct {
	Warn float64 `json:"warn"`
	Page float64 `json:"page"`
}

// Thresholds configures the rate signals. The deterministic-mismatch signal
// is not configurable: any mismatch pages.
type Thresholds struct {
	ConflictRate            RateThreshold `json:"conflictRate"`
	CaseOpenRate            RateThreshold `json:"caseOpenRate"`
	PolicyVersionUnresolved RateThreshold `json:"policyVersionUnresolvedRate"`
	DivergenceRate          RateThreshold `json:"divergenceRate"`
}

// DefaultThresholds returns the rollout defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConflictRate:            RateThreshold{Warn: 0.01, Page: 0.03},
		CaseOpenRate:            RateThreshold{Warn: 0.02, Page: 0.05},
		PolicyVersionUnresolved: RateThreshold{Warn: 0.005, Page: 0.01},
		DivergenceRate:          RateThreshold{Warn: 0.001, Page: 0.005},
	}
}

// Validate rejects thresholds where PAGE is not at least WARN.
func (t Thresholds) Validate() error {
	for _, rt := range []struct {
		name string
		v    RateThreshold
	}{
		{SignalConflictRate, t.ConflictRate},
		{SignalCaseOpenRate, t.CaseOpenRate},
		{SignalPolicyVersionUnresolved, t.PolicyVersionUnresolved},
		{SignalDivergenceRate, t.DivergenceRate},
	} {
		if rt.v.Warn < 0 || rt.v.Page < rt.v.Warn {
			return models.Validationf("threshold %s: need 0 <= warn <= page", rt.name)
		}
	}
	return nil
}

// Score turns one metrics report into a guard report. Raising any single
// signal value never lowers the overall severity, and a deterministic
// mismatch count above zero always pages.
func Score(rep shadowmetrics.Report, th Thresholds, evaluatedAt time.Time) (models.EnforcementGuardReport, error) {
	if err := th.Validate(); err != nil {
		return models.EnforcementGuardReport{}, err
	}
	signals := []models.GuardSignal{
		rateSignal(SignalConflictRate, rep.ConflictRate, th.ConflictRate),
		rateSignal(SignalCaseOpenRate, rep.CaseOpenRate, th.CaseOpenRate),
		rateSignal(SignalPolicyVersionUnresolved, rep.PolicyVersionUnresolvedRate, th.PolicyVersionUnresolved),
		rateSignal(SignalDivergenceRate, rep.DivergenceRate, th.DivergenceRate),
		mismatchSignal(rep.DeterministicMismatchCount),
	}
	overall := models.GuardOK
	for _, sig := range signals {
		if models.GuardSeverityRank(sig.Status) > models.GuardSeverityRank(overall) {
			overall = sig.Status
		}
	}
	out := models.EnforcementGuardReport{
		TenantID:            rep.TenantID,
		OverallStatus:       overall,
		RollbackRecommended: overall == models.GuardPage,
		Signals:             signals,
		WindowFromUTC:       rep.WindowFromUTC,
		WindowToUTC:         rep.WindowToUTC,
		EvaluatedAtUTC:      models.UTCString(evaluatedAt),
	}
	if out.RollbackRecommended {
		out.KillSwitchAction = ActionEngageKillSwitch
	}
	return out, nil
}

func rateSignal(name string, value float64, th RateThreshold) models.GuardSignal {
	status := models.GuardOK
	switch {
	case value >= th.Page:
		status = models.GuardPage
	case value >= th.Warn:
		status = models.GuardWarn
	}
	return models.GuardSignal{
		Name:      name,
		Value:     value,
		Status:    status,
		Threshold: fmt.Sprintf("warn>=%g page>=%g", th.Warn, th.Page),
	}
}

func mismatchSignal(count int) models.GuardSignal {
	status := models.GuardOK
	if count > 0 {
		status = models.GuardPage
	}
	return models.GuardSignal{
		Name:      SignalDeterministicMismatch,
		Value:     float64(count),
		Status:    status,
		Threshold: "page>0",
	}
}

// ReportStore persists guard reports content-addressed, so re-scoring the
// same window with the same inputs is idempotent.
type ReportStore struct {
	Col store.Collection
	Now func() time.Time
}

func NewReportStore(col store.Collection, now func() time.Time) *ReportStore {
	if now == nil {
		now = time.Now
	}
	return &ReportStore{Col: col, Now: now}
}

// AppendReport insert-or-gets one guard report.
func (s *ReportStore) AppendReport(ctx context.Context, rep models.EnforcementGuardReport) (models.EnforcementGuardReport, bool, error) {
	if rep.OverallStatus == "" {
		return models.EnforcementGuardReport{}, false, models.Validationf("overallStatus required")
	}
	eventAt, err := time.Parse(time.RFC3339Nano, rep.EvaluatedAtUTC)
	if err != nil {
		return models.EnforcementGuardReport{}, false, models.Validationf("evaluatedAtUtc must be RFC3339: %v", err)
	}
	rep.ArtifactID = ""
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:        models.ClassEnforcementGuardReport,
		TenantID:     rep.TenantID,
		WholePayload: true,
		Payload:      rep,
		EventAt:      eventAt,
	})
	if err != nil {
		return models.EnforcementGuardReport{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.EnforcementGuardReport{}, false, err
	}
	out, err := decodeReport(stored)
	return out, created, err
}

// ListReports returns guard reports in a window, newest first.
func (s *ReportStore) ListReports(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]models.EnforcementGuardReport, error) {
	arts, err := s.Col.List(ctx, store.ListQuery{
		ArtifactClass: models.ClassEnforcementGuardReport,
		TenantID:      tenantID,
		From:          from,
		To:            to,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.EnforcementGuardReport, 0, len(arts))
	for _, a := range arts {
		rep, err := decodeReport(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func decodeReport(a store.Artifact) (models.EnforcementGuardReport, error) {
	var rep models.EnforcementGuardReport
	if err := json.Unmarshal(a.Payload, &rep); err != nil {
		return rep, fmt.Errorf("decode guard report %s: %w", a.ArtifactID, err)
	}
	rep.ArtifactID = a.ArtifactID
	return rep, nil
}
