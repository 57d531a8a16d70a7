// Package shadowmetrics aggregates persisted decisions over a time window
// into the report the enforcement guard scores. The report carries its own
// deterministic hash so a consumer can detect tampering in transit.
package shadowmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/canonical"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

// DefaultWindow is the trailing window used when the caller supplies no
// bounds.
const DefaultWindow = 24 * time.Hour

// Query selects the aggregation window. Zero From/To default to the trailing
// DefaultWindow ending now; Limit is clamped to the store page bound.
type Query struct {
	TenantID string
	PolicyID string
	From     time.Time
	To       time.Time
	Limit    int
}

// Report is one windowed aggregation. Rates are fractions of TotalDecisions
// in [0, 1].
type Report struct {
	TenantID       string `json:"tenantId,omitempty"`
	PolicyID       string `json:"policyId,omitempty"`
	WindowFromUTC  string `json:"windowFromUtc"`
	WindowToUTC    string `json:"windowToUtc"`
	GeneratedAtUTC string `json:"generatedAtUtc"`

	TotalDecisions int `json:"totalDecisions"`
	WouldAllow     int `json:"wouldAllow"`
	WouldBlock     int `json:"wouldBlock"`
	ObservedAllow  int `json:"observedAllow"`
	ObservedDeny   int `json:"observedDeny"`

	ConflictCount                int     `json:"conflictCount"`
	ConflictRate                 float64 `json:"conflictRate"`
	PolicyVersionUnresolvedCount int     `json:"policyVersionUnresolvedCount"`
	PolicyVersionUnresolvedRate  float64 `json:"policyVersionUnresolvedRate"`
	CasesOpened                  int     `json:"casesOpened"`
	CaseOpenRate                 float64 `json:"caseOpenRate"`

	EnforcementTotal int     `json:"enforcementTotal"`
	EnforcementAllow int     `json:"enforcementAllow"`
	EnforcementBlock int     `json:"enforcementBlock"`
	DivergenceCount  int     `json:"divergenceCount"`
	DivergenceRate   float64 `json:"divergenceRate"`

	// DeterministicMismatchCount is the number of stored artifacts in the
	// window whose recomputed canonical payload hash no longer matches the
	// stored one. Any value above zero means a record was tampered with or
	// canonicalization stopped being deterministic.
	DeterministicMismatchCount int `json:"deterministicMismatchCount"`

	ReasonCodeCounts   map[string]int `json:"reasonCodeCounts"`
	ConflictCodeCounts map[string]int `json:"conflictCodeCounts"`

	DeterministicHashSha256 string `json:"deterministicHashSha256"`
}

// Aggregator reads raw artifacts so it can verify each record's stored
// payload hash while counting.
type Aggregator struct {
	Col store.Collection
	Now func() time.Time
}

func NewAggregator(col store.Collection, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{Col: col, Now: now}
}

// Aggregate builds the report for one window.
func (a *Aggregator) Aggregate(ctx context.Context, q Query) (Report, error) {
	now := a.Now()
	if q.To.IsZero() {
		q.To = now
	}
	if q.From.IsZero() {
		q.From = q.To.Add(-DefaultWindow)
	}
	if !q.To.After(q.From) {
		return Report{}, models.Validationf("toUtc must be after fromUtc")
	}
	q.Limit = store.ClampLimit(q.Limit)

	rep := Report{
		TenantID:           q.TenantID,
		PolicyID:           q.PolicyID,
		WindowFromUTC:      models.UTCString(q.From),
		WindowToUTC:        models.UTCString(q.To),
		GeneratedAtUTC:     models.UTCString(now),
		ReasonCodeCounts:   map[string]int{},
		ConflictCodeCounts: map[string]int{},
	}

	if err := a.countShadowDecisions(ctx, q, &rep); err != nil {
		return Report{}, err
	}
	if err := a.countCaseOpens(ctx, q, &rep); err != nil {
		return Report{}, err
	}
	if err := a.countEnforcement(ctx, q, &rep); err != nil {
		return Report{}, err
	}

	if rep.TotalDecisions > 0 {
		total := float64(rep.TotalDecisions)
		rep.ConflictRate = float64(rep.ConflictCount) / total
		rep.PolicyVersionUnresolvedRate = float64(rep.PolicyVersionUnresolvedCount) / total
		rep.CaseOpenRate = float64(rep.CasesOpened) / total
	}
	if rep.EnforcementTotal > 0 {
		rep.DivergenceRate = float64(rep.DivergenceCount) / float64(rep.EnforcementTotal)
	}

	hash, err := ReportHash(rep)
	if err != nil {
		return Report{}, err
	}
	rep.DeterministicHashSha256 = hash
	return rep, nil
}

// ReportHash computes the report's canonical hash with the hash field itself
// zeroed, so verification is recompute-and-compare.
func ReportHash(rep Report) (string, error) {
	rep.DeterministicHashSha256 = ""
	return canonical.HashValue(rep)
}

func (a *Aggregator) countShadowDecisions(ctx context.Context, q Query, rep *Report) error {
	arts, err := a.list(ctx, q, models.ClassShadowDecision, policyFilter(q.PolicyID))
	if err != nil {
		return err
	}
	for _, art := range arts {
		if !verifyPayloadHash(art) {
			rep.DeterministicMismatchCount++
		}
		var dec models.ShadowDecision
		if err := json.Unmarshal(art.Payload, &dec); err != nil {
			return fmt.Errorf("decode shadow decision %s: %w", art.ArtifactID, err)
		}
		rep.TotalDecisions++
		switch dec.WouldDecision {
		case models.WouldAllow:
			rep.WouldAllow++
		case models.WouldBlock:
			rep.WouldBlock++
		case models.ObservedAllow:
			rep.ObservedAllow++
		case models.ObservedDeny:
			rep.ObservedDeny++
		}
		for _, reason := range dec.ReasonCodes {
			rep.ReasonCodeCounts[reason]++
		}
		if dec.PolicyConflictCode != "" {
			rep.ConflictCount++
			rep.ConflictCodeCounts[dec.PolicyConflictCode]++
			if dec.PolicyConflictCode == models.ConflictPolicyVersionUnresolved {
				rep.PolicyVersionUnresolvedCount++
			}
		}
	}
	return nil
}

func (a *Aggregator) countCaseOpens(ctx context.Context, q Query, rep *Report) error {
	arts, err := a.list(ctx, q, models.ClassShadowCaseEvent, map[string]string{"eventType": models.CaseEventOpened})
	if err != nil {
		return err
	}
	for _, art := range arts {
		if !verifyPayloadHash(art) {
			rep.DeterministicMismatchCount++
		}
		rep.CasesOpened++
	}
	return nil
}

func (a *Aggregator) countEnforcement(ctx context.Context, q Query, rep *Report) error {
	arts, err := a.list(ctx, q, models.ClassEnforcementDecision, nil)
	if err != nil {
		return err
	}
	for _, art := range arts {
		if !verifyPayloadHash(art) {
			rep.DeterministicMismatchCount++
		}
		var dec models.EnforcementDecision
		if err := json.Unmarshal(art.Payload, &dec); err != nil {
			return fmt.Errorf("decode enforcement decision %s: %w", art.ArtifactID, err)
		}
		rep.EnforcementTotal++
		switch dec.EnforcementResult {
		case models.EnforceAllow:
			rep.EnforcementAllow++
		case models.EnforceBlock:
			rep.EnforcementBlock++
		}
		if dec.ShadowVsEnforcementDivergence {
			rep.DivergenceCount++
		}
	}
	return nil
}

func (a *Aggregator) list(ctx context.Context, q Query, class string, equals map[string]string) ([]store.Artifact, error) {
	return a.Col.List(ctx, store.ListQuery{
		ArtifactClass: class,
		TenantID:      q.TenantID,
		From:          q.From,
		To:            q.To,
		Equals:        equals,
		Limit:         q.Limit,
	})
}

func policyFilter(policyID string) map[string]string {
	if policyID == "" {
		return nil
	}
	return map[string]string{"policyId": policyID}
}

func verifyPayloadHash(a store.Artifact) bool {
	recomputed, err := canonical.HashJSON(a.Payload)
	if err != nil {
		return false
	}
	return recomputed == a.PayloadHash
}
