// Package shadowstore persists shadow decisions idempotently and scaffolds
// override cases for recurring would-block situations.
package shadowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/canonical"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

type Store struct {
	Col store.Collection
	Now func() time.Time
}

func New(col store.Collection, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{Col: col, Now: now}
}

// CaseKeyHash identifies the logical situation a decision belongs to. All
// decisions for one (tenant, subject, resource, action, policy version)
// tuple share it.
func CaseKeyHash(tenantID, subjectActorID, resource, action, policyVersionHash string) string {
	hash, _ := canonical.HashValue(struct {
		TenantID          string `json:"tenantId"`
		SubjectActorID    string `json:"subjectActorId"`
		Resource          string `json:"resource"`
		Action            string `json:"action"`
		PolicyVersionHash string `json:"policyVersionHash"`
	}{tenantID, subjectActorID, resource, action, policyVersionHash})
	return hash
}

// AppendDecision persists one evaluator run. Insert-or-get on the decision
// identity (case key, verdict, decision time, evaluation hash): equivalent
// concurrent submissions resolve to the same stored record.
func (s *Store) AppendDecision(ctx context.Context, req models.EvaluationRequest, res models.EvaluationResult) (models.ShadowDecision, bool, error) {
	if res.WouldDecision == "" {
		return models.ShadowDecision{}, false, models.Validationf("wouldDecision required")
	}
	if !canonical.IsHexHash(res.EvaluationPayloadHash) {
		return models.ShadowDecision{}, false, models.Validationf("evaluationPayloadHashSha256 must be 64 lowercase hex chars")
	}
	decidedAt, err := time.Parse(time.RFC3339Nano, req.DecidedAtUTC)
	if err != nil {
		return models.ShadowDecision{}, false, models.Validationf("decidedAtUtc must be RFC3339: %v", err)
	}
	caseKey := CaseKeyHash(req.TenantID, req.SubjectActorID, req.Resource, req.Action, res.SelectedPolicyVersionHash)
	rec := models.ShadowDecision{
		TenantID:                  req.TenantID,
		CaseKeyHash:               caseKey,
		PolicyID:                  req.PolicyID,
		SelectedPolicyVersionHash: res.SelectedPolicyVersionHash,
		SubjectActorID:            req.SubjectActorID,
		RequestActorID:            req.RequestActorID,
		RequestActorRole:          req.RequestActorRole,
		Resource:                  req.Resource,
		Action:                    req.Action,
		WouldDecision:             res.WouldDecision,
		ReasonCodes:               canonical.SortedUniqueStrings(res.ReasonCodes),
		PolicyConflictCode:        res.PolicyConflictCode,
		DecisionHashSha256:        res.EvaluationPayloadHash,
		DecidedAtUTC:              req.DecidedAtUTC,
	}
	rec.DecisionID = canonical.ArtifactID(models.ClassShadowDecision, req.TenantID,
		[]string{caseKey, res.WouldDecision, req.DecidedAtUTC}, res.EvaluationPayloadHash)
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:        models.ClassShadowDecision,
		TenantID:     req.TenantID,
		KeyFields:    []string{caseKey, res.WouldDecision, req.DecidedAtUTC},
		IdentityHash: res.EvaluationPayloadHash,
		Payload:      rec,
		EventAt:      decidedAt,
	})
	if err != nil {
		return models.ShadowDecision{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.ShadowDecision{}, false, err
	}
	out, err := decodeDecision(stored)
	return out, created, err
}

// GetDecision fetches one decision by its ID.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (models.ShadowDecision, error) {
	art, err := s.Col.GetByArtifactID(ctx, decisionID)
	if err != nil {
		return models.ShadowDecision{}, err
	}
	return decodeDecision(art)
}

// ListDecisions returns decisions in a window, newest first.
func (s *Store) ListDecisions(ctx context.Context, tenantID, policyID string, from, to time.Time, limit int) ([]models.ShadowDecision, error) {
	q := store.ListQuery{
		ArtifactClass: models.ClassShadowDecision,
		TenantID:      tenantID,
		From:          from,
		To:            to,
		Limit:         limit,
	}
	if policyID != "" {
		q.Equals = map[string]string{"policyId": policyID}
	}
	arts, err := s.Col.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]models.ShadowDecision, 0, len(arts))
	for _, a := range arts {
		rec, err := decodeDecision(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeDecision(a store.Artifact) (models.ShadowDecision, error) {
	var rec models.ShadowDecision
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode shadow decision %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}
