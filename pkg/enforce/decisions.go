package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

// ShadowReader fetches a persisted shadow decision by ID.
type ShadowReader interface {
	GetDecision(ctx context.Context, decisionID string) (models.ShadowDecision, error)
}

// DecisionStore persists enforcement decisions. The write rejects when the
// referenced shadow decision cannot be found or its stored hash does not
// match the referenced one: referential integrity without a database FK.
type DecisionStore struct {
	Col    store.Collection
	Shadow ShadowReader
	Now    func() time.Time
}

func NewDecisionStore(col store.Collection, shadow ShadowReader, now func() time.Time) *DecisionStore {
	if now == nil {
		now = time.Now
	}
	return &DecisionStore{Col: col, Shadow: shadow, Now: now}
}

// AppendDecision insert-or-gets one enforcement decision referencing an
// existing shadow decision.
func (s *DecisionStore) AppendDecision(ctx context.Context, rec models.EnforcementDecision) (models.EnforcementDecision, bool, error) {
	switch rec.EnforcementResult {
	case models.EnforceAllow, models.EnforceBlock:
	default:
		return models.EnforcementDecision{}, false, models.Validationf("unknown enforcement result %q", rec.EnforcementResult)
	}
	if rec.ShadowDecisionID == "" {
		return models.EnforcementDecision{}, false, models.Validationf("shadowDecisionId required")
	}
	shadow, err := s.Shadow.GetDecision(ctx, rec.ShadowDecisionID)
	if err != nil {
		return models.EnforcementDecision{}, false,
			fmt.Errorf("%w: shadow decision %s: %v", models.ErrReferentialIntegrity, rec.ShadowDecisionID, err)
	}
	if rec.ShadowDecisionHash != shadow.DecisionHashSha256 {
		return models.EnforcementDecision{}, false,
			fmt.Errorf("%w: shadow decision %s hash mismatch", models.ErrReferentialIntegrity, rec.ShadowDecisionID)
	}
	eventAt, err := time.Parse(time.RFC3339Nano, rec.DecidedAtUTC)
	if err != nil {
		return models.EnforcementDecision{}, false, models.Validationf("decidedAtUtc must be RFC3339: %v", err)
	}
	rec.ArtifactID = ""
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:        models.ClassEnforcementDecision,
		TenantID:     rec.TenantID,
		KeyFields:    []string{rec.ShadowDecisionID},
		WholePayload: true,
		Payload:      rec,
		EventAt:      eventAt,
	})
	if err != nil {
		return models.EnforcementDecision{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.EnforcementDecision{}, false, err
	}
	out, err := decodeEnforcement(stored)
	return out, created, err
}

// ListDecisions returns enforcement decisions in a window, newest first.
func (s *DecisionStore) ListDecisions(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]models.EnforcementDecision, error) {
	arts, err := s.Col.List(ctx, store.ListQuery{
		ArtifactClass: models.ClassEnforcementDecision,
		TenantID:      tenantID,
		From:          from,
		To:            to,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.EnforcementDecision, 0, len(arts))
	for _, a := range arts {
		rec, err := decodeEnforcement(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeEnforcement(a store.Artifact) (models.EnforcementDecision, error) {
	var rec models.EnforcementDecision
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode enforcement decision %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}
