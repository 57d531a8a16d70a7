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

// CaseID derives the deterministic case ID for a case key. One logical
// situation maps to exactly one case, however many decisions hit it.
func CaseID(tenantID, caseKeyHash string) string {
	return canonical.ArtifactID(models.ClassShadowOverrideCase, tenantID, []string{caseKeyHash}, "")
}

// OpenOrGetCase opens the override case for a blocking decision's case key if
// none exists, appending CASE_OPENED on first open, and always links the
// decision with a DECISION_LINKED event. Repeated blocking decisions for the
// same situation collapse into one case with a full decision history.
func (s *Store) OpenOrGetCase(ctx context.Context, dec models.ShadowDecision) (models.ShadowOverrideCase, bool, error) {
	if dec.WouldDecision != models.WouldBlock && dec.WouldDecision != models.ObservedDeny {
		return models.ShadowOverrideCase{}, false, models.Validationf("cases open only for blocking decisions")
	}
	if !canonical.IsHexHash(dec.CaseKeyHash) {
		return models.ShadowOverrideCase{}, false, models.Validationf("caseKeyHash must be 64 lowercase hex chars")
	}
	caseID := CaseID(dec.TenantID, dec.CaseKeyHash)
	rec := models.ShadowOverrideCase{
		CaseID:             caseID,
		TenantID:           dec.TenantID,
		CaseKeyHash:        dec.CaseKeyHash,
		Status:             models.CaseOpen,
		OpenedAtUTC:        dec.DecidedAtUTC,
		OpenedByDecisionID: dec.DecisionID,
	}
	eventAt, err := time.Parse(time.RFC3339Nano, dec.DecidedAtUTC)
	if err != nil {
		return models.ShadowOverrideCase{}, false, models.Validationf("decidedAtUtc must be RFC3339: %v", err)
	}
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:     models.ClassShadowOverrideCase,
		TenantID:  dec.TenantID,
		KeyFields: []string{dec.CaseKeyHash},
		Payload:   rec,
		EventAt:   eventAt,
	})
	if err != nil {
		return models.ShadowOverrideCase{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.ShadowOverrideCase{}, false, err
	}
	out, err := decodeCase(stored)
	if err != nil {
		return models.ShadowOverrideCase{}, false, err
	}
	if created {
		if _, _, err := s.appendCaseEvent(ctx, models.ShadowOverrideCaseEvent{
			CaseID:     caseID,
			TenantID:   dec.TenantID,
			EventType:  models.CaseEventOpened,
			DecisionID: dec.DecisionID,
			EventAtUTC: dec.DecidedAtUTC,
		}, eventAt); err != nil {
			return models.ShadowOverrideCase{}, false, err
		}
	}
	if _, _, err := s.appendCaseEvent(ctx, models.ShadowOverrideCaseEvent{
		CaseID:     caseID,
		TenantID:   dec.TenantID,
		EventType:  models.CaseEventDecisionLinked,
		DecisionID: dec.DecisionID,
		EventAtUTC: dec.DecidedAtUTC,
	}, eventAt); err != nil {
		return models.ShadowOverrideCase{}, false, err
	}
	return out, created, nil
}

// AcknowledgeCase appends a CASE_ACKNOWLEDGED event.
func (s *Store) AcknowledgeCase(ctx context.Context, tenantID, caseID, actor, note string) (models.ShadowOverrideCaseEvent, bool, error) {
	return s.transitionCase(ctx, tenantID, caseID, models.CaseEventAcknowledged, actor, note)
}

// CloseCase appends a CASE_CLOSED event.
func (s *Store) CloseCase(ctx context.Context, tenantID, caseID, actor, note string) (models.ShadowOverrideCaseEvent, bool, error) {
	return s.transitionCase(ctx, tenantID, caseID, models.CaseEventClosed, actor, note)
}

func (s *Store) transitionCase(ctx context.Context, tenantID, caseID, eventType, actor, note string) (models.ShadowOverrideCaseEvent, bool, error) {
	if actor == "" {
		return models.ShadowOverrideCaseEvent{}, false, models.Validationf("actor required")
	}
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return models.ShadowOverrideCaseEvent{}, false, fmt.Errorf("%w: case %s", models.ErrReferentialIntegrity, caseID)
	}
	now := s.Now()
	return s.appendCaseEvent(ctx, models.ShadowOverrideCaseEvent{
		CaseID:     caseID,
		TenantID:   tenantID,
		EventType:  eventType,
		Actor:      actor,
		Note:       note,
		EventAtUTC: models.UTCString(now),
	}, now)
}

func (s *Store) appendCaseEvent(ctx context.Context, ev models.ShadowOverrideCaseEvent, eventAt time.Time) (models.ShadowOverrideCaseEvent, bool, error) {
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:     models.ClassShadowCaseEvent,
		TenantID:  ev.TenantID,
		KeyFields: []string{ev.CaseID, ev.EventType, ev.DecisionID, ev.EventAtUTC},
		Payload:   ev,
		EventAt:   eventAt,
	})
	if err != nil {
		return models.ShadowOverrideCaseEvent{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.ShadowOverrideCaseEvent{}, false, err
	}
	out, err := decodeCaseEvent(stored)
	return out, created, err
}

// GetCase fetches one case by ID.
func (s *Store) GetCase(ctx context.Context, caseID string) (models.ShadowOverrideCase, error) {
	art, err := s.Col.GetByArtifactID(ctx, caseID)
	if err != nil {
		return models.ShadowOverrideCase{}, err
	}
	return decodeCase(art)
}

// CaseStatus resolves a case's current status: the latest status-bearing
// event, or the stored OPEN status when none exists.
func (s *Store) CaseStatus(ctx context.Context, tenantID, caseID string) (string, error) {
	events, err := s.ListCaseEvents(ctx, tenantID, caseID, store.MaxPageSize)
	if err != nil {
		return "", err
	}
	for _, ev := range events {
		switch ev.EventType {
		case models.CaseEventClosed:
			return models.CaseClosed, nil
		case models.CaseEventAcknowledged:
			return models.CaseAcknowledged, nil
		case models.CaseEventOpened:
			return models.CaseOpen, nil
		}
	}
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return "", err
	}
	return models.CaseOpen, nil
}

// ListCases returns cases in a window, newest first.
func (s *Store) ListCases(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]models.ShadowOverrideCase, error) {
	arts, err := s.Col.List(ctx, store.ListQuery{
		ArtifactClass: models.ClassShadowOverrideCase,
		TenantID:      tenantID,
		From:          from,
		To:            to,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.ShadowOverrideCase, 0, len(arts))
	for _, a := range arts {
		rec, err := decodeCase(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListCaseEvents returns a case's events, newest first.
func (s *Store) ListCaseEvents(ctx context.Context, tenantID, caseID string, limit int) ([]models.ShadowOverrideCaseEvent, error) {
	arts, err := s.Col.List(ctx, store.ListQuery{
		ArtifactClass: models.ClassShadowCaseEvent,
		TenantID:      tenantID,
		Equals:        map[string]string{"caseId": caseID},
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.ShadowOverrideCaseEvent, 0, len(arts))
	for _, a := range arts {
		rec, err := decodeCaseEvent(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeCase(a store.Artifact) (models.ShadowOverrideCase, error) {
	var rec models.ShadowOverrideCase
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode override case %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}

func decodeCaseEvent(a store.Artifact) (models.ShadowOverrideCaseEvent, error) {
	var rec models.ShadowOverrideCaseEvent
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode case event %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}
