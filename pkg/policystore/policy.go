// Package policystore versions immutable policy documents and records their
// lifecycle transitions as an append-only event log.
package policystore

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

type RegisterVersionInput struct {
	TenantID      string
	PolicyID      string
	SchemaVersion string
	Document      json.RawMessage
	Actor         string
}

// RegisterVersion computes the document's content hash and insert-or-gets the
// version record. Registering the identical document twice returns
// created=false with the original record.
func (s *Store) RegisterVersion(ctx context.Context, in RegisterVersionInput) (models.PolicyVersion, bool, error) {
	if in.PolicyID == "" {
		return models.PolicyVersion{}, false, models.Validationf("policyId required")
	}
	if len(in.Document) == 0 {
		return models.PolicyVersion{}, false, models.Validationf("document required")
	}
	if in.Actor == "" {
		return models.PolicyVersion{}, false, models.Validationf("actor required")
	}
	canonDoc, err := canonical.CanonicalizeJSON(in.Document)
	if err != nil {
		return models.PolicyVersion{}, false, models.Validationf("document is not valid JSON: %v", err)
	}
	versionHash, err := canonical.HashJSON(canonDoc)
	if err != nil {
		return models.PolicyVersion{}, false, err
	}
	rec := models.PolicyVersion{
		TenantID:          in.TenantID,
		PolicyID:          in.PolicyID,
		PolicyVersionHash: versionHash,
		SchemaVersion:     in.SchemaVersion,
		Document:          canonDoc,
		CreatedBy:         in.Actor,
		CreatedAtUTC:      models.UTCString(s.Now()),
	}
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:        models.ClassPolicyVersion,
		TenantID:     in.TenantID,
		KeyFields:    []string{in.PolicyID},
		IdentityHash: versionHash,
		Payload:      rec,
		EventAt:      s.Now(),
	})
	if err != nil {
		return models.PolicyVersion{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.PolicyVersion{}, false, err
	}
	out, err := decodeVersion(stored)
	return out, created, err
}

type LifecycleInput struct {
	TenantID          string
	PolicyID          string
	PolicyVersionHash string
	LifecycleState    string
	Actor             string
	ReasonCode        string
	EventAt           time.Time
}

// AppendLifecycleEvent appends one state transition. Idempotent on
// (policyId, policyVersionHash, state, eventAtUtc).
func (s *Store) AppendLifecycleEvent(ctx context.Context, in LifecycleInput) (models.PolicyLifecycleEvent, bool, error) {
	if in.PolicyID == "" {
		return models.PolicyLifecycleEvent{}, false, models.Validationf("policyId required")
	}
	if !canonical.IsHexHash(in.PolicyVersionHash) {
		return models.PolicyLifecycleEvent{}, false, models.Validationf("policyVersionHash must be 64 lowercase hex chars")
	}
	switch in.LifecycleState {
	case models.LifecycleActive, models.LifecycleDeprecated, models.LifecycleRevoked:
	default:
		return models.PolicyLifecycleEvent{}, false, models.Validationf("unknown lifecycle state %q", in.LifecycleState)
	}
	if in.Actor == "" {
		return models.PolicyLifecycleEvent{}, false, models.Validationf("actor required")
	}
	if in.EventAt.IsZero() {
		in.EventAt = s.Now()
	}
	rec := models.PolicyLifecycleEvent{
		TenantID:          in.TenantID,
		PolicyID:          in.PolicyID,
		PolicyVersionHash: in.PolicyVersionHash,
		LifecycleState:    in.LifecycleState,
		ReasonCode:        in.ReasonCode,
		Actor:             in.Actor,
		EventAtUTC:        models.UTCString(in.EventAt),
	}
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:     models.ClassPolicyLifecycleEvent,
		TenantID:  in.TenantID,
		KeyFields: []string{in.PolicyID, in.PolicyVersionHash, in.LifecycleState, rec.EventAtUTC},
		Payload:   rec,
		EventAt:   in.EventAt,
	})
	if err != nil {
		return models.PolicyLifecycleEvent{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.PolicyLifecycleEvent{}, false, err
	}
	out, err := decodeLifecycle(stored)
	return out, created, err
}

// ListVersions returns all versions of a policy, newest first.
func (s *Store) ListVersions(ctx context.Context, tenantID, policyID string, limit int) ([]models.PolicyVersion, error) {
	arts, err := s.Col.List(ctx, store.ListQuery{
		ArtifactClass: models.ClassPolicyVersion,
		TenantID:      tenantID,
		Equals:        map[string]string{"policyId": policyID},
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.PolicyVersion, 0, len(arts))
	for _, a := range arts {
		rec, err := decodeVersion(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListLifecycleEvents returns lifecycle events in a window, newest first,
// artifact ID tie-break.
func (s *Store) ListLifecycleEvents(ctx context.Context, tenantID, policyID string, from, to time.Time, limit int) ([]models.PolicyLifecycleEvent, error) {
	q := store.ListQuery{
		ArtifactClass: models.ClassPolicyLifecycleEvent,
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
	out := make([]models.PolicyLifecycleEvent, 0, len(arts))
	for _, a := range arts {
		rec, err := decodeLifecycle(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ActiveVersions joins every version of the policy with the latest lifecycle
// event per version hash and keeps the ones whose latest state is ACTIVE.
func (s *Store) ActiveVersions(ctx context.Context, tenantID, policyID string) ([]models.PolicyVersion, error) {
	versions, err := s.ListVersions(ctx, tenantID, policyID, store.MaxPageSize)
	if err != nil {
		return nil, err
	}
	events, err := s.ListLifecycleEvents(ctx, tenantID, policyID, time.Time{}, time.Time{}, store.MaxPageSize)
	if err != nil {
		return nil, err
	}
	// Events arrive newest-first with the artifact-ID tie-break, so the first
	// event seen per version hash is the current state.
	latest := map[string]string{}
	for _, ev := range events {
		if _, ok := latest[ev.PolicyVersionHash]; !ok {
			latest[ev.PolicyVersionHash] = ev.LifecycleState
		}
	}
	var active []models.PolicyVersion
	for _, v := range versions {
		if latest[v.PolicyVersionHash] == models.LifecycleActive {
			active = append(active, v)
		}
	}
	return active, nil
}

func decodeVersion(a store.Artifact) (models.PolicyVersion, error) {
	var rec models.PolicyVersion
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode policy version %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}

func decodeLifecycle(a store.Artifact) (models.PolicyLifecycleEvent, error) {
	var rec models.PolicyLifecycleEvent
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode lifecycle event %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}
