// Package delegation records grant/revoke/expire events scoping one actor's
// ability to act on behalf of another for a (resource, action) pair.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
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

// DelegationID derives the lineage ID from the full scope tuple. Re-granting
// identical scope lands on the same lineage; any scope change starts a new one.
func DelegationID(tenantID, grantorID, granteeID, resource, action, validFromUTC, validToUTC, scopeHash string) string {
	return canonical.ArtifactID("DELEGATION", tenantID,
		[]string{grantorID, granteeID, resource, action, validFromUTC, validToUTC}, scopeHash)
}

type AppendEventInput struct {
	TenantID   string
	EventType  string
	GrantorID  string
	GranteeID  string
	Resource   string
	Action     string
	ScopeHash  string
	ApprovalID string
	ValidFrom  time.Time
	ValidTo    time.Time
	EventAt    time.Time
}

// AppendEvent appends one delegation event. GRANTED and REVOKED require a
// non-empty approvalId. Idempotent on (delegationId, eventType, eventAtUtc).
func (s *Store) AppendEvent(ctx context.Context, in AppendEventInput) (models.DelegationEvent, bool, error) {
	switch in.EventType {
	case models.DelegationGranted, models.DelegationRevoked:
		if in.ApprovalID == "" {
			return models.DelegationEvent{}, false, models.Validationf("%s requires approvalId", in.EventType)
		}
	case models.DelegationExpired:
	default:
		return models.DelegationEvent{}, false, models.Validationf("unknown delegation event type %q", in.EventType)
	}
	if in.GrantorID == "" || in.GranteeID == "" {
		return models.DelegationEvent{}, false, models.Validationf("grantorId and granteeId required")
	}
	if in.Resource == "" || in.Action == "" {
		return models.DelegationEvent{}, false, models.Validationf("resource and action required")
	}
	if !canonical.IsHexHash(in.ScopeHash) {
		return models.DelegationEvent{}, false, models.Validationf("scopeHash must be 64 lowercase hex chars")
	}
	if !in.ValidTo.After(in.ValidFrom) {
		return models.DelegationEvent{}, false, models.Validationf("validTo must be after validFrom")
	}
	if in.EventAt.IsZero() {
		in.EventAt = s.Now()
	}
	rec := models.DelegationEvent{
		TenantID:     in.TenantID,
		EventType:    in.EventType,
		GrantorID:    in.GrantorID,
		GranteeID:    in.GranteeID,
		Resource:     in.Resource,
		Action:       in.Action,
		ScopeHash:    in.ScopeHash,
		ApprovalID:   in.ApprovalID,
		ValidFromUTC: models.UTCString(in.ValidFrom),
		ValidToUTC:   models.UTCString(in.ValidTo),
		EventAtUTC:   models.UTCString(in.EventAt),
	}
	rec.DelegationID = DelegationID(in.TenantID, in.GrantorID, in.GranteeID, in.Resource, in.Action,
		rec.ValidFromUTC, rec.ValidToUTC, in.ScopeHash)
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:     models.ClassDelegationEvent,
		TenantID:  in.TenantID,
		KeyFields: []string{rec.DelegationID, in.EventType, rec.EventAtUTC},
		Payload:   rec,
		EventAt:   in.EventAt,
	})
	if err != nil {
		return models.DelegationEvent{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.DelegationEvent{}, false, err
	}
	out, err := decode(stored)
	return out, created, err
}

// ListEvents returns delegation events in a window, newest first.
func (s *Store) ListEvents(ctx context.Context, tenantID, granteeID string, from, to time.Time, limit int) ([]models.DelegationEvent, error) {
	q := store.ListQuery{
		ArtifactClass: models.ClassDelegationEvent,
		TenantID:      tenantID,
		From:          from,
		To:            to,
		Limit:         limit,
	}
	if granteeID != "" {
		q.Equals = map[string]string{"granteeId": granteeID}
	}
	arts, err := s.Col.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]models.DelegationEvent, 0, len(arts))
	for _, a := range arts {
		rec, err := decode(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ActiveGrants resolves the delegations active at the given instant for a
// grantee acting on (resource, action): the latest GRANTED event per lineage
// whose validity window contains at, with no later revoke or expiry.
func ActiveGrants(events []models.DelegationEvent, granteeID, resource, action string, at time.Time) []models.DelegationEvent {
	// Events ordered newest-first; the first event per lineage is its latest.
	latest := map[string]models.DelegationEvent{}
	for _, ev := range events {
		if ev.GranteeID != granteeID || ev.Resource != resource || ev.Action != action {
			continue
		}
		if _, ok := latest[ev.DelegationID]; !ok {
			latest[ev.DelegationID] = ev
		}
	}
	var active []models.DelegationEvent
	for _, ev := range latest {
		if ev.EventType != models.DelegationGranted {
			continue
		}
		from, err1 := time.Parse(time.RFC3339Nano, ev.ValidFromUTC)
		until, err2 := time.Parse(time.RFC3339Nano, ev.ValidToUTC)
		if err1 != nil || err2 != nil {
			continue
		}
		if at.Before(from) || at.After(until) {
			continue
		}
		active = append(active, ev)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].DelegationID < active[j].DelegationID })
	return active
}

func decode(a store.Artifact) (models.DelegationEvent, error) {
	var rec models.DelegationEvent
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode delegation event %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}
