// Package enforce orchestrates enforcement preconditions, independent
// re-evaluation with divergence detection, and the persisted enforcement
// decision that may actually mutate a caller's response.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

const (
	killSwitchCacheKeyPrefix = "authority:killswitch:"
	killSwitchCacheTTL       = 2 * time.Second
)

// ControlStore is the append-only kill-switch event log. Current state is the
// latest event's killSwitchState, ties broken by artifact ID. A short-TTL
// cache keeps the hot decide path off the store.
type ControlStore struct {
	Col   store.Collection
	Cache store.Cache
	Now   func() time.Time
}

func NewControlStore(col store.Collection, cache store.Cache, now func() time.Time) *ControlStore {
	if now == nil {
		now = time.Now
	}
	return &ControlStore{Col: col, Cache: cache, Now: now}
}

type ControlInput struct {
	TenantID        string
	KillSwitchState bool
	ReasonCode      string
	TriggeredBy     string
	GuardReportID   string
	EventAt         time.Time
}

// AppendEvent appends one kill-switch toggle. Activation and deactivation
// both require a reason code and a triggering actor. Idempotent on the
// canonical payload.
func (s *ControlStore) AppendEvent(ctx context.Context, in ControlInput) (models.EnforcementControlEvent, bool, error) {
	if in.ReasonCode == "" {
		return models.EnforcementControlEvent{}, false, models.Validationf("reasonCode required")
	}
	if in.TriggeredBy == "" {
		return models.EnforcementControlEvent{}, false, models.Validationf("triggeredBy required")
	}
	if in.EventAt.IsZero() {
		in.EventAt = s.Now()
	}
	rec := models.EnforcementControlEvent{
		TenantID:        in.TenantID,
		KillSwitchState: in.KillSwitchState,
		ReasonCode:      in.ReasonCode,
		TriggeredBy:     in.TriggeredBy,
		GuardReportID:   in.GuardReportID,
		EventAtUTC:      models.UTCString(in.EventAt),
	}
	art, err := store.BuildArtifact(store.ArtifactSpec{
		Class:        models.ClassEnforcementControl,
		TenantID:     in.TenantID,
		WholePayload: true,
		Payload:      rec,
		EventAt:      in.EventAt,
	})
	if err != nil {
		return models.EnforcementControlEvent{}, false, err
	}
	stored, created, err := s.Col.InsertOrGet(ctx, art)
	if err != nil {
		return models.EnforcementControlEvent{}, false, err
	}
	if s.Cache != nil {
		_ = s.Cache.Del(ctx, killSwitchCacheKeyPrefix+in.TenantID)
	}
	out, err := decodeControl(stored)
	return out, created, err
}

// CurrentState resolves the current kill-switch state.
func (s *ControlStore) CurrentState(ctx context.Context, tenantID string) (bool, error) {
	key := killSwitchCacheKeyPrefix + tenantID
	if s.Cache != nil {
		if v, err := s.Cache.Get(ctx, key); err == nil {
			return v == "on", nil
		}
	}
	events, err := s.Col.List(ctx, store.ListQuery{
		ArtifactClass: models.ClassEnforcementControl,
		TenantID:      tenantID,
		Limit:         1,
	})
	if err != nil {
		return false, err
	}
	state := false
	if len(events) > 0 {
		rec, err := decodeControl(events[0])
		if err != nil {
			return false, err
		}
		state = rec.KillSwitchState
	}
	if s.Cache != nil {
		v := "off"
		if state {
			v = "on"
		}
		_ = s.Cache.Set(ctx, key, v, killSwitchCacheTTL)
	}
	return state, nil
}

// ListEvents returns kill-switch events in a window, newest first.
func (s *ControlStore) ListEvents(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]models.EnforcementControlEvent, error) {
	arts, err := s.Col.List(ctx, store.ListQuery{
		ArtifactClass: models.ClassEnforcementControl,
		TenantID:      tenantID,
		From:          from,
		To:            to,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.EnforcementControlEvent, 0, len(arts))
	for _, a := range arts {
		rec, err := decodeControl(a)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeControl(a store.Artifact) (models.EnforcementControlEvent, error) {
	var rec models.EnforcementControlEvent
	if err := json.Unmarshal(a.Payload, &rec); err != nil {
		return rec, fmt.Errorf("decode control event %s: %w", a.ArtifactID, err)
	}
	rec.ArtifactID = a.ArtifactID
	return rec, nil
}
