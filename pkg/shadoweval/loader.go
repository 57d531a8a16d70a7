package shadoweval

import (
	"context"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

// PolicyReader provides the active versions of a policy.
type PolicyReader interface {
	ActiveVersions(ctx context.Context, tenantID, policyID string) ([]models.PolicyVersion, error)
}

// DelegationReader provides a tenant's delegation events, newest first.
type DelegationReader interface {
	ListEvents(ctx context.Context, tenantID, granteeID string, from, to time.Time, limit int) ([]models.DelegationEvent, error)
}

// Loader assembles the evaluation snapshot from the injected stores. Each
// enforcement-path re-evaluation loads its own snapshot so the two runs stay
// genuinely independent.
type Loader struct {
	Policies    PolicyReader
	Delegations DelegationReader
}

func (l *Loader) Load(ctx context.Context, req models.EvaluationRequest) (Snapshot, error) {
	active, err := l.Policies.ActiveVersions(ctx, req.TenantID, req.PolicyID)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := l.Delegations.ListEvents(ctx, req.TenantID, req.RequestActorID, time.Time{}, time.Time{}, store.MaxPageSize)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ActiveVersions: active, DelegationEvents: events}, nil
}
