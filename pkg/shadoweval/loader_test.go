package shadoweval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/models"
)

type fakePolicyReader struct {
	active []models.PolicyVersion
	err    error
	calls  int
}

func (f *fakePolicyReader) ActiveVersions(ctx context.Context, tenantID, policyID string) ([]models.PolicyVersion, error) {
	f.calls++
	return f.active, f.err
}

type fakeDelegationReader struct {
	events  []models.DelegationEvent
	err     error
	grantee string
}

func (f *fakeDelegationReader) ListEvents(ctx context.Context, tenantID, granteeID string, from, to time.Time, limit int) ([]models.DelegationEvent, error) {
	f.grantee = granteeID
	return f.events, f.err
}

func TestLoaderAssemblesSnapshot(t *testing.T) {
	policies := &fakePolicyReader{active: []models.PolicyVersion{managerRule(versionHashA)}}
	delegations := &fakeDelegationReader{events: []models.DelegationEvent{grant("d1", "g1", "requester-1", scopeHashA)}}
	l := &Loader{Policies: policies, Delegations: delegations}
	snap, err := l.Load(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.ActiveVersions) != 1 || len(snap.DelegationEvents) != 1 {
		t.Fatalf("snapshot incomplete: %+v", snap)
	}
	if delegations.grantee != "requester-1" {
		t.Fatalf("delegations must be scoped to the requesting actor, got %q", delegations.grantee)
	}
}

func TestLoaderPropagatesErrors(t *testing.T) {
	boom := errors.New("db down")
	l := &Loader{Policies: &fakePolicyReader{err: boom}, Delegations: &fakeDelegationReader{}}
	if _, err := l.Load(context.Background(), baseRequest()); !errors.Is(err, boom) {
		t.Fatalf("policy error not propagated: %v", err)
	}
	l = &Loader{Policies: &fakePolicyReader{}, Delegations: &fakeDelegationReader{err: boom}}
	if _, err := l.Load(context.Background(), baseRequest()); !errors.Is(err, boom) {
		t.Fatalf("delegation error not propagated: %v", err)
	}
}
