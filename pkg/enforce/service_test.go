package enforce

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/decisionbus"
	"github.com/RedRooEnergy/authority-engine/pkg/delegation"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/policystore"
	"github.com/RedRooEnergy/authority-engine/pkg/shadoweval"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowstore"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

type testStack struct {
	svc      *Service
	col      *store.MemCollection
	policies *policystore.Store
	shadow   *shadowstore.Store
	control  *ControlStore
	bus      *decisionbus.MemoryBus
}

func enforcingConfig() Config {
	return Config{
		EnforcementEnabled:      true,
		TenantAllowlist:         NewAllowlist([]string{"tenant-a"}),
		RoleAllowlist:           NewAllowlist(nil),
		ResourceActionAllowlist: NewAllowlist(nil),
		PolicyVersionAllowlist:  NewAllowlist(nil),
	}
}

func newStack(t *testing.T, cfg Config) *testStack {
	t.Helper()
	col := store.NewMemCollection()
	policies := policystore.New(col, nil)
	delegations := delegation.New(col, nil)
	shadow := shadowstore.New(col, nil)
	control := NewControlStore(col, nil, nil)
	decisions := NewDecisionStore(col, shadow, nil)
	loader := &shadoweval.Loader{Policies: policies, Delegations: delegations}
	svc := NewService(cfg, loader, shadow, decisions, control)
	svc.Logf = t.Logf
	bus := decisionbus.NewMemoryBus(64)
	svc.Bus = bus
	return &testStack{svc: svc, col: col, policies: policies, shadow: shadow, control: control, bus: bus}
}

func (ts *testStack) activatePolicy(t *testing.T, doc string) models.PolicyVersion {
	t.Helper()
	ctx := context.Background()
	ver, _, err := ts.policies.RegisterVersion(ctx, policystore.RegisterVersionInput{
		TenantID: "tenant-a", PolicyID: "p1", SchemaVersion: "v1",
		Document: json.RawMessage(doc), Actor: "admin",
	})
	if err != nil {
		t.Fatalf("register policy: %v", err)
	}
	_, _, err = ts.policies.AppendLifecycleEvent(ctx, policystore.LifecycleInput{
		TenantID: "tenant-a", PolicyID: "p1",
		PolicyVersionHash: ver.PolicyVersionHash,
		LifecycleState:    models.LifecycleActive, Actor: "admin",
		EventAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("activate policy: %v", err)
	}
	return ver
}

func decideRequest() models.EvaluationRequest {
	return models.EvaluationRequest{
		TenantID:         "tenant-a",
		PolicyID:         "p1",
		SubjectActorID:   "subject-1",
		RequestActorID:   "requester-1",
		RequestActorRole: "manager",
		Resource:         "orders",
		Action:           "approve",
		DecidedAtUTC:     "2026-07-01T12:00:00Z",
	}
}

const managerOnlyRule = `{"resource":"orders","action":"approve","allowRoles":["manager"]}`

func TestDecideEnforcedAllow(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)

	out, err := ts.svc.Decide(context.Background(), decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Result != models.EnforceAllow || !out.Applied || out.Bypassed {
		t.Fatalf("outcome: %+v", out)
	}
	if out.Divergence {
		t.Fatalf("deterministic evaluation reported divergence")
	}
	if out.Enforcement == nil || out.Enforcement.EnforcementResult != models.EnforceAllow {
		t.Fatalf("enforcement decision missing or wrong: %+v", out.Enforcement)
	}
	if out.Shadow.WouldDecision != models.WouldAllow {
		t.Fatalf("shadow verdict: %s", out.Shadow.WouldDecision)
	}
}

func TestDecideEnforcedBlockOnRole(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)

	req := decideRequest()
	req.RequestActorRole = "buyer"
	out, err := ts.svc.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Result != models.EnforceBlock || !out.Applied {
		t.Fatalf("outcome: %+v", out)
	}
	if out.ResponseMutationCode != models.MutationBlock {
		t.Fatalf("mutation code: %s", out.ResponseMutationCode)
	}
	if len(out.Shadow.ReasonCodes) != 1 || out.Shadow.ReasonCodes[0] != models.ReasonRequestRoleNotAllowed {
		t.Fatalf("reason codes: %v", out.Shadow.ReasonCodes)
	}
	if !out.CaseOpened {
		t.Fatalf("blocking decision must open an override case")
	}
}

func TestDecideBypassFlagDisabledStillRecordsShadow(t *testing.T) {
	cfg := enforcingConfig()
	cfg.EnforcementEnabled = false
	ts := newStack(t, cfg)
	ts.activatePolicy(t, managerOnlyRule)

	req := decideRequest()
	req.RequestActorRole = "buyer"
	out, err := ts.svc.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Result != models.EnforceAllow || out.Applied {
		t.Fatalf("bypassed request must allow without enforcement: %+v", out)
	}
	if !out.Bypassed || out.BypassReason != models.BypassEnforcementFlagDisabled {
		t.Fatalf("bypass reason: %s", out.BypassReason)
	}
	if out.Shadow.WouldDecision != models.WouldBlock {
		t.Fatalf("shadow path must still run and record the block: %+v", out.Shadow)
	}

	persisted, err := ts.shadow.ListDecisions(context.Background(), "tenant-a", "p1", time.Time{}, time.Time{}, 0)
	if err != nil || len(persisted) != 1 {
		t.Fatalf("shadow decision not persisted: n=%d err=%v", len(persisted), err)
	}
}

func TestDecideBypassOrder(t *testing.T) {
	ctx := context.Background()

	// Kill switch outranks every other gate.
	cfg := enforcingConfig()
	cfg.EnforcementEnabled = false
	ts := newStack(t, cfg)
	ts.activatePolicy(t, managerOnlyRule)
	_, _, err := ts.control.AppendEvent(ctx, ControlInput{
		TenantID: "tenant-a", KillSwitchState: true,
		ReasonCode: "DRILL", TriggeredBy: "operator-1",
		EventAt: time.Date(2026, 7, 1, 1, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("engage: %v", err)
	}
	out, err := ts.svc.Decide(ctx, decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.BypassReason != models.BypassKillSwitchEnabled {
		t.Fatalf("kill switch must win: %s", out.BypassReason)
	}

	// Tenant gate before role gate.
	cfg = enforcingConfig()
	cfg.TenantAllowlist = NewAllowlist([]string{"tenant-other"})
	cfg.RoleAllowlist = NewAllowlist([]string{"auditor"})
	ts = newStack(t, cfg)
	ts.activatePolicy(t, managerOnlyRule)
	out, err = ts.svc.Decide(ctx, decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.BypassReason != models.BypassTenantNotAllowlisted {
		t.Fatalf("tenant gate must precede role gate: %s", out.BypassReason)
	}

	// Role gate before resource/action gate.
	cfg = enforcingConfig()
	cfg.RoleAllowlist = NewAllowlist([]string{"auditor"})
	cfg.ResourceActionAllowlist = NewAllowlist([]string{ResourceActionKey("inventory", "delete")})
	ts = newStack(t, cfg)
	ts.activatePolicy(t, managerOnlyRule)
	out, err = ts.svc.Decide(ctx, decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.BypassReason != models.BypassRoleNotAllowlisted {
		t.Fatalf("role gate must precede resource gate: %s", out.BypassReason)
	}

	// Version-not-provided before version-not-allowlisted.
	cfg = enforcingConfig()
	cfg.PolicyVersionAllowlist = NewAllowlist([]string{"someversion"})
	ts = newStack(t, cfg)
	ts.activatePolicy(t, managerOnlyRule)
	out, err = ts.svc.Decide(ctx, decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.BypassReason != models.BypassPolicyVersionNotProvided {
		t.Fatalf("missing version hint: %s", out.BypassReason)
	}
	req := decideRequest()
	req.PolicyVersionHash = "otherversion"
	out, err = ts.svc.Decide(ctx, req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.BypassReason != models.BypassPolicyVersionNotAllowlisted {
		t.Fatalf("unlisted version hint: %s", out.BypassReason)
	}
}

func TestDecideKillSwitchReadErrorFailsToShadowOnly(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)
	ts.svc.Control = failingKillSwitch{}

	out, err := ts.svc.Decide(context.Background(), decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !out.Bypassed || out.BypassReason != models.BypassKillSwitchEnabled {
		t.Fatalf("unreadable switch must act engaged: %+v", out)
	}
	if out.Result != models.EnforceAllow || out.Applied {
		t.Fatalf("shadow-only failure mode violated: %+v", out)
	}
}

type failingKillSwitch struct{}

func (failingKillSwitch) CurrentState(context.Context, string) (bool, error) {
	return false, errors.New("cache and store down")
}

func TestDecideDivergenceStrictBlocks(t *testing.T) {
	cfg := enforcingConfig()
	cfg.StrictMode = true
	ts := newStack(t, cfg)
	ts.activatePolicy(t, managerOnlyRule)
	ts.svc.Eval = flipFlopEval()

	out, err := ts.svc.Decide(context.Background(), decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !out.Divergence {
		t.Fatalf("divergence not detected")
	}
	if out.Result != models.EnforceBlock || !out.Applied {
		t.Fatalf("strict divergence must block: %+v", out)
	}
	if out.FailureCode != models.CodeDualWriteMismatch {
		t.Fatalf("failure code: %s", out.FailureCode)
	}
	if out.ResponseMutationCode != models.MutationStrictDualWriteMismatch {
		t.Fatalf("mutation code: %s", out.ResponseMutationCode)
	}
	if out.Enforcement == nil || !out.Enforcement.ShadowVsEnforcementDivergence {
		t.Fatalf("divergence not persisted on the enforcement decision")
	}
}

func TestDecideDivergenceNonStrictAllowsAndFlags(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)
	ts.svc.Eval = flipFlopEval()

	out, err := ts.svc.Decide(context.Background(), decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !out.Divergence || out.Result != models.EnforceAllow {
		t.Fatalf("non-strict divergence must allow: %+v", out)
	}
	if out.FailureCode != models.CodeDualWriteMismatch {
		t.Fatalf("failure code must still flag the mismatch: %s", out.FailureCode)
	}
	if out.Enforcement == nil || !out.Enforcement.ShadowVsEnforcementDivergence {
		t.Fatalf("divergence not persisted")
	}
}

// flipFlopEval returns a real evaluation first, then one with a perturbed
// payload hash, simulating a nondeterministic decision function.
func flipFlopEval() EvalFn {
	calls := 0
	return func(req models.EvaluationRequest, snap shadoweval.Snapshot) (models.EvaluationResult, error) {
		res, err := shadoweval.Evaluate(req, snap)
		if err != nil {
			return res, err
		}
		calls++
		if calls > 1 {
			perturbed := req
			perturbed.RequestActorID = req.RequestActorID + "-drift"
			res.EvaluationPayloadHash, err = shadoweval.PayloadHash(perturbed, res)
			if err != nil {
				return res, err
			}
		}
		return res, nil
	}
}

func TestDecideInternalErrorStrictBlocks(t *testing.T) {
	cfg := enforcingConfig()
	cfg.StrictMode = true
	ts := newStack(t, cfg)
	ts.activatePolicy(t, managerOnlyRule)
	ts.svc.Decisions = failingAppender{}

	out, err := ts.svc.Decide(context.Background(), decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Result != models.EnforceBlock || out.Applied {
		t.Fatalf("strict persistence failure must block without an applied decision: %+v", out)
	}
	if out.FailureCode != models.CodeStrictInternalError {
		t.Fatalf("failure code: %s", out.FailureCode)
	}
	if out.ResponseMutationCode != models.MutationStrictInternalError {
		t.Fatalf("mutation code: %s", out.ResponseMutationCode)
	}
}

func TestDecideInternalErrorNonStrictAllows(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)
	ts.svc.Decisions = failingAppender{}

	out, err := ts.svc.Decide(context.Background(), decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Result != models.EnforceAllow || out.Applied {
		t.Fatalf("non-strict persistence failure must fail open: %+v", out)
	}
	if out.FailureCode != models.CodeStrictInternalError {
		t.Fatalf("failure code: %s", out.FailureCode)
	}
}

type failingAppender struct{}

func (failingAppender) AppendDecision(context.Context, models.EnforcementDecision) (models.EnforcementDecision, bool, error) {
	return models.EnforcementDecision{}, false, errors.New("store down")
}

func TestObserveRecordsObservedVerdicts(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)
	ctx := context.Background()

	out, err := ts.svc.Observe(ctx, decideRequest())
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if out.Result != models.EnforceAllow || out.Applied {
		t.Fatalf("observe must never enforce: %+v", out)
	}
	if out.Shadow.WouldDecision != models.ObservedAllow {
		t.Fatalf("verdict: %s", out.Shadow.WouldDecision)
	}

	req := decideRequest()
	req.RequestActorRole = "buyer"
	req.DecidedAtUTC = "2026-07-01T13:00:00Z"
	out, err = ts.svc.Observe(ctx, req)
	if err != nil {
		t.Fatalf("observe deny: %v", err)
	}
	if out.Shadow.WouldDecision != models.ObservedDeny {
		t.Fatalf("verdict: %s", out.Shadow.WouldDecision)
	}
	if out.Result != models.EnforceAllow {
		t.Fatalf("observed deny must still allow the caller")
	}
	if !out.CaseOpened {
		t.Fatalf("observed deny must open an override case")
	}
}

func TestDecidePublishesFeedEvent(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)

	out, err := ts.svc.Decide(context.Background(), decideRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := ts.bus.Next(ctx)
	if err != nil {
		t.Fatalf("no feed event: %v", err)
	}
	if ev.ShadowDecisionID != out.Shadow.DecisionID || ev.EnforcementResult != models.EnforceAllow {
		t.Fatalf("feed event: %+v", ev)
	}
}

func TestDecideDefaultsDecidedAt(t *testing.T) {
	ts := newStack(t, enforcingConfig())
	ts.activatePolicy(t, managerOnlyRule)
	fixed := time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)
	ts.svc.Now = func() time.Time { return fixed }

	req := decideRequest()
	req.DecidedAtUTC = ""
	out, err := ts.svc.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Shadow.DecidedAtUTC != models.UTCString(fixed) {
		t.Fatalf("decidedAt not defaulted: %s", out.Shadow.DecidedAtUTC)
	}
}

func TestAllowlistSemantics(t *testing.T) {
	empty := NewAllowlist(nil)
	if !empty.Empty() {
		t.Fatalf("nil input must build an empty allowlist")
	}
	list := NewAllowlist([]string{"a", "", "b"})
	if list.Empty() || !list.Contains("a") || list.Contains("") {
		t.Fatalf("allowlist membership wrong")
	}
	if ResourceActionKey("orders", "approve") != "orders|approve" {
		t.Fatalf("resource action key format changed")
	}
}
