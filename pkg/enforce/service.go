package enforce

import (
	"context"
	"log"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/decisionbus"
	"github.com/RedRooEnergy/authority-engine/pkg/metrics"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/shadoweval"
)

// Allowlist is a normalized membership set. An empty allowlist places no
// restriction; a populated one restricts enforcement to its members.
type Allowlist map[string]struct{}

func NewAllowlist(values []string) Allowlist {
	out := Allowlist{}
	for _, v := range values {
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

func (a Allowlist) Empty() bool { return len(a) == 0 }

func (a Allowlist) Contains(v string) bool {
	_, ok := a[v]
	return ok
}

// Config carries the enforcement rollout switches. Enforcement starts fully
// gated: every gate that fails downgrades the request to shadow-only.
type Config struct {
	EnforcementEnabled bool
	// StrictMode fails closed on divergence and on internal errors instead
	// of logging and allowing.
	StrictMode bool

	TenantAllowlist         Allowlist
	RoleAllowlist           Allowlist
	ResourceActionAllowlist Allowlist
	PolicyVersionAllowlist  Allowlist
}

// ResourceActionKey builds the membership key for the resource/action
// allowlist.
func ResourceActionKey(resource, action string) string {
	return resource + "|" + action
}

// SnapshotLoader loads a fresh evaluation snapshot. The enforcement path
// calls it once per evaluation run so the dual runs stay independent.
type SnapshotLoader interface {
	Load(ctx context.Context, req models.EvaluationRequest) (shadoweval.Snapshot, error)
}

// EvalFn is the pure decision function.
type EvalFn func(req models.EvaluationRequest, snap shadoweval.Snapshot) (models.EvaluationResult, error)

// ShadowSink persists shadow decisions and their override cases.
type ShadowSink interface {
	AppendDecision(ctx context.Context, req models.EvaluationRequest, res models.EvaluationResult) (models.ShadowDecision, bool, error)
	OpenOrGetCase(ctx context.Context, dec models.ShadowDecision) (models.ShadowOverrideCase, bool, error)
}

// EnforcementAppender persists enforcement decisions.
type EnforcementAppender interface {
	AppendDecision(ctx context.Context, rec models.EnforcementDecision) (models.EnforcementDecision, bool, error)
}

// KillSwitch resolves the tenant's current kill-switch state.
type KillSwitch interface {
	CurrentState(ctx context.Context, tenantID string) (bool, error)
}

// Service runs the enforcement state machine: preconditions, dual
// independent evaluation with divergence detection, persistence, and the
// final ALLOW/BLOCK verdict. The shadow path always runs and always
// persists; only the enforcement verdict is gated.
type Service struct {
	Cfg       Config
	Loader    SnapshotLoader
	Eval      EvalFn
	Shadow    ShadowSink
	Decisions EnforcementAppender
	Control   KillSwitch
	Bus       decisionbus.Publisher
	Metrics   *metrics.Registry
	Logf      func(format string, args ...any)
	Now       func() time.Time
}

func NewService(cfg Config, loader SnapshotLoader, shadow ShadowSink, decisions EnforcementAppender, control KillSwitch) *Service {
	return &Service{
		Cfg:       cfg,
		Loader:    loader,
		Eval:      shadoweval.Evaluate,
		Shadow:    shadow,
		Decisions: decisions,
		Control:   control,
		Logf:      log.Printf,
		Now:       time.Now,
	}
}

// Outcome is the full result of one decide or observe call.
type Outcome struct {
	Result               string                      `json:"result"`
	Applied              bool                        `json:"enforcementApplied"`
	Bypassed             bool                        `json:"bypassed"`
	BypassReason         string                      `json:"bypassReason,omitempty"`
	ResponseMutationCode string                      `json:"responseMutationCode,omitempty"`
	FailureCode          string                      `json:"failureCode,omitempty"`
	Divergence           bool                        `json:"divergence"`
	CaseOpened           bool                        `json:"caseOpened"`
	Shadow               models.ShadowDecision       `json:"shadowDecision"`
	Enforcement          *models.EnforcementDecision `json:"enforcementDecision,omitempty"`
}

// Decide runs the full state machine for one request. The returned Outcome
// always carries Result ALLOW or BLOCK; BLOCK only ever comes from an
// applied, persisted enforcement decision or a strict-mode failure.
func (s *Service) Decide(ctx context.Context, req models.EvaluationRequest) (Outcome, error) {
	if req.DecidedAtUTC == "" {
		req.DecidedAtUTC = models.UTCString(s.Now())
	}

	bypass := s.bypassReason(ctx, req)
	if bypass != "" {
		out := s.decideBypassed(ctx, req, bypass)
		s.finish(ctx, req, out)
		return out, nil
	}
	out := s.decideEnforced(ctx, req)
	s.finish(ctx, req, out)
	return out, nil
}

// bypassReason resolves the enforcement preconditions in their fixed order
// and returns the first failing gate, or "" when enforcement applies.
func (s *Service) bypassReason(ctx context.Context, req models.EvaluationRequest) string {
	engaged, err := s.Control.CurrentState(ctx, req.TenantID)
	if err != nil {
		// An unreadable switch is treated as engaged: the safe failure
		// mode is shadow-only, never surprise enforcement.
		s.logf("kill switch read failed for tenant %s, treating as engaged: %v", req.TenantID, err)
		engaged = true
	}
	if engaged {
		return models.BypassKillSwitchEnabled
	}
	if !s.Cfg.EnforcementEnabled {
		return models.BypassEnforcementFlagDisabled
	}
	if !s.Cfg.TenantAllowlist.Empty() && !s.Cfg.TenantAllowlist.Contains(req.TenantID) {
		return models.BypassTenantNotAllowlisted
	}
	if !s.Cfg.RoleAllowlist.Empty() && !s.Cfg.RoleAllowlist.Contains(req.RequestActorRole) {
		return models.BypassRoleNotAllowlisted
	}
	if !s.Cfg.ResourceActionAllowlist.Empty() && !s.Cfg.ResourceActionAllowlist.Contains(ResourceActionKey(req.Resource, req.Action)) {
		return models.BypassResourceActionNotAllowlisted
	}
	if !s.Cfg.PolicyVersionAllowlist.Empty() {
		if req.PolicyVersionHash == "" {
			return models.BypassPolicyVersionNotProvided
		}
		if !s.Cfg.PolicyVersionAllowlist.Contains(req.PolicyVersionHash) {
			return models.BypassPolicyVersionNotAllowlisted
		}
	}
	return ""
}

// decideBypassed runs the shadow path only. The caller is always allowed and
// nothing is enforced; shadow persistence failures are logged and the
// request proceeds.
func (s *Service) decideBypassed(ctx context.Context, req models.EvaluationRequest, reason string) Outcome {
	out := Outcome{Result: models.EnforceAllow, Bypassed: true, BypassReason: reason}
	dec, opened, err := s.runShadow(ctx, req)
	if err != nil {
		s.logf("shadow path failed (bypassed, reason %s): %v", reason, err)
		out.FailureCode = models.CodeStrictInternalError
		return out
	}
	out.Shadow = dec
	out.CaseOpened = opened
	return out
}

// decideEnforced runs the dual-evaluation enforcement path.
func (s *Service) decideEnforced(ctx context.Context, req models.EvaluationRequest) Outcome {
	dec, opened, err := s.runShadow(ctx, req)
	if err != nil {
		return s.internalFailure(Outcome{}, "shadow evaluation", err)
	}
	out := Outcome{Shadow: dec, CaseOpened: opened}

	// Second, fully independent evaluation: its own snapshot load, its own
	// run. A mismatch anywhere between the persisted hash and the two run
	// hashes means the decision function is not deterministic over current
	// state, and enforcement cannot be trusted.
	snap, err := s.Loader.Load(ctx, req)
	if err != nil {
		return s.internalFailure(out, "verification snapshot load", err)
	}
	verify, err := s.evalFn()(req, snap)
	if err != nil {
		return s.internalFailure(out, "verification evaluation", err)
	}
	out.Divergence = dec.DecisionHashSha256 != verify.EvaluationPayloadHash

	rec := models.EnforcementDecision{
		TenantID:                      req.TenantID,
		ShadowDecisionID:              dec.DecisionID,
		ShadowDecisionHash:            dec.DecisionHashSha256,
		ShadowVsEnforcementDivergence: out.Divergence,
		DecidedAtUTC:                  req.DecidedAtUTC,
	}
	switch {
	case out.Divergence && s.Cfg.StrictMode:
		rec.EnforcementResult = models.EnforceBlock
		rec.FailureCode = models.CodeDualWriteMismatch
		rec.ResponseMutationCode = models.MutationStrictDualWriteMismatch
	case out.Divergence:
		s.logf("dual evaluation diverged for tenant %s policy %s: stored %s, verify %s",
			req.TenantID, req.PolicyID, dec.DecisionHashSha256, verify.EvaluationPayloadHash)
		rec.EnforcementResult = models.EnforceAllow
		rec.FailureCode = models.CodeDualWriteMismatch
	case dec.WouldDecision == models.WouldBlock:
		rec.EnforcementResult = models.EnforceBlock
		rec.ResponseMutationCode = models.MutationBlock
	default:
		rec.EnforcementResult = models.EnforceAllow
	}

	stored, _, err := s.Decisions.AppendDecision(ctx, rec)
	if err != nil {
		return s.internalFailure(out, "enforcement decision persist", err)
	}
	out.Applied = true
	out.Result = stored.EnforcementResult
	out.ResponseMutationCode = stored.ResponseMutationCode
	out.FailureCode = stored.FailureCode
	out.Enforcement = &stored
	return out
}

// Observe runs the evaluator for an observe-only caller: the verdict is
// recorded as OBSERVED_ALLOW or OBSERVED_DENY and never enforced. The whole
// path fails open.
func (s *Service) Observe(ctx context.Context, req models.EvaluationRequest) (Outcome, error) {
	if req.DecidedAtUTC == "" {
		req.DecidedAtUTC = models.UTCString(s.Now())
	}
	out := Outcome{Result: models.EnforceAllow}

	snap, err := s.Loader.Load(ctx, req)
	if err != nil {
		s.logf("observe snapshot load failed: %v", err)
		out.FailureCode = models.CodeStrictInternalError
		return out, nil
	}
	res, err := s.evalFn()(req, snap)
	if err != nil {
		s.logf("observe evaluation failed: %v", err)
		out.FailureCode = models.CodeStrictInternalError
		return out, nil
	}
	if res.WouldDecision == models.WouldBlock {
		res.WouldDecision = models.ObservedDeny
	} else {
		res.WouldDecision = models.ObservedAllow
	}
	res.EvaluationPayloadHash, err = shadoweval.PayloadHash(req, res)
	if err != nil {
		s.logf("observe payload hash failed: %v", err)
		out.FailureCode = models.CodeStrictInternalError
		return out, nil
	}
	dec, _, err := s.Shadow.AppendDecision(ctx, req, res)
	if err != nil {
		s.logf("observe decision persist failed: %v", err)
		out.FailureCode = models.CodeStrictInternalError
		return out, nil
	}
	out.Shadow = dec
	if dec.WouldDecision == models.ObservedDeny {
		if _, openedCase, err := s.Shadow.OpenOrGetCase(ctx, dec); err != nil {
			s.logf("observe case open failed: %v", err)
		} else {
			out.CaseOpened = openedCase
		}
	}
	s.finish(ctx, req, out)
	return out, nil
}

// runShadow evaluates once and persists the shadow decision, opening the
// override case on a blocking verdict.
func (s *Service) runShadow(ctx context.Context, req models.EvaluationRequest) (models.ShadowDecision, bool, error) {
	snap, err := s.Loader.Load(ctx, req)
	if err != nil {
		return models.ShadowDecision{}, false, err
	}
	res, err := s.evalFn()(req, snap)
	if err != nil {
		return models.ShadowDecision{}, false, err
	}
	dec, _, err := s.Shadow.AppendDecision(ctx, req, res)
	if err != nil {
		return models.ShadowDecision{}, false, err
	}
	opened := false
	if dec.WouldDecision == models.WouldBlock {
		_, opened, err = s.Shadow.OpenOrGetCase(ctx, dec)
		if err != nil {
			return models.ShadowDecision{}, false, err
		}
	}
	return dec, opened, nil
}

// internalFailure resolves an enforcement-path internal error: strict mode
// fails closed, otherwise the request is logged and allowed.
func (s *Service) internalFailure(out Outcome, stage string, err error) Outcome {
	s.logf("enforcement %s failed: %v", stage, err)
	out.FailureCode = models.CodeStrictInternalError
	if s.Cfg.StrictMode {
		out.Result = models.EnforceBlock
		out.ResponseMutationCode = models.MutationStrictInternalError
		return out
	}
	out.Result = models.EnforceAllow
	return out
}

// finish emits metrics and the decision feed event. Both are strictly
// fail-open.
func (s *Service) finish(ctx context.Context, req models.EvaluationRequest, out Outcome) {
	if s.Metrics != nil {
		enforceResult := ""
		if out.Applied {
			enforceResult = out.Result
		}
		s.Metrics.ObserveDecision(out.Shadow.WouldDecision, enforceResult, out.BypassReason,
			out.Shadow.PolicyConflictCode, out.Divergence, out.CaseOpened)
	}
	if s.Bus == nil {
		return
	}
	ev := decisionbus.DecisionEvent{
		TenantID:           req.TenantID,
		PolicyID:           req.PolicyID,
		ShadowDecisionID:   out.Shadow.DecisionID,
		WouldDecision:      out.Shadow.WouldDecision,
		PolicyConflictCode: out.Shadow.PolicyConflictCode,
		Bypassed:           out.Bypassed,
		BypassReason:       out.BypassReason,
		Divergence:         out.Divergence,
		CaseOpened:         out.CaseOpened,
		DecidedAtUTC:       req.DecidedAtUTC,
	}
	if out.Enforcement != nil {
		ev.EnforcementDecisionID = out.Enforcement.ArtifactID
		ev.EnforcementResult = out.Enforcement.EnforcementResult
	}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		s.logf("decision feed publish failed: %v", err)
	}
}

func (s *Service) evalFn() EvalFn {
	if s.Eval != nil {
		return s.Eval
	}
	return shadoweval.Evaluate
}

func (s *Service) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
