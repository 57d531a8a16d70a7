// Package shadoweval implements the pure policy decision function. Given a
// request and a loaded policy/delegation snapshot it computes a
// WOULD_ALLOW/WOULD_BLOCK verdict, reason codes, and a policy conflict code.
// Identical logical input always yields an identical evaluation payload hash;
// that property carries the whole subsystem's divergence detection.
package shadoweval

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/canonical"
	"github.com/RedRooEnergy/authority-engine/pkg/delegation"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
)

// EvaluatorVersion is baked into every decision payload so hash comparisons
// never silently cross evaluator revisions.
const EvaluatorVersion = "authority-shadow-eval/1"

// Snapshot is the policy/delegation state the evaluator runs against. The
// loader assembles it; Evaluate itself performs no I/O.
type Snapshot struct {
	// ActiveVersions are the policy's versions whose latest lifecycle state
	// is ACTIVE.
	ActiveVersions []models.PolicyVersion
	// DelegationEvents are the tenant's delegation events, newest first.
	DelegationEvents []models.DelegationEvent
}

// Evaluate computes the shadow verdict. It is deterministic: reason codes are
// deduplicated and sorted, version tie-breaks are lexicographic, and the
// payload hash is over key-sorted canonical JSON.
func Evaluate(req models.EvaluationRequest, snap Snapshot) (models.EvaluationResult, error) {
	if req.PolicyID == "" {
		return models.EvaluationResult{}, models.Validationf("policyId required")
	}
	if req.RequestActorID == "" || req.RequestActorRole == "" {
		return models.EvaluationResult{}, models.Validationf("requestActorId and requestActorRole required")
	}
	if req.Resource == "" || req.Action == "" {
		return models.EvaluationResult{}, models.Validationf("resource and action required")
	}
	decidedAt, err := time.Parse(time.RFC3339Nano, req.DecidedAtUTC)
	if err != nil {
		return models.EvaluationResult{}, models.Validationf("decidedAtUtc must be RFC3339: %v", err)
	}

	conflict := ""
	selected, selectConflict := selectVersion(req.PolicyVersionHash, snap.ActiveVersions)
	conflict = selectConflict

	var rule *models.PolicyRule
	if selected != nil {
		parsed, ok := parseRule(selected.Document)
		if !ok && conflict == "" {
			conflict = models.ConflictPolicyRuleAmbiguous
		}
		if ok {
			rule = parsed
		}
	}

	var reasons []string
	if rule != nil {
		grants := delegation.ActiveGrants(snap.DelegationEvents, req.RequestActorID, req.Resource, req.Action, decidedAt)

		if conflict == "" && rule.RequireDelegation && conflictingScopes(grants) {
			conflict = models.ConflictDelegationScope
		}
		if conflict == "" && rule.RequireApprovalID && req.ApproverActorID != "" && approverInsideDelegation(req.ApproverActorID, grants) {
			conflict = models.ConflictApprovalScope
		}

		reasons = evaluatePredicates(req, rule, grants)
	}

	reasons = canonical.SortedUniqueStrings(reasons)
	decision := models.WouldAllow
	if conflict != "" || len(reasons) > 0 {
		decision = models.WouldBlock
	}

	result := models.EvaluationResult{
		WouldDecision:      decision,
		ReasonCodes:        reasons,
		PolicyConflictCode: conflict,
		EvaluatorVersion:   EvaluatorVersion,
	}
	if selected != nil {
		result.SelectedPolicyVersionHash = selected.PolicyVersionHash
	}
	hash, err := PayloadHash(req, result)
	if err != nil {
		return models.EvaluationResult{}, err
	}
	result.EvaluationPayloadHash = hash
	return result, nil
}

// PayloadHash computes the canonical decision payload hash over all inputs
// and outputs plus the evaluator version. Divergence detection compares this
// hash across independent evaluations.
func PayloadHash(req models.EvaluationRequest, res models.EvaluationResult) (string, error) {
	payload := struct {
		Request                   models.EvaluationRequest `json:"request"`
		WouldDecision             string                   `json:"wouldDecision"`
		ReasonCodes               []string                 `json:"reasonCodes"`
		PolicyConflictCode        string                   `json:"policyConflictCode,omitempty"`
		SelectedPolicyVersionHash string                   `json:"selectedPolicyVersionHash,omitempty"`
		EvaluatorVersion          string                   `json:"evaluatorVersion"`
	}{req, res.WouldDecision, res.ReasonCodes, res.PolicyConflictCode, res.SelectedPolicyVersionHash, res.EvaluatorVersion}
	return canonical.HashValue(payload)
}

// selectVersion resolves which active version governs the request, reporting
// the first-match conflict per the fixed precedence order.
func selectVersion(hint string, active []models.PolicyVersion) (*models.PolicyVersion, string) {
	if len(active) == 0 {
		return nil, models.ConflictNoActivePolicy
	}
	if hint != "" {
		for i := range active {
			if active[i].PolicyVersionHash == hint {
				return &active[i], ""
			}
		}
		return nil, models.ConflictPolicyVersionUnresolved
	}
	if len(active) == 1 {
		return &active[0], ""
	}
	// Deterministic last-resort tie-break, not a business rule: smallest
	// version hash wins, and the multiplicity is still reported as a
	// conflict.
	sorted := make([]models.PolicyVersion, len(active))
	copy(sorted, active)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PolicyVersionHash < sorted[j].PolicyVersionHash })
	return &sorted[0], models.ConflictMultipleActivePolicies
}

// parseRule reports whether the document is a well-formed rule object.
func parseRule(doc json.RawMessage) (*models.PolicyRule, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil, false
	}
	if _, ok := probe["resource"]; !ok {
		return nil, false
	}
	if _, ok := probe["action"]; !ok {
		return nil, false
	}
	var rule models.PolicyRule
	if err := json.Unmarshal(doc, &rule); err != nil {
		return nil, false
	}
	if rule.Resource == "" || rule.Action == "" {
		return nil, false
	}
	return &rule, true
}

func evaluatePredicates(req models.EvaluationRequest, rule *models.PolicyRule, grants []models.DelegationEvent) []string {
	var reasons []string
	if rule.Resource != "*" && rule.Resource != req.Resource {
		reasons = append(reasons, models.ReasonResourceScopeMismatch)
	}
	if rule.Action != "*" && rule.Action != req.Action {
		reasons = append(reasons, models.ReasonActionScopeMismatch)
	}
	if len(rule.AllowRoles) > 0 && !contains(rule.AllowRoles, req.RequestActorRole) {
		reasons = append(reasons, models.ReasonRequestRoleNotAllowed)
	}
	if rule.RequireDelegation {
		switch {
		case len(grants) == 0 && req.DelegationID == "":
			reasons = append(reasons, models.ReasonDelegationRequired)
		case len(grants) == 0:
			reasons = append(reasons, models.ReasonDelegationNotActive)
		case req.DelegationID != "" && !grantsContain(grants, req.DelegationID):
			reasons = append(reasons, models.ReasonDelegationNotActive)
		}
	}
	if rule.RequireApprovalID {
		switch {
		case req.ApprovalID == "" || req.ApproverActorID == "":
			reasons = append(reasons, models.ReasonApprovalRequired)
		case req.ApproverActorID == req.RequestActorID:
			reasons = append(reasons, models.ReasonApproverSoDViolation)
		}
	}
	return reasons
}

// conflictingScopes reports whether concurrently active delegations for the
// same grantee/resource/action disagree on scope.
func conflictingScopes(grants []models.DelegationEvent) bool {
	seen := ""
	for _, g := range grants {
		if seen == "" {
			seen = g.ScopeHash
			continue
		}
		if g.ScopeHash != seen {
			return true
		}
	}
	return false
}

// approverInsideDelegation reports whether the approver is a party to any
// delegation satisfying the request; approval must come from outside the
// delegation scope.
func approverInsideDelegation(approverID string, grants []models.DelegationEvent) bool {
	for _, g := range grants {
		if g.GrantorID == approverID || g.GranteeID == approverID {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func grantsContain(grants []models.DelegationEvent, delegationID string) bool {
	for _, g := range grants {
		if g.DelegationID == delegationID {
			return true
		}
	}
	return false
}
