// Package models defines the immutable, append-only records of the authority
// governance subsystem and the code constants shared across its packages.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Validation sentinels. ErrValidation covers malformed input rejected before
// any write; ErrReferentialIntegrity covers writes referencing records that
// do not exist or whose stored hash does not match.
var (
	ErrValidation           = errors.New("validation error")
	ErrReferentialIntegrity = errors.New("referential integrity error")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// UTCString formats t for canonical payloads. All payload timestamps are
// RFC3339Nano UTC strings so hashing is independent of locale and monotonic
// clock bits.
func UTCString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// PolicyVersion is an immutable snapshot of a policy document.
type PolicyVersion struct {
	ArtifactID        string          `json:"artifactId,omitempty"`
	TenantID          string          `json:"tenantId"`
	PolicyID          string          `json:"policyId"`
	PolicyVersionHash string          `json:"policyVersionHash"`
	SchemaVersion     string          `json:"schemaVersion"`
	Document          json.RawMessage `json:"document"`
	CreatedBy         string          `json:"createdBy"`
	CreatedAtUTC      string          `json:"createdAtUtc"`
}

// PolicyLifecycleEvent records one state transition for a policy version.
type PolicyLifecycleEvent struct {
	ArtifactID        string `json:"artifactId,omitempty"`
	TenantID          string `json:"tenantId"`
	PolicyID          string `json:"policyId"`
	PolicyVersionHash string `json:"policyVersionHash"`
	LifecycleState    string `json:"lifecycleState"`
	ReasonCode        string `json:"reasonCode"`
	Actor             string `json:"actor"`
	EventAtUTC        string `json:"eventAtUtc"`
}

// DelegationEvent records a grant, revoke, or expiry of acting-on-behalf-of
// scope. DelegationID is derived from the full scope tuple, so re-granting
// identical scope is idempotent while any scope change starts a new lineage.
type DelegationEvent struct {
	ArtifactID   string `json:"artifactId,omitempty"`
	TenantID     string `json:"tenantId"`
	DelegationID string `json:"delegationId"`
	EventType    string `json:"eventType"`
	GrantorID    string `json:"grantorId"`
	GranteeID    string `json:"granteeId"`
	Resource     string `json:"resource"`
	Action       string `json:"action"`
	ScopeHash    string `json:"scopeHash"`
	ApprovalID   string `json:"approvalId,omitempty"`
	ValidFromUTC string `json:"validFromUtc"`
	ValidToUTC   string `json:"validToUtc"`
	EventAtUTC   string `json:"eventAtUtc"`
}

// PolicyRule is the predicate object an ACTIVE policy document must parse to.
type PolicyRule struct {
	Resource          string   `json:"resource"`
	Action            string   `json:"action"`
	AllowRoles        []string `json:"allowRoles"`
	RequireDelegation bool     `json:"requireDelegation"`
	RequireApprovalID bool     `json:"requireApprovalId"`
}

// EvaluationRequest is the input to one evaluator run.
type EvaluationRequest struct {
	TenantID          string `json:"tenantId"`
	PolicyID          string `json:"policyId"`
	PolicyVersionHash string `json:"policyVersionHash,omitempty"`
	SubjectActorID    string `json:"subjectActorId"`
	RequestActorID    string `json:"requestActorId"`
	RequestActorRole  string `json:"requestActorRole"`
	ApproverActorID   string `json:"approverActorId,omitempty"`
	ApproverActorRole string `json:"approverActorRole,omitempty"`
	ApprovalID        string `json:"approvalId,omitempty"`
	DelegationID      string `json:"delegationId,omitempty"`
	Resource          string `json:"resource"`
	Action            string `json:"action"`
	DecidedAtUTC      string `json:"decidedAtUtc"`
}

// EvaluationResult is the evaluator's verdict plus the canonical payload hash
// downstream divergence detection compares.
type EvaluationResult struct {
	WouldDecision             string   `json:"wouldDecision"`
	ReasonCodes               []string `json:"reasonCodes"`
	PolicyConflictCode        string   `json:"policyConflictCode,omitempty"`
	SelectedPolicyVersionHash string   `json:"selectedPolicyVersionHash,omitempty"`
	EvaluatorVersion          string   `json:"evaluatorVersion"`
	EvaluationPayloadHash     string   `json:"evaluationPayloadHashSha256"`
}

// ShadowDecision persists one evaluator run.
type ShadowDecision struct {
	ArtifactID                string   `json:"artifactId,omitempty"`
	DecisionID                string   `json:"decisionId"`
	TenantID                  string   `json:"tenantId"`
	CaseKeyHash               string   `json:"caseKeyHash"`
	PolicyID                  string   `json:"policyId"`
	SelectedPolicyVersionHash string   `json:"selectedPolicyVersionHash,omitempty"`
	SubjectActorID            string   `json:"subjectActorId"`
	RequestActorID            string   `json:"requestActorId"`
	RequestActorRole          string   `json:"requestActorRole"`
	Resource                  string   `json:"resource"`
	Action                    string   `json:"action"`
	WouldDecision             string   `json:"wouldDecision"`
	ReasonCodes               []string `json:"reasonCodes"`
	PolicyConflictCode        string   `json:"policyConflictCode,omitempty"`
	DecisionHashSha256        string   `json:"decisionHashSha256"`
	DecidedAtUTC              string   `json:"decidedAtUtc"`
}

// ShadowOverrideCase tracks a recurring would-block situation.
type ShadowOverrideCase struct {
	ArtifactID         string `json:"artifactId,omitempty"`
	CaseID             string `json:"caseId"`
	TenantID           string `json:"tenantId"`
	CaseKeyHash        string `json:"caseKeyHash"`
	Status             string `json:"status"`
	OpenedAtUTC        string `json:"openedAtUtc"`
	OpenedByDecisionID string `json:"openedByDecisionId"`
}

// ShadowOverrideCaseEvent is one append-only case state change.
type ShadowOverrideCaseEvent struct {
	ArtifactID string `json:"artifactId,omitempty"`
	CaseID     string `json:"caseId"`
	TenantID   string `json:"tenantId"`
	EventType  string `json:"eventType"`
	DecisionID string `json:"decisionId,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Note       string `json:"note,omitempty"`
	EventAtUTC string `json:"eventAtUtc"`
}

// EnforcementDecision is the decision that can actually affect a caller. It
// references a ShadowDecision that must already be persisted.
type EnforcementDecision struct {
	ArtifactID                    string `json:"artifactId,omitempty"`
	TenantID                      string `json:"tenantId"`
	EnforcementResult             string `json:"enforcementResult"`
	ShadowDecisionID              string `json:"shadowDecisionId"`
	ShadowDecisionHash            string `json:"shadowDecisionHashSha256"`
	ShadowVsEnforcementDivergence bool   `json:"shadowVsEnforcementDivergence"`
	ResponseMutationCode          string `json:"responseMutationCode,omitempty"`
	FailureCode                   string `json:"failureCode,omitempty"`
	DecidedAtUTC                  string `json:"decidedAtUtc"`
}

// EnforcementControlEvent is one kill-switch toggle. Current state is the
// latest event, ties broken by artifact ID.
type EnforcementControlEvent struct {
	ArtifactID      string `json:"artifactId,omitempty"`
	TenantID        string `json:"tenantId"`
	KillSwitchState bool   `json:"killSwitchState"`
	ReasonCode      string `json:"reasonCode"`
	TriggeredBy     string `json:"triggeredBy"`
	GuardReportID   string `json:"guardReportId,omitempty"`
	EventAtUTC      string `json:"eventAtUtc"`
}

// GuardSignal is one independently thresholded health metric.
type GuardSignal struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Status    string  `json:"status"`
	Threshold string  `json:"threshold"`
}

// EnforcementGuardReport is a point-in-time health verdict over a metrics
// window. Never mutated.
type EnforcementGuardReport struct {
	ArtifactID          string        `json:"artifactId,omitempty"`
	TenantID            string        `json:"tenantId"`
	OverallStatus       string        `json:"overallStatus"`
	RollbackRecommended bool          `json:"rollbackRecommended"`
	KillSwitchAction    string        `json:"killSwitchAction,omitempty"`
	Signals             []GuardSignal `json:"signals"`
	WindowFromUTC       string        `json:"windowFromUtc"`
	WindowToUTC         string        `json:"windowToUtc"`
	EvaluatedAtUTC      string        `json:"evaluatedAtUtc"`
}
