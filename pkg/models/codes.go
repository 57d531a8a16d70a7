package models

// Shadow verdicts.
const (
	WouldAllow    = "WOULD_ALLOW"
	WouldBlock    = "WOULD_BLOCK"
	ObservedAllow = "OBSERVED_ALLOW"
	ObservedDeny  = "OBSERVED_DENY"
)

// Policy lifecycle states.
const (
	LifecycleActive     = "ACTIVE"
	LifecycleDeprecated = "DEPRECATED"
	LifecycleRevoked    = "REVOKED"
)

// Delegation event types.
const (
	DelegationGranted = "GRANTED"
	DelegationRevoked = "REVOKED"
	DelegationExpired = "EXPIRED"
)

// Policy conflict codes, in precedence order. The first one detected wins.
const (
	ConflictNoActivePolicy          = "NO_ACTIVE_POLICY"
	ConflictMultipleActivePolicies  = "MULTIPLE_ACTIVE_POLICIES"
	ConflictPolicyVersionUnresolved = "POLICY_VERSION_UNRESOLVED"
	ConflictPolicyRuleAmbiguous     = "POLICY_RULE_AMBIGUOUS"
	ConflictDelegationScope         = "DELEGATION_SCOPE_CONFLICT"
	ConflictApprovalScope           = "APPROVAL_SCOPE_CONFLICT"
)

// Predicate reason codes.
const (
	ReasonResourceScopeMismatch = "RESOURCE_SCOPE_MISMATCH"
	ReasonActionScopeMismatch   = "ACTION_SCOPE_MISMATCH"
	ReasonRequestRoleNotAllowed = "REQUEST_ROLE_NOT_ALLOWED"
	ReasonDelegationRequired    = "DELEGATION_REQUIRED"
	ReasonDelegationNotActive   = "DELEGATION_NOT_ACTIVE"
	ReasonApprovalRequired      = "APPROVAL_REQUIRED"
	ReasonApproverSoDViolation  = "APPROVER_SOD_VIOLATION"
)

// Enforcement results.
const (
	EnforceAllow = "ALLOW"
	EnforceBlock = "BLOCK"
)

// Enforcement bypass reasons, in the order preconditions are resolved.
const (
	BypassKillSwitchEnabled            = "KILL_SWITCH_ENABLED"
	BypassEnforcementFlagDisabled      = "ENFORCEMENT_FLAG_DISABLED"
	BypassTenantNotAllowlisted         = "TENANT_NOT_ALLOWLISTED"
	BypassRoleNotAllowlisted           = "ROLE_NOT_ALLOWLISTED"
	BypassResourceActionNotAllowlisted = "RESOURCE_ACTION_NOT_ALLOWLISTED"
	BypassPolicyVersionNotProvided     = "POLICY_VERSION_NOT_PROVIDED"
	BypassPolicyVersionNotAllowlisted  = "POLICY_VERSION_NOT_ALLOWLISTED"
)

// Enforcement failure and response mutation codes.
const (
	CodeDualWriteMismatch           = "AUTHORITY_ENFORCEMENT_DUAL_WRITE_MISMATCH"
	CodeStrictInternalError         = "AUTHORITY_ENFORCEMENT_STRICT_INTERNAL_ERROR"
	MutationBlock                   = "HTTP_403_AUTHZ_BLOCK"
	MutationStrictDualWriteMismatch = "HTTP_403_AUTHZ_BLOCK_STRICT_DUAL_WRITE_MISMATCH"
	MutationStrictInternalError     = "HTTP_403_AUTHZ_BLOCK_STRICT_INTERNAL_ERROR"
)

// Override case statuses and event types.
const (
	CaseOpen         = "OPEN"
	CaseAcknowledged = "ACKNOWLEDGED"
	CaseClosed       = "CLOSED"

	CaseEventOpened         = "CASE_OPENED"
	CaseEventAcknowledged   = "CASE_ACKNOWLEDGED"
	CaseEventClosed         = "CASE_CLOSED"
	CaseEventDecisionLinked = "DECISION_LINKED"
)

// Guard statuses, ordered by severity.
const (
	GuardOK   = "OK"
	GuardWarn = "WARN"
	GuardPage = "PAGE"
)

// GuardSeverityRank maps a guard status to its severity rank (OK < WARN < PAGE).
func GuardSeverityRank(status string) int {
	switch status {
	case GuardWarn:
		return 1
	case GuardPage:
		return 2
	default:
		return 0
	}
}

// Artifact classes. Part of every artifact ID preimage; never reorder or reuse.
const (
	ClassPolicyVersion          = "POLICY_VERSION"
	ClassPolicyLifecycleEvent   = "POLICY_LIFECYCLE_EVENT"
	ClassDelegationEvent        = "DELEGATION_EVENT"
	ClassShadowDecision         = "SHADOW_DECISION"
	ClassShadowOverrideCase     = "SHADOW_OVERRIDE_CASE"
	ClassShadowCaseEvent        = "SHADOW_OVERRIDE_CASE_EVENT"
	ClassEnforcementDecision    = "ENFORCEMENT_DECISION"
	ClassEnforcementControl     = "ENFORCEMENT_CONTROL_EVENT"
	ClassEnforcementGuardReport = "ENFORCEMENT_GUARD_REPORT"
)
