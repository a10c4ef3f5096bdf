package gate

// Outcome classifies a gate decision.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	// OutcomeUnauthenticated sends the caller to the login page.
	OutcomeUnauthenticated
	// OutcomeForbidden sends the caller to a page specific to the failed
	// check.
	OutcomeForbidden
	OutcomeRateLimited
	// OutcomeTransientDependencyFailure marks a collaborator error. Session
	// and account failures resolve to the login redirect; rate limit, IP
	// rule and detection failures let the request through.
	OutcomeTransientDependencyFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	case OutcomeForbidden:
		return "forbidden"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransientDependencyFailure:
		return "dependency_failure"
	default:
		return "unknown"
	}
}

// Redirect targets.
const (
	PathLogin         = "/auth/login"
	PathSuspended     = "/auth/suspended"
	PathAccessDenied  = "/auth/access-denied"
	PathSetupMFA      = "/auth/setup-mfa"
	PathAdminLogin    = "/auth/admin-login"
	PathRateLimited   = "/auth/rate-limited"
	PathSecurityAlert = "/auth/security-alert"
)

// Reasons recorded in event details, redirect errors and metrics.
const (
	ReasonSessionAbsent      = "session_absent"
	ReasonSessionLookup      = "session_lookup_failed"
	ReasonAccountNotFound    = "account_not_found"
	ReasonAccountLookup      = "account_lookup_failed"
	ReasonAccountInactive    = "account_inactive"
	ReasonInsufficientRole   = "insufficient_role"
	ReasonIPNotAllowed       = "ip_not_allowed"
	ReasonMFARequired        = "mfa_required"
	ReasonAdminSessionAbsent = "admin_session_absent"
	ReasonAdminSessionBad    = "admin_session_invalid"
	ReasonBindingMismatch    = "admin_session_binding_mismatch"
	ReasonRateLimited        = "rate_limited"
	ReasonSecurityAlert      = "security_alert"
	ReasonInternalError      = "internal_error"
	ReasonGranted            = "granted"
)
