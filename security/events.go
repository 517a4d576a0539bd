package security

// Audit event types. Shared constants keep event names consistent across
// the flow, token, and registration paths.
const (
	// Token lifecycle
	EventTokenIssued      = "token_issued"
	EventTokenRefreshed   = "token_refreshed"
	EventTokenRevoked     = "token_revoked"
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // event name, not a credential

	// Authorization flow
	EventFlowStarted       = "authorization_flow_started"
	EventCodeIssued        = "authorization_code_issued"
	EventCodeReuseDetected = "authorization_code_reuse_detected"
	EventCallbackRejected  = "invalid_provider_callback"
	EventExchangeFailed    = "provider_code_exchange_failed"

	// Client registration
	EventClientRegistered           = "client_registered"
	EventClientRegistrationRejected = "client_registration_rejected"

	// Violations
	EventAuthFailure            = "auth_failure"
	EventRateLimitExceeded      = "rate_limit_exceeded"
	EventPKCEValidationFailed   = "pkce_validation_failed"
	EventRefreshReuseDetected   = "refresh_token_reuse_detected"
	EventRevokedFamilyReuse     = "revoked_token_family_reuse_attempt"
	EventInvalidRedirect        = "invalid_redirect"
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
