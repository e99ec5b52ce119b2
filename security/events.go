package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access or refresh token is minted
	EventTokenIssued = "token_issued"

	// EventTokenRotated is logged when a refresh token is exchanged for a new pair
	EventTokenRotated = "token_rotated"

	// EventTokenRevoked is logged when a single token is revoked
	EventTokenRevoked = "token_revoked"

	// EventTokenFamilyRevoked is logged when a whole refresh token family is revoked
	EventTokenFamilyRevoked = "token_family_revoked"

	// Authorization flow events

	// EventAuthorizationStarted is logged when a PKCE authorization attempt is recorded
	EventAuthorizationStarted = "authorization_started"

	// EventAuthorizationExchanged is logged when an attempt is redeemed for tokens
	EventAuthorizationExchanged = "authorization_exchanged"

	// Security violation events

	// EventRefreshTokenReuseDetected is logged when a consumed refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	// EventRevokedTokenFamilyReuseAttempt is logged when a member of a revoked family is presented
	EventRevokedTokenFamilyReuseAttempt = "revoked_token_family_reuse_attempt"

	// EventSubjectMismatch is logged when a refresh token is presented for another subject
	EventSubjectMismatch = "refresh_token_subject_mismatch"

	// EventPKCEValidationFailed is logged when a code verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect URI is rejected
	EventInvalidRedirect = "invalid_redirect"
)
