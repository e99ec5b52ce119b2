package security

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Auditor handles security event logging with PII protection.
// Subjects are hashed before they reach the log; family ids are truncated.
type Auditor struct {
	logger   *slog.Logger
	enabled  bool
	throttle *RateLimiter
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetThrottle limits how often reuse alarms for one family are written.
// A stolen token replayed in a loop would otherwise flood the audit log.
func (a *Auditor) SetThrottle(limit rate.Limit, burst int) {
	a.throttle = NewRateLimiter(limit, burst, 0, a.logger)
}

// Throttle returns the family throttle, or nil if none is configured.
func (a *Auditor) Throttle() *RateLimiter {
	return a.throttle
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	FamilyID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"family_id", truncateForLogging(event.FamilyID),
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(subject, tokenType, familyID string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		Subject:  subject,
		FamilyID: familyID,
		Details:  map[string]any{"token_type": tokenType},
	})
}

// LogTokenRotated logs a successful refresh token rotation
func (a *Auditor) LogTokenRotated(subject, familyID string, generation int) {
	a.LogEvent(Event{
		Type:     EventTokenRotated,
		Subject:  subject,
		FamilyID: familyID,
		Details:  map[string]any{"generation": generation},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(subject, tokenType, reason string) {
	a.LogEvent(Event{
		Type:    EventTokenRevoked,
		Subject: subject,
		Details: map[string]any{"token_type": tokenType, "reason": reason},
	})
}

// LogFamilyRevoked logs when a token family is revoked
func (a *Auditor) LogFamilyRevoked(familyID, reason string, tokensRevoked int) {
	a.LogEvent(Event{
		Type:     EventTokenFamilyRevoked,
		FamilyID: familyID,
		Details:  map[string]any{"reason": reason, "tokens_revoked": tokensRevoked},
	})
}

// LogRefreshTokenReuse logs a replayed refresh token. Repeated alarms for one
// family are throttled; it reports whether the event was written.
func (a *Auditor) LogRefreshTokenReuse(subject, familyID string, generation int) bool {
	if a == nil || !a.enabled {
		return false
	}
	if a.throttle != nil && !a.throttle.Allow(familyID) {
		return false
	}
	a.LogEvent(Event{
		Type:     EventRefreshTokenReuseDetected,
		Subject:  subject,
		FamilyID: familyID,
		Details: map[string]any{
			"generation": generation,
			"action":     "family_revoked",
		},
	})
	return true
}

// LogAuthFailure logs a rejected credential or grant with its internal reason
func (a *Auditor) LogAuthFailure(eventType, subject, reason string) {
	a.LogEvent(Event{
		Type:    eventType,
		Subject: subject,
		Details: map[string]any{"reason": reason},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	return HashIdentifier(sensitive)
}

func truncateForLogging(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
