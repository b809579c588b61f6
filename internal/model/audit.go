package model

import "time"

// AuditEventKind classifies entries in the append-only security audit log.
type AuditEventKind string

const (
	// AuditInvalidKeyAttempt records a request that presented a missing,
	// unknown, revoked, or expired key.
	AuditInvalidKeyAttempt AuditEventKind = "invalid_key_attempt"

	// AuditRateLimitHit records a request rejected for exhausting its
	// per-route quota.
	AuditRateLimitHit AuditEventKind = "rate_limit_hit"

	// AuditUnknownIPUse records a valid token being used from an IP address
	// not previously seen for that token.
	AuditUnknownIPUse AuditEventKind = "unknown_ip_use"

	// AuditSecurityAlert records an IP crossing the invalid-attempt alert
	// threshold within the alert window.
	AuditSecurityAlert AuditEventKind = "security_alert"

	// AuditPrune records a destructive prune of expired or stale tokens.
	AuditPrune AuditEventKind = "prune"
)

// AuditEvent is a single entry in the security audit log. Entries are
// appended by the auth and rate-limit paths and read by the auditor;
// they are never mutated.
type AuditEvent struct {
	ID        int64          `json:"id" db:"id"`
	Kind      AuditEventKind `json:"kind" db:"kind"`
	SourceIP  string         `json:"source_ip,omitempty" db:"source_ip"`
	TokenID   string         `json:"token_id,omitempty" db:"token_id"`
	Detail    string         `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
