package model

import (
	"time"
)

// Token represents an API token used to authenticate requests against the
// gateway. The raw key is never stored; only a SHA-256 hash and a short
// prefix for identification are persisted.
type Token struct {
	ID           string     `json:"id" db:"id"`
	KeyHash      string     `json:"-" db:"key_hash"` // SHA-256 hash, never expose
	KeyPrefix    string     `json:"key_prefix" db:"key_prefix"`
	Label        string     `json:"label" db:"label"`
	Revoked      bool       `json:"revoked" db:"revoked"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RequestCount int64      `json:"request_count" db:"request_count"`
	IPHistory    []string   `json:"ip_history,omitempty" db:"-"`
}

// Valid reports whether the token may authenticate requests at the given
// instant: not revoked and either without expiry or not yet expired.
func (t *Token) Valid(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// SeenIP reports whether ip has previously authenticated with this token.
func (t *Token) SeenIP(ip string) bool {
	for _, seen := range t.IPHistory {
		if seen == ip {
			return true
		}
	}
	return false
}

// LastActivity returns the most recent point this token was used, falling
// back to its creation time if it has never authenticated a request. Prune
// staleness is measured against this value.
func (t *Token) LastActivity() time.Time {
	if t.LastUsedAt != nil {
		return *t.LastUsedAt
	}
	return t.CreatedAt
}
