package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raggate/raggate/internal/model"
	"github.com/raggate/raggate/internal/store"
)

var (
	// ErrInvalidToken is the unified validation failure. Callers never learn
	// whether the key was unknown, revoked, or expired; all three collapse
	// into this one outcome before leaving the package.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidKeyFormat is returned when caller-supplied key material does
	// not meet the minimum length bound.
	ErrInvalidKeyFormat = errors.New("invalid key format")
)

const (
	// DefaultKeyBytes is the amount of random key material generated when no
	// explicit length is requested.
	DefaultKeyBytes = 32

	// MinKeyBytes is the smallest accepted amount of generated key material.
	MinKeyBytes = 16

	// MinSuppliedKeyLen is the minimum plaintext length for imported keys.
	MinSuppliedKeyLen = 16

	// DefaultStaleDays is the prune window for tokens with no recent use.
	DefaultStaleDays = 30

	// keyPrefix marks generated keys; the stored display prefix keeps it
	// plus the first 8 hex characters.
	keyPrefix     = "rag_"
	displayPrefix = len(keyPrefix) + 8
)

// Manager implements the token lifecycle on top of the store: generation,
// import, revocation, pruning, and validation.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
}

// NewManager creates a Manager backed by the given store.
func NewManager(s *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// Generate produces a new random key of length bytes (DefaultKeyBytes when
// zero), stores its hash, and returns the plaintext exactly once. A ttl of
// zero means the token never expires; negative lifetimes are rejected.
func (m *Manager) Generate(ctx context.Context, label string, length int, ttl time.Duration) (string, *model.Token, error) {
	if length == 0 {
		length = DefaultKeyBytes
	}
	if length < MinKeyBytes {
		return "", nil, fmt.Errorf("%w: key length %d below minimum %d bytes", ErrInvalidKeyFormat, length, MinKeyBytes)
	}
	if ttl < 0 {
		return "", nil, fmt.Errorf("%w: negative ttl", ErrInvalidKeyFormat)
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random key: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)

	tok, err := m.insert(ctx, plaintext, label, ttl)
	if err != nil {
		return "", nil, err
	}
	m.logger.Info("token generated", "token_id", tok.ID, "label", label, "prefix", tok.KeyPrefix)
	return plaintext, tok, nil
}

// Add imports caller-supplied key material, for rotation or migration from
// another issuer. The plaintext must meet the minimum length bound; it is
// hashed and discarded like a generated key.
func (m *Manager) Add(ctx context.Context, plaintext, label string, ttl time.Duration) (*model.Token, error) {
	if len(plaintext) < MinSuppliedKeyLen {
		return nil, fmt.Errorf("%w: key shorter than %d characters", ErrInvalidKeyFormat, MinSuppliedKeyLen)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: negative ttl", ErrInvalidKeyFormat)
	}

	tok, err := m.insert(ctx, plaintext, label, ttl)
	if err != nil {
		return nil, err
	}
	m.logger.Info("token added", "token_id", tok.ID, "label", label, "prefix", tok.KeyPrefix)
	return tok, nil
}

func (m *Manager) insert(ctx context.Context, plaintext, label string, ttl time.Duration) (*model.Token, error) {
	prefixLen := displayPrefix
	if prefixLen > len(plaintext) {
		prefixLen = len(plaintext)
	}

	tok := &model.Token{
		ID:        uuid.Must(uuid.NewV7()).String(),
		KeyHash:   store.HashKey(plaintext),
		KeyPrefix: plaintext[:prefixLen],
		Label:     label,
	}
	if ttl > 0 {
		expires := time.Now().UTC().Add(ttl)
		tok.ExpiresAt = &expires
	}

	if err := m.store.CreateToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Validate hashes the presented key and checks it against the store. It
// returns the token record on success and ErrInvalidToken for every
// authentication failure. A store error other than a lookup miss is
// returned as-is so the caller can fail closed and log it.
func (m *Manager) Validate(ctx context.Context, plaintext string) (*model.Token, error) {
	candidate := store.HashKey(plaintext)

	tok, err := m.store.GetTokenByHash(ctx, candidate)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("validate token: %w", err)
	}

	// Compare digests in constant time. The lookup already matched on the
	// hash; this keeps the final accept/reject step timing-independent.
	if subtle.ConstantTimeCompare([]byte(tok.KeyHash), []byte(candidate)) != 1 {
		return nil, ErrInvalidToken
	}
	if !tok.Valid(time.Now()) {
		return nil, ErrInvalidToken
	}
	return tok, nil
}

// Revoke marks a token invalid. The argument may be the plaintext key, the
// token ID, or a display prefix; the lookup tries each in that order.
// Revoking an already-revoked token succeeds.
func (m *Manager) Revoke(ctx context.Context, keyOrID string) (*model.Token, error) {
	tok, err := m.store.GetTokenByHash(ctx, store.HashKey(keyOrID))
	if errors.Is(err, store.ErrNotFound) {
		tok, err = m.store.GetTokenByID(ctx, keyOrID)
	}
	if errors.Is(err, store.ErrNotFound) && keyOrID != "" {
		tok, err = m.store.GetTokenByPrefix(ctx, keyOrID)
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.RevokeToken(ctx, tok.ID); err != nil {
		return nil, err
	}
	tok.Revoked = true
	m.logger.Info("token revoked", "token_id", tok.ID, "label", tok.Label, "prefix", tok.KeyPrefix)
	return tok, nil
}

// PruneResult reports what a prune removed.
type PruneResult struct {
	Count  int      `json:"count"`
	Labels []string `json:"labels"`
}

// Prune permanently deletes tokens that are expired or that have seen no
// use (falling back to creation time) within staleDays. Zero selects the
// default window; negative windows are rejected. The removal is destructive
// and recorded in both the log and the audit trail.
func (m *Manager) Prune(ctx context.Context, staleDays int) (*PruneResult, error) {
	if staleDays == 0 {
		staleDays = DefaultStaleDays
	}
	if staleDays < 0 {
		return nil, fmt.Errorf("invalid stale window: %d days", staleDays)
	}

	tokens, err := m.store.ListTokens(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cutoff := now.Add(-time.Duration(staleDays) * 24 * time.Hour)

	result := &PruneResult{Labels: []string{}}
	for i := range tokens {
		tok := &tokens[i]

		expired := tok.ExpiresAt != nil && !tok.ExpiresAt.After(now)
		stale := tok.LastActivity().Before(cutoff)
		if !expired && !stale {
			continue
		}

		if err := m.store.DeleteToken(ctx, tok.ID); err != nil {
			return nil, fmt.Errorf("prune token %s: %w", tok.ID, err)
		}
		result.Count++
		result.Labels = append(result.Labels, tok.Label)
		m.logger.Warn("token pruned",
			"token_id", tok.ID, "label", tok.Label, "expired", expired, "stale", stale)
	}

	if result.Count > 0 {
		ev := &model.AuditEvent{
			Kind:   model.AuditPrune,
			Detail: fmt.Sprintf("removed %d tokens (stale window %dd)", result.Count, staleDays),
		}
		if err := m.store.AppendAuditEvent(ctx, ev); err != nil {
			m.logger.Error("failed to audit prune", "error", err)
		}
	}
	return result, nil
}

// List returns all token records, including usage metadata.
func (m *Manager) List(ctx context.Context) ([]model.Token, error) {
	return m.store.ListTokens(ctx)
}
