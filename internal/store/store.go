package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/raggate/raggate/internal/model"
)

// Store persists token records and the append-only audit log, backed by
// SQLite. Usage updates serialize per token record via a keyed lock so that
// concurrent requests against the same key never lose an update, while
// updates for unrelated tokens proceed independently.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // key_hash -> record lock for usage updates
}

// NewStore creates a new token store. Pass empty string for in-memory.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "raggate.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open token database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate token database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// lockRecord returns the lock guarding read-modify-write cycles for one
// token record, creating it on first use. The store-wide mutex is held only
// long enough to fetch the record lock.
func (s *Store) lockRecord(keyHash string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[keyHash]
	if !ok {
		l = &sync.Mutex{}
		s.locks[keyHash] = l
	}
	return l
}

// ---------------------------------------------------------------------------
// Token records
// ---------------------------------------------------------------------------

// tokenRow maps 1:1 to the tokens table. The ip_history column stores a
// JSON-encoded string array; model.Token carries it as a slice.
type tokenRow struct {
	ID           string     `db:"id"`
	KeyHash      string     `db:"key_hash"`
	KeyPrefix    string     `db:"key_prefix"`
	Label        string     `db:"label"`
	Revoked      bool       `db:"revoked"`
	ExpiresAt    *time.Time `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	LastUsedAt   *time.Time `db:"last_used_at"`
	RequestCount int64      `db:"request_count"`
	IPHistory    string     `db:"ip_history"`
}

func tokenRowFromModel(t *model.Token) (tokenRow, error) {
	history := t.IPHistory
	if history == nil {
		history = []string{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return tokenRow{}, fmt.Errorf("marshal ip history: %w", err)
	}
	return tokenRow{
		ID:           t.ID,
		KeyHash:      t.KeyHash,
		KeyPrefix:    t.KeyPrefix,
		Label:        t.Label,
		Revoked:      t.Revoked,
		ExpiresAt:    t.ExpiresAt,
		CreatedAt:    t.CreatedAt,
		LastUsedAt:   t.LastUsedAt,
		RequestCount: t.RequestCount,
		IPHistory:    string(historyJSON),
	}, nil
}

// toModel converts a row to a model.Token. A corrupt ip_history value is
// logged and replaced with an empty history; it never fails the conversion,
// so one damaged record cannot prevent loading the rest of the store.
func (r tokenRow) toModel(logger *slog.Logger) model.Token {
	var history []string
	if r.IPHistory != "" {
		if err := json.Unmarshal([]byte(r.IPHistory), &history); err != nil {
			logger.Warn("skipping corrupt ip_history for token",
				"token_id", r.ID, "error", err)
			history = nil
		}
	}
	if history == nil {
		history = []string{}
	}
	return model.Token{
		ID:           r.ID,
		KeyHash:      r.KeyHash,
		KeyPrefix:    r.KeyPrefix,
		Label:        r.Label,
		Revoked:      r.Revoked,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
		LastUsedAt:   r.LastUsedAt,
		RequestCount: r.RequestCount,
		IPHistory:    history,
	}
}

// CreateToken inserts a new token record. Overwriting is allowed only when
// the existing record with the same key hash carries the same ID; a hash
// collision with a different token fails with ErrDuplicateKey. The
// CreatedAt field on tok is populated on insert.
func (s *Store) CreateToken(ctx context.Context, tok *model.Token) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}

	row, err := tokenRowFromModel(tok)
	if err != nil {
		return err
	}

	const q = `INSERT INTO tokens
		(id, key_hash, key_prefix, label, revoked, expires_at, created_at, last_used_at, request_count, ip_history)
		VALUES
		(:id, :key_hash, :key_prefix, :label, :revoked, :expires_at, :created_at, :last_used_at, :request_count, :ip_history)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		// Either unique column may have tripped. The hash lookup settles
		// which record is in the way: the same token (overwrite), another
		// token holding the hash (duplicate key), or, when the hash is
		// free, another token holding the id.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, lookupErr := s.GetTokenByHash(ctx, tok.KeyHash)
			switch {
			case lookupErr == nil && existing.ID == tok.ID:
				return s.replaceToken(ctx, row)
			case lookupErr == nil:
				return ErrDuplicateKey
			case errors.Is(lookupErr, ErrNotFound):
				return fmt.Errorf("insert token: id %s already in use: %w", tok.ID, err)
			}
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *Store) replaceToken(ctx context.Context, row tokenRow) error {
	const q = `UPDATE tokens SET
		key_prefix = :key_prefix, label = :label, revoked = :revoked,
		expires_at = :expires_at, last_used_at = :last_used_at,
		request_count = :request_count, ip_history = :ip_history
		WHERE id = :id AND key_hash = :key_hash`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("replace token: %w", err)
	}
	return nil
}

// GetTokenByHash looks up a token by its SHA-256 key hash.
func (s *Store) GetTokenByHash(ctx context.Context, hash string) (*model.Token, error) {
	var row tokenRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM tokens WHERE key_hash = ?", hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token by hash: %w", err)
	}
	tok := row.toModel(s.logger)
	return &tok, nil
}

// GetTokenByID looks up a token by its opaque ID.
func (s *Store) GetTokenByID(ctx context.Context, id string) (*model.Token, error) {
	var row tokenRow
	if err := s.db.GetContext(ctx, &row, "SELECT * FROM tokens WHERE id = ?", id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token by id: %w", err)
	}
	tok := row.toModel(s.logger)
	return &tok, nil
}

// GetTokenByPrefix returns the first token whose display prefix starts with
// the given string. Used by the CLI revoke path.
func (s *Store) GetTokenByPrefix(ctx context.Context, prefix string) (*model.Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM tokens WHERE key_prefix LIKE ? || '%' ORDER BY created_at LIMIT 1", prefix)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token by prefix: %w", err)
	}
	tok := row.toModel(s.logger)
	return &tok, nil
}

// ListTokens returns all token records, newest first. Each row converts
// independently; a record with a corrupt ip_history column is returned with
// an empty history rather than aborting the listing.
func (s *Store) ListTokens(ctx context.Context) ([]model.Token, error) {
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM tokens ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}

	tokens := make([]model.Token, len(rows))
	for i, r := range rows {
		tokens[i] = r.toModel(s.logger)
	}
	return tokens, nil
}

// DeleteToken removes a token record by ID. Idempotent: deleting a record
// that is already absent is not an error.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// RevokeToken marks a token as revoked by ID. Idempotent: revoking an
// already-revoked token succeeds; a missing token returns ErrNotFound.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE tokens SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke token rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTokenUsage atomically increments the request counter, stamps the
// last-used time, and records the source IP in the token's history. Calls
// for the same key hash serialize on the record lock; calls for different
// tokens do not contend.
func (s *Store) UpdateTokenUsage(ctx context.Context, keyHash, ip string, ts time.Time) error {
	lock := s.lockRecord(keyHash)
	lock.Lock()
	defer lock.Unlock()

	var row struct {
		ID        string `db:"id"`
		IPHistory string `db:"ip_history"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT id, ip_history FROM tokens WHERE key_hash = ?", keyHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("load token usage: %w", err)
	}

	var history []string
	if row.IPHistory != "" {
		if err := json.Unmarshal([]byte(row.IPHistory), &history); err != nil {
			s.logger.Warn("resetting corrupt ip_history for token",
				"token_id", row.ID, "error", err)
			history = nil
		}
	}
	seen := false
	for _, h := range history {
		if h == ip {
			seen = true
			break
		}
	}
	if !seen && ip != "" {
		history = append(history, ip)
	}
	if history == nil {
		history = []string{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal ip history: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tokens SET request_count = request_count + 1, last_used_at = ?, ip_history = ?
		 WHERE key_hash = ?`,
		ts.UTC(), string(historyJSON), keyHash)
	if err != nil {
		return fmt.Errorf("update token usage: %w", err)
	}
	return nil
}

// TokenCounts summarizes the store for metrics exposition.
type TokenCounts struct {
	Total   int64 `db:"total"`
	Active  int64 `db:"active"`
	Expired int64 `db:"expired"`
	Revoked int64 `db:"revoked"`
}

// CountTokens returns aggregate token counts at the given instant.
func (s *Store) CountTokens(ctx context.Context, now time.Time) (TokenCounts, error) {
	var counts TokenCounts
	err := s.db.GetContext(ctx, &counts, `SELECT
		COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN revoked = 0 AND (expires_at IS NULL OR expires_at > ?) THEN 1 ELSE 0 END), 0) AS active,
		COALESCE(SUM(CASE WHEN revoked = 0 AND expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0) AS expired,
		COALESCE(SUM(CASE WHEN revoked = 1 THEN 1 ELSE 0 END), 0) AS revoked
		FROM tokens`, now.UTC(), now.UTC())
	if err != nil {
		return TokenCounts{}, fmt.Errorf("count tokens: %w", err)
	}
	return counts, nil
}

// ---------------------------------------------------------------------------
// Audit log (append-only)
// ---------------------------------------------------------------------------

// AppendAuditEvent appends an entry to the audit log. The CreatedAt field is
// populated if unset. Audit entries are never updated or deleted.
func (s *Store) AppendAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO audit_events (kind, source_ip, token_id, detail, created_at)
		VALUES (:kind, :source_ip, :token_id, :detail, :created_at)`

	result, err := s.db.NamedExecContext(ctx, q, ev)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get audit event id: %w", err)
	}
	ev.ID = id
	return nil
}

// CountAuditEvents returns how many events of the given kind were recorded
// at or after since.
func (s *Store) CountAuditEvents(ctx context.Context, kind model.AuditEventKind, since time.Time) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM audit_events WHERE kind = ? AND created_at >= ?",
		kind, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return count, nil
}

// CountEventsByIP returns how many events of the given kind the given IP
// produced at or after since.
func (s *Store) CountEventsByIP(ctx context.Context, kind model.AuditEventKind, ip string, since time.Time) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM audit_events WHERE kind = ? AND source_ip = ? AND created_at >= ?",
		kind, ip, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("count audit events by ip: %w", err)
	}
	return count, nil
}

// CountInvalidAttemptsByIP returns how many invalid-key attempts the given
// IP made at or after since.
func (s *Store) CountInvalidAttemptsByIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	return s.CountEventsByIP(ctx, model.AuditInvalidKeyAttempt, ip, since)
}

// InvalidAttemptsByIP returns a per-IP count of invalid-key attempts at or
// after since. The auditor derives the blocked-IP list from this.
func (s *Store) InvalidAttemptsByIP(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT source_ip, COUNT(*) FROM audit_events
		 WHERE kind = ? AND source_ip != '' AND created_at >= ?
		 GROUP BY source_ip`,
		model.AuditInvalidKeyAttempt, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("group invalid attempts: %w", err)
	}
	defer rows.Close()

	attempts := make(map[string]int64)
	for rows.Next() {
		var ip string
		var n int64
		if err := rows.Scan(&ip, &n); err != nil {
			return nil, fmt.Errorf("scan invalid attempts: %w", err)
		}
		attempts[ip] = n
	}
	return attempts, rows.Err()
}

// ListAuditEventsSince returns audit entries recorded at or after since,
// oldest first.
func (s *Store) ListAuditEventsSince(ctx context.Context, since time.Time) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM audit_events WHERE created_at >= ? ORDER BY created_at, id", since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashKey returns the hex-encoded SHA-256 hash of a raw key string.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
