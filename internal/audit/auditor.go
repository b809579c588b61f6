package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/raggate/raggate/internal/model"
	"github.com/raggate/raggate/internal/store"
)

const (
	// DefaultAlertThreshold is the number of invalid-key attempts from one
	// IP within the alert window that escalates to a security alert.
	DefaultAlertThreshold = 10

	// DefaultAlertWindow is the sliding window for alert escalation.
	DefaultAlertWindow = time.Hour

	// DefaultSummaryWindow is used when a summary caller gives no window.
	DefaultSummaryWindow = 24 * time.Hour
)

// Auditor records security events into the append-only audit log and
// aggregates them on demand. Alerting is pull-based: operators poll Summary;
// the auditor never pushes notifications itself.
type Auditor struct {
	store          *store.Store
	logger         *slog.Logger
	alertThreshold int
	alertWindow    time.Duration
}

// New creates an Auditor. Threshold and window fall back to the defaults
// when non-positive.
func New(s *store.Store, logger *slog.Logger, alertThreshold int, alertWindow time.Duration) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if alertThreshold <= 0 {
		alertThreshold = DefaultAlertThreshold
	}
	if alertWindow <= 0 {
		alertWindow = DefaultAlertWindow
	}
	return &Auditor{
		store:          s,
		logger:         logger,
		alertThreshold: alertThreshold,
		alertWindow:    alertWindow,
	}
}

// NoteInvalidKey records an invalid-key attempt from ip. When the IP is at
// or past the alert threshold within the window and no alert for it exists
// yet in that window, a security_alert entry is appended as well. The
// existing-alert check, rather than an exact-count match, keeps the alert
// from being skipped when concurrent attempts straddle the threshold.
func (a *Auditor) NoteInvalidKey(ctx context.Context, ip string) error {
	ev := &model.AuditEvent{Kind: model.AuditInvalidKeyAttempt, SourceIP: ip}
	if err := a.store.AppendAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("record invalid key attempt: %w", err)
	}

	since := time.Now().Add(-a.alertWindow)
	attempts, err := a.store.CountInvalidAttemptsByIP(ctx, ip, since)
	if err != nil {
		return fmt.Errorf("check alert threshold: %w", err)
	}
	if attempts < int64(a.alertThreshold) {
		return nil
	}

	alerts, err := a.store.CountEventsByIP(ctx, model.AuditSecurityAlert, ip, since)
	if err != nil {
		return fmt.Errorf("check existing alerts: %w", err)
	}
	if alerts == 0 {
		alert := &model.AuditEvent{
			Kind:     model.AuditSecurityAlert,
			SourceIP: ip,
			Detail:   fmt.Sprintf("%d invalid key attempts within %s", attempts, a.alertWindow),
		}
		if err := a.store.AppendAuditEvent(ctx, alert); err != nil {
			return fmt.Errorf("record security alert: %w", err)
		}
		a.logger.Warn("security alert: repeated invalid key attempts",
			"source_ip", ip, "attempts", attempts, "window", a.alertWindow)
	}
	return nil
}

// NoteRateLimit records a request rejected for exhausting its route quota.
func (a *Auditor) NoteRateLimit(ctx context.Context, ip, tokenID, route string) error {
	ev := &model.AuditEvent{
		Kind:     model.AuditRateLimitHit,
		SourceIP: ip,
		TokenID:  tokenID,
		Detail:   route,
	}
	if err := a.store.AppendAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("record rate limit hit: %w", err)
	}
	return nil
}

// NoteUnknownIP records a valid token authenticating from an IP address not
// previously seen for that token.
func (a *Auditor) NoteUnknownIP(ctx context.Context, ip, tokenID string) error {
	ev := &model.AuditEvent{
		Kind:     model.AuditUnknownIPUse,
		SourceIP: ip,
		TokenID:  tokenID,
	}
	if err := a.store.AppendAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("record unknown ip use: %w", err)
	}
	return nil
}

// Summary aggregates the audit log over the trailing window.
type Summary struct {
	WindowStart        time.Time `json:"window_start"`
	InvalidKeyAttempts int64     `json:"invalid_key_attempts"`
	RateLimitHits      int64     `json:"rate_limit_hits"`
	UnknownIPUses      int64     `json:"unknown_ip_uses"`
	SecurityAlerts     int64     `json:"security_alerts"`
	BlockedIPs         []string  `json:"blocked_ips"`
}

// Summarize reads the audit log for the trailing window (DefaultSummaryWindow
// when non-positive) and returns the aggregate counts. Blocked IPs are those
// whose invalid attempts within the window reached the alert threshold.
func (a *Auditor) Summarize(ctx context.Context, window time.Duration) (*Summary, error) {
	if window <= 0 {
		window = DefaultSummaryWindow
	}
	since := time.Now().Add(-window)

	sum := &Summary{WindowStart: since, BlockedIPs: []string{}}

	var err error
	if sum.InvalidKeyAttempts, err = a.store.CountAuditEvents(ctx, model.AuditInvalidKeyAttempt, since); err != nil {
		return nil, err
	}
	if sum.RateLimitHits, err = a.store.CountAuditEvents(ctx, model.AuditRateLimitHit, since); err != nil {
		return nil, err
	}
	if sum.UnknownIPUses, err = a.store.CountAuditEvents(ctx, model.AuditUnknownIPUse, since); err != nil {
		return nil, err
	}
	if sum.SecurityAlerts, err = a.store.CountAuditEvents(ctx, model.AuditSecurityAlert, since); err != nil {
		return nil, err
	}

	perIP, err := a.store.InvalidAttemptsByIP(ctx, since)
	if err != nil {
		return nil, err
	}
	for ip, attempts := range perIP {
		if attempts >= int64(a.alertThreshold) {
			sum.BlockedIPs = append(sum.BlockedIPs, ip)
		}
	}
	sort.Strings(sum.BlockedIPs)

	return sum, nil
}
