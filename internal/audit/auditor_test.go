package audit

import (
	"context"
	"testing"
	"time"

	"github.com/raggate/raggate/internal/model"
	"github.com/raggate/raggate/internal/store"
)

func newTestAuditor(t *testing.T, threshold int) (*Auditor, *store.Store) {
	t.Helper()
	s, err := store.NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil, threshold, time.Hour), s
}

func TestInvalidKeyEscalation(t *testing.T) {
	a, s := newTestAuditor(t, 10)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if err := a.NoteInvalidKey(ctx, "203.0.113.7"); err != nil {
			t.Fatalf("NoteInvalidKey %d: %v", i, err)
		}
	}
	since := time.Now().Add(-time.Minute)
	alerts, err := s.CountAuditEvents(ctx, model.AuditSecurityAlert, since)
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if alerts != 0 {
		t.Fatalf("no alert expected below threshold, got %d", alerts)
	}

	// The tenth attempt crosses the threshold.
	if err := a.NoteInvalidKey(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("NoteInvalidKey: %v", err)
	}
	alerts, err = s.CountAuditEvents(ctx, model.AuditSecurityAlert, since)
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if alerts != 1 {
		t.Fatalf("expected 1 alert at threshold, got %d", alerts)
	}

	// Further attempts past the threshold do not repeat the alert.
	if err := a.NoteInvalidKey(ctx, "203.0.113.7"); err != nil {
		t.Fatalf("NoteInvalidKey: %v", err)
	}
	alerts, err = s.CountAuditEvents(ctx, model.AuditSecurityAlert, since)
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if alerts != 1 {
		t.Errorf("expected still 1 alert past threshold, got %d", alerts)
	}
}

func TestEscalationRecoversMissedCrossing(t *testing.T) {
	a, s := newTestAuditor(t, 3)
	ctx := context.Background()

	// Concurrent attempts can land the count past the threshold without any
	// single call having observed the exact crossing. Seed that state.
	for i := 0; i < 4; i++ {
		ev := &model.AuditEvent{Kind: model.AuditInvalidKeyAttempt, SourceIP: "203.0.113.40"}
		if err := s.AppendAuditEvent(ctx, ev); err != nil {
			t.Fatalf("AppendAuditEvent: %v", err)
		}
	}

	if err := a.NoteInvalidKey(ctx, "203.0.113.40"); err != nil {
		t.Fatalf("NoteInvalidKey: %v", err)
	}

	alerts, err := s.CountAuditEvents(ctx, model.AuditSecurityAlert, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if alerts != 1 {
		t.Errorf("expected 1 alert past threshold, got %d", alerts)
	}
}

func TestEscalationIsPerIP(t *testing.T) {
	a, s := newTestAuditor(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := a.NoteInvalidKey(ctx, "192.0.2.1"); err != nil {
			t.Fatalf("NoteInvalidKey: %v", err)
		}
		if err := a.NoteInvalidKey(ctx, "192.0.2.2"); err != nil {
			t.Fatalf("NoteInvalidKey: %v", err)
		}
	}

	alerts, err := s.CountAuditEvents(ctx, model.AuditSecurityAlert, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountAuditEvents: %v", err)
	}
	if alerts != 0 {
		t.Errorf("attempts must not pool across IPs, got %d alerts", alerts)
	}
}

func TestSummarize(t *testing.T) {
	a, _ := newTestAuditor(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := a.NoteInvalidKey(ctx, "198.51.100.9"); err != nil {
			t.Fatalf("NoteInvalidKey: %v", err)
		}
	}
	if err := a.NoteRateLimit(ctx, "198.51.100.10", "tok-1", "/embed"); err != nil {
		t.Fatalf("NoteRateLimit: %v", err)
	}
	if err := a.NoteUnknownIP(ctx, "198.51.100.11", "tok-1"); err != nil {
		t.Fatalf("NoteUnknownIP: %v", err)
	}

	sum, err := a.Summarize(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.InvalidKeyAttempts != 3 {
		t.Errorf("InvalidKeyAttempts: got %d, want 3", sum.InvalidKeyAttempts)
	}
	if sum.RateLimitHits != 1 {
		t.Errorf("RateLimitHits: got %d, want 1", sum.RateLimitHits)
	}
	if sum.UnknownIPUses != 1 {
		t.Errorf("UnknownIPUses: got %d, want 1", sum.UnknownIPUses)
	}
	if sum.SecurityAlerts != 1 {
		t.Errorf("SecurityAlerts: got %d, want 1", sum.SecurityAlerts)
	}
	if len(sum.BlockedIPs) != 1 || sum.BlockedIPs[0] != "198.51.100.9" {
		t.Errorf("BlockedIPs: got %v, want [198.51.100.9]", sum.BlockedIPs)
	}
}

func TestSummarizeEmptyWindow(t *testing.T) {
	a, _ := newTestAuditor(t, 10)

	sum, err := a.Summarize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.InvalidKeyAttempts != 0 || sum.SecurityAlerts != 0 {
		t.Errorf("expected empty summary, got %+v", sum)
	}
	if sum.BlockedIPs == nil {
		t.Error("BlockedIPs must be an empty slice, not nil")
	}
}
