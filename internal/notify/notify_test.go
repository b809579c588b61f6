package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendSlack(t *testing.T) {
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		gotText = payload["text"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := SlackConfig{WebhookURL: srv.URL}
	if err := SendSlack(context.Background(), cfg, "10 invalid key attempts from 203.0.113.7"); err != nil {
		t.Fatalf("SendSlack: %v", err)
	}
	if gotText != "10 invalid key attempts from 203.0.113.7" {
		t.Errorf("text %q", gotText)
	}
}

func TestSendSlackRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := SendSlack(context.Background(), SlackConfig{WebhookURL: srv.URL}, "x"); err == nil {
		t.Error("expected error for rejected webhook")
	}
}

func TestSendSlackUnconfigured(t *testing.T) {
	if err := SendSlack(context.Background(), SlackConfig{}, "x"); err == nil {
		t.Error("expected error when webhook url missing")
	}
}

func TestSendEmailUnconfigured(t *testing.T) {
	if err := SendEmail(EmailConfig{}, "subject", "body"); err == nil {
		t.Error("expected error when smtp host missing")
	}
}
