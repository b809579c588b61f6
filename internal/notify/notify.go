// Package notify delivers operator alerts over email and Slack. Delivery is
// operator-initiated or script-driven; the server itself never pushes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// SlackConfig holds the incoming-webhook URL.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// SendEmail delivers a plain-text message over SMTP. Authentication is used
// only when credentials are configured, so unauthenticated relays on
// localhost work too.
func SendEmail(cfg EmailConfig, subject, body string) error {
	if cfg.Host == "" || cfg.To == "" {
		return fmt.Errorf("email notifications not configured")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	msg := strings.Join([]string{
		"From: " + from,
		"To: " + cfg.To,
		"Subject: " + subject,
		"",
		fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), body),
	}, "\r\n")

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := smtp.SendMail(addr, auth, from, []string{cfg.To}, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// SendSlack posts a message to a Slack incoming webhook.
func SendSlack(ctx context.Context, cfg SlackConfig, text string) error {
	if cfg.WebhookURL == "" {
		return fmt.Errorf("slack notifications not configured")
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
