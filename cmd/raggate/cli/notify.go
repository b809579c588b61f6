package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raggate/raggate/internal/audit"
	"github.com/raggate/raggate/internal/notify"
)

func newNotifyCmd() *cobra.Command {
	var window string

	cmd := &cobra.Command{
		Use:   "notify <email|slack>",
		Short: "Send the audit summary to an operator channel",
		Long: `Summarize the security audit log for the trailing window and deliver it
over email (SMTP) or Slack (incoming webhook), using the settings from the
notify section of the config file. Meant for cron or alerting scripts.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"email", "slack"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(args[0], window)
		},
	}

	cmd.Flags().StringVar(&window, "window", "24h", "Summary window as a Go duration")

	return cmd
}

func runNotify(channel, window string) error {
	d, err := time.ParseDuration(window)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid window %q: expected a positive duration like 24h", window)
	}

	cfg := loadConfig()

	s, err := openStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer s.Close()

	auditor := audit.New(s, nil, cfg.Auth.AlertThreshold, cfg.AlertWindow())
	sum, err := auditor.Summarize(context.Background(), d)
	if err != nil {
		return fmt.Errorf("summarize audit log: %w", err)
	}

	text := fmt.Sprintf(
		"Security audit summary (last %s):\n"+
			"  invalid key attempts: %d\n"+
			"  rate limit hits:      %d\n"+
			"  unknown IP uses:      %d\n"+
			"  security alerts:      %d\n"+
			"  blocked IPs:          %v",
		window, sum.InvalidKeyAttempts, sum.RateLimitHits,
		sum.UnknownIPUses, sum.SecurityAlerts, sum.BlockedIPs)

	switch channel {
	case "email":
		if err := notify.SendEmail(cfg.Notify.Email, "raggate security audit", text); err != nil {
			return err
		}
		fmt.Printf("Sent audit summary to %s\n", cfg.Notify.Email.To)
	case "slack":
		if err := notify.SendSlack(context.Background(), cfg.Notify.Slack, text); err != nil {
			return err
		}
		fmt.Println("Sent audit summary to Slack")
	default:
		return fmt.Errorf("unknown channel %q: expected email or slack", channel)
	}
	return nil
}
