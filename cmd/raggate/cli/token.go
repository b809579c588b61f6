package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raggate/raggate/internal/token"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"key"},
		Short:   "Manage API tokens",
		Long:    "Generate, import, list, revoke, and prune the API tokens used to authenticate against the RAG API.",
	}

	cmd.AddCommand(newTokenGenerateCmd())
	cmd.AddCommand(newTokenAddCmd())
	cmd.AddCommand(newTokenListCmd())
	cmd.AddCommand(newTokenRevokeCmd())
	cmd.AddCommand(newTokenPruneCmd())

	return cmd
}

// ---------- token generate ----------

func newTokenGenerateCmd() *cobra.Command {
	var (
		label  string
		length int
		ttl    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API token",
		Long:  "Generate a new random API token. The plaintext is shown once and cannot be retrieved again; only its hash is stored.",
		Example: `  raggate token generate --label "ci pipeline"
  raggate token generate --label staging --ttl 30d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenGenerate(label, length, ttl)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the token")
	cmd.Flags().IntVar(&length, "length", 0, "Random key length in bytes (default 32)")
	cmd.Flags().StringVar(&ttl, "ttl", "", "Token lifetime like 30d, 12h, or 30m (default: no expiry)")

	return cmd
}

func runTokenGenerate(label string, length int, ttl string) error {
	var lifetime time.Duration
	if ttl != "" {
		d, err := token.ParseTTL(ttl)
		if err != nil {
			return err
		}
		lifetime = d
	}

	s, err := openStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer s.Close()

	mgr := token.NewManager(s, nil)
	plaintext, tok, err := mgr.Generate(context.Background(), label, length, lifetime)
	if err != nil {
		return err
	}

	fmt.Println("Token created:")
	fmt.Println()
	fmt.Printf("  Key:    %s\n", plaintext)
	fmt.Printf("  ID:     %s\n", tok.ID)
	if label != "" {
		fmt.Printf("  Label:  %s\n", label)
	}
	if tok.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", tok.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- token add ----------

func newTokenAddCmd() *cobra.Command {
	var (
		label string
		ttl   string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Import an existing key",
		Long:  "Import caller-supplied key material, for rotation or migration from another issuer. The key is read from stdin without echo and stored only as a hash.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenAdd(label, ttl)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the token")
	cmd.Flags().StringVar(&ttl, "ttl", "", "Token lifetime like 30d, 12h, or 30m (default: no expiry)")

	return cmd
}

func runTokenAdd(label, ttl string) error {
	var lifetime time.Duration
	if ttl != "" {
		d, err := token.ParseTTL(ttl)
		if err != nil {
			return err
		}
		lifetime = d
	}

	fmt.Fprint(os.Stderr, "Key: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	s, err := openStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer s.Close()

	mgr := token.NewManager(s, nil)
	tok, err := mgr.Add(context.Background(), string(raw), label, lifetime)
	if err != nil {
		return err
	}

	fmt.Printf("Imported token %s (prefix %s)\n", tok.ID, tok.KeyPrefix)
	return nil
}

// ---------- token list ----------

func newTokenListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all tokens with usage metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runTokenList(jsonOutput bool) error {
	s, err := openStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer s.Close()

	mgr := token.NewManager(s, nil)
	tokens, err := mgr.List(context.Background())
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tokens)
	}

	if len(tokens) == 0 {
		fmt.Println("No tokens. Use 'raggate token generate' to create one.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-14s %-20s %-10s %-9s %-20s %s\n", "PREFIX", "LABEL", "REQUESTS", "STATUS", "LAST USED", "IPS")
	for _, tok := range tokens {
		status := "active"
		switch {
		case tok.Revoked:
			status = "revoked"
		case tok.ExpiresAt != nil && !tok.ExpiresAt.After(now):
			status = "expired"
		}
		lastUsed := "never"
		if tok.LastUsedAt != nil {
			lastUsed = tok.LastUsedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-14s %-20s %-10d %-9s %-20s %d\n",
			tok.KeyPrefix, tok.Label, tok.RequestCount, status, lastUsed, len(tok.IPHistory))
	}
	return nil
}

// ---------- token revoke ----------

func newTokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key|id|prefix>",
		Short: "Revoke a token",
		Long:  "Mark a token invalid. The argument may be the plaintext key, the token ID, or a display prefix.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenRevoke(args[0])
		},
	}

	return cmd
}

func runTokenRevoke(keyOrID string) error {
	s, err := openStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer s.Close()

	mgr := token.NewManager(s, nil)
	tok, err := mgr.Revoke(context.Background(), keyOrID)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}

	fmt.Printf("Revoked token %s (prefix %s)\n", tok.ID, tok.KeyPrefix)
	return nil
}

// ---------- token prune ----------

func newTokenPruneCmd() *cobra.Command {
	var staleDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete expired and stale tokens",
		Long:  "Permanently delete tokens that are expired or have seen no use in the stale window. This cannot be undone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenPrune(staleDays)
		},
	}

	cmd.Flags().IntVar(&staleDays, "stale-days", 0, "Stale window in days (default 30)")

	return cmd
}

func runTokenPrune(staleDays int) error {
	s, err := openStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	defer s.Close()

	mgr := token.NewManager(s, nil)
	result, err := mgr.Prune(context.Background(), staleDays)
	if err != nil {
		return fmt.Errorf("prune tokens: %w", err)
	}

	if result.Count == 0 {
		fmt.Println("Nothing to prune.")
		return nil
	}
	fmt.Printf("Pruned %d token(s):\n", result.Count)
	for _, label := range result.Labels {
		if label == "" {
			label = "(unlabeled)"
		}
		fmt.Printf("  - %s\n", label)
	}
	return nil
}
