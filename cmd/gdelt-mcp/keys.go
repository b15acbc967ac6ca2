package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/admin"
	"github.com/alexjbarnes/gdelt-mcp/internal/config"
	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/alexjbarnes/gdelt-mcp/internal/state"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys in the identity store",
	}

	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysRevokeCmd())

	return cmd
}

// openManager returns a key manager for the identity store named by
// STATE_PATH. A running server holds the store's file lock, so when its
// admin endpoint answers the commands go through it; otherwise the store
// is opened directly. The returned close func releases whichever was used.
func openManager(ctx context.Context) (admin.Manager, func() error, error) {
	sc, err := config.LoadStore()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if url := sc.AdminURL(); url != "" {
		if token := adminToken(sc); token != "" {
			client := admin.NewClient(url, token)

			err := client.Ping(ctx)
			if err == nil {
				return client, func() error { return nil }, nil
			}

			if errors.Is(err, errs.ErrUnauthorized) {
				return nil, nil, fmt.Errorf("admin endpoint %s rejected the token: %w", url, err)
			}
		}
	}

	st, err := state.LoadAt(sc.StatePath)
	if err != nil {
		if sc.AdminURL() != "" {
			return nil, nil, fmt.Errorf("loading state (if a server is running, its admin endpoint %s must be reachable): %w", sc.AdminURL(), err)
		}

		return nil, nil, fmt.Errorf("loading state: %w", err)
	}

	return admin.NewService(st), st.Close, nil
}

// adminToken is ADMIN_TOKEN, or the token a running server published
// next to the store.
func adminToken(sc *config.StoreConfig) string {
	if sc.AdminToken != "" {
		return sc.AdminToken
	}

	b, err := os.ReadFile(sc.AdminTokenPath())
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(b))
}

func keysCreateCmd() *cobra.Command {
	var (
		subject   string
		tier      string
		name      string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key; the key is printed once and never stored",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if expiresIn < 0 {
				return fmt.Errorf("--expires-in must not be negative")
			}

			m, closeFn, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			req := admin.CreateRequest{Subject: subject, Tier: tier, Name: name}
			if expiresIn > 0 {
				req.ExpiresIn = expiresIn.String()
			}

			created, err := m.CreateKey(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			fmt.Fprintf(out, "id:     %s\n", created.APIKey.ID)
			fmt.Fprintf(out, "prefix: %s\n", created.APIKey.Prefix)
			green.Fprintf(out, "key:    %s\n", created.Key)
			yellow.Fprintln(out, "Store this key now. It cannot be shown again.")

			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "identity provider user ID that owns the key (required)")
	cmd.Flags().StringVar(&tier, "tier", "pro", "plan tier recorded on the key")
	cmd.Flags().StringVar(&name, "name", "", "label to tell keys apart")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "key lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func keysListCmd() *cobra.Command {
	var (
		subject string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "json" && output != "table" {
				return fmt.Errorf("unknown output format %q", output)
			}

			m, closeFn, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			keys, err := m.ListKeys(cmd.Context(), subject)
			if err != nil {
				return err
			}

			if output == "json" {
				return outputJSON(cmd.OutOrStdout(), keys)
			}

			return outputTable(cmd.OutOrStdout(), keys, time.Now())
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "only keys owned by this subject")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json)")

	return cmd
}

func keysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			ak, err := m.RevokeKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", ak.ID)

			return nil
		},
	}
}

func outputJSON(w io.Writer, keys []models.APIKey) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(keys)
}

func outputTable(w io.Writer, keys []models.APIKey, now time.Time) error {
	if len(keys) == 0 {
		fmt.Fprintln(w, "No API keys found")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Append([]string{"ID", "Prefix", "Subject", "Name", "Tier", "Status", "Created", "Last Used"})

	for _, k := range keys {
		table.Append([]string{
			k.ID,
			k.Prefix,
			k.Subject,
			k.Name,
			k.Tier,
			keyStatus(k, now),
			formatTime(k.CreatedAt),
			formatTime(k.LastUsed),
		})
	}

	table.Render()

	return nil
}

func keyStatus(k models.APIKey, now time.Time) string {
	switch {
	case k.Revoked:
		return "revoked"
	case k.Expired(now):
		return "expired"
	default:
		return "active"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return t.UTC().Format("2006-01-02 15:04")
}
