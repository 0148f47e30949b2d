package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type keyStore interface {
	CreateKey(ctx context.Context, key, orgID string, expiresAt *time.Time) error
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage ingest API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create <org-id>",
	Short: "Create an API key bound to an org",
	Long: `Create an API key bound to an org. Only the key's hash is stored, so the
printed key cannot be recovered later.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		var expiresAt *time.Time
		if ttl > 0 {
			t := time.Now().Add(ttl).UTC()
			expiresAt = &t
		}

		key, err := newAPIKey()
		if err != nil {
			return err
		}
		store, closeFn, err := openKeyStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := store.CreateKey(cmd.Context(), key, args[0], expiresAt); err != nil {
			return fmt.Errorf("failed to create api key: %w", err)
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), map[string]any{"key": key, "orgId": args[0], "expiresAt": expiresAt})
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		fmt.Fprintf(stderr, "created key for org %s; store it now, it is not shown again\n", args[0])
		return nil
	},
}

func newAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return "sp_" + hex.EncodeToString(b), nil
}

func init() {
	apikeyCreateCmd.Flags().Duration("ttl", 0, "key lifetime; zero never expires")
	apikeyCmd.AddCommand(apikeyCreateCmd)
	rootCmd.AddCommand(apikeyCmd)
}
