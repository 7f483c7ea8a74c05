package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/scan-gate/internal/domain"
	"github.com/ashureev/scan-gate/internal/store"
)

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Inspect and revoke persisted first-contact grants",
}

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted first-contact grants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := loadGrants(cmd.Context())
		if err != nil {
			return err
		}
		now := time.Now()
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tGRANTED AT\tLIVE")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%t\n", r.UserID, r.GrantedAt.UTC().Format(time.RFC3339), r.Live(now, cfg.Auth.FirstContactGrace))
		}
		return tw.Flush()
	},
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <user-id>...",
	Short: "Remove persisted first-contact grants (server must be stopped)",
	Long: `Remove persisted first-contact grants from the configured store.

Run this only while the server is stopped. A running server keeps its grants
in memory and writes them back on its next change, which restores revoked
records. The bbolt backend is also locked by a running server.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gs, err := store.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer gs.Close()

		records, err := gs.Load(ctx)
		if err != nil {
			return fmt.Errorf("load grants: %w", err)
		}
		kept, removed := revokeGrants(records, args)
		if removed == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no matching grants")
			return nil
		}
		if err := gs.Save(ctx, kept); err != nil {
			return fmt.Errorf("save grants: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %d grant(s)\n", removed)
		return nil
	},
}

func init() {
	grantsCmd.AddCommand(grantsListCmd, grantsRevokeCmd)
	rootCmd.AddCommand(grantsCmd)
}

func loadGrants(ctx context.Context) ([]domain.GrantRecord, error) {
	gs, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer gs.Close()
	records, err := gs.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	return records, nil
}

// revokeGrants drops the records of the given users.
func revokeGrants(records []domain.GrantRecord, userIDs []string) ([]domain.GrantRecord, int) {
	drop := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		drop[id] = struct{}{}
	}
	kept := make([]domain.GrantRecord, 0, len(records))
	for _, r := range records {
		if _, ok := drop[r.UserID]; ok {
			continue
		}
		kept = append(kept, r)
	}
	return kept, len(records) - len(kept)
}
