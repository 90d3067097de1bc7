// syncctl is the operator tool for the sync service: it sweeps stuck pending
// references, removes references by hand and forces token refreshes.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/syncctl sweep-pending --provider qbo
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/gateway"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/mmdatafocus/buildsync/workflow"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate the QuickBooks and Stripe sync",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().Bool("no-redis", false, "Skip connecting to redis (disables the refresh lock and reference cache)")
	root.AddCommand(newSweepCmd(), newUnsyncCmd(), newRefreshCmd(), newSessionTokenCmd())
	return root
}

// connect opens the database (and redis unless --no-redis) and returns an
// operator context that is not scoped to any tenant.
func connect(cmd *cobra.Command) (context.Context, *gorm.DB, error) {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, nil, fmt.Errorf("database not initialized; set DB_* env vars")
	}
	if noRedis, _ := cmd.Flags().GetBool("no-redis"); !noRedis {
		config.ConnectRedisWithRetry()
	}
	ctx := utils.SetSkipTenantScopeInContext(cmd.Context(), true)
	ctx = utils.SetUserIdInContext(ctx, "syncctl")
	return ctx, db, nil
}

func providerFlag(cmd *cobra.Command) (models.Provider, error) {
	v, _ := cmd.Flags().GetString("provider")
	return models.ParseProvider(v)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep-pending",
		Short: "Re-run syncs whose pending claim outlived the staleness threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := providerFlag(cmd)
			if err != nil {
				return err
			}
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			ctx, db, err := connect(cmd)
			if err != nil {
				return err
			}
			gw := gateway.NewClientFromConfig(models.NewCredentialStore(db))
			res, sweepErr := workflow.NewSyncerFromConfig(db, gw).SweepPending(ctx, provider, olderThan, concurrency)
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return sweepErr
		},
	}
	cmd.Flags().String("provider", "qbo", "Provider to sweep (qbo|stripe)")
	cmd.Flags().Duration("older-than", 0, "Claim age that counts as stuck (default SYNC_STALE_SECONDS)")
	cmd.Flags().Int("concurrency", 4, "Parallel resyncs")
	return cmd
}

func newUnsyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsync ENTITY_TYPE ENTITY_ID",
		Short: "Delete the reference linking a local record to its provider counterpart",
		Long: `Delete the reference so the next sync creates a fresh external record.
The external record itself is left untouched at the provider.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := providerFlag(cmd)
			if err != nil {
				return err
			}
			entityType, err := models.ParseEntityType(args[0])
			if err != nil {
				return err
			}
			gcAccountId, _ := cmd.Flags().GetString("gc-account")

			ctx, db, err := connect(cmd)
			if err != nil {
				return err
			}
			if gcAccountId != "" {
				ctx = utils.SetSkipTenantScopeInContext(ctx, false)
				ctx = utils.SetGcAccountIdInContext(ctx, gcAccountId)
			}
			deleted, err := workflow.NewSyncerFromConfig(db, nil).Unsync(ctx, provider, entityType, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"deleted": deleted})
		},
	}
	cmd.Flags().String("provider", "qbo", "Provider (qbo|stripe)")
	cmd.Flags().String("gc-account", "", "Restrict the lookup to one gc_account_id")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-token",
		Short: "Refresh QuickBooks access tokens",
		Long: `With --gc-account, force a refresh of that tenant's token regardless of expiry.
Without it, refresh every active token expiring within --within.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gcAccountId, _ := cmd.Flags().GetString("gc-account")
			within, _ := cmd.Flags().GetDuration("within")

			ctx, db, err := connect(cmd)
			if err != nil {
				return err
			}
			creds := models.NewCredentialStore(db)
			tokens := gateway.NewClientFromConfig(creds).Tokens()

			if gcAccountId == "" {
				n, err := tokens.RefreshExpiring(ctx, within)
				if perr := printJSON(cmd, map[string]any{"refreshed": n}); perr != nil {
					return perr
				}
				return err
			}
			cred, err := creds.Get(ctx, gcAccountId, models.ProviderQBO)
			if err != nil {
				return err
			}
			fresh, err := tokens.EnsureFresh(ctx, cred, true)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"gc_account_id": fresh.GcAccountId,
				"realm_id":      fresh.RealmId,
				"token_version": fresh.TokenVersion,
				"expires_at":    fresh.ExpiresAt,
				"token_state":   gateway.StateOf(fresh, time.Now()).String(),
			})
		},
	}
	cmd.Flags().String("gc-account", "", "Force-refresh this tenant's QuickBooks token")
	cmd.Flags().Duration("within", 15*time.Minute, "Refresh tokens expiring within this window")
	return cmd
}

func newSessionTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-token USER_ID GC_ACCOUNT_ID",
		Short: "Mint a portal session token for local testing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := utils.JwtGenerate(args[0], args[1], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}
