// Command CivicPipe runs the citizen-services chat router and its admin tools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

func main() {
	// Bootstrap logging before the configured level is known.
	initializeLogger("debug")

	config, err := loadEnvironmentConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(config).ExecuteContext(ctx); err != nil {
		slog.Error("CivicPipe failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flag defaults come from the environment config.
func newRootCmd(config Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "CivicPipe",
		Short:         "Citizen-services conversation router for WhatsApp",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(config), newValidateCmd(), newSlotsCmd())
	return root
}

// newServeCmd runs the router, the outbox sender and the admin API.
func newServeCmd(config Config) *cobra.Command {
	var (
		stateDir string
		wa       whatsAppFlags
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router, outbox sender and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config.rebaseStateDir(stateDir)
			if err := config.validate(); err != nil {
				return err
			}
			slog.Info("Bootstrapping CivicPipe", "provider", config.Provider, "tenant", config.TenantID, "state_dir", config.StateDir)
			if err := runServe(cmd.Context(), config, wa); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			slog.Info("CivicPipe exited successfully")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&stateDir, "state-dir", config.StateDir, "state directory for CivicPipe data (overrides $CIVICPIPE_STATE_DIR)")
	f.StringVar(&config.ApplicationDBDSN, "db-dsn", config.ApplicationDBDSN, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	f.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&config.Provider, "provider", config.Provider, "messaging provider: whatsapp, twilio or log (overrides $MESSAGING_PROVIDER)")
	f.StringVar(&config.TenantID, "tenant", config.TenantID, "tenant whose flows inbound messages run against (overrides $DEFAULT_TENANT_ID)")
	f.StringSliceVar(&config.RedisAddrs, "redis-addr", config.RedisAddrs, "Redis addresses for shared locks and dedup (overrides $REDIS_ADDR)")
	f.StringVar(&config.SweepCron, "sweep-cron", config.SweepCron, "session housekeeping schedule (overrides $SESSION_SWEEP_CRON)")
	f.StringVar(&wa.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	f.BoolVar(&wa.numeric, "numeric-code", false, "print the WhatsApp login code instead of a QR code")
	return cmd
}
