// Command feed-loader refreshes every persisted feed once and exits. It is
// meant for cron jobs and containers that do not run the daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/server"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
)

func main() {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "feed-loader",
		Short:         "Refresh all configured TAXII feeds once",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			deadline, _ := cmd.Flags().GetDuration("deadline")
			cfg, err := server.LoadConfig(v, configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			c, err := server.Assemble(cfg, logger, taxii.WithUserAgent("taxiiview-feed-loader/1.0"))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, deadline)
				defer cancel()
			}
			report := c.Sync.RefreshAll(ctx)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				logger.Error("refresh failed", "feeds", failed)
				return fmt.Errorf("%d of %d feeds failed", len(failed), len(report.Feeds))
			}
			logger.Info("refresh done", "run", report.RunID, "objects", report.Fetched(), "indicators", c.Store.Len())
			return nil
		},
	}
	cmd.Flags().String("config", "", "config file")
	cmd.Flags().String("data-dir", ".", "directory holding the feed registry and indicator store")
	cmd.Flags().Duration("deadline", 10*time.Minute, "abort the run after this long (0 disables)")
	cmd.Flags().Duration("lookback", 0, "only fetch objects added within this window (0 fetches everything)")
	_ = v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	_ = v.BindPFlag("lookback", cmd.Flags().Lookup("lookback"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}
