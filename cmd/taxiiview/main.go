// Command taxiiview synchronizes TAXII 2.1 collections into a local
// indicator store and serves it over HTTP.
//
// Configuration comes from defaults, an optional config file, TAXIIVIEW_*
// environment variables, and flags, in increasing precedence. The base
// logger is built once here and injected everywhere else.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/server"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
)

var version = "dev"

// env is resolved once per invocation in PersistentPreRunE.
type env struct {
	cfg    *server.Config
	logger *slog.Logger
	c      *server.Components
	out    *printer
}

func main() {
	v := viper.New()
	e := &env{}

	rootCmd := &cobra.Command{
		Use:           "taxiiview",
		Short:         "TAXII 2.1 feed synchronizer and indicator viewer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := server.LoadConfig(v, configFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			c, err := server.Assemble(cfg, logger, taxii.WithUserAgent("taxiiview/"+version))
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("output")
			e.cfg, e.logger, e.c, e.out = cfg, logger, c, newPrinter(format)
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("data-dir", ".", "directory holding the feed registry and indicator store")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.Int("workers", 4, "feeds refreshed concurrently")
	pf.Int("page-size", 0, "objects requested per page (0 lets the server decide)")
	pf.Duration("timeout", 0, "per-request timeout (default from config)")
	pf.Duration("lookback", 0, "only fetch objects added within this window (0 fetches everything)")
	pf.StringP("output", "o", "table", "output format: table or json")
	for key, flag := range map[string]string{
		"data_dir":        "data-dir",
		"log_level":       "log-level",
		"log_format":      "log-format",
		"workers":         "workers",
		"page_size":       "page-size",
		"request_timeout": "timeout",
		"lookback":        "lookback",
	} {
		if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(e, v),
		newDiscoverCmd(e),
		newCollectionsCmd(e),
		newFeedCmd(e),
		newRefreshCmd(e),
		newIndicatorsCmd(e),
		versionCmd,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}
