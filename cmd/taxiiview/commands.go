package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BedeschiL/Taxii-client/internal/server"
	"github.com/BedeschiL/Taxii-client/internal/taxii"
	"github.com/BedeschiL/Taxii-client/internal/threat"
)

func newServeCmd(e *env, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, metrics and gRPC health",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := server.New(e.c.Service, e.cfg, e.logger)
			e.c.Sync.Register(srv)
			e.logger.Info("starting", "version", version, "feeds", e.c.Feeds.Len(), "indicators", e.c.Store.Len())
			return srv.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("http-addr", ":8080", "HTTP API listen address")
	f.String("metrics-addr", ":9090", "Prometheus metrics listen address (empty disables)")
	f.String("grpc-addr", ":9091", "gRPC health listen address (empty disables)")
	f.Duration("refresh-interval", 0, "refresh every feed on this interval (0 disables)")
	for key, flag := range map[string]string{
		"http_addr":        "http-addr",
		"metrics_addr":     "metrics-addr",
		"grpc_addr":        "grpc-addr",
		"refresh_interval": "refresh-interval",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func credentialFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("username", "u", "", "basic auth username")
	cmd.Flags().StringP("password", "p", "", "basic auth password")
}

func credentialsFromCmd(cmd *cobra.Command) taxii.Credentials {
	u, _ := cmd.Flags().GetString("username")
	p, _ := cmd.Flags().GetString("password")
	return taxii.Credentials{Username: u, Password: p}
}

func newDiscoverCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover <server-url>",
		Short: "Show a server's discovery document and API roots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := e.c.Service.DiscoverServer(cmd.Context(), args[0], credentialsFromCmd(cmd))
			if err != nil {
				return err
			}
			if e.out.isJSON() {
				return e.out.json(info)
			}
			e.out.kv([][2]string{
				{"Title", info.Title},
				{"Description", info.Description},
				{"Contact", info.Contact},
				{"Default", info.Default},
			})
			rows := make([][]string, 0, len(info.Roots))
			for _, r := range info.Roots {
				rows = append(rows, []string{r.URL, r.Title, strings.Join(r.Versions, ",")})
			}
			e.out.table([]string{"API ROOT", "TITLE", "VERSIONS"}, rows)
			return nil
		},
	}
	credentialFlags(cmd)
	return cmd
}

func newCollectionsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections <api-root | server-url>",
		Short: "List collections of an API root, or of every root with --all",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := credentialsFromCmd(cmd)
			var cols []threat.RootCollection
			if all, _ := cmd.Flags().GetBool("all"); all {
				var err error
				if cols, err = e.c.Service.DiscoverCollections(cmd.Context(), args[0], creds); err != nil {
					return err
				}
			} else {
				list, err := e.c.Service.ListCollections(cmd.Context(), args[0], creds)
				if err != nil {
					return err
				}
				for _, c := range list {
					cols = append(cols, threat.RootCollection{APIRoot: args[0], Collection: c})
				}
			}
			if e.out.isJSON() {
				return e.out.json(cols)
			}
			rows := make([][]string, 0, len(cols))
			for _, c := range cols {
				rows = append(rows, []string{c.ID, c.Title, strconv.FormatBool(c.CanRead), c.APIRoot})
			}
			e.out.table([]string{"ID", "TITLE", "READ", "API ROOT"}, rows)
			return nil
		},
	}
	credentialFlags(cmd)
	cmd.Flags().Bool("all", false, "treat the argument as a server URL and list every API root")
	return cmd
}

func newFeedCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Manage configured feeds",
	}
	cmd.AddCommand(newFeedAddCmd(e), newFeedRemoveCmd(e), newFeedListCmd(e))
	return cmd
}

func newFeedAddCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name> <api-root>",
		Short: "Add a feed for a collection chosen by --id or --title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			title, _ := cmd.Flags().GetString("title")
			types, _ := cmd.Flags().GetStringSlice("type")
			addedAfter, _ := cmd.Flags().GetString("added-after")
			creds := credentialsFromCmd(cmd)
			f, err := e.c.Service.AddFeed(cmd.Context(), threat.FeedRequest{
				Name:            args[0],
				APIRoot:         args[1],
				CollectionID:    id,
				CollectionTitle: title,
				Username:        creds.Username,
				Password:        creds.Password,
				MatchTypes:      types,
				AddedAfter:      addedAfter,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out.w, "added feed %s (collection %s %q)\n", f.Name, f.CollectionID, f.CollectionTitle)
			return nil
		},
	}
	credentialFlags(cmd)
	cmd.Flags().String("id", "", "collection id")
	cmd.Flags().String("title", "", "collection title")
	cmd.Flags().StringSlice("type", nil, "only fetch these STIX object types (repeatable)")
	cmd.Flags().String("added-after", "", "only fetch objects added after this RFC 3339 time")
	return cmd
}

func newFeedRemoveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Remove a feed",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.c.Service.RemoveFeed(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(e.out.w, "removed feed %s\n", args[0])
			return nil
		},
	}
}

func newFeedListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			feeds := e.c.Service.ListFeeds()
			if e.out.isJSON() {
				for i := range feeds {
					feeds[i].Password = ""
				}
				return e.out.json(feeds)
			}
			rows := make([][]string, 0, len(feeds))
			for _, f := range feeds {
				rows = append(rows, []string{f.Name, f.CollectionID, f.CollectionTitle, f.APIRoot, f.Username, formatTime(f.Added)})
			}
			e.out.table([]string{"NAME", "COLLECTION", "TITLE", "API ROOT", "USER", "ADDED"}, rows)
			return nil
		},
	}
}

func newRefreshCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [name]",
		Short: "Refresh one feed, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				res, err := e.c.Service.RefreshOne(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := printResult(e.out, res); err != nil {
					return err
				}
				if !res.OK() {
					return fmt.Errorf("feed %s failed", res.Feed)
				}
				return nil
			}
			report := e.c.Service.RefreshAll(cmd.Context())
			if err := printReport(e.out, report); err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				sort.Strings(failed)
				return fmt.Errorf("%d feed(s) failed: %s", len(failed), strings.Join(failed, ", "))
			}
			return nil
		},
	}
}

// printResult prints a single feed's outcome without the run fields of a
// report.
func printResult(p *printer, res threat.FeedResult) error {
	if p.isJSON() {
		return p.json(res)
	}
	return printReport(p, threat.Report{Feeds: map[string]threat.FeedResult{res.Feed: res}})
}

func printReport(p *printer, report threat.Report) error {
	if p.isJSON() {
		return p.json(report)
	}
	names := make([]string, 0, len(report.Feeds))
	for name := range report.Feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		r := report.Feeds[name]
		status := "ok"
		if !r.OK() {
			status = r.Error
		}
		rows = append(rows, []string{
			name,
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Inserted),
			strconv.Itoa(r.Replaced),
			r.Duration.Round(time.Millisecond).String(),
			status,
		})
	}
	p.table([]string{"FEED", "FETCHED", "NEW", "UPDATED", "DURATION", "STATUS"}, rows)
	return nil
}

func newIndicatorsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "indicators",
		Aliases: []string{"ind"},
		Short:   "Inspect the indicator store",
	}
	cmd.AddCommand(newIndicatorsListCmd(e), newIndicatorsShowCmd(e), newIndicatorsClearCmd(e))
	return cmd
}

func newIndicatorsListCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ls [query]",
		Aliases: []string{"list", "search"},
		Short:   "List stored objects, optionally filtered",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			typ, _ := cmd.Flags().GetString("type")
			recs := e.c.Service.SearchIndicators(query, typ)
			if e.out.isJSON() {
				return e.out.json(recs)
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{r.ID(), r.Object.Type(), truncate(r.Object.Value(), 60), r.Object.LastSeen(), r.Source})
			}
			e.out.table([]string{"ID", "TYPE", "VALUE", "LAST SEEN", "SOURCE"}, rows)
			return nil
		},
	}
	cmd.Flags().String("type", "", "only objects of this STIX type")
	return cmd
}

func newIndicatorsShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one stored object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := e.c.Service.GetIndicator(args[0])
			if err != nil {
				return err
			}
			return e.out.json(rec)
		},
	}
}

func newIndicatorsClearCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored object",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := e.c.Store.Len()
			if err := e.c.Service.ClearIndicators(); err != nil {
				return err
			}
			fmt.Fprintf(e.out.w, "cleared %d objects\n", n)
			return nil
		},
	}
}
