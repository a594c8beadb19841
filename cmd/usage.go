package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/lkarlslund/tokenmeter/pkg/config"
	"github.com/lkarlslund/tokenmeter/pkg/usagedb"
	"github.com/spf13/cobra"
)

var (
	usageConfigPath string
	usageSince      time.Duration
	usageLimit      int
)

func init() {
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(usageConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cfg.UsageStore.Driver == config.UsageStoreNone {
				return fmt.Errorf("usage store is disabled in %s", usageConfigPath)
			}
			store, err := usagedb.Open(cfg.UsageStore.Driver, cfg.UsageStore.Path)
			if err != nil {
				return fmt.Errorf("open usage store: %w", err)
			}
			defer store.Close()
			return writeUsageReport(cmd.OutOrStdout(), store, time.Now().Add(-usageSince), usageLimit)
		},
	}
	usageCmd.Flags().StringVar(&usageConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	usageCmd.Flags().DurationVar(&usageSince, "since", 24*time.Hour, "Totals window")
	usageCmd.Flags().IntVar(&usageLimit, "limit", 20, "Number of recent requests to list")
	rootCmd.AddCommand(usageCmd)
}

func writeUsageReport(out io.Writer, store usagedb.Store, from time.Time, limit int) error {
	totals, err := store.Totals(from, time.Time{})
	if err != nil {
		return fmt.Errorf("compute totals: %w", err)
	}
	recent, err := store.Recent(limit)
	if err != nil {
		return fmt.Errorf("read recent records: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Requests:\t%d\n", totals.Requests)
	fmt.Fprintf(tw, "Input tokens:\t%d\n", totals.InputTokens)
	fmt.Fprintf(tw, "Output tokens:\t%d\n", totals.OutputTokens)
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOKEN\tPATH\tSTATUS\tOUTCOME\tINPUT\tOUTPUT")
	for _, rec := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Token,
			rec.Path,
			rec.StatusCode,
			rec.Outcome,
			rec.InputTokens,
			rec.OutputTokens,
		)
	}
	return tw.Flush()
}
