package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/tokenmeter/pkg/logutil"
	"github.com/spf13/cobra"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "tokenmeter",
	Short: "Token accounting reverse proxy",
	Long:  "Transparent reverse proxy that relays requests to model backends and logs input and output token counts per request.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(rootLogLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}
