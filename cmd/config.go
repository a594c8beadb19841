package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/lkarlslund/tokenmeter/pkg/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var (
	configServerPath string
	configForce      bool
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the server configuration",
	}
	configCmd.PersistentFlags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configServerPath); err == nil && !configForce {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", configServerPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}
			if err := config.Save(configServerPath, config.NewDefaultServerConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", configServerPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			b, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}
