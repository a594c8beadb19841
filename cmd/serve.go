package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/tokenmeter/pkg/config"
	"github.com/lkarlslund/tokenmeter/pkg/proxy"
	"github.com/lkarlslund/tokenmeter/pkg/publish"
	"github.com/lkarlslund/tokenmeter/pkg/usagedb"
	"github.com/lkarlslund/tokenmeter/pkg/usagelog"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveBackendURLOverride string
	serveEncodingOverride   string
	serveUsageLogOverride   string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(serveConfigPath); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No server config found at %s. Writing defaults.\n", serveConfigPath)
			}
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if err := applyServeOverrides(cmd, cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:3000)")
	serveCmd.Flags().StringVar(&serveBackendURLOverride, "backend-url", "", "Forward every path to this backend instead of the route table")
	serveCmd.Flags().StringVar(&serveEncodingOverride, "encoding", "", "Override tokenizer encoding (cl100k_base, o200k_base, estimate, ...)")
	serveCmd.Flags().StringVar(&serveUsageLogOverride, "usage-log", "", "Override usage log file path")
	rootCmd.AddCommand(serveCmd)
}

func applyServeOverrides(cmd *cobra.Command, cfg *config.ServerConfig) error {
	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr = serveListenAddrOverride
	}
	if cmd.Flags().Changed("backend-url") {
		cfg.BackendURL = serveBackendURLOverride
	}
	if cmd.Flags().Changed("encoding") {
		cfg.Encoding = serveEncodingOverride
	}
	if cmd.Flags().Changed("usage-log") {
		cfg.UsageLog.Path = serveUsageLogOverride
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

func runServe(parent context.Context, cfg *config.ServerConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := usagelog.Open(usagelog.Options{Path: cfg.UsageLog.Path, Console: cfg.UsageLog.Console})
	if err != nil {
		return err
	}
	defer sink.Close()

	srv, err := proxy.NewServer(cfg, sink)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if cfg.UsageStore.Driver != config.UsageStoreNone {
		store, err := usagedb.Open(cfg.UsageStore.Driver, cfg.UsageStore.Path)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn("close usage store", "err", err)
			}
		}()
		srv.RegisterObserver("usagedb", storeObserver(store))
		log.Info("usage store enabled", "driver", cfg.UsageStore.Driver, "path", cfg.UsageStore.Path)
	}

	if cfg.Redis.URL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pub, err := publish.NewRedisPublisher(connectCtx, cfg.Redis.URL, cfg.Redis.Stream)
		cancel()
		if err != nil {
			log.Warn("redis publishing disabled", "err", err)
		} else {
			defer pub.Close()
			srv.RegisterObserver("redis", publisherObserver(pub))
			log.Info("publishing usage to redis", "stream", pub.Stream())
		}
	}

	return srv.Run(ctx)
}
