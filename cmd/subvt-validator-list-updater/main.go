// subvt-validator-list-updater runs the Updater half of the Validator-List
// Pipeline (SPEC_FULL §4.E.1): on every finalized head it rebuilds the full
// validator snapshot from chain state and the Relational Store, then
// publishes it to the Pub/Sub Cache for the List and Details Servers.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/helikon-labs/subvt-backend/internal/blockprocessor"
	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/config"
	"github.com/helikon-labs/subvt-backend/internal/log"
	"github.com/helikon-labs/subvt-backend/internal/scaledecoder"
	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/validatorupdater"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagChain      string
	cfg            config.Config
)

var rootCmd = &cobra.Command{
	Use:   "subvt-validator-list-updater",
	Short: "Rebuild and publish validator snapshots on every finalized block",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(flagConfigPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
		if flagLogLevel != "" {
			cfg.LogLevel = flagLogLevel
		}
		log.SetLevel(cfg.LogLevel)
	},
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&flagChain, "chain", blockprocessor.ChainRelay, "chain to track (relay|asset_hub)")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.DB.AppURL, cfg.DB.NetworkURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	c, err := cache.New(ctx, cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer c.Close()

	rpcURL := cfg.Substrate.RelayRPCURL
	if flagChain == blockprocessor.ChainAssetHub {
		rpcURL = cfg.Substrate.AssetHubRPCURL
	}
	client := substrateclient.New(rpcURL, rpcURL, cfg.Substrate.ConnectTimeout, cfg.Substrate.RequestTimeout, scaledecoder.Stub{})

	u := validatorupdater.New(flagChain, client, st, c, cfg.RecoveryRetrySeconds, cfg.Network.SS58Prefix)
	return u.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
