// subvt-block-processor runs the two per-chain finalized-block indexers of
// SPEC_FULL §4.D: one for the relay chain, one for its asset-hub companion,
// each against its own Chain Client but sharing one Relational Store.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/helikon-labs/subvt-backend/internal/blockprocessor"
	"github.com/helikon-labs/subvt-backend/internal/config"
	"github.com/helikon-labs/subvt-backend/internal/log"
	"github.com/helikon-labs/subvt-backend/internal/scaledecoder"
	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
)

var (
	flagConfigPath string
	flagLogLevel   string
	cfg            config.Config
)

var rootCmd = &cobra.Command{
	Use:   "subvt-block-processor",
	Short: "Index finalized blocks into the relational store",
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
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.DB.AppURL, cfg.DB.NetworkURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	relayClient := substrateclient.New(
		cfg.Substrate.RelayRPCURL, cfg.Substrate.RelayRPCURL,
		cfg.Substrate.ConnectTimeout, cfg.Substrate.RequestTimeout, scaledecoder.Stub{},
	)
	assetHubClient := substrateclient.New(
		cfg.Substrate.AssetHubRPCURL, cfg.Substrate.AssetHubRPCURL,
		cfg.Substrate.ConnectTimeout, cfg.Substrate.RequestTimeout, scaledecoder.Stub{},
	)

	relayProcessor := blockprocessor.New(
		blockprocessor.ChainRelay, relayClient, assetHubClient, st,
		false, cfg.RecoveryRetrySeconds, cfg.StartBlockNumber,
	)
	assetHubProcessor := blockprocessor.New(
		blockprocessor.ChainAssetHub, assetHubClient, assetHubClient, st,
		true, cfg.RecoveryRetrySeconds, cfg.StartBlockNumber,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relayProcessor.Run(gctx) })
	g.Go(func() error { return assetHubProcessor.Run(gctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
