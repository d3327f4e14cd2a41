// subvt-notification-generator runs the two inspectors of SPEC_FULL §4.F.1,
// one pair per chain: the Block Inspector (authorship, offline/chilled
// offences, governance events) and the Validator-List Inspector (additions,
// removals, field-level validator transitions, the unclaimed-payout sweep).
// Both write pending notifications into the Relational Store for
// subvt-notification-sender to pick up.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/helikon-labs/subvt-backend/internal/blockprocessor"
	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/config"
	"github.com/helikon-labs/subvt-backend/internal/log"
	"github.com/helikon-labs/subvt-backend/internal/notificationgenerator"
	"github.com/helikon-labs/subvt-backend/internal/store"
)

var (
	flagConfigPath string
	flagLogLevel   string
	cfg            config.Config
)

var rootCmd = &cobra.Command{
	Use:   "subvt-notification-generator",
	Short: "Inspect processed blocks and validator snapshots, materialize pending notifications",
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

	c, err := cache.New(ctx, cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range []string{blockprocessor.ChainRelay, blockprocessor.ChainAssetHub} {
		blockInspector := notificationgenerator.NewBlockInspector(chain, cfg.Network.Id, st)
		validatorListInspector := notificationgenerator.NewValidatorListInspector(chain, cfg.Network.Id, c, st)
		g.Go(func() error { return blockInspector.Run(gctx) })
		g.Go(func() error { return validatorListInspector.Run(gctx) })
	}
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
