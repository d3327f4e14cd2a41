// subvt-validator-list-server exposes the §4.E.2 WebSocket RPC endpoint:
// subscribe_validatorList and its insert/update/remove diff stream, fed by
// the Pub/Sub Cache the Updater publishes into.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/helikon-labs/subvt-backend/internal/blockprocessor"
	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/config"
	"github.com/helikon-labs/subvt-backend/internal/log"
	"github.com/helikon-labs/subvt-backend/internal/wsserver"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagChain      string
	flagListenAddr string
	cfg            config.Config
)

var rootCmd = &cobra.Command{
	Use:   "subvt-validator-list-server",
	Short: "Serve the validator list WebSocket RPC endpoint",
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
	rootCmd.PersistentFlags().StringVar(&flagChain, "chain", blockprocessor.ChainRelay, "chain to serve (relay|asset_hub)")
	rootCmd.PersistentFlags().StringVar(&flagListenAddr, "listen", ":7901", "address to serve the WebSocket endpoint on")
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := cache.New(ctx, cfg.Cache.URL)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer c.Close()

	srv := wsserver.NewListServer(flagChain, c)
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.HandleWS)
	httpSrv := &http.Server{Addr: flagListenAddr, Handler: mux}

	httpErr := make(chan error, 1)
	go func() { httpErr <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		<-runErr
		return nil
	case err := <-runErr:
		_ = httpSrv.Close()
		return err
	case err := <-httpErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve websocket: %w", err)
		}
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
