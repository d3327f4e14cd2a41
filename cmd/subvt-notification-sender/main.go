// subvt-notification-sender runs the three dispatch processors of
// SPEC_FULL §4.F.2 (Immediate poll loop, Hour and Day cron ticks) against
// the pending notifications subvt-notification-generator writes. Rendering
// and delivering the actual email/push/SMS/GSM/Telegram payload is an
// external collaborator's job (spec.md §1); this daemon wires a
// logging-only Dispatcher per channel so the state machine runs end to end
// without a real delivery backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/config"
	"github.com/helikon-labs/subvt-backend/internal/log"
	"github.com/helikon-labs/subvt-backend/internal/notificationsender"
	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

var (
	flagConfigPath string
	flagLogLevel   string
	cfg            config.Config
)

var rootCmd = &cobra.Command{
	Use:   "subvt-notification-sender",
	Short: "Dispatch pending notifications on their immediate/hour/day schedules",
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

// loggingDispatcher stands in for the real per-channel delivery
// collaborators (email/push/SMS/GSM/Telegram senders, out of scope per
// spec.md §1): it logs the dispatch and always succeeds, so the
// created -> processing -> sent state machine is exercisable without those
// external services.
type loggingDispatcher struct {
	channel string
	log     *logrus.Entry
}

func (d *loggingDispatcher) Send(_ context.Context, n types.Notification) error {
	d.log.WithFields(logrus.Fields{
		"notification_id": n.Id,
		"user_id":         n.UserId,
		"type_code":       n.TypeCode,
	}).Info("dispatched notification")
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.DB.AppURL, cfg.DB.NetworkURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer st.Close()

	router := notificationsender.NewChannelRouter(map[string]notificationsender.Dispatcher{
		"email":    &loggingDispatcher{channel: "email", log: logrus.WithField("channel", "email")},
		"push":     &loggingDispatcher{channel: "push", log: logrus.WithField("channel", "push")},
		"sms":      &loggingDispatcher{channel: "sms", log: logrus.WithField("channel", "sms")},
		"gsm":      &loggingDispatcher{channel: "gsm", log: logrus.WithField("channel", "gsm")},
		"telegram": &loggingDispatcher{channel: "telegram", log: logrus.WithField("channel", "telegram")},
	})

	sleep := time.Duration(cfg.Sender.SleepMillis) * time.Millisecond
	s := notificationsender.New(st, router, sleep)
	return s.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
