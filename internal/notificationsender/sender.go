// Package notificationsender is §4.F.2's dispatch stage: it polls the
// pending notifications the Generator inserted, claims each one with the
// Store's compare-and-set MarkNotificationProcessing, hands it to a
// channel-specific Dispatcher, and records the outcome. Rendering the
// actual email/push/SMS/GSM/Telegram payload is an external collaborator's
// job (§7 "Boundary"); this package only owns the created -> processing ->
// {sent | failed} state machine and the period-type polling cadence.
package notificationsender

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// Dispatcher delivers one claimed notification over its channel. Real
// implementations wrap a mail transport, a push gateway, an SMS/GSM modem,
// or the Telegram bot API; this package never constructs one itself.
type Dispatcher interface {
	Send(ctx context.Context, n types.Notification) error
}

// Sender runs the three period-type processors named in §4.F.2: Immediate
// (tight poll loop), Hour and Day (robfig/cron ticks, matching the
// teacher's own use of the library for its periodic housekeeping jobs).
type Sender struct {
	store      store.Store
	dispatcher Dispatcher
	log        *logrus.Entry
	sleep      time.Duration
	cron       *cron.Cron
}

// New builds a Sender. sleep is the Immediate processor's poll interval
// (config's sender.sleep_millis, §6 "Process-wide configuration").
func New(st store.Store, d Dispatcher, sleep time.Duration) *Sender {
	if sleep <= 0 {
		sleep = time.Second
	}
	return &Sender{
		store:      st,
		dispatcher: d,
		log:        logrus.WithField("component", "notification_sender"),
		sleep:      sleep,
	}
}

// Run recovers any notification left stuck mid-dispatch by a prior crash
// (§4.F.2 "Failure"), then runs the Immediate poll loop alongside the Hour
// and Day cron ticks until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	if n, err := s.store.ResetStuckProcessing(ctx); err != nil {
		return err
	} else if n > 0 {
		s.log.WithField("count", n).Warn("reset notifications stuck in processing")
	}

	s.cron = cron.New(cron.WithSeconds())
	// Hourly rules tick every minute and match when the rule's period
	// divides the upcoming hour; daily rules tick each hour at minute 12 and
	// match on the day of month (§4.F.2).
	if _, err := s.cron.AddFunc("0 0/1 * * * *", func() { s.processPeriod(ctx, types.PeriodHour, time.Now().Hour()+1) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 12 * * * *", func() { s.processPeriod(ctx, types.PeriodDay, time.Now().Day()) }); err != nil {
		return err
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.sleep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.processPeriod(ctx, types.PeriodImmediate, 0)
		}
	}
}

// processPeriod polls every pending notification due for periodType,
// claims it, dispatches it, and records sent/failed (§4.F.2 "Lifecycle").
// A notification another process already claimed (MarkNotificationProcessing
// returns false) is skipped without touching it further.
func (s *Sender) processPeriod(ctx context.Context, periodType types.PeriodType, divisor int) {
	notifications, err := s.store.PollPendingByPeriod(ctx, periodType, divisor)
	if err != nil {
		s.log.WithError(err).WithField("period_type", periodType).Error("poll pending notifications")
		return
	}
	for _, n := range notifications {
		claimed, err := s.store.MarkNotificationProcessing(ctx, n.Id)
		if err != nil {
			s.log.WithError(err).WithField("notification_id", n.Id).Error("mark notification processing")
			continue
		}
		if !claimed {
			continue
		}
		if err := s.dispatcher.Send(ctx, n); err != nil {
			s.log.WithError(err).WithField("notification_id", n.Id).Warn("dispatch notification")
			if err := s.store.MarkNotificationFailed(ctx, n.Id, err.Error()); err != nil {
				s.log.WithError(err).WithField("notification_id", n.Id).Error("mark notification failed")
			}
			continue
		}
		if err := s.store.MarkNotificationSent(ctx, n.Id); err != nil {
			s.log.WithError(err).WithField("notification_id", n.Id).Error("mark notification sent")
		}
	}
}
