// Package notificationgenerator is §4.F.1's rule-matching stage: it watches
// the chain for events worth notifying about, matches each one against
// every user rule subscribed to that type code, and inserts one pending
// app_notification row per matching (rule, channel) pair. Rendering the
// actual payload and delivering it is the Notification Sender's job
// (internal/notificationsender); this package only decides "does this rule
// fire, and for whom."
package notificationgenerator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// emit matches typeCode against every rule subscribed to it (network-wide
// rules plus, when validator is non-nil, rules scoped to that validator)
// and inserts one pending notification per (rule, channel) pair (§4.F.1
// "Rule evaluation contract"). The rule's own period type and period are
// carried onto the inserted row unchanged — the Sender decides when each
// period type is due, not the Generator.
func emit(
	ctx context.Context,
	st store.Store,
	log *logrus.Entry,
	networkID int64,
	typeCode string,
	validator *types.AccountId,
	data map[string]any,
) {
	rules, err := st.GetRulesByTypeAndValidator(ctx, typeCode, networkID, validator)
	if err != nil {
		log.WithError(err).WithField("type_code", typeCode).Error("get notification rules")
		return
	}
	if len(rules) == 0 {
		return
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		log.WithError(err).WithField("type_code", typeCode).Error("marshal notification data")
		return
	}
	for _, rule := range rules {
		if rule.PeriodType == types.PeriodOff {
			continue
		}
		if !rule.ParametersValid() {
			log.WithField("rule_id", rule.Id).Warn("skipping rule with invalid parameter value")
			continue
		}
		for _, ch := range rule.ChannelRefs {
			n := types.Notification{
				Id:                 uuid.NewString(),
				UserId:             rule.UserId,
				RuleId:             rule.Id,
				NetworkId:          networkID,
				PeriodType:         rule.PeriodType,
				Period:             rule.Period,
				ValidatorAccountId: validator,
				TypeCode:           typeCode,
				ChannelId:          ch.Id,
				ChannelCode:        ch.Channel,
				Target:             ch.Target,
				DataJSON:           string(dataJSON),
			}
			if err := st.InsertPendingNotification(ctx, n); err != nil {
				log.WithError(err).WithField("rule_id", rule.Id).Error("insert pending notification")
			}
		}
	}
}
