package blockprocessor

import (
	"context"

	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// The per-validator historical counters the Updater's enrichment step reads
// (§4.E.1 step 3) are maintained here, as the blocks and events that move
// them are observed: authorship on every block, heartbeat/offline/slash on
// the decoded events, active/inactive era membership and reward points on
// each era transition. Counter writes are best-effort: a failed increment
// is logged and never fails the block, since the block row itself is the
// durable record the counters can be rebuilt from.

func (p *Processor) countBlockAuthored(ctx context.Context, author *types.AccountId) {
	if author == nil {
		return
	}
	err := p.store.IncrementValidatorCounters(ctx, p.chain, *author, store.ValidatorCounters{BlocksAuthored: 1})
	if err != nil {
		p.log.WithError(err).WithField("validator", author.Hex()).Warn("increment blocks authored")
	}
}

// countEraMembership increments each validator's active or inactive era
// counter exactly once per era transition.
func (p *Processor) countEraMembership(ctx context.Context, allIds, activeIds []types.AccountId) {
	activeSet := make(map[types.AccountId]bool, len(activeIds))
	for _, id := range activeIds {
		activeSet[id] = true
	}
	for _, id := range allIds {
		delta := store.ValidatorCounters{InactiveEras: 1}
		if activeSet[id] {
			delta = store.ValidatorCounters{ActiveEras: 1}
		}
		if err := p.store.IncrementValidatorCounters(ctx, p.chain, id, delta); err != nil {
			p.log.WithError(err).WithField("validator", id.Hex()).Warn("increment era membership")
		}
	}
}

// countEraRewardPoints folds one closed era's final reward points into each
// validator's running total. Called only at era close, never from the
// periodic in-era refresh, so a point is counted once.
func (p *Processor) countEraRewardPoints(ctx context.Context, points map[types.AccountId]uint64) {
	for id, pts := range points {
		if pts == 0 {
			continue
		}
		if err := p.store.IncrementValidatorCounters(ctx, p.chain, id, store.ValidatorCounters{TotalRewardPoints: pts}); err != nil {
			p.log.WithError(err).WithField("validator", id.Hex()).Warn("increment reward points")
		}
	}
}

// countEvent moves the heartbeat/offline/slash counters for the events that
// carry them.
func (p *Processor) countEvent(ctx context.Context, ev substrateclient.DecodedEvent) {
	switch {
	case ev.Pallet == "ImOnline" && ev.Name == "HeartbeatReceived":
		if id := eventValidatorId(ev.Fields); id != nil {
			p.incrementCounter(ctx, *id, store.ValidatorCounters{HeartbeatReceived: 1}, "heartbeat received")
		}
	case ev.Pallet == "ImOnline" && ev.Name == "SomeOffline":
		for _, id := range eventValidatorIds(ev.Fields, "offline") {
			p.incrementCounter(ctx, id, store.ValidatorCounters{OfflineOffenceCount: 1}, "offline offence")
		}
	case ev.Pallet == "Offences" && ev.Name == "Offence":
		for _, id := range eventValidatorIds(ev.Fields, "offenders") {
			p.incrementCounter(ctx, id, store.ValidatorCounters{OfflineOffenceCount: 1}, "offence")
		}
	case ev.Pallet == "Staking" && ev.Name == "Slashed":
		if id := eventValidatorId(ev.Fields); id != nil {
			p.incrementCounter(ctx, *id, store.ValidatorCounters{SlashCount: 1}, "slash")
		}
	}
}

func (p *Processor) incrementCounter(ctx context.Context, id types.AccountId, delta store.ValidatorCounters, what string) {
	if err := p.store.IncrementValidatorCounters(ctx, p.chain, id, delta); err != nil {
		p.log.WithError(err).WithField("validator", id.Hex()).Warn("increment " + what)
	}
}

// eventValidatorId extracts the single account a Decoder puts on
// stash-scoped events under one of its conventional field names.
func eventValidatorId(fields map[string]any) *types.AccountId {
	for _, key := range []string{"stash", "validator", "account_id"} {
		if raw, ok := fields[key]; ok {
			if hexStr, ok := raw.(string); ok {
				if id, err := types.AccountIdFromHex(hexStr); err == nil {
					return &id
				}
			}
		}
	}
	return nil
}

// eventValidatorIds extracts a list-valued account field.
func eventValidatorIds(fields map[string]any, key string) []types.AccountId {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]types.AccountId, 0, len(list))
	for _, item := range list {
		if hexStr, ok := item.(string); ok {
			if id, err := types.AccountIdFromHex(hexStr); err == nil {
				out = append(out, id)
			}
		}
	}
	return out
}
