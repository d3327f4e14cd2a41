package notificationgenerator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// unclaimedPayoutLookbackEras is how many eras back the per-era unclaimed
// payout sweep looks (§4.F.1 "Validator-List Inspector": "unclaimed payout
// sweep"). Four eras gives a validator roughly four days on a 24-hour era
// chain (one day on a six-hour era chain) to claim before the sweep starts
// renotifying.
const unclaimedPayoutLookbackEras = 4

// trackedValidator is the inspector's in-memory record of one validator's
// last observed snapshot: the active flag, the cached full-record hash used
// to gate detail re-fetches, and the details themselves for field-level
// delta computation.
type trackedValidator struct {
	active  bool
	hash    uint64
	details types.ValidatorDetails
	have    bool
}

// ValidatorListInspector is §4.F.1's per-snapshot scan: it diffs the set of
// known validator account ids against the previous cache snapshot to detect
// additions, removals and per-field changes on remaining validators, and
// once per era sweeps every known validator for unclaimed era payouts.
type ValidatorListInspector struct {
	chain     string
	networkID int64
	cache     cache.Cache
	store     store.Store
	log       *logrus.Entry

	mu       sync.Mutex
	known    map[types.AccountId]trackedValidator
	haveBase bool
	lastEra  uint32
	haveEra  bool
}

// NewValidatorListInspector builds a ValidatorListInspector for one chain.
func NewValidatorListInspector(chain string, networkID int64, c cache.Cache, st store.Store) *ValidatorListInspector {
	return &ValidatorListInspector{
		chain:     chain,
		networkID: networkID,
		cache:     c,
		store:     st,
		log:       logrus.WithField("component", "notification_validator_list_inspector").WithField("chain", chain),
		known:     make(map[types.AccountId]trackedValidator),
	}
}

// Run subscribes to the cache's finalized-block-number channel and inspects
// the validator set at every publish until ctx is cancelled.
func (v *ValidatorListInspector) Run(ctx context.Context) error {
	ch, err := v.cache.SubscribeValidatorsPublish(ctx, v.chain)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if err := v.inspect(ctx, n); err != nil {
				v.log.WithError(err).WithField("block_number", n).Error("inspect validator list")
			}
		}
	}
}

func (v *ValidatorListInspector) inspect(ctx context.Context, blockNumber uint32) error {
	active, err := v.cache.GetAccountIdSet(ctx, v.chain, blockNumber, true)
	if err != nil {
		return err
	}
	inactive, err := v.cache.GetAccountIdSet(ctx, v.chain, blockNumber, false)
	if err != nil {
		return err
	}
	current := make(map[types.AccountId]bool, len(active)+len(inactive))
	for _, id := range active {
		current[id] = true
	}
	for _, id := range inactive {
		current[id] = false
	}

	v.mu.Lock()
	prev := v.known
	firstRun := !v.haveBase
	v.mu.Unlock()

	next := make(map[types.AccountId]trackedValidator, len(current))

	for id, isActive := range current {
		id := id
		old, existed := prev[id]
		tracked := v.track(ctx, blockNumber, id, isActive, old, existed)
		next[id] = tracked
		if firstRun {
			// The very first snapshot after startup establishes the
			// baseline; emitting added/changed for every validator on
			// process start would flood every user with a false burst.
			continue
		}
		switch {
		case !existed:
			emit(ctx, v.store, v.log, v.networkID, types.NotifyNewValidator, &id, map[string]any{"block_number": blockNumber})
		case old.active != isActive:
			if isActive {
				emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorActive, &id, map[string]any{"block_number": blockNumber})
			} else {
				emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorInactive, &id, map[string]any{"block_number": blockNumber})
			}
			fallthrough
		default:
			v.emitFieldDeltas(ctx, blockNumber, id, old, tracked)
		}
	}
	for id := range prev {
		id := id
		if _, ok := current[id]; !ok && !firstRun {
			emit(ctx, v.store, v.log, v.networkID, types.NotifyRemovedValidator, &id, map[string]any{"block_number": blockNumber})
		}
	}

	v.mu.Lock()
	v.known, v.haveBase = next, true
	v.mu.Unlock()

	return v.sweepUnclaimedPayouts(ctx, blockNumber, current)
}

// track refreshes one validator's in-memory record, gating the full-record
// fetch on the cached content hash the Updater published (§4.E.1 step 4):
// an unchanged hash means the previous details are still current.
func (v *ValidatorListInspector) track(
	ctx context.Context,
	blockNumber uint32,
	id types.AccountId,
	isActive bool,
	old trackedValidator,
	existed bool,
) trackedValidator {
	hash, err := v.cache.GetValidatorHash(ctx, v.chain, blockNumber, isActive, id)
	if err != nil {
		v.log.WithError(err).WithField("validator", id.Hex()).Warn("get validator hash")
		old.active = isActive
		return old
	}
	if existed && old.have && old.hash == hash {
		old.active = isActive
		return old
	}
	details, err := v.cache.GetValidatorDetails(ctx, v.chain, blockNumber, isActive, id)
	if err != nil {
		v.log.WithError(err).WithField("validator", id.Hex()).Warn("get validator details")
		old.active = isActive
		return old
	}
	return trackedValidator{active: isActive, hash: hash, details: details, have: true}
}

// emitFieldDeltas is §4.F.1(b)'s per-field scan of a remaining validator:
// each field-level change maps to its own rule-keyed notification type.
func (v *ValidatorListInspector) emitFieldDeltas(ctx context.Context, blockNumber uint32, id types.AccountId, old, cur trackedValidator) {
	if !old.have || !cur.have || old.hash == cur.hash {
		return
	}
	diff := types.DiffValidatorDetails(old.details, cur.details)
	data := map[string]any{"block_number": blockNumber}

	if diff.Identity != nil {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorIdentityChanged, &id, data)
	}
	if diff.NextSessionKeys != nil {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorSessionKeysChanged, &id, data)
	}
	if diff.Preferences != nil {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorCommissionChanged, &id, map[string]any{
			"block_number":           blockNumber,
			"commission_per_billion": cur.details.Preferences.CommissionPerBillion,
		})
	}
	if diff.ControllerAccountId != nil {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorControllerChanged, &id, data)
	}
	if diff.ActiveNextSession != nil && *diff.ActiveNextSession {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorActiveNextSession, &id, data)
	}
	if diff.Nominations != nil {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorNominationChanged, &id, map[string]any{
			"block_number":    blockNumber,
			"nominator_count": len(cur.details.Nominations),
		})
	}
	if diff.Oversubscribed != nil && *diff.Oversubscribed {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorOversubscribed, &id, data)
	}
	if diff.OneKV != nil {
		emit(ctx, v.store, v.log, v.networkID, types.NotifyValidatorOneKVChanged, &id, data)
	}
}

// sweepUnclaimedPayouts runs once per era transition (§4.F.1 "unclaimed
// payout sweep"): for every known validator, ask the store which recent
// eras it has not yet claimed a payout for, and notify if any are found.
func (v *ValidatorListInspector) sweepUnclaimedPayouts(ctx context.Context, blockNumber uint32, ids map[types.AccountId]bool) error {
	era, err := v.cache.GetActiveEra(ctx, v.chain, blockNumber)
	if err != nil {
		return err
	}

	v.mu.Lock()
	due := !v.haveEra || era.Index != v.lastEra
	v.lastEra, v.haveEra = era.Index, true
	v.mu.Unlock()
	if !due {
		return nil
	}

	for id := range ids {
		id := id
		unclaimed, err := v.store.GetUnclaimedEraIndices(ctx, v.chain, id, era.Index, unclaimedPayoutLookbackEras)
		if err != nil {
			v.log.WithError(err).WithField("validator", id.Hex()).Warn("get unclaimed era indices")
			continue
		}
		if len(unclaimed) == 0 {
			continue
		}
		emit(ctx, v.store, v.log, v.networkID, types.NotifyChainValidatorUnclaimedPayout, &id, map[string]any{
			"era_indices": unclaimed,
		})
	}
	return nil
}
