package notificationgenerator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// democracyEventTypes maps a Democracy pallet event name to the notification
// type code it triggers (§4.F.1 "Block Inspector": governance events).
// These fire network-wide — no validator scoping.
var democracyEventTypes = map[string]string{
	"Proposed":    types.NotifyDemocracyProposed,
	"Seconded":    types.NotifyDemocracySeconded,
	"Started":     types.NotifyDemocracyStarted,
	"Voted":       types.NotifyDemocracyVoted,
	"Delegated":   types.NotifyDemocracyDelegated,
	"Undelegated": types.NotifyDemocracyUndelegated,
	"Cancelled":   types.NotifyDemocracyCancelled,
	"NotPassed":   types.NotifyDemocracyNotPassed,
	"Passed":      types.NotifyDemocracyPassed,
}

const blockInspectorName = "notification_block_inspector"

// BlockInspector is §4.F.1's per-block scan: block authorship, offline/
// chilled offence events, and governance events, each matched against user
// rules and turned into pending notifications.
type BlockInspector struct {
	chain     string
	networkID int64
	store     store.Store
	log       *logrus.Entry
}

// NewBlockInspector builds a BlockInspector for one chain.
func NewBlockInspector(chain string, networkID int64, st store.Store) *BlockInspector {
	return &BlockInspector{
		chain:     chain,
		networkID: networkID,
		store:     st,
		log:       logrus.WithField("component", "notification_block_inspector").WithField("chain", chain),
	}
}

// Run listens on the store's block-processed channel and inspects each
// finalized block as it lands, resuming from the generator's own watermark
// rather than the Block Processor's (§4.D and §4.F.1 keep independent
// watermarks so a generator restart never re-scans the processor's entire
// backlog nor skips blocks it missed while down).
func (b *BlockInspector) Run(ctx context.Context) error {
	name := blockInspectorName + ":" + b.chain
	last, err := b.store.GetLastProcessedBlock(ctx, name)
	if err != nil {
		return err
	}
	ch, err := b.store.ListenBlockProcessed(ctx, b.chain)
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
			for next := last + 1; next <= n; next++ {
				if err := b.inspect(ctx, next); err != nil {
					b.log.WithError(err).WithField("block_number", next).Error("inspect block")
					continue
				}
				last = next
				if err := b.store.SetLastProcessedBlock(ctx, name, last); err != nil {
					b.log.WithError(err).Error("set last processed block")
				}
			}
		}
	}
}

func (b *BlockInspector) inspect(ctx context.Context, number uint32) error {
	blk, ok, err := b.store.GetBlockByNumber(ctx, b.chain, number)
	if err != nil {
		return err
	}
	if !ok {
		// No stored row for this number: the processor skipped it, so
		// there is nothing to inspect and Run moves its watermark past it.
		return nil
	}

	if blk.AuthorAccountId != nil {
		emit(ctx, b.store, b.log, b.networkID, types.NotifyChainValidatorBlockAuthorship, blk.AuthorAccountId, map[string]any{
			"block_number": number,
			"block_hash":   blk.Hash,
		})
	}

	events, err := b.store.GetEventsByBlockHash(ctx, b.chain, blk.Hash)
	if err != nil {
		return err
	}
	for _, ev := range events {
		b.inspectEvent(ctx, number, ev)
	}

	extrinsics, err := b.store.GetExtrinsicsByBlockHash(ctx, b.chain, blk.Hash)
	if err != nil {
		return err
	}
	for _, ex := range extrinsics {
		b.inspectExtrinsic(ctx, number, ex)
	}
	return nil
}

// inspectExtrinsic covers the extrinsic side of §4.F.1(a): a successful
// Staking::validate call means the signer (re)declared intent to validate.
func (b *BlockInspector) inspectExtrinsic(ctx context.Context, blockNumber uint32, ex store.ExtrinsicRecord) {
	if ex.Pallet != "Staking" || ex.Name != "validate" || !ex.Success {
		return
	}
	stash := ex.Signer
	if stash == nil {
		stash = singleValidatorId(ex.Fields)
	}
	if stash == nil {
		return
	}
	emit(ctx, b.store, b.log, b.networkID, types.NotifyChainValidatorValidateExtrinsic, stash, map[string]any{
		"block_number": blockNumber,
		"fields":       ex.Fields,
	})
}

func (b *BlockInspector) inspectEvent(ctx context.Context, blockNumber uint32, ev store.EventRecord) {
	switch {
	case ev.Pallet == "ImOnline" && ev.Name == "SomeOffline":
		for _, id := range offenceValidatorIds(ev.Fields) {
			id := id
			emit(ctx, b.store, b.log, b.networkID, types.NotifyChainValidatorOffline, &id, map[string]any{"block_number": blockNumber})
		}
	case ev.Pallet == "Staking" && ev.Name == "Chilled":
		if id := singleValidatorId(ev.Fields); id != nil {
			emit(ctx, b.store, b.log, b.networkID, types.NotifyChainValidatorChilled, id, map[string]any{"block_number": blockNumber})
		}
	case ev.Pallet == "Democracy":
		if typeCode, ok := democracyEventTypes[ev.Name]; ok {
			emit(ctx, b.store, b.log, b.networkID, typeCode, nil, map[string]any{
				"block_number": blockNumber,
				"fields":       ev.Fields,
			})
		}
	}
}

// singleValidatorId extracts the "stash"/"validator" field a Decoder puts
// on single-account events, returning nil rather than erroring when the
// field is absent or malformed — a best-effort read of auxiliary decoded
// data, not the primary record (§7 "Decode").
func singleValidatorId(fields map[string]any) *types.AccountId {
	for _, key := range []string{"stash", "validator", "account_id"} {
		if raw, ok := fields[key]; ok {
			if hex, ok := raw.(string); ok {
				if id, err := types.AccountIdFromHex(hex); err == nil {
					return &id
				}
			}
		}
	}
	return nil
}

// offenceValidatorIds extracts the list of offending validator ids from an
// ImOnline.SomeOffline event's decoded "offline" field.
func offenceValidatorIds(fields map[string]any) []types.AccountId {
	raw, ok := fields["offline"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]types.AccountId, 0, len(list))
	for _, item := range list {
		if hex, ok := item.(string); ok {
			if id, err := types.AccountIdFromHex(hex); err == nil {
				out = append(out, id)
			}
		}
	}
	return out
}
