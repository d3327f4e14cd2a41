// Package blockprocessor implements §4.D: a per-chain finalized-block
// indexer that maintains era/epoch/validator history, decodes events and
// extrinsics, and notifies downstream of each processed block. Two
// Processors run independently, one for the relay chain and one for the
// asset-hub companion chain.
package blockprocessor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/subvterr"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// Chain names used as the store's chain key (§6 persistent schema, every
// table keyed partly by chain).
const (
	ChainRelay    = "relay"
	ChainAssetHub = "asset_hub"
)

// Processor runs one chain's finalized-head loop (§4.D). Client is this
// chain's own Chain Client (headers, own-chain events/extrinsics, para
// data); EraClient is the client that owns staking state — the active era,
// era stakers and reward points "live" on asset-hub in this deployment, so
// the relay Processor's EraClient points at the asset-hub client while its
// own Client stays relay-local for authorship resolution.
type Processor struct {
	chain     string
	client    substrateclient.Client
	eraClient substrateclient.Client

	// decodeEventsExtrinsics and periodicRewardRefresh are true only for
	// the asset-hub Processor (§4.D "Per-block procedure (asset-hub)").
	decodeEventsExtrinsics bool
	periodicRewardRefresh  bool

	store                store.Store
	recoveryRetrySeconds int
	startBlockNumber     uint32
	log                  *logrus.Entry

	busy atomic.Bool

	// reconnect cancels the current subscription's context; set at the
	// top of each Run attempt, read by handleFinalizedHeader on a
	// transport failure to force a resubscribe (§5 "Timeouts").
	reconnect atomic.Pointer[context.CancelFunc]

	mu        sync.RWMutex
	lastEra   uint32
	haveEra   bool
	lastEpoch uint64
	haveEpoch bool
}

// New builds a Processor for one chain. decodeEventsExtrinsics and
// periodicRewardRefresh should be true only for the asset-hub instance.
func New(
	chain string,
	client, eraClient substrateclient.Client,
	st store.Store,
	decodeEventsExtrinsics bool,
	recoveryRetrySeconds int,
	startBlockNumber uint32,
) *Processor {
	return &Processor{
		chain:                  chain,
		client:                 client,
		eraClient:              eraClient,
		decodeEventsExtrinsics: decodeEventsExtrinsics,
		periodicRewardRefresh:  decodeEventsExtrinsics,
		store:                  st,
		recoveryRetrySeconds:   recoveryRetrySeconds,
		startBlockNumber:       startBlockNumber,
		log:                    logrus.WithField("component", "block_processor").WithField("chain", chain),
	}
}

// errResubscribe is returned from the backoff operation to force a retry
// after a subscription ends for any reason other than ctx cancellation.
var errResubscribe = fmt.Errorf("subvt: finalized head subscription ended")

// Run subscribes to finalized heads and processes them until ctx is
// cancelled. A transport failure sleeps recovery_retry_seconds and
// reconnects (§4.D "Failure semantics", §5 "Timeouts").
func (p *Processor) Run(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(time.Duration(p.recoveryRetrySeconds)*time.Second), ctx)
	return backoff.Retry(func() error {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		p.reconnect.Store(&cancel)

		err := p.client.SubscribeToFinalizedBlocks(subCtx, func(h substrateclient.BlockHeader) {
			p.handleFinalizedHeader(subCtx, h)
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			p.log.WithError(err).Warn("finalized head subscription ended, reconnecting")
		}
		return errResubscribe
	}, bo)
}

func (p *Processor) handleFinalizedHeader(ctx context.Context, header substrateclient.BlockHeader) {
	if !p.busy.CompareAndSwap(false, true) {
		p.log.WithField("block_number", header.Number).Warn("skipping finalized head: processor busy")
		return
	}
	defer p.busy.Store(false)

	processed, err := p.store.GetProcessedHeight(ctx, p.chain)
	if err != nil {
		p.log.WithError(err).Error("get processed height")
		p.forceResubscribe()
		return
	}

	from := processed + 1
	if processed == 0 && p.startBlockNumber > from {
		from = p.startBlockNumber
	}
	if header.Number < from {
		return
	}

	for n := from; n <= header.Number; n++ {
		err := p.processBlock(ctx, n)
		if err == nil {
			continue
		}
		if _, isContractViolation := err.(*subvterr.ContractViolation); isContractViolation {
			// Logged at WARN and skipped per §7 "Contract violation";
			// idempotent persistence is the safety net, so processing
			// continues with the next block rather than stalling the
			// watermark.
			p.log.WithError(err).WithField("block_number", n).Warn("contract violation, skipping block")
			continue
		}
		p.log.WithError(err).WithField("block_number", n).Error("block processing failed")
		p.forceResubscribe()
		return
	}
}

// forceResubscribe cancels the active subscription's context so Run's
// backoff loop reconnects after recovery_retry_seconds.
func (p *Processor) forceResubscribe() {
	if cancel := p.reconnect.Load(); cancel != nil {
		(*cancel)()
	}
}

// processBlock executes the per-block procedure of §4.D steps 1-8 for one
// block number, fetching its hash fresh (catch-up processes numbers that
// never arrived as a subscribed header).
func (p *Processor) processBlock(ctx context.Context, number uint32) error {
	hash, err := p.client.GetBlockHash(ctx, number)
	if err != nil {
		return err
	}
	header, err := p.client.GetBlockHeader(ctx, hash)
	if err != nil {
		return err
	}
	timestampMs, err := p.client.GetTimestamp(ctx, hash)
	if err != nil {
		return err
	}
	upgrade, err := p.client.LastRuntimeUpgradeInfo(ctx, hash)
	if err != nil {
		return err
	}
	if cached := p.client.CachedMetadata(); cached.SpecVersion == 0 || upgrade.SpecVersion != cached.SpecVersion {
		if err := p.client.SetMetadataAtBlock(ctx, hash); err != nil {
			return err
		}
	}

	author, err := p.client.GetBlockAuthorAccountId(ctx, hash, header)
	if err != nil {
		p.log.WithError(err).Warn("resolve block author")
		author = nil
	}

	eraIndex, epochIndex, err := p.handleEraEpochTransition(ctx, hash)
	if err != nil {
		return err
	}

	blk := store.Block{
		Hash:            hash,
		Number:          number,
		TimestampMs:     timestampMs,
		AuthorAccountId: author,
		EraIndex:        eraIndex,
		EpochIndex:      epochIndex,
		ParentHash:      header.ParentHash,
		StateRoot:       header.StateRoot,
		ExtrinsicsRoot:  header.ExtrinsicsRoot,
		MetadataVersion: upgrade.SpecVersion,
		RuntimeVersion:  upgrade.SpecVersion,
	}
	if err := p.store.UpsertBlock(ctx, p.chain, blk); err != nil {
		return err
	}
	p.countBlockAuthored(ctx, author)

	if err := p.persistParaCoreAssignments(ctx, hash); err != nil {
		p.log.WithError(err).Warn("persist para core assignments")
	}
	if err := p.persistParaVotes(ctx, hash); err != nil {
		p.log.WithError(err).Warn("persist para votes")
	}

	if p.decodeEventsExtrinsics {
		if err := p.decodeAndPersistEventsExtrinsics(ctx, hash); err != nil {
			p.log.WithError(err).Error("decode events/extrinsics")
		}
		if p.periodicRewardRefresh {
			if blocksPer3Min := p.blocksPer3Minutes(); blocksPer3Min > 0 && number%blocksPer3Min == 0 {
				if err := p.refreshCurrentEraRewardPoints(ctx, hash, eraIndex); err != nil {
					p.log.WithError(err).Warn("refresh current era reward points")
				}
			}
		}
	}

	return p.store.NotifyBlockProcessed(ctx, p.chain, number)
}

// blocksPer3Minutes computes blocks_per_3_minutes from the cached runtime
// metadata's expected block time (§4.D "Per-block procedure (asset-hub)").
func (p *Processor) blocksPer3Minutes() uint32 {
	ms := p.client.CachedMetadata().ExpectedBlockTimeMs
	if ms == 0 {
		return 0
	}
	return uint32(uint64(3*60*1000) / ms)
}

// handleEraEpochTransition reads the in-memory (era_index, epoch_index)
// under a read lock, fetches current active era/epoch, and on advance
// persists the transition before updating the pair under a write lock
// (§4.D steps 3-5, §5 "Mutable shared state").
func (p *Processor) handleEraEpochTransition(ctx context.Context, hash string) (uint32, uint64, error) {
	p.mu.RLock()
	lastEra, haveEra := p.lastEra, p.haveEra
	lastEpoch, haveEpoch := p.lastEpoch, p.haveEpoch
	p.mu.RUnlock()

	era, err := p.eraClient.GetActiveEra(ctx, hash)
	if err != nil {
		return 0, 0, err
	}
	epoch, err := p.eraClient.GetCurrentEpoch(ctx, hash)
	if err != nil {
		return 0, 0, err
	}

	if haveEra && era.Index < lastEra {
		return 0, 0, subvterr.NewContractViolation("era-monotone",
			fmt.Sprintf("era regressed from %d to %d at block hash %s", lastEra, era.Index, hash))
	}
	if haveEpoch && epoch.Index < lastEpoch {
		return 0, 0, subvterr.NewContractViolation("epoch-monotone",
			fmt.Sprintf("epoch regressed from %d to %d at block hash %s", lastEpoch, epoch.Index, hash))
	}

	if !haveEpoch || epoch.Index != lastEpoch {
		if err := p.onNewEpoch(ctx, hash, era, epoch); err != nil {
			return 0, 0, err
		}
	}
	if !haveEra || era.Index != lastEra {
		if err := p.onNewEra(ctx, hash, lastEra, haveEra, era); err != nil {
			return 0, 0, err
		}
	}

	p.mu.Lock()
	p.lastEra, p.haveEra = era.Index, true
	p.lastEpoch, p.haveEpoch = epoch.Index, true
	p.mu.Unlock()

	return era.Index, epoch.Index, nil
}

// onNewEpoch persists the epoch, backfills the era row if absent, and
// persists para validator group membership for the new session by joining
// active-validator indices with paras group assignments (§4.D step 4).
func (p *Processor) onNewEpoch(ctx context.Context, hash string, era types.Era, epoch types.Epoch) error {
	if err := p.store.UpsertEpoch(ctx, p.chain, epoch); err != nil {
		return err
	}
	_, exists, err := p.store.GetEra(ctx, p.chain, era.Index)
	if err != nil {
		return err
	}
	if !exists {
		if err := p.store.UpsertEra(ctx, p.chain, era); err != nil {
			return err
		}
	}

	groups, err := p.eraClient.GetParaValidatorGroups(ctx, hash)
	if err != nil {
		p.log.WithError(err).Warn("get para validator groups")
		return nil
	}
	return p.store.UpsertParaValidatorGroups(ctx, p.chain, epoch.Index, groups)
}

// onNewEra persists the new era's validators and stakers, then closes out
// the previous era's total reward and reward points (§4.D step 4).
func (p *Processor) onNewEra(ctx context.Context, hash string, prevEra uint32, havePrev bool, era types.Era) error {
	ids, err := p.eraClient.GetAllValidatorAccountIds(ctx, hash)
	if err != nil {
		return err
	}
	if err := p.store.UpsertEraValidators(ctx, p.chain, era.Index, ids); err != nil {
		return err
	}
	activeIds, err := p.eraClient.GetActiveValidatorAccountIds(ctx, hash)
	if err != nil {
		return err
	}
	p.countEraMembership(ctx, ids, activeIds)

	stakers, err := p.eraClient.GetEraStakers(ctx, hash, era.Index)
	if err != nil {
		return err
	}
	if err := p.store.UpsertEraStakers(ctx, p.chain, era.Index, stakers); err != nil {
		return err
	}

	if !havePrev {
		return nil
	}
	reward, err := p.eraClient.GetEraTotalValidatorReward(ctx, hash, prevEra)
	if err != nil {
		return err
	}
	if err := p.store.SetEraTotalValidatorReward(ctx, p.chain, prevEra, reward); err != nil {
		return err
	}
	points, err := p.eraClient.GetEraRewardPoints(ctx, hash, prevEra)
	if err != nil {
		return err
	}
	if err := p.store.SetEraRewardPoints(ctx, p.chain, prevEra, points); err != nil {
		return err
	}
	p.countEraRewardPoints(ctx, points)
	return nil
}

func (p *Processor) refreshCurrentEraRewardPoints(ctx context.Context, hash string, eraIndex uint32) error {
	points, err := p.eraClient.GetEraRewardPoints(ctx, hash, eraIndex)
	if err != nil {
		return err
	}
	return p.store.SetEraRewardPoints(ctx, p.chain, eraIndex, points)
}

// persistParaCoreAssignments is §4.D step 7; the legacy-query fallback
// already lives inside substrateclient.Client.GetParaCoreAssignments.
func (p *Processor) persistParaCoreAssignments(ctx context.Context, hash string) error {
	assignments, err := p.client.GetParaCoreAssignments(ctx, hash)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	return p.store.UpsertParaCoreAssignments(ctx, p.chain, hash, assignments)
}

// persistParaVotes is §4.D step 8. The injected Decoder surfaces only the
// set of validators that cast a recorded vote per backing group, not a
// separate implicit/explicit split; every recorded voter is classified
// "explicit" and every other group member "missed".
func (p *Processor) persistParaVotes(ctx context.Context, hash string) error {
	groups, err := p.client.GetParaValidatorGroups(ctx, hash)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}
	votes, err := p.client.GetParaVotes(ctx, hash)
	if err != nil {
		return err
	}

	out := make(map[uint32]store.ParaVoteRecord, len(groups))
	for groupIndex, members := range groups {
		voted := make(map[types.AccountId]bool, len(votes[uint32(groupIndex)]))
		for _, id := range votes[uint32(groupIndex)] {
			voted[id] = true
		}
		rec := store.ParaVoteRecord{GroupIndex: uint32(groupIndex), Votes: make(map[types.AccountId]string, len(members))}
		for _, m := range members {
			if voted[m] {
				rec.Votes[m] = "explicit"
			} else {
				rec.Votes[m] = "missed"
			}
		}
		out[uint32(groupIndex)] = rec
	}
	return p.store.UpsertParaVotes(ctx, p.chain, hash, out)
}

// decodeAndPersistEventsExtrinsics is §4.D "Per-block procedure
// (asset-hub)": decode every event and extrinsic and persist them,
// recording a process-error log entry (rather than failing the whole
// batch) for any individual item the decoder or store rejects.
func (p *Processor) decodeAndPersistEventsExtrinsics(ctx context.Context, hash string) error {
	events, err := p.client.GetBlockEvents(ctx, hash)
	if err != nil {
		_ = p.store.RecordProcessErrorEvent(ctx, p.chain, hash, -1, err.Error())
		return err
	}
	for _, ev := range events {
		if err := p.store.InsertEvent(ctx, p.chain, hash, ev.Index, ev.Pallet, ev.Name, ev.Fields); err != nil {
			_ = p.store.RecordProcessErrorEvent(ctx, p.chain, hash, ev.Index, err.Error())
			continue
		}
		p.countEvent(ctx, ev)
	}

	extrinsics, err := p.client.GetBlockExtrinsics(ctx, hash)
	if err != nil {
		_ = p.store.RecordProcessErrorExtrinsic(ctx, p.chain, hash, -1, err.Error())
		return err
	}
	for _, ex := range extrinsics {
		if err := p.persistExtrinsic(ctx, hash, ex); err != nil {
			_ = p.store.RecordProcessErrorExtrinsic(ctx, p.chain, hash, ex.Index, err.Error())
		}
	}
	return nil
}

// persistExtrinsic recurses into InnerCalls so Multisig::asMulti,
// Proxy::proxy and Utility::batch/batch_all wrappers are recorded against
// the real signer alongside their unwrapped inner call (SPEC_FULL
// "Supplemented Features").
func (p *Processor) persistExtrinsic(ctx context.Context, hash string, ex substrateclient.DecodedExtrinsic) error {
	if err := p.store.InsertExtrinsic(ctx, p.chain, hash, ex.Index, ex.Pallet, ex.Name, ex.Signer, ex.Success, ex.Fields); err != nil {
		return err
	}
	for _, inner := range ex.InnerCalls {
		if err := p.persistExtrinsic(ctx, hash, inner); err != nil {
			return err
		}
	}
	return nil
}
