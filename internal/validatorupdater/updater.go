// Package validatorupdater implements the Updater half of the
// Validator-List Pipeline (SPEC_FULL §4.E.1): on each finalized head it
// rebuilds the full validator set from chain state, enriches it from the
// Relational Store, and publishes a snapshot plus content/summary hashes
// to the Pub/Sub Cache for the List/Details Servers to diff against.
package validatorupdater

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/store"
	"github.com/helikon-labs/subvt-backend/internal/substrateclient"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// unclaimedEraHistoryDepth is how many eras back the unclaimed-payout
// enrichment looks; matches the staking pallet's reward claim window.
const unclaimedEraHistoryDepth = 84

// Updater runs one chain's validator-snapshot loop. Grounded on the same
// single-connection-subscription-plus-busy-flag shape as
// blockprocessor.Processor (§9 "Busy flag vs queue": skipping heads while
// busy is intentional, the snapshot is absolute, not incremental).
type Updater struct {
	chain                string
	client               substrateclient.Client
	store                store.Store
	cache                cache.Cache
	recoveryRetrySeconds int
	ss58Prefix           byte
	log                  *logrus.Entry

	busy      atomic.Bool
	reconnect atomic.Pointer[context.CancelFunc]

	// knownAccounts tracks the previous block's full id set for the
	// account-discovery bookkeeping supplement (SPEC_FULL "Supplemented
	// Features"). Read and written only from handleFinalizedHeader, which
	// the busy flag guarantees never runs concurrently with itself.
	knownAccounts map[types.AccountId]bool
}

// New builds an Updater for one chain. ss58Prefix is the network's SS58
// address type, used to render each account's textual Address.
func New(chain string, client substrateclient.Client, st store.Store, c cache.Cache, recoveryRetrySeconds int, ss58Prefix byte) *Updater {
	return &Updater{
		chain:                chain,
		client:               client,
		store:                st,
		cache:                c,
		recoveryRetrySeconds: recoveryRetrySeconds,
		ss58Prefix:           ss58Prefix,
		log:                  logrus.WithField("component", "validator_list_updater").WithField("chain", chain),
		knownAccounts:        make(map[types.AccountId]bool),
	}
}

var errResubscribe = fmt.Errorf("subvt: validator updater subscription ended")

// Run subscribes to finalized heads and rebuilds the snapshot on each one
// until ctx is cancelled, reconnecting after recoveryRetrySeconds on a
// transport failure (§4.A, §5 "Timeouts").
func (u *Updater) Run(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(time.Duration(u.recoveryRetrySeconds)*time.Second), ctx)
	return backoff.Retry(func() error {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		u.reconnect.Store(&cancel)

		err := u.client.SubscribeToFinalizedBlocks(subCtx, func(h substrateclient.BlockHeader) {
			u.handleFinalizedHeader(subCtx, h)
		})
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			u.log.WithError(err).Warn("finalized head subscription ended, reconnecting")
		}
		return errResubscribe
	}, bo)
}

func (u *Updater) handleFinalizedHeader(ctx context.Context, header substrateclient.BlockHeader) {
	if !u.busy.CompareAndSwap(false, true) {
		u.log.WithField("block_number", header.Number).Warn("skipping finalized head: updater busy")
		return
	}
	defer u.busy.Store(false)

	if err := u.buildAndPublish(ctx, header); err != nil {
		u.log.WithError(err).WithField("block_number", header.Number).Error("rebuild validator snapshot failed")
		if cancel := u.reconnect.Load(); cancel != nil {
			(*cancel)()
		}
	}
}

// buildAndPublish is §4.E.1 steps 1-5.
func (u *Updater) buildAndPublish(ctx context.Context, header substrateclient.BlockHeader) error {
	hash, err := u.client.GetBlockHash(ctx, header.Number)
	if err != nil {
		return err
	}

	era, err := u.client.GetActiveEra(ctx, hash)
	if err != nil {
		return err
	}
	activeIds, err := u.client.GetActiveValidatorAccountIds(ctx, hash)
	if err != nil {
		return err
	}
	allIds, err := u.client.GetAllValidatorAccountIds(ctx, hash)
	if err != nil {
		return err
	}
	activeSet := make(map[types.AccountId]bool, len(activeIds))
	for _, id := range activeIds {
		activeSet[id] = true
	}

	stakers, err := u.client.GetEraStakers(ctx, hash, era.Index)
	if err != nil {
		return err
	}
	stakeByValidator := make(map[types.AccountId]types.ValidatorStake, len(stakers.Validators))
	for _, vs := range stakers.Validators {
		stakeByValidator[vs.Validator] = vs
	}

	registrations, err := u.client.GetValidatorRegistrations(ctx, hash, allIds)
	if err != nil {
		return err
	}
	identities, err := u.client.GetIdentities(ctx, hash, allIds)
	if err != nil {
		u.log.WithError(err).Warn("get identities")
		identities = nil
	}
	parents, err := u.client.GetParentAccountIds(ctx, hash, allIds)
	if err != nil {
		u.log.WithError(err).Warn("get parent account ids")
		parents = nil
	}

	paraGroups, err := u.client.GetParaValidatorGroups(ctx, hash)
	if err != nil {
		u.log.WithError(err).Warn("get para validator groups")
		paraGroups = nil
	}
	paraAssignments, err := u.client.GetParaCoreAssignments(ctx, hash)
	if err != nil {
		u.log.WithError(err).Warn("get para core assignments")
		paraAssignments = nil
	}
	paraGroupByValidator, assignmentByGroup := indexParaData(paraGroups, paraAssignments)

	meta := u.client.CachedMetadata()

	u.reconcileAccountDiscovery(ctx, allIds, header.Number)

	snapshot := cache.ValidatorSnapshot{ActiveEra: era}
	for _, id := range allIds {
		details, err := u.buildValidatorDetails(ctx, id, era.Index, activeSet[id], stakeByValidator[id],
			registrations[id], identities[id], parents[id], meta, paraGroupByValidator, assignmentByGroup)
		if err != nil {
			u.log.WithError(err).WithField("validator", id.Hex()).Warn("build validator details, skipping")
			continue
		}
		if activeSet[id] {
			snapshot.Active = append(snapshot.Active, details)
		} else {
			snapshot.Inactive = append(snapshot.Inactive, details)
		}
	}

	return u.cache.PublishValidatorSnapshot(ctx, u.chain, header.Number, snapshot)
}

// reconcileAccountDiscovery persists the discovered/killed bookkeeping
// supplement (SPEC_FULL "Account discovery bookkeeping"): an account is
// discovered the first time it appears in the validator set and marked
// killed the first block it disappears.
func (u *Updater) reconcileAccountDiscovery(ctx context.Context, currentIds []types.AccountId, blockNumber uint32) {
	current := make(map[types.AccountId]bool, len(currentIds))
	nowMs := uint64(time.Now().UnixMilli())
	for _, id := range currentIds {
		current[id] = true
		if !u.knownAccounts[id] {
			if err := u.store.UpsertAccount(ctx, types.Account{Id: id, DiscoveredAt: &nowMs}); err != nil {
				u.log.WithError(err).WithField("validator", id.Hex()).Warn("upsert discovered account")
			}
		}
	}
	for id := range u.knownAccounts {
		if !current[id] {
			if err := u.store.MarkAccountKilled(ctx, id, nowMs); err != nil {
				u.log.WithError(err).WithField("validator", id.Hex()).Warn("mark account killed")
			}
		}
	}
	u.knownAccounts = current
}

func indexParaData(groups [][]types.AccountId, assignments []types.ParaCoreAssignment) (map[types.AccountId]uint32, map[uint32]types.ParaCoreAssignment) {
	byValidator := make(map[types.AccountId]uint32)
	for groupIndex, members := range groups {
		for _, id := range members {
			byValidator[id] = uint32(groupIndex)
		}
	}
	byGroup := make(map[uint32]types.ParaCoreAssignment, len(assignments))
	for _, a := range assignments {
		byGroup[a.GroupIndex] = a
	}
	return byValidator, byGroup
}

// buildValidatorDetails assembles one validator's full record (§4.E.1 steps
// 2-3): chain-state fields plus the Relational Store's historical
// enrichment.
func (u *Updater) buildValidatorDetails(
	ctx context.Context,
	id types.AccountId,
	eraIndex uint32,
	isActive bool,
	stake types.ValidatorStake,
	reg substrateclient.ValidatorRegistration,
	identity types.IdentityRegistration,
	parentId types.AccountId,
	meta substrateclient.RuntimeMetadata,
	paraGroupByValidator map[types.AccountId]uint32,
	assignmentByGroup map[uint32]types.ParaCoreAssignment,
) (types.ValidatorDetails, error) {
	var hasIdentity bool
	if identity.Display != nil || identity.Email != nil || identity.Riot != nil || identity.Twitter != nil || identity.Web != nil {
		hasIdentity = true
	}

	account := types.Account{Id: id, Address: id.SS58(u.ss58Prefix)}
	if hasIdentity {
		account.Identity = &identity
	}
	var zeroParent types.AccountId
	if parentId != zeroParent {
		account.Parent = &types.Account{Id: parentId, Address: parentId.SS58(u.ss58Prefix)}
	}

	nominations := nominationsFromStake(stake)
	oversubscribed := meta.MaxNominatorRewardedPerValidator > 0 &&
		uint32(len(nominations)) > meta.MaxNominatorRewardedPerValidator

	counters, err := u.store.GetValidatorCounters(ctx, u.chain, id)
	if err != nil {
		return types.ValidatorDetails{}, err
	}
	unclaimed, err := u.store.GetUnclaimedEraIndices(ctx, u.chain, id, eraIndex, unclaimedEraHistoryDepth)
	if err != nil {
		u.log.WithError(err).WithField("validator", id.Hex()).Warn("get unclaimed era indices")
	}
	oneKV, _, err := u.store.GetOneKV(ctx, id)
	if err != nil {
		u.log.WithError(err).WithField("validator", id.Hex()).Warn("get onekv")
	}

	groupIndex, isPara := paraGroupByValidator[id]
	var assignment *types.ParaCoreAssignment
	if isPara {
		if a, ok := assignmentByGroup[groupIndex]; ok {
			assignment = &a
		}
	}

	details := types.ValidatorDetails{
		Account:             account,
		ControllerAccountId: reg.Controller,
		Preferences:         reg.Preferences,
		SelfStake:           stake.SelfStake,
		RewardDestination:   reg.RewardDestination,
		NextSessionKeys:     reg.NextSessionKeysHex,
		IsActive:            isActive,
		// No dedicated "queued keys" storage read is exposed by the Chain
		// Client façade (§4.A); absent that, the next-session active flag
		// tracks this block's active flag (see DESIGN.md).
		ActiveNextSession:   isActive,
		Nominations:         nominations,
		Oversubscribed:      oversubscribed,
		ActiveEraCount:      counters.ActiveEras,
		InactiveEraCount:    counters.InactiveEras,
		SlashCount:          counters.SlashCount,
		OfflineOffenceCount: counters.OfflineOffenceCount,
		TotalRewardPoints:   counters.TotalRewardPoints,
		HeartbeatReceived:   counters.HeartbeatReceived > 0,
		UnclaimedEraIndices: unclaimed,
		IsParaValidator:     isPara,
		ParaCoreAssignment:  assignment,
		ValidatorStake: &types.ValidatorStakeSummary{
			SelfStake:      stake.SelfStake,
			TotalStake:     stake.TotalStake,
			NominatorCount: len(nominations),
		},
		OneKV: oneKV,
	}
	if counters.BlocksAuthored > 0 {
		b := counters.BlocksAuthored
		details.BlocksAuthored = &b
	}
	if counters.TotalRewardPoints > 0 {
		p := counters.TotalRewardPoints
		details.RewardPoints = &p
	}
	return details, nil
}

// nominationsFromStake projects the era-stakers nominator list into the
// Nomination shape ValidatorDetails carries. The era-stakers storage item
// only records each nominator's stash and active stake against this
// validator, not their full multi-target declaration or submission era;
// Targets is populated with just this validator, the only target this
// source attests to (see DESIGN.md).
func nominationsFromStake(stake types.ValidatorStake) []types.Nomination {
	out := make([]types.Nomination, 0, len(stake.Nominators))
	for _, n := range stake.Nominators {
		out = append(out, types.Nomination{
			Stash:   n.Account,
			Targets: []types.AccountId{stake.Validator},
			Stake:   types.Stake{Stash: n.Account, TotalAmount: n.Stake, ActiveAmount: n.Stake},
		})
	}
	return out
}
