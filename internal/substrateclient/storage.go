package substrateclient

import (
	"context"

	"github.com/helikon-labs/subvt-backend/internal/subvterr"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// Well-known storage key placeholders. A production build computes these as
// twox128(pallet) ++ twox128(item) (plus a hashed map key where noted); that
// hashing is owned by the SCALE codec library (spec.md §1 Non-goals). Using
// symbolic names here keeps this package's own responsibility — pagination,
// chunking, metadata-version gating, error categorization — independent of
// the exact hash scheme.
const (
	keyStakingActiveEra              = "Staking.ActiveEra"
	keyStakingCurrentEra             = "Staking.CurrentEra"
	keySessionCurrentIndex           = "Session.CurrentIndex"
	keyStakingValidators             = "Staking.Validators"
	keyStakingErasStakers            = "Staking.ErasStakers"
	keyStakingNominators             = "Staking.Nominators"
	keySessionValidators              = "Session.Validators"
	keyStakingErasRewardPoints       = "Staking.ErasRewardPoints"
	keyStakingErasValidatorReward    = "Staking.ErasValidatorReward"
	keyParasSharedActiveValidatorIndices = "ParasShared.ActiveValidatorIndices"
	keyParaSchedulerValidatorGroups  = "ParaScheduler.ValidatorGroups"
	keyParaInclusionV1CoreAssignments = "ParaInclusion.CoreAssignments" // legacy form fallback
	keyParasDisputesVotes            = "ParasDisputes.Votes"
	keyIdentityIdentityOf            = "Identity.IdentityOf"
	keyIdentitySuperOf               = "Identity.SuperOf"
	keyStakingCounterForValidators   = "Staking.CounterForValidators"
	keyTimestampNow                  = "Timestamp.Now"
	keyStakingBonded                 = "Staking.Bonded"
	keyStakingPayee                  = "Staking.Payee"
	keySessionNextKeys               = "Session.NextKeys"
)

func (c *client) GetActiveEra(ctx context.Context, hash string) (types.Era, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyStakingActiveEra)
	if err != nil {
		return types.Era{}, subvterr.NewTransportError("Staking.ActiveEra", err)
	}
	era, err := c.decoder.DecodeEra(ctx, raw)
	if err != nil {
		return types.Era{}, subvterr.NewDecodeError(hash, "storage:Staking.ActiveEra", 0, err)
	}
	return era, nil
}

func (c *client) GetCurrentEpoch(ctx context.Context, hash string) (types.Epoch, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keySessionCurrentIndex)
	if err != nil {
		return types.Epoch{}, subvterr.NewTransportError("Session.CurrentIndex", err)
	}
	epoch, err := c.decoder.DecodeEpoch(ctx, raw)
	if err != nil {
		return types.Epoch{}, subvterr.NewDecodeError(hash, "storage:Session.CurrentIndex", 0, err)
	}
	return epoch, nil
}

func (c *client) GetActiveValidatorAccountIds(ctx context.Context, hash string) ([]types.AccountId, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keySessionValidators)
	if err != nil {
		return nil, subvterr.NewTransportError("Session.Validators", err)
	}
	ids, err := c.decoder.DecodeAccountIdSet(ctx, raw)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "storage:Session.Validators", 0, err)
	}
	return ids, nil
}

func (c *client) GetAllValidatorAccountIds(ctx context.Context, hash string) ([]types.AccountId, error) {
	keys, err := c.rpc.getKeysPaged(ctx, hash, keyStakingValidators)
	if err != nil {
		return nil, subvterr.NewTransportError("Staking.Validators keys", err)
	}
	values, err := c.rpc.queryStorageAt(ctx, hash, keys)
	if err != nil {
		return nil, subvterr.NewTransportError("Staking.Validators values", err)
	}
	ids := make([]types.AccountId, 0, len(keys))
	for _, key := range keys {
		id, err := c.decoder.DecodeAccountId(ctx, key)
		if err != nil {
			return nil, subvterr.NewDecodeError(hash, "storage-key:Staking.Validators", 0, err)
		}
		_ = values[key] // preferences value decoded by the enrichment step, not here
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *client) GetEraStakers(ctx context.Context, hash string, eraIndex uint32) (types.EraStakers, error) {
	keys, err := c.rpc.getKeysPaged(ctx, hash, keyStakingErasStakers)
	if err != nil {
		return types.EraStakers{}, subvterr.NewTransportError("Staking.ErasStakers keys", err)
	}
	values, err := c.rpc.queryStorageAt(ctx, hash, keys)
	if err != nil {
		return types.EraStakers{}, subvterr.NewTransportError("Staking.ErasStakers values", err)
	}
	stakers, err := c.decoder.DecodeEraStakers(ctx, eraIndex, values)
	if err != nil {
		return types.EraStakers{}, subvterr.NewDecodeError(hash, "storage:Staking.ErasStakers", 0, err)
	}
	return stakers, nil
}

func (c *client) GetEraRewardPoints(ctx context.Context, hash string, eraIndex uint32) (map[types.AccountId]uint64, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyStakingErasRewardPoints)
	if err != nil {
		return nil, subvterr.NewTransportError("Staking.ErasRewardPoints", err)
	}
	points, err := c.decoder.DecodeRewardPoints(ctx, raw)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "storage:Staking.ErasRewardPoints", 0, err)
	}
	return points, nil
}

func (c *client) GetEraTotalValidatorReward(ctx context.Context, hash string, eraIndex uint32) (string, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyStakingErasValidatorReward)
	if err != nil {
		return "", subvterr.NewTransportError("Staking.ErasValidatorReward", err)
	}
	amount, err := c.decoder.DecodeBalance(ctx, raw)
	if err != nil {
		return "", subvterr.NewDecodeError(hash, "storage:Staking.ErasValidatorReward", 0, err)
	}
	return amount, nil
}

func (c *client) GetParaCoreAssignments(ctx context.Context, hash string) ([]types.ParaCoreAssignment, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyParaSchedulerValidatorGroups)
	if err != nil {
		return nil, subvterr.NewTransportError("ParaScheduler core assignments", err)
	}
	assignments, err := c.decoder.DecodeParaCoreAssignments(ctx, raw)
	if err != nil {
		// Fall back to the legacy query form (§4.D step 7).
		legacyRaw, legacyErr := c.rpc.getStorageRaw(ctx, hash, keyParaInclusionV1CoreAssignments)
		if legacyErr != nil {
			return nil, subvterr.NewTransportError("ParaInclusion core assignments (legacy)", legacyErr)
		}
		assignments, err = c.decoder.DecodeParaCoreAssignments(ctx, legacyRaw)
		if err != nil {
			return nil, subvterr.NewDecodeError(hash, "storage:para-core-assignments", 0, err)
		}
	}
	return assignments, nil
}

func (c *client) GetParaValidatorGroups(ctx context.Context, hash string) ([][]types.AccountId, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyParaSchedulerValidatorGroups)
	if err != nil {
		return nil, subvterr.NewTransportError("ParaScheduler.ValidatorGroups", err)
	}
	groups, err := c.decoder.DecodeParaValidatorGroups(ctx, raw)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "storage:ParaScheduler.ValidatorGroups", 0, err)
	}
	return groups, nil
}

func (c *client) GetParasActiveValidatorIndices(ctx context.Context, hash string) ([]uint32, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyParasSharedActiveValidatorIndices)
	if err != nil {
		return nil, subvterr.NewTransportError("ParasShared.ActiveValidatorIndices", err)
	}
	ids, err := c.decoder.DecodeAccountIdSet(ctx, raw)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "storage:ParasShared.ActiveValidatorIndices", 0, err)
	}
	out := make([]uint32, len(ids))
	for i := range ids {
		out[i] = uint32(i)
	}
	return out, nil
}

func (c *client) GetParaVotes(ctx context.Context, hash string) (map[uint32][]types.AccountId, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyParasDisputesVotes)
	if err != nil {
		return nil, subvterr.NewTransportError("ParasDisputes.Votes", err)
	}
	votes, err := c.decoder.DecodeParaVotes(ctx, raw)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "storage:ParasDisputes.Votes", 0, err)
	}
	return votes, nil
}

func (c *client) GetIdentities(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]types.IdentityRegistration, error) {
	keys := make([]string, len(ids))
	keyToId := make(map[string]types.AccountId, len(ids))
	for i, id := range ids {
		k := keyIdentityIdentityOf + ":" + id.Hex()
		keys[i] = k
		keyToId[k] = id
	}
	values, err := c.rpc.queryStorageAt(ctx, hash, keys)
	if err != nil {
		return nil, subvterr.NewTransportError("Identity.IdentityOf", err)
	}
	out := make(map[types.AccountId]types.IdentityRegistration, len(values))
	for key, raw := range values {
		if raw == "" {
			continue
		}
		reg, err := c.decoder.DecodeIdentity(ctx, raw)
		if err != nil {
			return nil, subvterr.NewDecodeError(hash, "storage:Identity.IdentityOf", 0, err)
		}
		out[keyToId[key]] = reg
	}
	return out, nil
}

func (c *client) GetParentAccountIds(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]types.AccountId, error) {
	keys := make([]string, len(ids))
	keyToId := make(map[string]types.AccountId, len(ids))
	for i, id := range ids {
		k := keyIdentitySuperOf + ":" + id.Hex()
		keys[i] = k
		keyToId[k] = id
	}
	values, err := c.rpc.queryStorageAt(ctx, hash, keys)
	if err != nil {
		return nil, subvterr.NewTransportError("Identity.SuperOf", err)
	}
	out := make(map[types.AccountId]types.AccountId, len(values))
	for key, raw := range values {
		if raw == "" {
			continue
		}
		parent, err := c.decoder.DecodeAccountId(ctx, raw)
		if err != nil {
			return nil, subvterr.NewDecodeError(hash, "storage:Identity.SuperOf", 0, err)
		}
		out[keyToId[key]] = parent
	}
	return out, nil
}

// GetTimestamp reads Timestamp.Now at hash, the wall-clock the block was
// authored at (§4.D step 1 "timestamp").
func (c *client) GetTimestamp(ctx context.Context, hash string) (uint64, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyTimestampNow)
	if err != nil {
		return 0, subvterr.NewTransportError("Timestamp.Now", err)
	}
	ms, err := c.decoder.DecodeU64(ctx, raw)
	if err != nil {
		return 0, subvterr.NewDecodeError(hash, "storage:Timestamp.Now", 0, err)
	}
	return ms, nil
}

// GetBlockAuthorAccountId decodes the BABE pre-digest author index out of
// header's raw digest logs and resolves it against the active validator set
// at hash (§4.D step 1). Returns nil, nil if the header carries no
// recognizable pre-digest (e.g. the genesis block).
func (c *client) GetBlockAuthorAccountId(ctx context.Context, hash string, header BlockHeader) (*types.AccountId, error) {
	index, ok, err := c.decoder.DecodeBabeAuthorIndex(ctx, header.DigestLogsHex)
	if err != nil {
		return nil, subvterr.NewDecodeError(hash, "header-digest:babe-predigest", 0, err)
	}
	if !ok {
		return nil, nil
	}
	active, err := c.GetActiveValidatorAccountIds(ctx, hash)
	if err != nil {
		return nil, err
	}
	if int(index) >= len(active) {
		return nil, nil
	}
	id := active[index]
	return &id, nil
}

// GetValidatorRegistrations batches Staking.Validators (preferences),
// Staking.Bonded (controller), Staking.Payee (reward destination) and
// Session.NextKeys (next session keys) for each id in one round of paged
// storage queries, mirroring the GetIdentities/GetParentAccountIds
// per-account-suffixed key pattern (§4.E.1 step 2).
func (c *client) GetValidatorRegistrations(ctx context.Context, hash string, ids []types.AccountId) (map[types.AccountId]ValidatorRegistration, error) {
	prefsKeys := make([]string, len(ids))
	bondedKeys := make([]string, len(ids))
	payeeKeys := make([]string, len(ids))
	nextKeysKeys := make([]string, len(ids))
	for i, id := range ids {
		prefsKeys[i] = keyStakingValidators + ":" + id.Hex()
		bondedKeys[i] = keyStakingBonded + ":" + id.Hex()
		payeeKeys[i] = keyStakingPayee + ":" + id.Hex()
		nextKeysKeys[i] = keySessionNextKeys + ":" + id.Hex()
	}
	prefsValues, err := c.rpc.queryStorageAt(ctx, hash, prefsKeys)
	if err != nil {
		return nil, subvterr.NewTransportError("Staking.Validators", err)
	}
	bondedValues, err := c.rpc.queryStorageAt(ctx, hash, bondedKeys)
	if err != nil {
		return nil, subvterr.NewTransportError("Staking.Bonded", err)
	}
	payeeValues, err := c.rpc.queryStorageAt(ctx, hash, payeeKeys)
	if err != nil {
		return nil, subvterr.NewTransportError("Staking.Payee", err)
	}
	nextKeysValues, err := c.rpc.queryStorageAt(ctx, hash, nextKeysKeys)
	if err != nil {
		return nil, subvterr.NewTransportError("Session.NextKeys", err)
	}
	out := make(map[types.AccountId]ValidatorRegistration, len(ids))
	for i, id := range ids {
		reg := ValidatorRegistration{NextSessionKeysHex: nextKeysValues[nextKeysKeys[i]]}
		if raw := prefsValues[prefsKeys[i]]; raw != "" {
			prefs, err := c.decoder.DecodeValidatorPrefs(ctx, raw)
			if err != nil {
				return nil, subvterr.NewDecodeError(hash, "storage:Staking.Validators", i, err)
			}
			reg.Preferences = prefs
		}
		if raw := bondedValues[bondedKeys[i]]; raw != "" {
			controller, err := c.decoder.DecodeAccountId(ctx, raw)
			if err != nil {
				return nil, subvterr.NewDecodeError(hash, "storage:Staking.Bonded", i, err)
			}
			reg.Controller = controller
		} else {
			reg.Controller = id
		}
		if raw := payeeValues[payeeKeys[i]]; raw != "" {
			dest, err := c.decoder.DecodeRewardDestination(ctx, raw)
			if err != nil {
				return nil, subvterr.NewDecodeError(hash, "storage:Staking.Payee", i, err)
			}
			reg.RewardDestination = dest
		}
		out[id] = reg
	}
	return out, nil
}

func (c *client) GetTotalValidatorCount(ctx context.Context, hash string) (uint32, error) {
	raw, err := c.rpc.getStorageRaw(ctx, hash, keyStakingCounterForValidators)
	if err != nil {
		return 0, subvterr.NewTransportError("Staking.CounterForValidators", err)
	}
	n, err := c.decoder.DecodeU32(ctx, raw)
	if err != nil {
		return 0, subvterr.NewDecodeError(hash, "storage:Staking.CounterForValidators", 0, err)
	}
	return n, nil
}
