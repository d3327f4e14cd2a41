package types

import "math/big"

// NetworkStatusDiff is the field-level diff emitted to
// `subscribe_networkStatus` subscribers after the first full snapshot (§6).
type NetworkStatusDiff struct {
	BestBlockNumber        *uint32  `json:"best_block_number,omitempty"`
	BestBlockHash          *string  `json:"best_block_hash,omitempty"`
	FinalizedBlockNumber   *uint32  `json:"finalized_block_number,omitempty"`
	FinalizedBlockHash     *string  `json:"finalized_block_hash,omitempty"`
	ActiveEra              *Era     `json:"active_era,omitempty"`
	CurrentEpoch           *Epoch   `json:"current_epoch,omitempty"`
	ActiveValidatorCount   *int     `json:"active_validator_count,omitempty"`
	InactiveValidatorCount *int     `json:"inactive_validator_count,omitempty"`
	TotalStake             *big.Int `json:"total_stake,omitempty"`
	ReturnRatePerMillion   *uint32  `json:"return_rate_per_million,omitempty"`
	EraRewardPointsSoFar   *uint64  `json:"era_reward_points_so_far,omitempty"`
}

// DiffNetworkStatus computes the field-level diff between two NetworkStatus
// snapshots.
func DiffNetworkStatus(oldS, newS NetworkStatus) NetworkStatusDiff {
	var d NetworkStatusDiff
	if oldS.BestBlockNumber != newS.BestBlockNumber {
		v := newS.BestBlockNumber
		d.BestBlockNumber = &v
	}
	if oldS.BestBlockHash != newS.BestBlockHash {
		v := newS.BestBlockHash
		d.BestBlockHash = &v
	}
	if oldS.FinalizedBlockNumber != newS.FinalizedBlockNumber {
		v := newS.FinalizedBlockNumber
		d.FinalizedBlockNumber = &v
	}
	if oldS.FinalizedBlockHash != newS.FinalizedBlockHash {
		v := newS.FinalizedBlockHash
		d.FinalizedBlockHash = &v
	}
	if oldS.ActiveEra != newS.ActiveEra {
		v := newS.ActiveEra
		d.ActiveEra = &v
	}
	if oldS.CurrentEpoch != newS.CurrentEpoch {
		v := newS.CurrentEpoch
		d.CurrentEpoch = &v
	}
	if oldS.ActiveValidatorCount != newS.ActiveValidatorCount {
		v := newS.ActiveValidatorCount
		d.ActiveValidatorCount = &v
	}
	if oldS.InactiveValidatorCount != newS.InactiveValidatorCount {
		v := newS.InactiveValidatorCount
		d.InactiveValidatorCount = &v
	}
	if !bigIntEqual(oldS.TotalStake, newS.TotalStake) {
		d.TotalStake = newS.TotalStake
	}
	if oldS.ReturnRatePerMillion != newS.ReturnRatePerMillion {
		v := newS.ReturnRatePerMillion
		d.ReturnRatePerMillion = &v
	}
	if oldS.EraRewardPointsSoFar != newS.EraRewardPointsSoFar {
		v := newS.EraRewardPointsSoFar
		d.EraRewardPointsSoFar = &v
	}
	return d
}
