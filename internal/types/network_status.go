package types

import "math/big"

// NetworkStatus is the summary published to `subscribe_networkStatus`
// subscribers (§3, §6).
type NetworkStatus struct {
	BestBlockNumber       uint32   `json:"best_block_number"`
	BestBlockHash         string   `json:"best_block_hash"`
	FinalizedBlockNumber  uint32   `json:"finalized_block_number"`
	FinalizedBlockHash    string   `json:"finalized_block_hash"`
	ActiveEra             Era      `json:"active_era"`
	CurrentEpoch          Epoch    `json:"current_epoch"`
	ActiveValidatorCount  int      `json:"active_validator_count"`
	InactiveValidatorCount int     `json:"inactive_validator_count"`
	TotalStake            *big.Int `json:"total_stake"`
	MinStake              *big.Int `json:"min_stake"`
	MaxStake              *big.Int `json:"max_stake"`
	AverageStake          *big.Int `json:"average_stake"`
	MedianStake           *big.Int `json:"median_stake"`
	ReturnRatePerMillion  uint32   `json:"return_rate_per_million"`
	EraRewardPointsSoFar  uint64   `json:"era_reward_points_so_far"`
}
